package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureOutput(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetLevel(LevelInfo)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t, LevelWarn)

	Debug("hidden debug")
	Info("hidden info")
	Warn("shown warn", "name", "Hack&Chill")
	Error("shown error", errors.New("boom"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown warn name=Hack&Chill")
	assert.Contains(t, out, "[ERROR] shown error err=boom")
}

func TestFormatKVsQuotesAndOddArgs(t *testing.T) {
	got := formatKVs("name", "Weekly Meetup", "count", 3, "dangling")
	assert.Equal(t, ` name="Weekly Meetup" count=3`, got)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" Warn "))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestCronLoggerRoutesErrors(t *testing.T) {
	buf := captureOutput(t, LevelDebug)

	CronLogger().Info("skip", "job", "recurring")
	CronLogger().Error(errors.New("panic"), "recovered")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[DEBUG] cron: skip job=recurring")
	assert.Contains(t, lines[1], "[ERROR] cron: recovered err=panic")
}
