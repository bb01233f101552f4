package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calbot/internal/config"
	"calbot/internal/events"
	"calbot/internal/gateway/gatewaytest"
	"calbot/internal/handler"
	"calbot/internal/model"
	"calbot/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "events.db")
	cfg.Channels.Public["announcements"] = "900"
	cfg.Channels.Private["announcements-preview"] = "901"
	cfg.Channels.Private["announcements-voice"] = "902"
	cfg.Handlers = []config.HandlerConfig{
		{Kind: config.KindRecurring, CalendarURL: "https://example.org/social.ics", LookaheadDays: 11},
		{Kind: config.KindCompetition, CalendarURL: "https://example.org/ctf.ics", LookaheadDays: 30, CategoryPrefix: "CTFs"},
	}
	return cfg
}

func TestBuildHandlersFollowsConfigOrder(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	fake := gatewaytest.New()

	hs, err := buildHandlers(cfg, fake, fake, st)
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, handler.KindRecurring, hs[0].Descriptor().Kind)
	assert.Equal(t, 11, hs[0].Descriptor().LookaheadDays)
	assert.Equal(t, handler.KindCompetition, hs[1].Descriptor().Kind)
	assert.Equal(t, "https://example.org/ctf.ics", hs[1].Descriptor().CalendarURL)

	_, err = handler.NewRegistry(hs...)
	assert.NoError(t, err)
}

func TestBuildHandlersErrors(t *testing.T) {
	fake := gatewaytest.New()

	cfg := testConfig(t)
	cfg.Channels.Private["announcements-voice"] = ""
	_, err := buildHandlers(cfg, fake, fake, nil)
	assert.ErrorContains(t, err, "announcements-voice")

	cfg = testConfig(t)
	cfg.Announce.Template = []string{"{{.Nope"}
	_, err = buildHandlers(cfg, fake, fake, nil)
	assert.ErrorContains(t, err, "announcement template")

	cfg = testConfig(t)
	cfg.Handlers = nil
	_, err = buildHandlers(cfg, fake, fake, nil)
	assert.Error(t, err)
}

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p, err := newPublisher("")
	require.NoError(t, err)
	assert.IsType(t, &events.NoopPublisher{}, p)
}

func TestRecordsCommandPrintsState(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database = filepath.Join(dir, "events.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Save(cfgPath, cfg))

	st, err := store.Open(cfg.Database)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, model.EventRecord{EventID: "101", MessageID: "102", IsPreview: true}))
	require.NoError(t, st.AddVeto(ctx, model.Veto{
		Name:     "Hack&Chill",
		Start:    time.Date(2026, 10, 22, 17, 0, 0, 0, time.UTC),
		VetoedAt: time.Date(2026, 10, 12, 17, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, st.Close())

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "records"})
	require.NoError(t, cmd.Execute())

	var got recordsOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got.Events, 1)
	assert.Equal(t, "101", got.Events[0].EventID)
	assert.True(t, got.Events[0].IsPreview)
	require.Len(t, got.Vetoes, 1)
	assert.Equal(t, "Hack&Chill", got.Vetoes[0].Name)
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Handlers = []config.HandlerConfig{{Kind: "birthday", CalendarURL: "https://example.org/b.ics"}}
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Save(cfgPath, cfg))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "records"})
	err := cmd.Execute()
	assert.ErrorContains(t, err, `unknown kind "birthday"`)
}
