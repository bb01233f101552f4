package discord

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calbot/internal/gateway"
	"calbot/internal/model"
)

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New("", "1")
	assert.Error(t, err)
	_, err = New("token", "")
	assert.Error(t, err)

	c, err := New("token", "1")
	require.NoError(t, err)
	assert.Equal(t, "Bot token", c.s.Token)
}

func TestTranslateNotFound(t *testing.T) {
	notFound := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	assert.ErrorIs(t, translate(notFound), gateway.ErrNotFound)

	forbidden := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}
	assert.NotErrorIs(t, translate(forbidden), gateway.ErrNotFound)

	assert.NoError(t, translate(nil))
	other := errors.New("timeout")
	assert.Equal(t, other, translate(other))
}

func TestToParamsRestricted(t *testing.T) {
	start := time.Date(2026, 10, 22, 19, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	p := toParams(gateway.EventFields{
		EventData: model.EventData{
			Name:       "Hack&Chill",
			Start:      start,
			End:        start.Add(4 * time.Hour),
			Visibility: model.VisibilityRestricted,
		},
		ChannelID: "902",
	})

	assert.Equal(t, discordgo.GuildScheduledEventEntityTypeVoice, p.EntityType)
	assert.Equal(t, "902", p.ChannelID)
	assert.Nil(t, p.EntityMetadata)
	assert.True(t, p.ScheduledStartTime.Equal(start))
	assert.Equal(t, time.UTC, p.ScheduledStartTime.Location())
}

func TestToParamsPublicNeedsLocation(t *testing.T) {
	p := toParams(gateway.EventFields{EventData: model.EventData{Name: "Meetup", Visibility: model.VisibilityPublic}})
	assert.Equal(t, discordgo.GuildScheduledEventEntityTypeExternal, p.EntityType)
	require.NotNil(t, p.EntityMetadata)
	assert.Equal(t, FallbackLocation, p.EntityMetadata.Location)
	assert.Empty(t, p.ChannelID)

	p = toParams(gateway.EventFields{EventData: model.EventData{Name: "Meetup", Location: "Space"}})
	assert.Equal(t, "Space", p.EntityMetadata.Location)
}

func TestToPlatformEvent(t *testing.T) {
	start := time.Date(2026, 10, 22, 17, 0, 0, 0, time.UTC)
	end := start.Add(4 * time.Hour)
	ev := toPlatformEvent(&discordgo.GuildScheduledEvent{
		ID:                 "555",
		GuildID:            "1",
		Name:               "Meetup",
		ScheduledStartTime: start,
		ScheduledEndTime:   &end,
		EntityMetadata:     discordgo.GuildScheduledEventEntityMetadata{Location: FallbackLocation},
	})

	assert.Equal(t, "555", ev.ID)
	assert.Equal(t, end, ev.End)
	assert.Empty(t, ev.Location, "fallback location reads back as empty")
	assert.Equal(t, "https://discord.com/events/1/555", ev.URL)
}

func TestReactionCount(t *testing.T) {
	msg := &discordgo.Message{Reactions: []*discordgo.MessageReactions{
		{Count: 4, Emoji: &discordgo.Emoji{Name: "👍"}},
		{Count: 2, Emoji: &discordgo.Emoji{Name: "🛑"}},
	}}
	assert.Equal(t, 2, reactionCount(msg, "🛑"))
	assert.Equal(t, 0, reactionCount(msg, "🎉"))
}

func TestFindChannelMatchesTypeParentAndName(t *testing.T) {
	chs := []*discordgo.Channel{
		{ID: "1", Name: "CTFs - 2026", Type: discordgo.ChannelTypeGuildCategory},
		{ID: "2", Name: "some-ctf", Type: discordgo.ChannelTypeGuildText, ParentID: "1"},
		{ID: "3", Name: "some-ctf", Type: discordgo.ChannelTypeGuildForum, ParentID: "9"},
		{ID: "4", Name: "some-ctf", Type: discordgo.ChannelTypeGuildForum, ParentID: "1"},
	}

	ch, ok := findChannel(chs, discordgo.ChannelTypeGuildForum, "1", "some-ctf")
	require.True(t, ok)
	assert.Equal(t, "4", ch.ID)

	_, ok = findChannel(chs, discordgo.ChannelTypeGuildCategory, "", "CTFs - 2025")
	assert.False(t, ok)
}

func TestThreadByName(t *testing.T) {
	list := &discordgo.ThreadsList{Threads: []*discordgo.Channel{
		{ID: "10", Name: "General", ParentID: "other"},
		{ID: "11", Name: "General", ParentID: "forum"},
	}}
	id, ok := threadByName(list, "forum", "General")
	assert.True(t, ok)
	assert.Equal(t, "11", id)

	_, ok = threadByName(nil, "forum", "General")
	assert.False(t, ok)
}
