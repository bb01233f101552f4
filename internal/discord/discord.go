// Package discord implements the gateway interfaces on top of a Discord
// bot session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"calbot/internal/gateway"
	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// FallbackLocation is used for public events without a location; the
// platform requires one for external events.
const FallbackLocation = "See announcement"

// Client is a Discord-backed gateway.Gateway and gateway.Spaces for one
// guild.
type Client struct {
	s       *discordgo.Session
	guildID string
}

var (
	_ gateway.Gateway = (*Client)(nil)
	_ gateway.Spaces  = (*Client)(nil)
)

// New creates a client. The session is not opened.
func New(token, guildID string) (*Client, error) {
	if token == "" {
		return nil, errors.New("discord: empty token")
	}
	if guildID == "" {
		return nil, errors.New("discord: empty guild id")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentGuilds | discordgo.IntentGuildScheduledEvents
	return &Client{s: s, guildID: guildID}, nil
}

// Open connects the websocket so notifications start flowing.
func (c *Client) Open() error {
	return c.s.Open()
}

// Close disconnects the websocket.
func (c *Client) Close() error {
	return c.s.Close()
}

// translate maps a 404 to gateway.ErrNotFound.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", gateway.ErrNotFound, err)
	}
	return err
}

func opts(ctx context.Context) discordgo.RequestOption {
	return discordgo.WithContext(ctx)
}

func (c *Client) ScheduledEvents(ctx context.Context) ([]model.PlatformEvent, error) {
	evs, err := c.s.GuildScheduledEvents(c.guildID, false, opts(ctx))
	if err != nil {
		return nil, translate(err)
	}
	out := make([]model.PlatformEvent, 0, len(evs))
	for _, ev := range evs {
		out = append(out, toPlatformEvent(ev))
	}
	return out, nil
}

func (c *Client) CreateScheduledEvent(ctx context.Context, f gateway.EventFields) (model.PlatformEvent, error) {
	ev, err := c.s.GuildScheduledEventCreate(c.guildID, toParams(f), opts(ctx))
	if err != nil {
		return model.PlatformEvent{}, translate(err)
	}
	return toPlatformEvent(ev), nil
}

func (c *Client) EditScheduledEvent(ctx context.Context, id string, f gateway.EventFields) error {
	_, err := c.s.GuildScheduledEventEdit(c.guildID, id, toParams(f), opts(ctx))
	return translate(err)
}

func (c *Client) DeleteScheduledEvent(ctx context.Context, id string) error {
	return translate(c.s.GuildScheduledEventDelete(c.guildID, id, opts(ctx)))
}

func (c *Client) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	msg, err := c.s.ChannelMessageSend(channelID, text, opts(ctx))
	if err != nil {
		return "", translate(err)
	}
	return msg.ID, nil
}

func (c *Client) EditMessage(ctx context.Context, ref gateway.MessageRef, text string) error {
	_, err := c.s.ChannelMessageEdit(ref.ChannelID, ref.MessageID, text, opts(ctx))
	return translate(err)
}

func (c *Client) DeleteMessage(ctx context.Context, ref gateway.MessageRef) error {
	return translate(c.s.ChannelMessageDelete(ref.ChannelID, ref.MessageID, opts(ctx)))
}

func (c *Client) AddReaction(ctx context.Context, ref gateway.MessageRef, emoji string) error {
	return translate(c.s.MessageReactionAdd(ref.ChannelID, ref.MessageID, emoji, opts(ctx)))
}

func (c *Client) ReactionCount(ctx context.Context, ref gateway.MessageRef, emoji string) (int, error) {
	msg, err := c.s.ChannelMessage(ref.ChannelID, ref.MessageID, opts(ctx))
	if err != nil {
		return 0, translate(err)
	}
	return reactionCount(msg, emoji), nil
}

func reactionCount(msg *discordgo.Message, emoji string) int {
	for _, r := range msg.Reactions {
		if r.Emoji != nil && r.Emoji.Name == emoji {
			return r.Count
		}
	}
	return 0
}

func toParams(f gateway.EventFields) *discordgo.GuildScheduledEventParams {
	start, end := f.Start.UTC(), f.End.UTC()
	p := &discordgo.GuildScheduledEventParams{
		Name:               f.Name,
		Description:        f.Description,
		ScheduledStartTime: &start,
		ScheduledEndTime:   &end,
		PrivacyLevel:       discordgo.GuildScheduledEventPrivacyLevelGuildOnly,
	}
	if f.Visibility == model.VisibilityRestricted && f.ChannelID != "" {
		p.EntityType = discordgo.GuildScheduledEventEntityTypeVoice
		p.ChannelID = f.ChannelID
		return p
	}
	location := f.Location
	if location == "" {
		location = FallbackLocation
	}
	p.EntityType = discordgo.GuildScheduledEventEntityTypeExternal
	p.EntityMetadata = &discordgo.GuildScheduledEventEntityMetadata{Location: location}
	return p
}

func toPlatformEvent(ev *discordgo.GuildScheduledEvent) model.PlatformEvent {
	out := model.PlatformEvent{
		ID:          ev.ID,
		Name:        ev.Name,
		Start:       ev.ScheduledStartTime,
		ChannelID:   ev.ChannelID,
		Location:    ev.EntityMetadata.Location,
		Description: ev.Description,
		URL:         fmt.Sprintf("https://discord.com/events/%s/%s", ev.GuildID, ev.ID),
	}
	if ev.ScheduledEndTime != nil {
		out.End = *ev.ScheduledEndTime
	}
	if out.Location == FallbackLocation {
		out.Location = ""
	}
	return out
}

// Notifier receives scheduled event notifications.
type Notifier interface {
	OnUserAdd(ctx context.Context, ev model.PlatformEvent, userID string) error
	OnUserRemove(ctx context.Context, ev model.PlatformEvent, userID string) error
	OnDelete(ctx context.Context, ev model.PlatformEvent) error
}

// notifyTimeout bounds a single notification's platform calls.
const notifyTimeout = 30 * time.Second

// Listen forwards RSVP and deletion notifications of the client's guild
// to n. Call the returned function to stop.
func (c *Client) Listen(n Notifier) func() {
	removers := []func(){
		c.s.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildScheduledEventUserAdd) {
			c.onMembership(n, e.GuildID, e.GuildScheduledEventID, e.UserID, true)
		}),
		c.s.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildScheduledEventUserRemove) {
			c.onMembership(n, e.GuildID, e.GuildScheduledEventID, e.UserID, false)
		}),
		c.s.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildScheduledEventDelete) {
			if e.GuildScheduledEvent == nil || e.GuildID != c.guildID {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := n.OnDelete(ctx, toPlatformEvent(e.GuildScheduledEvent)); err != nil {
				appLog.Error("event delete notification failed", err, "event_id", e.ID)
			}
		}),
	}
	return func() {
		for _, rm := range removers {
			rm()
		}
	}
}

func (c *Client) onMembership(n Notifier, guildID, eventID, userID string, add bool) {
	if guildID != c.guildID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	ev, err := c.s.GuildScheduledEvent(guildID, eventID, false, opts(ctx))
	if err != nil {
		appLog.Error("fetch scheduled event failed", err, "event_id", eventID)
		return
	}
	pe := toPlatformEvent(ev)
	if add {
		err = n.OnUserAdd(ctx, pe, userID)
	} else {
		err = n.OnUserRemove(ctx, pe, userID)
	}
	if err != nil {
		appLog.Error("membership notification failed", err, "event_id", eventID, "user_id", userID, "add", add)
	}
}
