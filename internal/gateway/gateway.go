// Package gateway describes what the reconciler needs from the chat
// platform. The platform owns scheduled events; calbot only reads and
// mutates them through these interfaces.
package gateway

import (
	"context"
	"errors"

	"calbot/internal/model"
)

// ErrNotFound is returned when the referenced platform object is gone.
var ErrNotFound = errors.New("gateway: not found")

// EventFields is the payload for creating or editing a scheduled event.
// ChannelID is required for restricted (channel-backed) events and must
// be empty for public ones.
type EventFields struct {
	model.EventData
	ChannelID string
}

// MessageRef locates a message. The platform needs the channel as well as
// the message id.
type MessageRef struct {
	ChannelID string
	MessageID string
}

// Gateway is the scheduled-event and messaging surface.
type Gateway interface {
	ScheduledEvents(ctx context.Context) ([]model.PlatformEvent, error)
	CreateScheduledEvent(ctx context.Context, f EventFields) (model.PlatformEvent, error)
	EditScheduledEvent(ctx context.Context, id string, f EventFields) error
	DeleteScheduledEvent(ctx context.Context, id string) error

	SendMessage(ctx context.Context, channelID, text string) (string, error)
	EditMessage(ctx context.Context, ref MessageRef, text string) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AddReaction(ctx context.Context, ref MessageRef, emoji string) error
	ReactionCount(ctx context.Context, ref MessageRef, emoji string) (int, error)
}

// Forum is an access-controlled discussion space.
type Forum struct {
	ID   string
	Name string
}

// Spaces provisions discussion spaces and manages their membership.
type Spaces interface {
	// EnsureCategory returns the id of the category called name,
	// creating it if needed.
	EnsureCategory(ctx context.Context, name string) (string, error)
	FindCategory(ctx context.Context, name string) (string, bool, error)
	FindForum(ctx context.Context, categoryID, name string) (Forum, bool, error)
	// CreateForum creates a forum hidden from everyone by default.
	CreateForum(ctx context.Context, categoryID, name string, tags []string) (Forum, error)
	CreateThread(ctx context.Context, forumID, name, content string) (string, error)
	FindThread(ctx context.Context, forumID, name string) (string, bool, error)
	SetReadAccess(ctx context.Context, forumID, userID string, read bool) error
	AddThreadMember(ctx context.Context, threadID, userID string) error
}

// IgnoreNotFound maps ErrNotFound to nil. Deleting something that is
// already gone counts as success.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
