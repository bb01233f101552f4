// Package events publishes reconciliation outcomes to a message bus.
package events

import (
	"context"
	"time"
)

// TopicPrefix is prepended to the transition name to form the subject,
// e.g. "calbot.event.promoted".
const TopicPrefix = "calbot.event."

// TopicAll matches every outcome subject.
const TopicAll = TopicPrefix + ">"

// Topic returns the subject for a transition.
func Topic(transition string) string {
	return TopicPrefix + transition
}

// Transitioned is published for every occurrence that changed state or
// failed to.
type Transitioned struct {
	PassID     string    `json:"pass_id"`
	Handler    string    `json:"handler"`
	Name       string    `json:"name"`
	Start      time.Time `json:"start"`
	Transition string    `json:"transition"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
