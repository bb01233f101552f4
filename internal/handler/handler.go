// Package handler implements the per-kind transition logic that the
// reconciler applies to each normalized calendar occurrence.
package handler

import (
	"context"
	"fmt"
	"time"

	"calbot/internal/model"
)

// Kind names an event kind. Each kind has exactly one handler.
type Kind string

const (
	KindRecurring   Kind = "recurring"
	KindCompetition Kind = "competition"
)

// Descriptor is the immutable configuration of a handler.
type Descriptor struct {
	Kind          Kind
	CalendarURL   string
	LookaheadDays int
}

// Transition is the outcome of handling one occurrence.
type Transition string

const (
	TransitionCreatedPreview Transition = "created_preview"
	TransitionCreatedPublic  Transition = "created_public"
	TransitionPromoted       Transition = "promoted"
	TransitionVetoed         Transition = "vetoed"
	TransitionUpdated        Transition = "updated"
	TransitionUnchanged      Transition = "unchanged"
	TransitionLocked         Transition = "locked"
	TransitionFailed         Transition = "failed"
)

// Handler applies one event kind's side effects.
//
// HandleEvent receives the normalized occurrence and the platform event
// it matched by name, or nil if none did. now is the pass clock; handlers
// must not read the wall clock themselves.
//
// OnUserAdd, OnUserRemove and OnDelete are driven by platform
// notifications and may run concurrently with HandleEvent.
type Handler interface {
	Descriptor() Descriptor
	HandleEvent(ctx context.Context, data model.EventData, match *model.PlatformEvent, now time.Time) (Transition, error)
	OnUserAdd(ctx context.Context, ev model.PlatformEvent, userID string) error
	OnUserRemove(ctx context.Context, ev model.PlatformEvent, userID string) error
	OnDelete(ctx context.Context, ev model.PlatformEvent) error
}

// Registry holds one handler per kind, in registration order.
type Registry struct {
	handlers []Handler
	byKind   map[Kind]Handler
}

// NewRegistry builds a registry. Registering two handlers of the same kind
// is an error.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{byKind: make(map[Kind]Handler, len(handlers))}
	for _, h := range handlers {
		d := h.Descriptor()
		if _, dup := r.byKind[d.Kind]; dup {
			return nil, fmt.Errorf("handler: duplicate kind %q", d.Kind)
		}
		if d.LookaheadDays <= 0 {
			return nil, fmt.Errorf("handler %s: lookahead must be positive, got %d", d.Kind, d.LookaheadDays)
		}
		r.byKind[d.Kind] = h
		r.handlers = append(r.handlers, h)
	}
	return r, nil
}

// Handlers returns the registered handlers.
func (r *Registry) Handlers() []Handler {
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// Get returns the handler for kind.
func (r *Registry) Get(kind Kind) (Handler, bool) {
	h, ok := r.byKind[kind]
	return h, ok
}
