package model

import "time"

// Occurrence is one concrete instance of a (possibly recurring) calendar
// entry, after recurrence expansion and timezone normalization. It is
// produced fresh on every poll and never stored.
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from the local start time.
	InstanceKey string

	Summary     string
	Description string // may be HTML
	Location    string

	AllDay bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

// Visibility controls where a platform event is materialized.
type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
)

// EventData is the canonical, platform-ready shape of an occurrence.
// Name and Description are already truncated to platform limits.
type EventData struct {
	Name        string
	Start       time.Time
	End         time.Time
	Location    string
	Description string
	Visibility  Visibility
}

// PlatformEvent is a scheduled event as the chat platform reports it.
type PlatformEvent struct {
	ID          string
	Name        string
	Start       time.Time
	End         time.Time
	ChannelID   string // set for channel-backed (restricted) events
	Location    string
	Description string
	URL         string
}

// EventRecord associates a platform event with its announcement message.
type EventRecord struct {
	EventID   string `json:"event_id"`
	MessageID string `json:"message_id"`
	IsPreview bool   `json:"is_preview"`
}

// Veto marks an occurrence whose promotion was blocked by reactions.
// It is keyed by name and start so the same occurrence is never
// re-created from the calendar.
type Veto struct {
	Name     string    `json:"name"`
	Start    time.Time `json:"start"`
	VetoedAt time.Time `json:"vetoed_at"`
}
