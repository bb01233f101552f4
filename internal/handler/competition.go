package handler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"calbot/internal/gateway"
	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// ForumTags are created on every competition forum.
var ForumTags = []string{"busy", "done", "stuck"}

// GeneralThread is the thread every participant is subscribed to.
const GeneralThread = "General"

// CompetitionConfig configures a MultiDayCompetitionHandler.
type CompetitionConfig struct {
	CalendarURL   string
	LookaheadDays int
	// CategoryPrefix names the yearly category, e.g. "CTFs - 2026".
	CategoryPrefix string
}

// MultiDayCompetitionHandler creates competition events once and gives
// each one a private forum that participants join by RSVPing.
//
// Events are never edited after creation: the calendar only carries
// whole days and organizers adjust the real times on the platform.
type MultiDayCompetitionHandler struct {
	cfg    CompetitionConfig
	gw     gateway.Gateway
	spaces gateway.Spaces

	mu          sync.Mutex
	provisioned map[string]bool // "category/slug" -> space exists
}

// NewCompetition returns a competition handler.
func NewCompetition(cfg CompetitionConfig, gw gateway.Gateway, spaces gateway.Spaces) *MultiDayCompetitionHandler {
	if cfg.CategoryPrefix == "" {
		cfg.CategoryPrefix = "CTFs"
	}
	return &MultiDayCompetitionHandler{
		cfg:         cfg,
		gw:          gw,
		spaces:      spaces,
		provisioned: make(map[string]bool),
	}
}

func (h *MultiDayCompetitionHandler) Descriptor() Descriptor {
	return Descriptor{
		Kind:          KindCompetition,
		CalendarURL:   h.cfg.CalendarURL,
		LookaheadDays: h.cfg.LookaheadDays,
	}
}

// HandleEvent creates the event on first sighting. A matched event is
// left alone, but its forum is provisioned if an earlier pass failed
// before getting that far.
func (h *MultiDayCompetitionHandler) HandleEvent(ctx context.Context, data model.EventData, match *model.PlatformEvent, _ time.Time) (Transition, error) {
	if match != nil {
		if h.isProvisioned(data.Name, match.Start) {
			return TransitionUnchanged, nil
		}
		created, err := h.provision(ctx, data.Name, match.Start)
		if err != nil {
			return "", err
		}
		if created {
			return TransitionUpdated, nil
		}
		return TransitionUnchanged, nil
	}

	fields := gateway.EventFields{EventData: data}
	fields.Visibility = model.VisibilityPublic
	ev, err := h.gw.CreateScheduledEvent(ctx, fields)
	if err != nil {
		return "", fmt.Errorf("create scheduled event: %w", err)
	}
	appLog.Info("created competition event", "name", data.Name, "event_id", ev.ID)

	if _, err := h.provision(ctx, data.Name, data.Start); err != nil {
		return "", err
	}
	return TransitionCreatedPublic, nil
}

func (h *MultiDayCompetitionHandler) isProvisioned(name string, start time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.provisioned[h.categoryName(start)+"/"+Slug(name)]
}

// provision ensures the yearly category and the event's forum exist.
// It reports whether a forum was created.
func (h *MultiDayCompetitionHandler) provision(ctx context.Context, name string, start time.Time) (bool, error) {
	slug := Slug(name)

	categoryID, err := h.spaces.EnsureCategory(ctx, h.categoryName(start))
	if err != nil {
		return false, fmt.Errorf("ensure category: %w", err)
	}

	_, found, err := h.spaces.FindForum(ctx, categoryID, slug)
	if err != nil {
		return false, fmt.Errorf("find forum: %w", err)
	}
	if !found {
		forum, err := h.spaces.CreateForum(ctx, categoryID, slug, ForumTags)
		if err != nil {
			return false, fmt.Errorf("create forum: %w", err)
		}
		content := fmt.Sprintf("General discussion thread for %s", name)
		if _, err := h.spaces.CreateThread(ctx, forum.ID, GeneralThread, content); err != nil {
			return false, fmt.Errorf("create general thread: %w", err)
		}
		appLog.Info("created competition forum", "name", name, "forum_id", forum.ID)
	}

	h.mu.Lock()
	h.provisioned[h.categoryName(start)+"/"+slug] = true
	h.mu.Unlock()
	return !found, nil
}

func (h *MultiDayCompetitionHandler) categoryName(start time.Time) string {
	return fmt.Sprintf("%s - %d", h.cfg.CategoryPrefix, start.Year())
}

// OnUserAdd grants the user access to the event's forum and subscribes
// them to its general thread.
func (h *MultiDayCompetitionHandler) OnUserAdd(ctx context.Context, ev model.PlatformEvent, userID string) error {
	return h.manageUser(ctx, ev, userID, true)
}

// OnUserRemove revokes the user's access to the event's forum.
func (h *MultiDayCompetitionHandler) OnUserRemove(ctx context.Context, ev model.PlatformEvent, userID string) error {
	return h.manageUser(ctx, ev, userID, false)
}

func (h *MultiDayCompetitionHandler) manageUser(ctx context.Context, ev model.PlatformEvent, userID string, read bool) error {
	categoryID, ok, err := h.spaces.FindCategory(ctx, h.categoryName(ev.Start))
	if err != nil || !ok {
		return err
	}
	forum, ok, err := h.spaces.FindForum(ctx, categoryID, Slug(ev.Name))
	if err != nil || !ok {
		return err
	}

	if err := h.spaces.SetReadAccess(ctx, forum.ID, userID, read); err != nil {
		return fmt.Errorf("set forum access: %w", err)
	}

	if read {
		threadID, ok, err := h.spaces.FindThread(ctx, forum.ID, GeneralThread)
		if err != nil {
			return fmt.Errorf("find general thread: %w", err)
		}
		if ok {
			if err := h.spaces.AddThreadMember(ctx, threadID, userID); err != nil {
				return fmt.Errorf("add thread member: %w", err)
			}
		}
	}

	appLog.Info("updated competition membership", "name", ev.Name, "user_id", userID, "read", read)
	return nil
}

// OnDelete is a no-op: forums outlive their events as an archive.
func (h *MultiDayCompetitionHandler) OnDelete(context.Context, model.PlatformEvent) error {
	return nil
}

// Slug is the forum name derived from an event name.
func Slug(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", "-"))
}
