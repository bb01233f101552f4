package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calbot/internal/gateway"
	appLog "calbot/internal/log"
	"calbot/internal/model"
	"calbot/internal/store"
)

// RecordStore is the persistence the recurring handler needs.
type RecordStore interface {
	Get(ctx context.Context, eventID string) (model.EventRecord, error)
	Put(ctx context.Context, rec model.EventRecord) error
	Delete(ctx context.Context, eventID string) error
	AddVeto(ctx context.Context, v model.Veto) error
	IsVetoed(ctx context.Context, name string, start time.Time) (bool, error)
}

// RecurringConfig configures a RecurringAnnouncementHandler.
type RecurringConfig struct {
	CalendarURL   string
	LookaheadDays int

	// PublicChannelID receives public announcements.
	PublicChannelID string
	// PreviewChannelID receives preview announcements; only the
	// restricted audience can read it.
	PreviewChannelID string
	// PreviewVoiceChannelID backs restricted events. Channel-backed events
	// are the only kind the platform can hide from everyone.
	PreviewVoiceChannelID string

	BlockEmoji string
	// VetoThreshold is the block-reaction count a preview may carry and
	// still be promoted. The bot's own reaction counts.
	VetoThreshold int
}

// RecurringAnnouncementHandler materializes social events, first as a
// restricted preview and then, unless vetoed, as a public event.
type RecurringAnnouncementHandler struct {
	cfg      RecurringConfig
	gw       gateway.Gateway
	store    RecordStore
	renderer *Renderer
}

// NewRecurring returns a recurring announcement handler.
func NewRecurring(cfg RecurringConfig, gw gateway.Gateway, st RecordStore, r *Renderer) *RecurringAnnouncementHandler {
	if cfg.BlockEmoji == "" {
		cfg.BlockEmoji = "🛑"
	}
	if cfg.VetoThreshold <= 0 {
		cfg.VetoThreshold = 1
	}
	return &RecurringAnnouncementHandler{cfg: cfg, gw: gw, store: st, renderer: r}
}

func (h *RecurringAnnouncementHandler) Descriptor() Descriptor {
	return Descriptor{
		Kind:          KindRecurring,
		CalendarURL:   h.cfg.CalendarURL,
		LookaheadDays: h.cfg.LookaheadDays,
	}
}

// isPreviewWindow reports whether start is still too far away to be
// announced publicly.
func (h *RecurringAnnouncementHandler) isPreviewWindow(start, now time.Time) bool {
	return start.Sub(now) > time.Duration(h.cfg.LookaheadDays-1)*24*time.Hour
}

// HandleEvent implements the absent/preview/public state machine.
func (h *RecurringAnnouncementHandler) HandleEvent(ctx context.Context, data model.EventData, match *model.PlatformEvent, now time.Time) (Transition, error) {
	wantPreview := h.isPreviewWindow(data.Start, now)

	if match == nil {
		vetoed, err := h.store.IsVetoed(ctx, data.Name, data.Start)
		if err != nil {
			return "", err
		}
		if vetoed {
			appLog.Debug("occurrence was vetoed, not materializing", "name", data.Name, "start", data.Start.Format(time.RFC3339))
			return TransitionUnchanged, nil
		}
		if wantPreview {
			return h.create(ctx, data, true)
		}
		return h.create(ctx, data, false)
	}

	rec, hasRecord, err := h.record(ctx, match.ID)
	if err != nil {
		return "", err
	}
	isPreview := rec.IsPreview
	if !hasRecord {
		// Message creation failed after the event was created; the channel
		// still tells us which state the event is in.
		isPreview = match.ChannelID != "" && match.ChannelID == h.cfg.PreviewVoiceChannelID
	}

	if isPreview && !wantPreview {
		return h.promote(ctx, data, *match, rec, hasRecord, now)
	}
	return h.update(ctx, data, *match, rec, hasRecord, isPreview)
}

func (h *RecurringAnnouncementHandler) record(ctx context.Context, eventID string) (model.EventRecord, bool, error) {
	rec, err := h.store.Get(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return model.EventRecord{}, false, nil
	}
	if err != nil {
		return model.EventRecord{}, false, err
	}
	return rec, true, nil
}

func (h *RecurringAnnouncementHandler) fields(data model.EventData, preview bool) gateway.EventFields {
	f := gateway.EventFields{EventData: data}
	if preview {
		f.Visibility = model.VisibilityRestricted
		f.ChannelID = h.cfg.PreviewVoiceChannelID
		f.Location = ""
	} else {
		f.Visibility = model.VisibilityPublic
	}
	return f
}

func (h *RecurringAnnouncementHandler) messageChannel(preview bool) string {
	if preview {
		return h.cfg.PreviewChannelID
	}
	return h.cfg.PublicChannelID
}

// create materializes the event, posts its announcement and persists the
// association. Nothing is persisted unless every platform call succeeded.
func (h *RecurringAnnouncementHandler) create(ctx context.Context, data model.EventData, preview bool) (Transition, error) {
	ev, err := h.gw.CreateScheduledEvent(ctx, h.fields(data, preview))
	if err != nil {
		return "", fmt.Errorf("create scheduled event: %w", err)
	}

	text, err := h.renderer.Render(data, ev.URL)
	if err != nil {
		return "", err
	}
	channelID := h.messageChannel(preview)
	msgID, err := h.gw.SendMessage(ctx, channelID, text)
	if err != nil {
		return "", fmt.Errorf("send announcement: %w", err)
	}

	if preview {
		ref := gateway.MessageRef{ChannelID: channelID, MessageID: msgID}
		if err := h.gw.AddReaction(ctx, ref, h.cfg.BlockEmoji); err != nil {
			// Members can still add the reaction themselves.
			appLog.Warn("failed to add block reaction", "name", data.Name, "message_id", msgID, "err", err)
		}
	}

	if err := h.store.Put(ctx, model.EventRecord{EventID: ev.ID, MessageID: msgID, IsPreview: preview}); err != nil {
		return "", err
	}

	if preview {
		appLog.Info("created preview event", "name", data.Name, "event_id", ev.ID, "message_id", msgID)
		return TransitionCreatedPreview, nil
	}
	appLog.Info("created public event", "name", data.Name, "event_id", ev.ID, "message_id", msgID)
	return TransitionCreatedPublic, nil
}

// promote moves a preview into the public channel unless enough members
// blocked it. A veto is recorded before anything is deleted so a partly
// failed cleanup is finished on the next pass instead of being promoted.
func (h *RecurringAnnouncementHandler) promote(ctx context.Context, data model.EventData, ev model.PlatformEvent, rec model.EventRecord, hasRecord bool, now time.Time) (Transition, error) {
	vetoed, err := h.store.IsVetoed(ctx, data.Name, data.Start)
	if err != nil {
		return "", err
	}

	if !vetoed && hasRecord {
		ref := gateway.MessageRef{ChannelID: h.cfg.PreviewChannelID, MessageID: rec.MessageID}
		count, err := h.gw.ReactionCount(ctx, ref, h.cfg.BlockEmoji)
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return "", fmt.Errorf("count block reactions: %w", err)
		}
		if count > h.cfg.VetoThreshold {
			if err := h.store.AddVeto(ctx, model.Veto{Name: data.Name, Start: data.Start, VetoedAt: now}); err != nil {
				return "", err
			}
			vetoed = true
			appLog.Info("preview blocked by members", "name", data.Name, "reactions", count)
		}
	}

	if err := h.removePreview(ctx, ev, rec, hasRecord); err != nil {
		return "", err
	}

	if vetoed {
		return TransitionVetoed, nil
	}

	if _, err := h.create(ctx, data, false); err != nil {
		return "", fmt.Errorf("promote %s: %w", data.Name, err)
	}
	appLog.Info("promoted preview event", "name", data.Name, "preview_event_id", ev.ID)
	return TransitionPromoted, nil
}

func (h *RecurringAnnouncementHandler) removePreview(ctx context.Context, ev model.PlatformEvent, rec model.EventRecord, hasRecord bool) error {
	if hasRecord {
		ref := gateway.MessageRef{ChannelID: h.cfg.PreviewChannelID, MessageID: rec.MessageID}
		if err := gateway.IgnoreNotFound(h.gw.DeleteMessage(ctx, ref)); err != nil {
			return fmt.Errorf("delete preview announcement: %w", err)
		}
	}
	if err := gateway.IgnoreNotFound(h.gw.DeleteScheduledEvent(ctx, ev.ID)); err != nil {
		return fmt.Errorf("delete preview event: %w", err)
	}
	return h.store.Delete(ctx, ev.ID)
}

// update edits the event in place. The announcement is only re-rendered
// when the event itself changed.
func (h *RecurringAnnouncementHandler) update(ctx context.Context, data model.EventData, ev model.PlatformEvent, rec model.EventRecord, hasRecord, preview bool) (Transition, error) {
	fields := h.fields(data, preview)
	if !changed(ev, fields) {
		return TransitionUnchanged, nil
	}

	if err := h.gw.EditScheduledEvent(ctx, ev.ID, fields); err != nil {
		return "", fmt.Errorf("edit scheduled event: %w", err)
	}

	if hasRecord {
		text, err := h.renderer.Render(data, ev.URL)
		if err != nil {
			return "", err
		}
		ref := gateway.MessageRef{ChannelID: h.messageChannel(rec.IsPreview), MessageID: rec.MessageID}
		err = h.gw.EditMessage(ctx, ref, text)
		switch {
		case errors.Is(err, gateway.ErrNotFound):
			appLog.Warn("announcement message is gone", "name", data.Name, "message_id", rec.MessageID)
		case err != nil:
			return "", fmt.Errorf("edit announcement: %w", err)
		}
	}

	appLog.Info("updated event", "name", data.Name, "event_id", ev.ID, "preview", preview)
	return TransitionUpdated, nil
}

// OnDelete forgets the announcement of a deleted event.
func (h *RecurringAnnouncementHandler) OnDelete(ctx context.Context, ev model.PlatformEvent) error {
	if err := h.store.Delete(ctx, ev.ID); err != nil {
		return err
	}
	appLog.Info("deleted event record", "name", ev.Name, "event_id", ev.ID)
	return nil
}

func (h *RecurringAnnouncementHandler) OnUserAdd(context.Context, model.PlatformEvent, string) error {
	return nil
}

func (h *RecurringAnnouncementHandler) OnUserRemove(context.Context, model.PlatformEvent, string) error {
	return nil
}

func changed(ev model.PlatformEvent, f gateway.EventFields) bool {
	return ev.Name != f.Name ||
		!ev.Start.Equal(f.Start) ||
		!ev.End.Equal(f.End) ||
		ev.Description != f.Description ||
		ev.Location != f.Location ||
		(f.ChannelID != "" && ev.ChannelID != f.ChannelID)
}
