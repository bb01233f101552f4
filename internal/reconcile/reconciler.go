// Package reconcile runs polling passes that bring platform events in line
// with the calendar feeds, one pass per handler.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"calbot/internal/events"
	"calbot/internal/handler"
	"calbot/internal/ics"
	appLog "calbot/internal/log"
	"calbot/internal/model"
	"calbot/internal/normalize"
)

// DefaultLockout is how close to its start an event stops being touched.
const DefaultLockout = 3 * time.Hour

// ErrPassInFlight is returned when a handler's previous pass is still
// running.
var ErrPassInFlight = errors.New("reconcile: pass already in flight")

// Source yields calendar occurrences whose start lies in [from, to).
type Source interface {
	Occurrences(ctx context.Context, feed ics.Feed, from, to time.Time) ([]model.Occurrence, error)
}

// EventLister lists the live platform events.
type EventLister interface {
	ScheduledEvents(ctx context.Context) ([]model.PlatformEvent, error)
}

// TransitionError is a failed transition of a single event.
type TransitionError struct {
	Handler handler.Kind
	Event   string
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s handler: event %q: %v", e.Handler, e.Event, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Outcome is the result of handling one occurrence.
type Outcome struct {
	Name       string             `json:"name"`
	Start      time.Time          `json:"start"`
	EventID    string             `json:"event_id,omitempty"`
	Transition handler.Transition `json:"transition"`
	Error      string             `json:"error,omitempty"`
}

// PassReport summarizes one pass of one handler.
type PassReport struct {
	PassID     string       `json:"pass_id"`
	Handler    handler.Kind `json:"handler"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Error      string       `json:"error,omitempty"`
	Outcomes   []Outcome    `json:"outcomes"`
}

// Failed counts outcomes whose transition failed.
func (r PassReport) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Transition == handler.TransitionFailed {
			n++
		}
	}
	return n
}

// Options tune a Reconciler. Zero values select defaults.
type Options struct {
	Lockout   time.Duration
	Now       func() time.Time
	Publisher events.Publisher
}

// Reconciler owns the handler registry and runs passes over it.
type Reconciler struct {
	registry *handler.Registry
	source   Source
	lister   EventLister
	pub      events.Publisher
	lockout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running map[handler.Kind]bool
	reports map[handler.Kind]PassReport
}

// New returns a Reconciler.
func New(reg *handler.Registry, src Source, lister EventLister, opts Options) *Reconciler {
	if opts.Lockout <= 0 {
		opts.Lockout = DefaultLockout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Publisher == nil {
		opts.Publisher = &events.NoopPublisher{}
	}
	return &Reconciler{
		registry: reg,
		source:   src,
		lister:   lister,
		pub:      opts.Publisher,
		lockout:  opts.Lockout,
		now:      opts.Now,
		running:  make(map[handler.Kind]bool),
		reports:  make(map[handler.Kind]PassReport),
	}
}

// Handlers returns the registered handlers.
func (r *Reconciler) Handlers() []handler.Handler {
	return r.registry.Handlers()
}

func (r *Reconciler) acquire(kind handler.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[kind] {
		return false
	}
	r.running[kind] = true
	return true
}

func (r *Reconciler) release(report PassReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[report.Handler] = false
	r.reports[report.Handler] = report
}

// Running reports whether any pass is in flight.
func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.running {
		if v {
			return true
		}
	}
	return false
}

// Reports returns the last finished pass of each handler, in registry
// order. Handlers that never ran are omitted.
func (r *Reconciler) Reports() []PassReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PassReport, 0, len(r.reports))
	for _, h := range r.registry.Handlers() {
		if rep, ok := r.reports[h.Descriptor().Kind]; ok {
			out = append(out, rep)
		}
	}
	return out
}

// Pass runs one reconciliation pass for h. A feed or listing failure
// aborts the pass and is returned; per-event failures are only recorded
// in the report.
func (r *Reconciler) Pass(ctx context.Context, h handler.Handler) (PassReport, error) {
	d := h.Descriptor()
	if !r.acquire(d.Kind) {
		appLog.Warn("previous pass still running, skipping", "handler", d.Kind)
		return PassReport{}, ErrPassInFlight
	}

	now := r.now()
	report := PassReport{
		PassID:    uuid.Must(uuid.NewV7()).String(),
		Handler:   d.Kind,
		StartedAt: now,
		Outcomes:  []Outcome{},
	}
	defer func() {
		report.FinishedAt = r.now()
		r.release(report)
	}()

	err := r.pass(ctx, h, d, now, &report)
	if err != nil {
		report.Error = err.Error()
		appLog.Error("pass aborted", err, "handler", d.Kind, "pass_id", report.PassID)
		return report, err
	}

	appLog.Info("pass finished",
		"handler", d.Kind,
		"pass_id", report.PassID,
		"occurrences", len(report.Outcomes),
		"failed", report.Failed(),
	)
	return report, nil
}

func (r *Reconciler) pass(ctx context.Context, h handler.Handler, d handler.Descriptor, now time.Time, report *PassReport) error {
	feed := ics.Feed{ID: string(d.Kind), URL: d.CalendarURL}
	occs, err := r.source.Occurrences(ctx, feed, now, now.AddDate(0, 0, d.LookaheadDays))
	if err != nil {
		return err
	}

	live, err := r.lister.ScheduledEvents(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled events: %w", err)
	}

	for _, data := range uniqueByName(occs) {
		out := Outcome{Name: data.Name, Start: data.Start}

		if data.Start.Sub(now) < r.lockout {
			appLog.Debug("event inside lockout, skipping", "handler", d.Kind, "name", data.Name, "start", data.Start.Format(time.RFC3339))
			out.Transition = handler.TransitionLocked
			report.Outcomes = append(report.Outcomes, out)
			continue
		}

		match := matchByName(live, data.Name)
		if match != nil {
			out.EventID = match.ID
		}

		tr, err := r.apply(ctx, h, data, match, now)
		if err != nil {
			terr := &TransitionError{Handler: d.Kind, Event: data.Name, Err: err}
			appLog.Error("transition failed", terr, "handler", d.Kind, "name", data.Name, "pass_id", report.PassID)
			out.Transition = handler.TransitionFailed
			out.Error = terr.Error()
		} else {
			out.Transition = tr
			if tr != handler.TransitionUnchanged {
				appLog.Info("transition applied", "handler", d.Kind, "name", data.Name, "transition", tr, "pass_id", report.PassID)
			}
		}
		report.Outcomes = append(report.Outcomes, out)

		if out.Transition != handler.TransitionUnchanged {
			r.publish(ctx, report.PassID, d.Kind, out)
		}
	}
	return nil
}

// apply isolates a single transition; a panicking handler fails only
// this event.
func (r *Reconciler) apply(ctx context.Context, h handler.Handler, data model.EventData, match *model.PlatformEvent, now time.Time) (tr handler.Transition, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.HandleEvent(ctx, data, match, now)
}

func (r *Reconciler) publish(ctx context.Context, passID string, kind handler.Kind, out Outcome) {
	ev := events.Transitioned{
		PassID:     passID,
		Handler:    string(kind),
		Name:       out.Name,
		Start:      out.Start,
		Transition: string(out.Transition),
		Error:      out.Error,
		At:         r.now(),
	}
	if err := r.pub.Publish(ctx, events.Topic(string(out.Transition)), ev); err != nil {
		appLog.Warn("failed to publish outcome", "name", out.Name, "err", err)
	}
}

// uniqueByName normalizes occurrences and keeps the earliest one per name.
// Later occurrences of the same series are picked up once the earlier one
// has passed.
func uniqueByName(occs []model.Occurrence) []model.EventData {
	sorted := make([]model.Occurrence, len(occs))
	copy(sorted, occs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	seen := make(map[string]bool, len(sorted))
	out := make([]model.EventData, 0, len(sorted))
	for _, occ := range sorted {
		data := normalize.Normalize(occ)
		if data.Name == "" {
			continue
		}
		if seen[data.Name] {
			appLog.Debug("later occurrence of same name deferred", "name", data.Name, "start", data.Start.Format(time.RFC3339))
			continue
		}
		seen[data.Name] = true
		out = append(out, data)
	}
	return out
}

// matchByName returns the live event called name. Several events with the
// same name cannot be told apart; the lowest id wins.
func matchByName(live []model.PlatformEvent, name string) *model.PlatformEvent {
	var (
		best  *model.PlatformEvent
		count int
	)
	for i := range live {
		if live[i].Name != name {
			continue
		}
		count++
		if best == nil || idLess(live[i].ID, best.ID) {
			best = &live[i]
		}
	}
	if count > 1 {
		appLog.Warn("several platform events share a name, using lowest id", "name", name, "count", count, "event_id", best.ID)
	}
	return best
}

// idLess orders numeric ids without parsing them.
func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// OnUserAdd forwards an RSVP to every handler.
func (r *Reconciler) OnUserAdd(ctx context.Context, ev model.PlatformEvent, userID string) error {
	return r.dispatch("user_add", ev, func(h handler.Handler) error {
		return h.OnUserAdd(ctx, ev, userID)
	})
}

// OnUserRemove forwards an un-RSVP to every handler.
func (r *Reconciler) OnUserRemove(ctx context.Context, ev model.PlatformEvent, userID string) error {
	return r.dispatch("user_remove", ev, func(h handler.Handler) error {
		return h.OnUserRemove(ctx, ev, userID)
	})
}

// OnDelete forwards a platform event deletion to every handler.
func (r *Reconciler) OnDelete(ctx context.Context, ev model.PlatformEvent) error {
	return r.dispatch("delete", ev, func(h handler.Handler) error {
		return h.OnDelete(ctx, ev)
	})
}

func (r *Reconciler) dispatch(op string, ev model.PlatformEvent, fn func(handler.Handler) error) error {
	var errs []error
	for _, h := range r.registry.Handlers() {
		kind := h.Descriptor().Kind
		err := func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return fn(h)
		}()
		if err != nil {
			appLog.Error("notification handling failed", err, "op", op, "handler", kind, "event_id", ev.ID, "name", ev.Name)
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}
