package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calbot/internal/log"
	"calbot/internal/model"
)

const defaultMaxOccurrencesPerEvent = 500

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone all occurrences are converted to.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// Occurrences whose start falls in [RangeStart, RangeEnd) are kept.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single RRULE expansion.
	MaxOccurrencesPerEvent int
}

// ExpandOccurrences turns parsed events into concrete occurrences
// within the configured window, sorted by start. It handles
//
//   - single non-recurring events
//   - RRULE recurrence with EXDATE removal
//   - RECURRENCE-ID overrides (moved, retitled or cancelled instances)
//   - all-day events
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) ([]model.Occurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	out := make([]model.Occurrence, 0)
	for uid, bases := range baseByUID {
		for _, ev := range bases {
			if ev.RawRRule == "" {
				out = appendInWindow(out, ev, ev.Start, ev.End, cfg)
				continue
			}
			occ, hitCap := expandRecurring(ev, overridesByUID[uid], cfg)
			if hitCap {
				appLog.Warn("expand: occurrences truncated at cap", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
			}
			out = append(out, occ...)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].Summary < out[j].Summary
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Occurrence, bool) {
	out := make([]model.Occurrence, 0)

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Widen the lookup by the event duration so an override that moves an
	// instance into the window from just outside it is still found.
	dur := ev.End.Sub(ev.Start)
	from := cfg.RangeStart.Add(-dur - 24*time.Hour).In(ev.Start.Location())
	to := cfg.RangeEnd.Add(24 * time.Hour).In(ev.Start.Location())
	starts := set.Between(from, to, true)

	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, s := range starts {
		start, end, inst := s, s.Add(dur), ev
		if ev.AllDay {
			start = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, s.Location())
			end = start.AddDate(0, 0, int(dur.Hours()/24+0.5))
			if !end.After(start) {
				end = start.AddDate(0, 0, 1)
			}
		}
		if o, ok := findOverride(overrides, s); ok {
			if o.Cancelled {
				continue
			}
			start, end, inst = o.Start, o.End, o
		}
		out = appendInWindow(out, inst, start, end, cfg)
	}
	return out, hitCap
}

// findOverride returns the override whose RECURRENCE-ID equals start.
func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func appendInWindow(out []model.Occurrence, ev ParsedEvent, start, end time.Time, cfg ExpandConfig) []model.Occurrence {
	if start.Before(cfg.RangeStart) || !start.Before(cfg.RangeEnd) {
		return out
	}
	startLocal := start.In(cfg.DisplayLocation)
	return append(out, model.Occurrence{
		SourceID:    ev.Feed.ID,
		UID:         ev.UID,
		InstanceKey: startLocal.Format(time.RFC3339),
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       startLocal,
		End:         end.In(cfg.DisplayLocation),
	})
}
