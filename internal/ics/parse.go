package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calbot/internal/log"
)

// ParsedEvent is a VEVENT as read from the feed, before recurrence
// expansion.
type ParsedEvent struct {
	Feed Feed

	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, set on overrides
	IsOverride bool
	Cancelled  bool // STATUS:CANCELLED
}

// ParseICS parses a feed body into events. Floating times and all-day
// dates are interpreted in loc. A VEVENT that fails to parse is logged
// and skipped; only an unreadable calendar is an error.
func ParseICS(feed Feed, body []byte, loc *time.Location) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(feed, comp, loc)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "id", feed.ID, "reason", perr.Error())
			continue
		}
		// Cancelled overrides are kept so expansion can drop their instance.
		if ev.Cancelled && !ev.IsOverride {
			appLog.Debug("ics cancelled vevent skipped", "id", feed.ID, "uid", ev.UID)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", feed.ID, "event_count", len(events))
	return events, nil
}

func parseVEvent(feed Feed, ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	out := ParsedEvent{Feed: feed}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), string(ical.ObjectStatusCancelled))
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := parseDateProp(dtStart, loc)
	if err != nil {
		return out, err
	}
	out.Start = start
	out.AllDay = allDay

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		end, _, err := parseDateProp(dtEnd, loc)
		if err != nil {
			return out, err
		}
		out.End = end
	} else if durProp := ve.GetProperty(ical.ComponentPropertyDuration); durProp != nil {
		d, err := parseDuration(durProp.Value)
		if err != nil {
			return out, err
		}
		if allDay {
			out.End = start.AddDate(0, 0, int(d/(24*time.Hour)))
		} else {
			out.End = start.Add(d)
		}
	} else if allDay {
		// RFC 5545: an all-day event without DTEND lasts one day.
		out.End = start.AddDate(0, 0, 1)
	} else {
		out.End = start
	}
	if out.End.Before(out.Start) {
		return out, errors.New("DTEND before DTSTART")
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	// EXDATE can appear multiple times, each with a comma-separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := paramValue(p.ICalParameters, "TZID")
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, tzid, loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if ridProp := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); ridProp != nil {
		tzid := paramValue(ridProp.ICalParameters, "TZID")
		if t, err := parseICSTime(ridProp.Value, tzid, loc); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// parseDateProp reads DTSTART/DTEND honoring VALUE=DATE and TZID.
func parseDateProp(p *ical.IANAProperty, loc *time.Location) (time.Time, bool, error) {
	allDay := strings.EqualFold(paramValue(p.ICalParameters, "VALUE"), "DATE") ||
		!strings.Contains(p.Value, "T")
	t, err := parseICSTime(p.Value, paramValue(p.ICalParameters, "TZID"), loc)
	return t, allDay, err
}

func paramValue(params map[string][]string, key string) string {
	if params == nil {
		return ""
	}
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseICSTime parses DATE / DATE-TIME / UTC DATE-TIME values. A TZID
// that cannot be loaded falls back to loc.
func parseICSTime(v, tzid string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	in := loc
	if tzid != "" {
		if l, err := time.LoadLocation(strings.Trim(tzid, `"`)); err == nil {
			in = l
		}
	}

	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, in)
	}
	return time.ParseInLocation("20060102", v, in)
}

// parseDuration reads an RFC 5545 DURATION such as "PT2H30M", "P1D" or
// "P2W". Negative durations are rejected.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "+")
	if strings.HasPrefix(v, "-") {
		return 0, fmt.Errorf("negative DURATION %q", v)
	}
	if !strings.HasPrefix(v, "P") || len(v) < 3 {
		return 0, fmt.Errorf("invalid DURATION %q", v)
	}

	var total time.Duration
	inTime, timeUnits := false, 0
	num := ""
	for _, r := range v[1:] {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			if inTime || num != "" {
				return 0, fmt.Errorf("invalid DURATION %q", v)
			}
			inTime = true
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0, fmt.Errorf("invalid DURATION %q", v)
		}
		num = ""
		if inTime {
			timeUnits++
		}
		unit := time.Duration(n)
		switch {
		case r == 'W' && !inTime:
			total += unit * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += unit * 24 * time.Hour
		case r == 'H' && inTime:
			total += unit * time.Hour
		case r == 'M' && inTime:
			total += unit * time.Minute
		case r == 'S' && inTime:
			total += unit * time.Second
		default:
			return 0, fmt.Errorf("invalid DURATION %q", v)
		}
	}
	if num != "" || (inTime && timeUnits == 0) {
		return 0, fmt.Errorf("invalid DURATION %q", v)
	}
	return total, nil
}
