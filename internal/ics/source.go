package ics

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"calbot/internal/model"
)

// FetchError reports that a feed could not be downloaded or parsed.
// Reconciliation skips the handler for the current tick on this error.
type FetchError struct {
	URL string // redacted
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch calendar %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Source fetches a feed and expands it into concrete occurrences.
type Source struct {
	fetcher *Fetcher
	loc     *time.Location
}

// NewSource builds a Source. Occurrence times are reported in loc.
func NewSource(fetcher *Fetcher, loc *time.Location) *Source {
	if loc == nil {
		loc = time.Local
	}
	return &Source{fetcher: fetcher, loc: loc}
}

// Occurrences returns every occurrence of the feed whose start falls in
// [from, to), sorted by start.
func (s *Source) Occurrences(ctx context.Context, feed Feed, from, to time.Time) ([]model.Occurrence, error) {
	body, err := s.fetcher.Fetch(ctx, feed)
	if err != nil {
		// url.Error repeats the full URL, token included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = fmt.Errorf("%s: %w", ue.Op, ue.Err)
		}
		return nil, &FetchError{URL: redactURL(feed.URL), Err: err}
	}

	parsed, err := ParseICS(feed, body, s.loc)
	if err != nil {
		return nil, &FetchError{URL: redactURL(feed.URL), Err: fmt.Errorf("parse: %w", err)}
	}

	occ, err := ExpandOccurrences(parsed, ExpandConfig{
		DisplayLocation: s.loc,
		RangeStart:      from,
		RangeEnd:        to,
	})
	if err != nil {
		return nil, &FetchError{URL: redactURL(feed.URL), Err: err}
	}
	return occ, nil
}
