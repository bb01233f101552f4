package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calbot/internal/gateway/gatewaytest"
	"calbot/internal/handler"
	"calbot/internal/ics"
	"calbot/internal/model"
	"calbot/internal/store"
)

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// fakeSource serves a fixed set of occurrences regardless of the window,
// so a test can move the clock without re-seeding the feed.
type fakeSource struct {
	mu    sync.Mutex
	occs  []model.Occurrence
	err   error
	feeds []ics.Feed
}

func (s *fakeSource) Occurrences(_ context.Context, feed ics.Feed, _, _ time.Time) ([]model.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds = append(s.feeds, feed)
	if s.err != nil {
		return nil, s.err
	}
	return append([]model.Occurrence(nil), s.occs...), nil
}

func (s *fakeSource) set(occs ...model.Occurrence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occs = occs
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func occurrence(summary string, start time.Time) model.Occurrence {
	return model.Occurrence{
		Summary:     summary,
		Description: "<p>Bring snacks</p>",
		Location:    "Space",
		Start:       start,
		End:         start.Add(4 * time.Hour),
	}
}

type fixture struct {
	rec   *Reconciler
	recur *handler.RecurringAnnouncementHandler
	fake  *gatewaytest.Fake
	store *store.Store
	src   *fakeSource
	clock *clock
	pub   *recordingPublisher
}

func newFixture(t *testing.T, lookahead int) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fake := gatewaytest.New()
	r, err := handler.NewRenderer(nil, "", time.UTC)
	require.NoError(t, err)
	recur := handler.NewRecurring(handler.RecurringConfig{
		CalendarURL:           "https://cal.example/social.ics",
		LookaheadDays:         lookahead,
		PublicChannelID:       "900",
		PreviewChannelID:      "901",
		PreviewVoiceChannelID: "902",
		BlockEmoji:            "🛑",
	}, fake, st, r)
	reg, err := handler.NewRegistry(recur)
	require.NoError(t, err)

	f := &fixture{
		recur: recur,
		fake:  fake,
		store: st,
		src:   &fakeSource{},
		clock: &clock{now: t0},
		pub:   &recordingPublisher{},
	}
	f.rec = New(reg, f.src, fake, Options{Now: f.clock.Now, Publisher: f.pub})
	return f
}

func (f *fixture) pass(t *testing.T) PassReport {
	t.Helper()
	rep, err := f.rec.Pass(context.Background(), f.recur)
	require.NoError(t, err)
	return rep
}

func transitions(rep PassReport) []handler.Transition {
	out := make([]handler.Transition, 0, len(rep.Outcomes))
	for _, o := range rep.Outcomes {
		out = append(out, o.Transition)
	}
	return out
}

func TestSecondPassWithoutChangesMakesNoCalls(t *testing.T) {
	f := newFixture(t, 11)
	f.src.set(
		occurrence("Hack&Chill", t0.AddDate(0, 0, 5)),
		occurrence("Board games", t0.AddDate(0, 0, 20)),
	)

	rep := f.pass(t)
	assert.ElementsMatch(t,
		[]handler.Transition{handler.TransitionCreatedPublic, handler.TransitionCreatedPreview},
		transitions(rep))

	f.fake.ResetCalls()
	f.clock.Advance(5 * time.Minute)
	rep = f.pass(t)
	assert.Equal(t, []handler.Transition{handler.TransitionUnchanged, handler.TransitionUnchanged}, transitions(rep))
	assert.Empty(t, f.fake.Calls)
}

func TestLockoutBoundary(t *testing.T) {
	tests := []struct {
		name    string
		offset  time.Duration
		want    handler.Transition
		creates int
	}{
		{"inside lockout", 2*time.Hour + 59*time.Minute, handler.TransitionLocked, 0},
		{"outside lockout", 3*time.Hour + time.Minute, handler.TransitionCreatedPublic, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 11)
			f.src.set(occurrence("Hack&Chill", t0.Add(tc.offset)))

			rep := f.pass(t)
			require.Len(t, rep.Outcomes, 1)
			assert.Equal(t, tc.want, rep.Outcomes[0].Transition)
			assert.Equal(t, tc.creates, f.fake.CallCount("CreateScheduledEvent"))
		})
	}
}

func TestLockoutLeavesExistingEventAlone(t *testing.T) {
	f := newFixture(t, 11)
	f.src.set(occurrence("Hack&Chill", t0.AddDate(0, 0, 1)))
	f.pass(t)

	f.clock.Advance(22 * time.Hour)
	changed := occurrence("Hack&Chill", t0.AddDate(0, 0, 1))
	changed.Description = "moved to the roof"
	f.src.set(changed)
	f.fake.ResetCalls()

	rep := f.pass(t)
	assert.Equal(t, []handler.Transition{handler.TransitionLocked}, transitions(rep))
	assert.Empty(t, f.fake.Calls)
}

func TestPromotionVetoedByReactions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.src.set(occurrence("Hack&Chill", t0.AddDate(0, 0, 20)))
	f.pass(t)

	preview := f.fake.EventsByName("Hack&Chill")
	require.Len(t, preview, 1)
	rec, err := f.store.Get(ctx, preview[0].ID)
	require.NoError(t, err)
	f.fake.SetReactions(rec.MessageID, "🛑", 2)

	f.clock.Advance(11 * 24 * time.Hour)
	rep := f.pass(t)
	assert.Equal(t, []handler.Transition{handler.TransitionVetoed}, transitions(rep))
	assert.Empty(t, f.fake.EventsByName("Hack&Chill"))
	all, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	f.fake.ResetCalls()
	f.clock.Advance(5 * time.Minute)
	f.pass(t)
	assert.Zero(t, f.fake.CallCount("CreateScheduledEvent"))
}

func TestEndToEndPreviewThenPublic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.src.set(occurrence("Hack&Chill", t0.AddDate(0, 0, 20)))

	rep := f.pass(t)
	assert.Equal(t, []handler.Transition{handler.TransitionCreatedPreview}, transitions(rep))
	preview := f.fake.EventsByName("Hack&Chill")
	require.Len(t, preview, 1)
	previewRec, err := f.store.Get(ctx, preview[0].ID)
	require.NoError(t, err)
	assert.True(t, previewRec.IsPreview)

	// Eleven days later the event is nine days out.
	f.clock.Advance(11 * 24 * time.Hour)
	rep = f.pass(t)
	assert.Equal(t, []handler.Transition{handler.TransitionPromoted}, transitions(rep))

	_, err = f.store.Get(ctx, preview[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NotContains(t, f.fake.Messages, previewRec.MessageID)

	public := f.fake.EventsByName("Hack&Chill")
	require.Len(t, public, 1)
	assert.NotEqual(t, preview[0].ID, public[0].ID)
	rec, err := f.store.Get(ctx, public[0].ID)
	require.NoError(t, err)
	assert.False(t, rec.IsPreview)

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	assert.Equal(t, []string{"calbot.event.created_preview", "calbot.event.promoted"}, f.pub.topics)
}

func TestNamesAreTruncatedBeforeMatching(t *testing.T) {
	f := newFixture(t, 11)
	long := strings.Repeat("x", 120)
	f.src.set(occurrence(long, t0.AddDate(0, 0, 5)))

	f.pass(t)
	want := strings.Repeat("x", 95) + "..."
	require.Len(t, f.fake.EventsByName(want), 1)

	f.fake.ResetCalls()
	f.pass(t)
	assert.Empty(t, f.fake.Calls)
}

func TestOnlyEarliestOccurrencePerName(t *testing.T) {
	f := newFixture(t, 11)
	f.src.set(
		occurrence("Hack&Chill", t0.AddDate(0, 0, 8)),
		occurrence("Hack&Chill", t0.AddDate(0, 0, 1)),
	)

	rep := f.pass(t)
	require.Len(t, rep.Outcomes, 1)
	assert.True(t, rep.Outcomes[0].Start.Equal(t0.AddDate(0, 0, 1)))
	assert.Equal(t, 1, f.fake.CallCount("CreateScheduledEvent"))
}

func TestWeeklyNextInstancePreviewDependsOnLookahead(t *testing.T) {
	// Once this week's instance is over, next week's is the earliest
	// occurrence and is seen for the first time seven days out.
	cases := []struct {
		lookahead int
		want      handler.Transition
	}{
		{lookahead: 7, want: handler.TransitionCreatedPreview},
		{lookahead: 8, want: handler.TransitionCreatedPublic},
		{lookahead: 11, want: handler.TransitionCreatedPublic},
	}
	for _, tc := range cases {
		f := newFixture(t, tc.lookahead)
		f.src.set(
			occurrence("Hack&Chill", t0.AddDate(0, 0, 7)),
			occurrence("Hack&Chill", t0.AddDate(0, 0, 14)),
		)

		rep := f.pass(t)
		require.Len(t, rep.Outcomes, 1, "lookahead %d", tc.lookahead)
		assert.Equal(t, tc.want, rep.Outcomes[0].Transition, "lookahead %d", tc.lookahead)
	}
}

func TestFetchErrorSkipsHandlerPass(t *testing.T) {
	f := newFixture(t, 11)
	f.src.err = &ics.FetchError{URL: "https://cal.example/...", Err: errors.New("connection refused")}

	rep, err := f.rec.Pass(context.Background(), f.recur)
	var fe *ics.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, rep.Error, "connection refused")
	assert.Empty(t, f.fake.Calls)

	reports := f.rec.Reports()
	require.Len(t, reports, 1)
	assert.NotEmpty(t, reports[0].Error)
}

func TestListingFailureSkipsHandlerPass(t *testing.T) {
	f := newFixture(t, 11)
	f.src.set(occurrence("Hack&Chill", t0.AddDate(0, 0, 5)))
	f.fake.Fail["ScheduledEvents"] = errors.New("gateway down")

	_, err := f.rec.Pass(context.Background(), f.recur)
	assert.Error(t, err)
	assert.Zero(t, f.fake.CallCount("CreateScheduledEvent"))
}

// stubHandler lets a test script HandleEvent and observe notifications.
type stubHandler struct {
	kind   handler.Kind
	handle func(model.EventData) (handler.Transition, error)

	mu    sync.Mutex
	added []string
	err   error
}

func (s *stubHandler) Descriptor() handler.Descriptor {
	return handler.Descriptor{Kind: s.kind, CalendarURL: "https://cal.example/" + string(s.kind), LookaheadDays: 30}
}

func (s *stubHandler) HandleEvent(_ context.Context, data model.EventData, _ *model.PlatformEvent, _ time.Time) (handler.Transition, error) {
	return s.handle(data)
}

func (s *stubHandler) OnUserAdd(_ context.Context, ev model.PlatformEvent, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, ev.ID+"/"+userID)
	return s.err
}

func (s *stubHandler) OnUserRemove(context.Context, model.PlatformEvent, string) error { return s.err }

func (s *stubHandler) OnDelete(context.Context, model.PlatformEvent) error { return s.err }

func newStubReconciler(t *testing.T, src Source, hs ...handler.Handler) *Reconciler {
	t.Helper()
	reg, err := handler.NewRegistry(hs...)
	require.NoError(t, err)
	c := &clock{now: t0}
	return New(reg, src, gatewaytest.New(), Options{Now: c.Now})
}

func TestFailingEventDoesNotStopOthers(t *testing.T) {
	src := &fakeSource{}
	src.set(
		occurrence("boom", t0.AddDate(0, 0, 1)),
		occurrence("error", t0.AddDate(0, 0, 2)),
		occurrence("fine", t0.AddDate(0, 0, 3)),
	)
	h := &stubHandler{kind: handler.KindRecurring, handle: func(d model.EventData) (handler.Transition, error) {
		switch d.Name {
		case "boom":
			panic("nil map")
		case "error":
			return "", errors.New("HTTP 500")
		}
		return handler.TransitionCreatedPublic, nil
	}}
	rec := newStubReconciler(t, src, h)

	rep, err := rec.Pass(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, []handler.Transition{
		handler.TransitionFailed,
		handler.TransitionFailed,
		handler.TransitionCreatedPublic,
	}, transitions(rep))
	assert.Contains(t, rep.Outcomes[0].Error, "panic: nil map")
	assert.Contains(t, rep.Outcomes[1].Error, `event "error"`)
	assert.Equal(t, 2, rep.Failed())
}

func TestOverlappingPassIsRejected(t *testing.T) {
	src := &fakeSource{}
	src.set(occurrence("slow", t0.AddDate(0, 0, 1)))
	entered := make(chan struct{})
	release := make(chan struct{})
	h := &stubHandler{kind: handler.KindRecurring, handle: func(model.EventData) (handler.Transition, error) {
		close(entered)
		<-release
		return handler.TransitionUnchanged, nil
	}}
	rec := newStubReconciler(t, src, h)

	done := make(chan error, 1)
	go func() {
		_, err := rec.Pass(context.Background(), h)
		done <- err
	}()
	<-entered

	assert.True(t, rec.Running())
	_, err := rec.Pass(context.Background(), h)
	assert.ErrorIs(t, err, ErrPassInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, rec.Running())
}

func TestMatchByNamePrefersLowestID(t *testing.T) {
	live := []model.PlatformEvent{
		{ID: "101", Name: "Hack&Chill"},
		{ID: "99", Name: "Hack&Chill"},
		{ID: "100", Name: "Other"},
	}
	got := matchByName(live, "Hack&Chill")
	require.NotNil(t, got)
	assert.Equal(t, "99", got.ID)
	assert.Nil(t, matchByName(live, "Missing"))
}

func TestNotificationsFanOut(t *testing.T) {
	a := &stubHandler{kind: handler.KindRecurring}
	b := &stubHandler{kind: handler.KindCompetition, err: errors.New("forum gone")}
	rec := newStubReconciler(t, &fakeSource{}, a, b)

	ev := model.PlatformEvent{ID: "7", Name: "Some CTF"}
	err := rec.OnUserAdd(context.Background(), ev, "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "competition: forum gone")
	assert.Equal(t, []string{"7/u1"}, a.added)
	assert.Equal(t, []string{"7/u1"}, b.added)

	b.err = nil
	assert.NoError(t, rec.OnUserRemove(context.Background(), ev, "u1"))
	assert.NoError(t, rec.OnDelete(context.Background(), ev))
}

func TestRunOncePassesEveryHandler(t *testing.T) {
	src := &fakeSource{}
	src.set(occurrence("Some CTF", t0.AddDate(0, 0, 10)))
	ok := func(model.EventData) (handler.Transition, error) { return handler.TransitionCreatedPublic, nil }
	a := &stubHandler{kind: handler.KindRecurring, handle: ok}
	b := &stubHandler{kind: handler.KindCompetition, handle: ok}
	rec := newStubReconciler(t, src, a, b)

	reports, err := RunOnce(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, handler.KindRecurring, reports[0].Handler)
	assert.Equal(t, handler.KindCompetition, reports[1].Handler)
	assert.Len(t, rec.Reports(), 2)
	assert.Len(t, src.feeds, 2)
}

func TestRunOnceJoinsHandlerErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("feed down")}
	a := &stubHandler{kind: handler.KindRecurring}
	rec := newStubReconciler(t, src, a)

	_, err := RunOnce(context.Background(), rec)
	assert.ErrorContains(t, err, "feed down")
}

func TestRunOnceKeepsEveryHandlerError(t *testing.T) {
	src := &fakeSource{err: errors.New("feed down")}
	a := &stubHandler{kind: handler.KindRecurring}
	b := &stubHandler{kind: handler.KindCompetition}
	rec := newStubReconciler(t, src, a, b)

	reports, err := RunOnce(context.Background(), rec)
	require.Error(t, err)
	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	assert.Len(t, joined.Unwrap(), 2)
	require.Len(t, reports, 2)
	assert.NotEmpty(t, reports[0].Error)
	assert.NotEmpty(t, reports[1].Error)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	a := &stubHandler{kind: handler.KindRecurring}
	rec := newStubReconciler(t, &fakeSource{}, a)
	_, err := NewScheduler(rec, SchedulerConfig{Spec: "every now and then"})
	assert.Error(t, err)
}

func TestSchedulerRefresh(t *testing.T) {
	src := &fakeSource{}
	src.set(occurrence("Hack&Chill", t0.AddDate(0, 0, 1)))
	a := &stubHandler{kind: handler.KindRecurring, handle: func(model.EventData) (handler.Transition, error) {
		return handler.TransitionUnchanged, nil
	}}
	rec := newStubReconciler(t, src, a)

	s, err := NewScheduler(rec, SchedulerConfig{Spec: "@every 1h", Location: time.UTC})
	require.NoError(t, err)

	assert.True(t, s.Refresh())
	require.Eventually(t, func() bool { return len(rec.Reports()) == 1 }, 2*time.Second, 10*time.Millisecond)
}
