package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calbot/internal/handler"
	appLog "calbot/internal/log"
)

// VetoPruner drops vetoes of occurrences that are long gone.
type VetoPruner interface {
	PruneVetoes(ctx context.Context, cutoff time.Time) (int64, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Spec is a robfig/cron schedule, e.g. "*/5 * * * *" or "@every 1m".
	Spec     string
	Location *time.Location
	// Pruner, if set, is run daily.
	Pruner VetoPruner
}

// Scheduler ticks one cron job per handler. A tick that finds the
// previous pass of the same handler still running is skipped.
type Scheduler struct {
	rec  *Reconciler
	cron *cron.Cron
}

// NewScheduler registers the jobs but does not start them.
func NewScheduler(rec *Reconciler, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	logger := appLog.CronLogger()
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	for _, h := range rec.Handlers() {
		h := h
		if _, err := c.AddFunc(cfg.Spec, func() { runPass(context.Background(), rec, h) }); err != nil {
			return nil, err
		}
	}

	if cfg.Pruner != nil {
		pruner := cfg.Pruner
		_, err := c.AddFunc("@daily", func() {
			cutoff := rec.now().Add(-24 * time.Hour)
			n, err := pruner.PruneVetoes(context.Background(), cutoff)
			if err != nil {
				appLog.Error("prune vetoes failed", err)
				return
			}
			appLog.Debug("pruned vetoes", "count", n)
		})
		if err != nil {
			return nil, err
		}
	}

	return &Scheduler{rec: rec, cron: c}, nil
}

// runPass drops the error: Pass logs it and the next tick retries.
func runPass(ctx context.Context, rec *Reconciler, h handler.Handler) {
	_, _ = rec.Pass(ctx, h)
}

// Start starts the cron scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running passes or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Refresh starts a pass of every handler in the background unless one is
// already running. It reports whether passes were started.
func (s *Scheduler) Refresh() bool {
	if s.rec.Running() {
		return false
	}
	go func() {
		if _, err := RunOnce(context.Background(), s.rec); err != nil {
			appLog.Warn("manual refresh finished with errors", "err", err)
		}
	}()
	return true
}

// RunOnce runs one pass of every handler concurrently and waits for all
// of them. Handlers do not share state, so one failing feed does not stop
// the others.
func RunOnce(ctx context.Context, rec *Reconciler) ([]PassReport, error) {
	handlers := rec.Handlers()
	reports := make([]PassReport, len(handlers))
	errs := make([]error, len(handlers))

	var wg sync.WaitGroup
	for i, h := range handlers {
		i, h := i, h
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = rec.Pass(ctx, h)
		}()
	}
	wg.Wait()

	return reports, errors.Join(errs...)
}
