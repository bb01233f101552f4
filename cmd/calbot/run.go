package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	appLog "calbot/internal/log"
	"calbot/internal/reconcile"
	"calbot/internal/web"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Listen string
	NoWeb  bool
}

// NewRunCommand creates the long-running bot command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "run",
		Short:         "Reconcile on a schedule and react to event notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&opts.NoWeb, "no-web", false, "do not start the status API")

	return cmd
}

func runBot(parent context.Context, opts *RunOptions) error {
	cfg := opts.Config
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if parent == nil {
		parent = context.Background()
	}

	appLog.Info("calbot starting",
		"version", version,
		"guild_id", cfg.GuildID,
		"timezone", cfg.Timezone,
		"refresh", cfg.RefreshCron,
		"lockout", time.Duration(cfg.Lockout).String(),
		"handlers", len(cfg.Handlers),
	)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := reconcile.NewScheduler(a.rec, reconcile.SchedulerConfig{
		Spec:     cfg.RefreshCron,
		Location: cfg.Location(),
		Pruner:   a.store,
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.RefreshCron, err)
	}

	stopListening := a.client.Listen(a.rec)
	defer stopListening()
	if err := a.client.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer func() {
		if err := a.client.Close(); err != nil {
			appLog.Warn("discord close failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Start()
	// Reconcile right away instead of waiting for the first tick.
	sched.Refresh()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Listen != "" && !opts.NoWeb {
		srv := web.NewServer(cfg, a.rec, a.store, sched)
		g.Go(func() error { return srv.Serve(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()

	appLog.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Stop(stopCtx)

	appLog.Info("calbot exiting")
	return err
}
