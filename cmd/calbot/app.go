package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"calbot/internal/config"
	"calbot/internal/discord"
	"calbot/internal/events"
	"calbot/internal/gateway"
	"calbot/internal/handler"
	"calbot/internal/ics"
	appLog "calbot/internal/log"
	"calbot/internal/reconcile"
	"calbot/internal/store"
)

const feedTimeout = 15 * time.Second

// app is everything a running bot needs, wired from one config.
type app struct {
	cfg    *config.Config
	store  *store.Store
	client *discord.Client
	pub    events.Publisher
	rec    *reconcile.Reconciler
}

func newApp(cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = store.Open(cfg.Database); err != nil {
		return nil, err
	}
	if a.client, err = discord.New(cfg.Token, cfg.GuildID); err != nil {
		return nil, err
	}
	if a.pub, err = newPublisher(cfg.NATSURL); err != nil {
		return nil, err
	}

	var hs []handler.Handler
	if hs, err = buildHandlers(cfg, a.client, a.client, a.store); err != nil {
		return nil, err
	}
	var reg *handler.Registry
	if reg, err = handler.NewRegistry(hs...); err != nil {
		return nil, err
	}

	fetcher := ics.NewFetcher(cfg.CacheDir, &http.Client{Timeout: feedTimeout})
	src := ics.NewSource(fetcher, cfg.Location())

	a.rec = reconcile.New(reg, src, a.client, reconcile.Options{
		Lockout:   time.Duration(cfg.Lockout),
		Publisher: a.pub,
	})
	return a, nil
}

// Close releases the store and the publisher. The Discord session is
// closed by whoever opened it.
func (a *app) Close() {
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			appLog.Warn("publisher close failed", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			appLog.Warn("store close failed", "err", err)
		}
	}
}

func newPublisher(url string) (events.Publisher, error) {
	if url == "" {
		return &events.NoopPublisher{}, nil
	}
	p, err := events.NewNATSPublisher(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	appLog.Info("publishing transitions", "nats_url", url)
	return p, nil
}

// buildHandlers creates one handler per configured kind, in config order.
func buildHandlers(cfg *config.Config, gw gateway.Gateway, spaces gateway.Spaces, st handler.RecordStore) ([]handler.Handler, error) {
	out := make([]handler.Handler, 0, len(cfg.Handlers))
	for _, hc := range cfg.Handlers {
		switch hc.Kind {
		case config.KindRecurring:
			h, err := newRecurring(cfg, hc, gw, st)
			if err != nil {
				return nil, err
			}
			out = append(out, h)
		case config.KindCompetition:
			out = append(out, handler.NewCompetition(handler.CompetitionConfig{
				CalendarURL:    hc.CalendarURL,
				LookaheadDays:  hc.LookaheadDays,
				CategoryPrefix: hc.CategoryPrefix,
			}, gw, spaces))
		default:
			return nil, fmt.Errorf("unknown handler kind %q", hc.Kind)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no handlers configured")
	}
	return out, nil
}

func newRecurring(cfg *config.Config, hc config.HandlerConfig, gw gateway.Gateway, st handler.RecordStore) (handler.Handler, error) {
	a := cfg.Announce
	public, err := cfg.ChannelID(a.PublicChannel)
	if err != nil {
		return nil, err
	}
	preview, err := cfg.ChannelID(a.PreviewChannel)
	if err != nil {
		return nil, err
	}
	voice, err := cfg.ChannelID(a.PreviewVoiceChannel)
	if err != nil {
		return nil, err
	}
	renderer, err := handler.NewRenderer(a.Template, a.DateFormat, cfg.Location())
	if err != nil {
		return nil, fmt.Errorf("announcement template: %w", err)
	}
	return handler.NewRecurring(handler.RecurringConfig{
		CalendarURL:           hc.CalendarURL,
		LookaheadDays:         hc.LookaheadDays,
		PublicChannelID:       public,
		PreviewChannelID:      preview,
		PreviewVoiceChannelID: voice,
		BlockEmoji:            a.BlockEmoji,
		VetoThreshold:         a.VetoThreshold,
	}, gw, st, renderer), nil
}
