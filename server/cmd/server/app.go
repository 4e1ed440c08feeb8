package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/obsidianstack/ciwatch/server/internal/alerts"
	"github.com/obsidianstack/ciwatch/server/internal/api"
	"github.com/obsidianstack/ciwatch/server/internal/compute"
	"github.com/obsidianstack/ciwatch/server/internal/config"
	"github.com/obsidianstack/ciwatch/server/internal/events"
	"github.com/obsidianstack/ciwatch/server/internal/instrument"
	"github.com/obsidianstack/ciwatch/server/internal/store"
	"github.com/obsidianstack/ciwatch/server/internal/syncer"
	"github.com/obsidianstack/ciwatch/server/internal/upstream"
)

// app holds the components shared by serve and sync.
type app struct {
	cfg      *config.Config
	store    store.Store
	jenkins  *upstream.Jenkins
	events   *events.Broadcaster
	registry *instrument.Registry
	webhooks *alerts.Webhooks
	mailer   *alerts.Mailer // nil unless alerts.email.host is set
	tracker  *alerts.Tracker
	engine   *syncer.Engine
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	jenkins, err := upstream.NewJenkins(cfg.Upstream)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, fmt.Errorf("upstream: %w", err)
	}

	reg := instrument.New()
	bc := events.New()
	bc.OnDrop(reg.EventDropped)

	hooks := alerts.NewWebhooks(cfg.Alerts)
	notifiers := alerts.Notifiers{hooks}
	var mailer *alerts.Mailer
	if cfg.Alerts.Email.Enabled() {
		mailer = alerts.NewMailer(cfg.Alerts.Email, st)
		notifiers = append(notifiers, mailer)
	}
	tracker := alerts.New(st, notifiers)

	opts := syncer.Options{
		Interval:    cfg.Sync.Interval,
		Concurrency: cfg.Sync.Concurrency,
		// A pipeline fetch gets the same budget as a single upstream request.
		FetchTimeout: cfg.Upstream.Timeout,
		Evaluator:    evaluatorFor(cfg),
		Alerts:       tracker,
		Publisher:    bc,
		Recorder:     reg,
	}
	if mailer != nil {
		opts.Finished = mailer
	}
	eng := syncer.New(st, jenkins, opts)

	return &app{
		cfg:      cfg,
		store:    st,
		jenkins:  jenkins,
		events:   bc,
		registry: reg,
		webhooks: hooks,
		mailer:   mailer,
		tracker:  tracker,
		engine:   eng,
	}, nil
}

// close releases everything newApp opened. Pending webhook and mail
// deliveries are allowed to finish first.
func (a *app) close() {
	a.events.Close()
	a.webhooks.Wait()
	if a.mailer != nil {
		a.mailer.Wait()
	}
	if err := a.store.Close(); err != nil {
		slog.Error("store close failed", "err", err)
	}
}

// reload applies the hot-reloadable subset of cfg.
func (a *app) reload(cfg *config.Config) {
	logLevel.Set(cfg.Log.SlogLevel())
	a.engine.SetInterval(cfg.Sync.Interval)
	a.engine.SetEvaluator(evaluatorFor(cfg))
	slog.Info("config applied",
		"log_level", cfg.Log.Level,
		"sync_interval", cfg.Sync.Interval,
		"health_window", cfg.Health.Window,
		"failure_threshold", cfg.Health.FailureThreshold,
	)
}

// adviceMailer returns the mailer as an api.Mailer, or nil when mail is off.
func (a *app) adviceMailer() api.Mailer {
	if a.mailer == nil {
		return nil
	}
	return a.mailer
}

func evaluatorFor(cfg *config.Config) compute.Evaluator {
	return compute.Evaluator{Window: cfg.Health.Window, Threshold: cfg.Health.FailureThreshold}
}
