package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/obsidianstack/ciwatch/pkg/types"
	"github.com/obsidianstack/ciwatch/server/internal/compute"
	"github.com/obsidianstack/ciwatch/server/internal/events"
	"github.com/obsidianstack/ciwatch/server/internal/instrument"
	"github.com/obsidianstack/ciwatch/server/internal/store"
	"github.com/obsidianstack/ciwatch/server/internal/upstream"
)

// Defaults applied by New to zero Options fields.
const (
	DefaultInterval     = 30 * time.Second
	DefaultConcurrency  = 4
	DefaultFetchTimeout = 10 * time.Second
)

// listKey is the single-flight key for the pipeline list fetch. Pipeline
// names cannot contain NUL, so it never collides with a per-pipeline key.
const listKey = "\x00list"

// AlertSink is told about every build that is new or updated with a failure outcome.
type AlertSink interface {
	OnFailureObserved(ctx context.Context, pipeline string, number int64) (bool, error)
}

// BuildObserver is told about every build that reached a terminal outcome in
// a cycle, after the cycle has persisted it.
type BuildObserver interface {
	BuildFinished(b types.Build)
}

// Options configures an Engine.
type Options struct {
	Interval     time.Duration
	Concurrency  int
	FetchTimeout time.Duration
	Evaluator    compute.Evaluator

	Alerts    AlertSink
	Publisher events.Publisher
	Recorder  instrument.Recorder
	Finished  BuildObserver
}

// Request asks for one sync cycle.
type Request struct {
	// Manual marks an operator-requested cycle as opposed to a scheduled one.
	Manual bool
	// Pipeline restricts the cycle to one pipeline. Empty means all.
	Pipeline string
}

// Engine reconciles the store against the upstream source. At most one
// reconciliation per pipeline is in flight at any time; concurrent requests
// for the same pipeline share its result.
//
// Engine is safe for concurrent use.
type Engine struct {
	store        store.Store
	source       upstream.Source
	alerts       AlertSink
	finished     BuildObserver
	pub          events.Publisher
	rec          instrument.Recorder
	concurrency  int
	fetchTimeout time.Duration
	now          func() time.Time // injectable for deterministic tests

	group singleflight.Group
	reset chan time.Duration

	mu         sync.RWMutex
	interval   time.Duration
	eval       compute.Evaluator
	status     map[string]*PipelineStatus
	lastReport *Report
	listOK     bool
	// pending holds, per pipeline, the builds of a persist that did not
	// finish. They are replayed on the next cycle.
	pending map[string][]carryOver
}

// New creates an Engine. Zero Options fields take their defaults.
func New(st store.Store, src upstream.Source, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Evaluator == (compute.Evaluator{}) {
		opts.Evaluator = compute.NewEvaluator()
	}
	if opts.Recorder == nil {
		opts.Recorder = instrument.Nop{}
	}
	return &Engine{
		store:        st,
		source:       src,
		alerts:       opts.Alerts,
		finished:     opts.Finished,
		pub:          opts.Publisher,
		rec:          opts.Recorder,
		concurrency:  opts.Concurrency,
		fetchTimeout: opts.FetchTimeout,
		now:          time.Now,
		reset:        make(chan time.Duration, 1),
		interval:     opts.Interval,
		eval:         opts.Evaluator,
		status:       make(map[string]*PipelineStatus),
		pending:      make(map[string][]carryOver),
		listOK:       true,
	}
}

// Run drives scheduled cycles: one immediately, then one per interval. It
// blocks until ctx is cancelled. Cycle errors are logged, never returned.
func (e *Engine) Run(ctx context.Context) {
	e.scheduled(ctx)

	t := time.NewTicker(e.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.reset:
			t.Reset(d)
		case <-t.C:
			e.scheduled(ctx)
		}
	}
}

func (e *Engine) scheduled(ctx context.Context) {
	if _, err := e.Trigger(ctx, Request{}); err != nil {
		slog.Error("syncer: scheduled cycle failed", "err", err)
	}
}

// Interval returns the current scheduling interval.
func (e *Engine) Interval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.interval
}

// SetInterval changes the scheduling interval of a running Engine.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	changed := e.interval != d
	e.interval = d
	e.mu.Unlock()
	if !changed {
		return
	}
	// Keep only the latest pending value.
	select {
	case <-e.reset:
	default:
	}
	select {
	case e.reset <- d:
	default:
	}
	slog.Info("syncer: interval changed", "interval", d)
}

// SetEvaluator replaces the health evaluator used by subsequent cycles.
func (e *Engine) SetEvaluator(ev compute.Evaluator) {
	e.mu.Lock()
	e.eval = ev
	e.mu.Unlock()
}

func (e *Engine) evaluator() compute.Evaluator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.eval
}

// Serving reports whether the last pipeline list fetch succeeded.
func (e *Engine) Serving() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listOK
}

// LastReport returns the report of the most recently finished cycle, or nil.
func (e *Engine) LastReport() *Report {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastReport
}

// Trigger runs one cycle and returns its report. The cycle does not observe
// ctx cancellation: other requesters may be sharing it, so only the fetch
// timeout bounds it.
//
// An error is returned only when the pipeline list could not be fetched or
// req.Pipeline is unknown upstream. Per-pipeline failures are in the report.
func (e *Engine) Trigger(ctx context.Context, req Request) (*Report, error) {
	ctx = context.WithoutCancel(ctx)
	e.rec.CycleStarted(req.Manual)

	rep := &Report{
		CycleID:   uuid.NewString(),
		Manual:    req.Manual,
		StartedAt: e.now().UTC(),
	}
	log := slog.With("cycle", rep.CycleID, "manual", req.Manual)

	v, err, _ := e.group.Do(listKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()
		return e.source.FetchPipelines(fctx)
	})
	e.mu.Lock()
	e.listOK = err == nil
	e.mu.Unlock()
	if err != nil {
		rep.FinishedAt = e.now().UTC()
		rep.Err = err.Error()
		e.finish(rep)
		log.Error("syncer: fetch pipelines failed", "err", err)
		return rep, fmt.Errorf("syncer: %w", err)
	}
	snaps := v.([]upstream.PipelineSnapshot)
	e.rec.ActivePipelines(len(snaps))

	if req.Pipeline != "" {
		snaps = filter(snaps, req.Pipeline)
		if len(snaps) == 0 {
			rep.FinishedAt = e.now().UTC()
			return rep, &types.NotFoundError{Kind: "pipeline", Key: req.Pipeline}
		}
	}

	rep.Pipelines = make([]PipelineReport, len(snaps))
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for i, snap := range snaps {
		g.Go(func() error {
			v, _, shared := e.group.Do(snap.Name, func() (any, error) {
				return e.reconcile(ctx, snap), nil
			})
			pr := v.(PipelineReport)
			pr.Anomalies = append([]string(nil), pr.Anomalies...)
			pr.Shared = shared
			rep.Pipelines[i] = pr
			return nil
		})
	}
	_ = g.Wait()

	rep.FinishedAt = e.now().UTC()
	e.finish(rep)

	log.Info("syncer: cycle complete",
		"pipelines", len(rep.Pipelines),
		"failed", len(rep.Failed()),
		"elapsed", rep.FinishedAt.Sub(rep.StartedAt),
	)
	return rep, nil
}

func (e *Engine) finish(rep *Report) {
	e.mu.Lock()
	e.lastReport = rep
	e.mu.Unlock()
}

func filter(snaps []upstream.PipelineSnapshot, name string) []upstream.PipelineSnapshot {
	for _, s := range snaps {
		if s.Name == name {
			return []upstream.PipelineSnapshot{s}
		}
	}
	return nil
}

// reconcile runs Fetching → Diffing → Persisting → Notifying for one pipeline.
func (e *Engine) reconcile(ctx context.Context, snap upstream.PipelineSnapshot) PipelineReport {
	name := snap.Name
	pr := PipelineReport{Name: name}

	// Fetching
	e.setPhase(name, PhaseFetching)
	fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	fetched, err := e.source.FetchBuilds(fctx, name)
	cancel()
	if err != nil {
		return e.fail(pr, "fetch builds", err)
	}

	// Diffing
	e.setPhase(name, PhaseDiffing)
	stored, err := e.store.ListBuilds(ctx, name, 0)
	if err != nil {
		return e.fail(pr, "load builds", err)
	}
	prev, err := e.store.GetPipeline(ctx, name)
	known := err == nil
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return e.fail(pr, "load pipeline", err)
	}

	now := e.now().UTC()
	d := diff(name, stored, fetched, now)
	d.carry(e.pendingBuilds(name))
	pr.New, pr.Updated, pr.Unchanged = d.newCount, d.updatedCount, d.unchanged
	pr.Anomalies = d.anomalies
	for _, a := range d.anomalies {
		slog.Warn("syncer: upstream anomaly", "pipeline", name, "detail", a)
		e.rec.AnomalyFlagged(name)
	}

	// Persisting
	e.setPhase(name, PhasePersisting)
	e.setPending(name, d.carryOvers())
	for _, b := range d.changed {
		if err := e.store.UpsertBuild(ctx, b); err != nil {
			return e.fail(pr, "store build", err)
		}
	}

	merged := d.merged()
	groups := compute.GroupByDay(merged)
	for _, day := range d.touchedDays() {
		if err := e.store.UpsertDailyMetric(ctx, compute.Daily(name, day, groups[day])); err != nil {
			return e.fail(pr, "store daily metric", err)
		}
	}

	h := e.evaluator().Evaluate(merged)
	p := types.Pipeline{
		Name:         name,
		URL:          snap.URL,
		Status:       snap.Status,
		Description:  snap.Description,
		LastSyncedAt: now,
		HealthScore:  h.Score,
		Health:       h.Class,
	}
	if !p.Status.Valid() {
		p.Status = types.StatusUnknown
	}
	if err := e.store.UpsertPipeline(ctx, p); err != nil {
		return e.fail(pr, "store pipeline", err)
	}

	for _, b := range d.changed {
		if !d.carried[b.Number] {
			e.rec.BuildObserved(b.Outcome, b.Duration)
		}
		if b.Outcome != types.OutcomeFailure || e.alerts == nil {
			continue
		}
		if _, err := e.alerts.OnFailureObserved(ctx, name, b.Number); err != nil {
			return e.fail(pr, "record alert", err)
		}
	}
	e.setPending(name, nil)

	pr.Changed = !known || len(d.changed) > 0 ||
		prev.URL != p.URL || prev.Status != p.Status || prev.Description != p.Description ||
		prev.Health != p.Health || prev.HealthScore != p.HealthScore

	// Notifying
	e.setPhase(name, PhaseNotifying)
	if e.pub != nil {
		if pr.Changed {
			e.pub.Publish(events.Event{Type: events.PipelineUpdate, Pipeline: name, At: now})
		}
		for _, b := range d.changed {
			e.pub.Publish(events.Event{Type: events.BuildUpdate, Pipeline: name, BuildNumber: b.Number, At: now})
		}
	}
	if e.finished != nil {
		for _, b := range d.changed {
			if d.finished[b.Number] {
				e.finished.BuildFinished(b)
			}
		}
	}

	pr.Phase = PhaseIdle
	e.succeed(name, now)
	if pr.Changed {
		slog.Debug("syncer: pipeline synced",
			"pipeline", name, "new", pr.New, "updated", pr.Updated, "unchanged", pr.Unchanged)
	}
	return pr
}

func (e *Engine) pendingBuilds(name string) []carryOver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending[name]
}

func (e *Engine) setPending(name string, items []carryOver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(items) == 0 {
		delete(e.pending, name)
		return
	}
	e.pending[name] = items
}

func (e *Engine) fail(pr PipelineReport, op string, err error) PipelineReport {
	pr.Phase = PhaseFailed
	pr.Err = err.Error()

	attrs := []any{"pipeline", pr.Name, "op", op, "err", err}
	var te *upstream.TransportError
	if errors.As(err, &te) {
		attrs = append(attrs, "timeout", te.Timeout())
	}
	slog.Error("syncer: pipeline sync failed", attrs...)
	e.rec.PipelineFailed(pr.Name)

	e.mu.Lock()
	st := e.statusLocked(pr.Name)
	st.Phase = PhaseFailed
	st.LastError = pr.Err
	st.UpdatedAt = e.now().UTC()
	e.mu.Unlock()
	return pr
}

func (e *Engine) succeed(name string, at time.Time) {
	e.mu.Lock()
	st := e.statusLocked(name)
	st.Phase = PhaseIdle
	st.LastSuccess = at
	st.LastError = ""
	st.UpdatedAt = at
	e.mu.Unlock()
}

func (e *Engine) setPhase(name string, ph Phase) {
	e.mu.Lock()
	st := e.statusLocked(name)
	st.Phase = ph
	st.UpdatedAt = e.now().UTC()
	e.mu.Unlock()
}

func (e *Engine) statusLocked(name string) *PipelineStatus {
	st, ok := e.status[name]
	if !ok {
		st = &PipelineStatus{Name: name, Phase: PhaseIdle}
		e.status[name] = st
	}
	return st
}

// Status returns the current phase of every pipeline seen so far, sorted by name.
func (e *Engine) Status() []PipelineStatus {
	e.mu.RLock()
	out := make([]PipelineStatus, 0, len(e.status))
	for _, st := range e.status {
		out = append(out, *st)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
