package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"

	"github.com/obsidianstack/ciwatch/pkg/types"
	"github.com/obsidianstack/ciwatch/server/internal/alerts"
	"github.com/obsidianstack/ciwatch/server/internal/auth"
	"github.com/obsidianstack/ciwatch/server/internal/compute"
	"github.com/obsidianstack/ciwatch/server/internal/store"
	"github.com/obsidianstack/ciwatch/server/internal/syncer"
	"github.com/obsidianstack/ciwatch/server/internal/upstream"
)

// Query parameter defaults and limits.
const (
	DefaultBuildLimit = 50
	MaxBuildLimit     = 1000
	DefaultDays       = 30
	MaxDays           = 365
	dateLayout        = "2006-01-02"
)

// Syncer is the part of the sync engine the API drives.
type Syncer interface {
	Trigger(ctx context.Context, req syncer.Request) (*syncer.Report, error)
	Status() []syncer.PipelineStatus
	LastReport() *syncer.Report
	Serving() bool
}

// Prober checks upstream reachability.
type Prober interface {
	Probe(ctx context.Context) upstream.ProbeResult
}

// Mailer delivers advice digests.
type Mailer interface {
	Send(to []string, subject, body string, html bool) error
}

// Deps wires a Handler. Prober, Mailer, Metrics and Stream are optional.
type Deps struct {
	Store  store.Store
	Sync   Syncer
	Alerts *alerts.Tracker
	Prober Prober
	Mailer Mailer
	Guard  auth.Guard

	// Metrics serves GET /metrics; Stream serves /ws/stream.
	Metrics http.Handler
	Stream  http.Handler

	// WindowDays is the default ?days= for summaries.
	WindowDays int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler serves the HTTP API.
type Handler struct {
	store  store.Store
	sync   Syncer
	alerts *alerts.Tracker
	prober Prober
	mailer Mailer
	days   int
	now    func() time.Time
	root   http.Handler
}

// New creates a Handler and registers all routes.
func New(d Deps) http.Handler {
	h := &Handler{
		store:  d.Store,
		sync:   d.Sync,
		alerts: d.Alerts,
		prober: d.Prober,
		mailer: d.Mailer,
		days:   d.WindowDays,
		now:    d.Now,
	}
	if h.days <= 0 {
		h.days = DefaultDays
	}
	if h.now == nil {
		h.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/pipelines", h.listPipelines)
		r.Get("/pipelines/{name}", h.getPipeline)
		r.Get("/pipelines/{name}/builds", h.listBuilds)
		r.Get("/pipelines/{name}/metrics", h.pipelineMetrics)
		r.Get("/pipelines/{name}/daily", h.dailyMetrics)
		r.Get("/metrics/overall", h.overallMetrics)
		r.Get("/alerts", h.listAlerts)
		r.Get("/sync/status", h.syncStatus)
		r.Get("/advice", h.advice)
		r.Get("/upstream", h.upstream)

		r.Group(func(r chi.Router) {
			r.Use(d.Guard.Middleware)
			r.Post("/alerts/{name}/{number}/ack", h.ackAlert)
			r.Post("/sync", h.triggerSync)
			r.Post("/advice/email", h.adviceEmail)
		})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	// The WebSocket upgrade must bypass gzip, which would wrap the hijacker.
	api := gzhttp.GzipHandler(r)
	root := http.NewServeMux()
	if d.Stream != nil {
		root.Handle("/ws/stream", d.Stream)
	}
	root.Handle("/", api)
	h.root = root
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps, err := h.store.ListPipelines(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	outstanding, err := h.alerts.ListOutstanding(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := HealthResponse{
		Serving:       h.sync.Serving(),
		PipelineCount: len(ps),
		AlertCount:    len(outstanding),
		LastCycle:     h.sync.LastReport(),
	}
	for _, p := range ps {
		switch p.Health {
		case types.HealthHealthy:
			resp.HealthyCount++
		case types.HealthUnhealthy:
			resp.UnhealthyCount++
		default:
			resp.UnknownCount++
		}
	}
	switch {
	case resp.LastCycle == nil:
		resp.State = "unknown"
	case !resp.Serving:
		resp.State = "degraded"
	default:
		resp.State = "ok"
	}
	jsonResp(w, http.StatusOK, resp)
}

// listPipelines returns GET /api/v1/pipelines.
func (h *Handler) listPipelines(w http.ResponseWriter, r *http.Request) {
	ps, err := h.store.ListPipelines(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	status := h.statusByName()
	out := make([]PipelineResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, PipelineResponse{Pipeline: p, Sync: status[p.Name]})
	}
	jsonResp(w, http.StatusOK, out)
}

// getPipeline returns GET /api/v1/pipelines/{name} with diagnostics.
func (h *Handler) getPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	p, err := h.store.GetPipeline(ctx, name)
	if err != nil {
		writeErr(w, err)
		return
	}
	builds, err := h.store.ListBuilds(ctx, name, 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	outstanding, err := h.alerts.ListOutstanding(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	n := 0
	for _, a := range outstanding {
		if a.Pipeline == name {
			n++
		}
	}

	st := h.statusByName()[name]
	s := compute.Summarize(compute.Since(builds, h.cutoff(h.days)))
	jsonResp(w, http.StatusOK, PipelineResponse{
		Pipeline:    p,
		Sync:        st,
		Diagnostics: diagnose(p, st, s, n),
	})
}

// listBuilds returns GET /api/v1/pipelines/{name}/builds?limit=N, newest
// first. limit=0 returns every stored build.
func (h *Handler) listBuilds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	limit, err := intParam(r, "limit", DefaultBuildLimit, 0, MaxBuildLimit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := h.store.GetPipeline(ctx, name); err != nil {
		writeErr(w, err)
		return
	}
	bs, err := h.store.ListBuilds(ctx, name, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, bs)
}

// pipelineMetrics returns GET /api/v1/pipelines/{name}/metrics?days=N.
func (h *Handler) pipelineMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	days, err := intParam(r, "days", h.days, 1, MaxDays)
	if err != nil {
		writeErr(w, err)
		return
	}
	p, err := h.store.GetPipeline(ctx, name)
	if err != nil {
		writeErr(w, err)
		return
	}
	bs, err := h.store.ListBuilds(ctx, name, 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, MetricsResponse{
		Pipeline:    name,
		Days:        days,
		Summary:     compute.Summarize(compute.Since(bs, h.cutoff(days))),
		HealthScore: p.HealthScore,
		Health:      p.Health,
	})
}

// dailyMetrics returns GET /api/v1/pipelines/{name}/daily?from=YYYY-MM-DD&to=YYYY-MM-DD.
// The range defaults to the last WindowDays days.
func (h *Handler) dailyMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	to := compute.DayOf(h.now())
	from := to.AddDate(0, 0, -(h.days - 1))
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = parseDate("from", v); err != nil {
			writeErr(w, err)
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = parseDate("to", v); err != nil {
			writeErr(w, err)
			return
		}
	}
	if to.Before(from) {
		writeErr(w, &types.ValidationError{Field: "to", Reason: "must not be before from"})
		return
	}

	if _, err := h.store.GetPipeline(ctx, name); err != nil {
		writeErr(w, err)
		return
	}
	ms, err := h.store.ListDailyMetrics(ctx, name, from, to)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, ms)
}

// overallMetrics returns GET /api/v1/metrics/overall?days=N across every pipeline.
func (h *Handler) overallMetrics(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", h.days, 1, MaxDays)
	if err != nil {
		writeErr(w, err)
		return
	}
	all, n, err := h.windowBuilds(r.Context(), "", days)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, OverallResponse{Days: days, Pipelines: n, Summary: compute.Summarize(all)})
}

// listAlerts returns GET /api/v1/alerts, most recent first.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	out, err := h.alerts.ListOutstanding(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if out == nil {
		out = []types.AlertRecord{}
	}
	jsonResp(w, http.StatusOK, out)
}

// ackAlert handles POST /api/v1/alerts/{name}/{number}/ack.
func (h *Handler) ackAlert(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil || number < 0 {
		writeErr(w, &types.ValidationError{Field: "number", Reason: "must be a non-negative integer"})
		return
	}
	if err := h.alerts.Acknowledge(r.Context(), name, number); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// triggerSync handles POST /api/v1/sync?manual=1&pipeline=NAME and returns
// the cycle report once the cycle finishes.
func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := syncer.Request{Manual: true, Pipeline: q.Get("pipeline")}
	if v := q.Get("manual"); v != "" {
		manual, err := strconv.ParseBool(v)
		if err != nil {
			writeErr(w, &types.ValidationError{Field: "manual", Reason: "must be a boolean"})
			return
		}
		req.Manual = manual
	}

	rep, err := h.sync.Trigger(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, rep)
}

// syncStatus returns GET /api/v1/sync/status.
func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, h.sync.Status())
}

// advice returns GET /api/v1/advice?pipeline=NAME&days=N. Without a pipeline
// the advice covers every pipeline.
func (h *Handler) advice(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", h.days, 1, MaxDays)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp, _, err := h.adviceFor(r.Context(), r.URL.Query().Get("pipeline"), days, 5)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, resp)
}

// adviceEmail handles POST /api/v1/advice/email and mails the advice digest
// to the recipients in the body.
func (h *Handler) adviceEmail(w http.ResponseWriter, r *http.Request) {
	if h.mailer == nil {
		jsonErr(w, http.StatusNotImplemented, "email not configured")
		return
	}
	var req AdviceEmailRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeErr(w, &types.ValidationError{Field: "body", Reason: "must be a JSON object"})
		return
	}
	if len(req.Recipients) == 0 {
		writeErr(w, &types.ValidationError{Field: "recipients", Reason: "at least one address is required"})
		return
	}
	if req.Days == 0 {
		req.Days = h.days
	}
	if req.Days < 1 || req.Days > MaxDays {
		writeErr(w, &types.ValidationError{Field: "days", Reason: "must be an integer in [1, " + strconv.Itoa(MaxDays) + "]"})
		return
	}

	resp, failures, err := h.adviceFor(r.Context(), req.Pipeline, req.Days, 10)
	if err != nil {
		writeErr(w, err)
		return
	}
	subject, body, err := alerts.AdviceDigest(req.Pipeline, resp.Summary, resp.Advice, failures)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.mailer.Send(req.Recipients, subject, body, true); err != nil {
		if errors.Is(err, alerts.ErrNoRecipients) {
			writeErr(w, &types.ValidationError{Field: "recipients", Reason: "no valid email address"})
			return
		}
		slog.Error("api: advice email failed", "err", err)
		jsonErr(w, http.StatusBadGateway, "email delivery failed")
		return
	}
	jsonResp(w, http.StatusOK, AdviceEmailResponse{Message: "Email sent", Recipients: req.Recipients})
}

// adviceFor builds the advice for one pipeline, or every pipeline when name
// is empty, quoting at most limit recent failures.
func (h *Handler) adviceFor(ctx context.Context, name string, days, limit int) (AdviceResponse, []types.Build, error) {
	if name != "" {
		if _, err := h.store.GetPipeline(ctx, name); err != nil {
			return AdviceResponse{}, nil, err
		}
	}
	bs, _, err := h.windowBuilds(ctx, name, days)
	if err != nil {
		return AdviceResponse{}, nil, err
	}
	s := compute.Summarize(bs)
	failures := compute.Failures(bs, limit)
	return AdviceResponse{
		Pipeline:  name,
		Days:      days,
		Summary:   s,
		Advice:    compute.Advise(s, failures),
		Resources: compute.Resources(failures),
	}, failures, nil
}

// upstream returns GET /api/v1/upstream — reachability and TLS status.
func (h *Handler) upstream(w http.ResponseWriter, r *http.Request) {
	if h.prober == nil {
		jsonErr(w, http.StatusNotImplemented, "upstream probe not configured")
		return
	}
	jsonResp(w, http.StatusOK, h.prober.Probe(r.Context()))
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) cutoff(days int) time.Time {
	return compute.DayOf(h.now()).AddDate(0, 0, -(days - 1))
}

// windowBuilds returns the builds of one pipeline, or of all pipelines when
// name is empty, started within the last days, newest first.
func (h *Handler) windowBuilds(ctx context.Context, name string, days int) ([]types.Build, int, error) {
	names := []string{name}
	if name == "" {
		ps, err := h.store.ListPipelines(ctx)
		if err != nil {
			return nil, 0, err
		}
		names = names[:0]
		for _, p := range ps {
			names = append(names, p.Name)
		}
	}
	cutoff := h.cutoff(days)
	var out []types.Build
	for _, n := range names {
		bs, err := h.store.ListBuilds(ctx, n, 0)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, compute.Since(bs, cutoff)...)
	}
	if len(names) > 1 {
		sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	}
	return out, len(names), nil
}

func (h *Handler) statusByName() map[string]*syncer.PipelineStatus {
	all := h.sync.Status()
	out := make(map[string]*syncer.PipelineStatus, len(all))
	for i := range all {
		out[all[i].Name] = &all[i]
	}
	return out
}

func intParam(r *http.Request, key string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, &types.ValidationError{Field: key, Reason: "must be an integer in [" + strconv.Itoa(lo) + ", " + strconv.Itoa(hi) + "]"}
	}
	return n, nil
}

func parseDate(field, v string) (time.Time, error) {
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, &types.ValidationError{Field: field, Reason: "must be YYYY-MM-DD"}
	}
	return t, nil
}

// writeErr maps an error onto its HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		jsonErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrNotFound):
		jsonErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, upstream.ErrTransport):
		jsonErr(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("api: request failed", "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
	}
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
