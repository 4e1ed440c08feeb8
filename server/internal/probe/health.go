package probe

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SyncService is the service name reported alongside the server-wide "" entry.
const SyncService = "ciwatch.v1.Sync"

// DefaultPollInterval is how often Run re-reads the engine state.
const DefaultPollInterval = 5 * time.Second

// Reporter tells whether the sync engine can currently reach its upstream.
type Reporter interface {
	Serving() bool
}

// Health publishes the sync engine's state through the standard gRPC health
// service.
type Health struct {
	srv  *health.Server
	src  Reporter
	last healthpb.HealthCheckResponse_ServingStatus
}

// New creates a Health whose status starts as NOT_SERVING until the first Update.
func New(src Reporter) *Health {
	h := &Health{srv: health.NewServer(), src: src, last: healthpb.HealthCheckResponse_UNKNOWN}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register adds the health service to s.
func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Server exposes the underlying health server.
func (h *Health) Server() healthpb.HealthServer { return h.srv }

// Update copies the engine state into the health service.
func (h *Health) Update() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if h.src.Serving() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.set(st)
}

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	if st == h.last {
		return
	}
	if h.last != healthpb.HealthCheckResponse_UNKNOWN {
		slog.Info("probe: serving status changed", "from", h.last.String(), "to", st.String())
	}
	h.last = st
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(SyncService, st)
}

// Run calls Update every interval until ctx is cancelled, then marks every
// service NOT_SERVING so watchers see the shutdown.
func (h *Health) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultPollInterval
	}
	t := time.NewTicker(every)
	defer t.Stop()

	h.Update()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.Update()
		}
	}
}
