package api

import (
	"github.com/obsidianstack/ciwatch/pkg/types"
	"github.com/obsidianstack/ciwatch/server/internal/compute"
	"github.com/obsidianstack/ciwatch/server/internal/syncer"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is "ok" while the upstream list is reachable, "degraded" when the
	// last cycle could not list pipelines and "unknown" before the first cycle.
	State          string         `json:"state"`
	Serving        bool           `json:"serving"`
	PipelineCount  int            `json:"pipeline_count"`
	HealthyCount   int            `json:"healthy_count"`
	UnhealthyCount int            `json:"unhealthy_count"`
	UnknownCount   int            `json:"unknown_count"`
	AlertCount     int            `json:"alert_count"`
	LastCycle      *syncer.Report `json:"last_cycle,omitempty"`
}

// PipelineResponse is one entry of GET /api/v1/pipelines and the body of
// GET /api/v1/pipelines/{name}.
type PipelineResponse struct {
	types.Pipeline
	Sync        *syncer.PipelineStatus `json:"sync,omitempty"`
	Diagnostics []DiagnosticHint       `json:"diagnostics,omitempty"`
}

// MetricsResponse is the payload for GET /api/v1/pipelines/{name}/metrics.
type MetricsResponse struct {
	Pipeline    string            `json:"pipeline"`
	Days        int               `json:"days"`
	Summary     compute.Summary   `json:"summary"`
	HealthScore float64           `json:"health_score"`
	Health      types.HealthClass `json:"health"`
}

// OverallResponse is the payload for GET /api/v1/metrics/overall.
type OverallResponse struct {
	Days      int             `json:"days"`
	Pipelines int             `json:"pipelines"`
	Summary   compute.Summary `json:"summary"`
}

// AdviceResponse is the payload for GET /api/v1/advice.
type AdviceResponse struct {
	Pipeline  string             `json:"pipeline,omitempty"`
	Days      int                `json:"days"`
	Summary   compute.Summary    `json:"summary"`
	Advice    []string           `json:"advice"`
	Resources []compute.Resource `json:"resources"`
}

// AdviceEmailRequest is the body of POST /api/v1/advice/email. Days defaults
// to the server's summary window.
type AdviceEmailRequest struct {
	Recipients []string `json:"recipients"`
	Pipeline   string   `json:"pipeline,omitempty"`
	Days       int      `json:"days,omitempty"`
}

// AdviceEmailResponse confirms a sent advice digest.
type AdviceEmailResponse struct {
	Message    string   `json:"message"`
	Recipients []string `json:"recipients"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
