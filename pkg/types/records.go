package types

import (
	"fmt"
	"time"
)

// Pipeline is one continuously-building unit of work tracked by ciwatch.
type Pipeline struct {
	Name         string          `json:"name"`
	URL          string          `json:"url"`
	Status       StatusIndicator `json:"status"`
	Description  string          `json:"description,omitempty"`
	LastSyncedAt time.Time       `json:"last_synced_at"`
	HealthScore  float64         `json:"health_score"`
	Health       HealthClass     `json:"health"`
}

// Validate checks the invariants enforced on every pipeline write.
func (p Pipeline) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !p.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status indicator %q", p.Status)}
	}
	switch p.Health {
	case HealthHealthy, HealthUnhealthy, HealthUnknown, "":
	default:
		return &ValidationError{Field: "health", Reason: fmt.Sprintf("unknown health class %q", p.Health)}
	}
	return nil
}

// DefaultActor is credited with builds that have no user cause.
const DefaultActor = "admin"

// Build is one execution of a pipeline.
type Build struct {
	Pipeline  string    `json:"pipeline"`
	Number    int64     `json:"number"`
	StartedAt time.Time `json:"started_at"`
	Outcome   Outcome   `json:"outcome"`
	// Duration is the wall time in seconds; nil while the build is running.
	Duration          *float64  `json:"duration,omitempty"`
	EstimatedDuration float64   `json:"estimated_duration"`
	Actor             string    `json:"actor,omitempty"`
	URL               string    `json:"url,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Key returns the build's identity.
func (b Build) Key() BuildKey { return BuildKey{Pipeline: b.Pipeline, Number: b.Number} }

// Validate checks the invariants enforced on every build write.
func (b Build) Validate() error {
	if b.Pipeline == "" {
		return &ValidationError{Field: "pipeline", Reason: "must not be empty"}
	}
	if b.Number < 0 {
		return &ValidationError{Field: "number", Reason: fmt.Sprintf("must not be negative, got %d", b.Number)}
	}
	if !b.Outcome.Valid() {
		return &ValidationError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", b.Outcome)}
	}
	if b.Duration != nil && *b.Duration < 0 {
		return &ValidationError{Field: "duration", Reason: "must not be negative"}
	}
	return nil
}

// BuildKey is the (pipeline, number) identity shared by builds and alerts.
type BuildKey struct {
	Pipeline string
	Number   int64
}

func (k BuildKey) String() string { return fmt.Sprintf("%s#%d", k.Pipeline, k.Number) }

// DailyMetric aggregates one pipeline's builds for one UTC calendar date.
// It is always derived from Build records, never edited by hand.
type DailyMetric struct {
	Pipeline      string    `json:"pipeline"`
	Date          time.Time `json:"date"`
	Total         int       `json:"total"`
	Successful    int       `json:"successful"`
	Failed        int       `json:"failed"`
	SuccessRate   float64   `json:"success_rate"`
	AvgDuration   float64   `json:"avg_duration"`
	TotalDuration float64   `json:"total_duration"`
}

// Validate checks the invariants enforced on every daily metric write.
func (m DailyMetric) Validate() error {
	if m.Pipeline == "" {
		return &ValidationError{Field: "pipeline", Reason: "must not be empty"}
	}
	if m.Date.IsZero() {
		return &ValidationError{Field: "date", Reason: "must be set"}
	}
	if m.SuccessRate < 0 || m.SuccessRate > 100 {
		return &ValidationError{Field: "success_rate", Reason: "must be within [0, 100]"}
	}
	return nil
}

// AlertRecord tracks whether a failed build has been acknowledged by an operator.
// Viewed moves from false to true once and never back.
type AlertRecord struct {
	Pipeline    string     `json:"pipeline"`
	BuildNumber int64      `json:"build_number"`
	Kind        AlertKind  `json:"kind"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	Viewed      bool       `json:"viewed"`
	ViewedAt    *time.Time `json:"viewed_at,omitempty"`
}

// Key returns the alert's identity.
func (a AlertRecord) Key() BuildKey { return BuildKey{Pipeline: a.Pipeline, Number: a.BuildNumber} }

// Validate checks the invariants enforced on every alert write.
func (a AlertRecord) Validate() error {
	if a.Pipeline == "" {
		return &ValidationError{Field: "pipeline", Reason: "must not be empty"}
	}
	if a.BuildNumber < 0 {
		return &ValidationError{Field: "build_number", Reason: "must not be negative"}
	}
	if a.Kind == "" {
		return &ValidationError{Field: "kind", Reason: "must not be empty"}
	}
	return nil
}
