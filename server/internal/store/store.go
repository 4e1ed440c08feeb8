package store

import (
	"context"
	"fmt"
	"time"

	"github.com/obsidianstack/ciwatch/pkg/types"
	"github.com/obsidianstack/ciwatch/server/internal/config"
)

// Store is the authoritative local copy of pipelines, builds, daily metrics
// and alert records. Every write is atomic per key and readers never observe
// a partially applied upsert.
type Store interface {
	UpsertPipeline(ctx context.Context, p types.Pipeline) error
	GetPipeline(ctx context.Context, name string) (types.Pipeline, error)
	ListPipelines(ctx context.Context) ([]types.Pipeline, error)

	// UpsertBuild registers b.Pipeline with status unknown when it is not yet known.
	UpsertBuild(ctx context.Context, b types.Build) error
	GetBuild(ctx context.Context, pipeline string, number int64) (types.Build, error)
	// ListBuilds returns builds by descending number. limit <= 0 means no limit.
	ListBuilds(ctx context.Context, pipeline string, limit int) ([]types.Build, error)

	UpsertDailyMetric(ctx context.Context, m types.DailyMetric) error
	// ListDailyMetrics returns metrics with from <= Date <= to in ascending date
	// order. A zero from or to leaves that side open.
	ListDailyMetrics(ctx context.Context, pipeline string, from, to time.Time) ([]types.DailyMetric, error)

	// RecordAlert inserts a if no record exists for its key and reports whether
	// it did. An existing record is left untouched, so Viewed never resets.
	RecordAlert(ctx context.Context, a types.AlertRecord) (bool, error)
	MarkAlertViewed(ctx context.Context, pipeline string, number int64, at time.Time) error
	GetAlert(ctx context.Context, pipeline string, number int64) (types.AlertRecord, error)
	// ListUnviewedAlerts returns unviewed records, most recently first seen first.
	ListUnviewedAlerts(ctx context.Context) ([]types.AlertRecord, error)

	Close() error
}

// Open returns the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "postgres", "pgx", "mysql":
		return OpenSQL(ctx, cfg.Backend, cfg.DSN())
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}

func dateKey(t time.Time) string { return t.UTC().Format(time.DateOnly) }

func notFound(kind string, key fmt.Stringer) error {
	return &types.NotFoundError{Kind: kind, Key: key.String()}
}

type nameKey string

func (n nameKey) String() string { return string(n) }
