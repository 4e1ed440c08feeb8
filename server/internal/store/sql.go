package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "github.com/lib/pq"              // postgres driver
	_ "modernc.org/sqlite"             // sqlite driver

	"github.com/obsidianstack/ciwatch/pkg/types"
)

var (
	pipelineCols = []string{"name", "url", "status", "description", "last_synced_at", "health_score", "health"}
	buildCols    = []string{"pipeline", "number", "started_at", "outcome", "duration", "estimated_duration", "actor", "url", "updated_at"}
	metricCols   = []string{"pipeline", "day", "total", "successful", "failed", "success_rate", "avg_duration", "total_duration"}
	alertCols    = []string{"pipeline", "build_number", "kind", "first_seen_at", "viewed", "viewed_at"}
)

// SQL is a Store backed by database/sql. The same schema serves SQLite,
// PostgreSQL (lib/pq or pgx) and MySQL.
type SQL struct {
	db  *sql.DB
	d   dialect
	now func() time.Time

	upsertPipelineQ string
	ensurePipelineQ string
	upsertBuildQ    string
	upsertMetricQ   string
	insertAlertQ    string
}

// OpenSQL connects to dsn with the named backend and creates the schema if needed.
func OpenSQL(ctx context.Context, backend, dsn string) (*SQL, error) {
	d, ok := dialects[backend]
	if !ok {
		return nil, fmt.Errorf("store: unknown sql backend %q", backend)
	}
	if dsn == "" {
		return nil, fmt.Errorf("store: %s: empty dsn", backend)
	}
	if d.name == "sqlite" && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", backend, err)
	}
	if d.name == "sqlite" {
		// A single writer connection avoids SQLITE_BUSY between pooled conns.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", backend, err)
	}
	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: create schema: %w", err)
		}
	}

	return &SQL{
		db:              db,
		d:               d,
		now:             time.Now,
		upsertPipelineQ: d.upsert("pipelines", pipelineCols, []string{"name"}),
		ensurePipelineQ: d.insertIgnore("pipelines", pipelineCols),
		upsertBuildQ:    d.upsert("builds", buildCols, []string{"pipeline", "number"}),
		upsertMetricQ:   d.upsert("daily_metrics", metricCols, []string{"pipeline", "day"}),
		insertAlertQ:    d.insertIgnore("alerts", alertCols),
	}, nil
}

// Close closes the underlying database handle.
func (s *SQL) Close() error { return s.db.Close() }

// UpsertPipeline stores or replaces the pipeline keyed by p.Name.
func (s *SQL) UpsertPipeline(ctx context.Context, p types.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Health == "" {
		p.Health = types.HealthUnknown
	}
	_, err := s.db.ExecContext(ctx, s.upsertPipelineQ,
		p.Name, p.URL, string(p.Status), p.Description, toMillis(p.LastSyncedAt), p.HealthScore, string(p.Health))
	if err != nil {
		return fmt.Errorf("store: upsert pipeline %q: %w", p.Name, err)
	}
	return nil
}

// GetPipeline returns the pipeline called name.
func (s *SQL) GetPipeline(ctx context.Context, name string) (types.Pipeline, error) {
	q := s.d.rebind(`SELECT ` + strings.Join(pipelineCols, ", ") + ` FROM pipelines WHERE name = ?`)
	p, err := scanPipeline(s.db.QueryRowContext(ctx, q, name))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Pipeline{}, notFound("pipeline", nameKey(name))
	}
	if err != nil {
		return types.Pipeline{}, fmt.Errorf("store: get pipeline %q: %w", name, err)
	}
	return p, nil
}

// ListPipelines returns every pipeline sorted by name.
func (s *SQL) ListPipelines(ctx context.Context) ([]types.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+strings.Join(pipelineCols, ", ")+` FROM pipelines ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list pipelines: %w", err)
	}
	defer rows.Close()
	out := []types.Pipeline{}
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan pipeline: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate pipelines: %w", err)
	}
	return out, nil
}

// UpsertBuild stores or replaces b. Registering an unknown pipeline and
// writing the build commit together.
func (s *SQL) UpsertBuild(ctx context.Context, b types.Build) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.ensurePipelineQ,
		b.Pipeline, "", string(types.StatusUnknown), "", int64(0), 0.0, string(types.HealthUnknown)); err != nil {
		return fmt.Errorf("store: register pipeline %q: %w", b.Pipeline, err)
	}
	var dur sql.NullFloat64
	if b.Duration != nil {
		dur = sql.NullFloat64{Float64: *b.Duration, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, s.upsertBuildQ,
		b.Pipeline, b.Number, toMillis(b.StartedAt), string(b.Outcome), dur,
		b.EstimatedDuration, b.Actor, b.URL, toMillis(b.UpdatedAt)); err != nil {
		return fmt.Errorf("store: upsert build %s: %w", b.Key(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit build %s: %w", b.Key(), err)
	}
	return nil
}

// GetBuild returns the build identified by (pipeline, number).
func (s *SQL) GetBuild(ctx context.Context, pipeline string, number int64) (types.Build, error) {
	q := s.d.rebind(`SELECT ` + strings.Join(buildCols, ", ") + ` FROM builds WHERE pipeline = ? AND number = ?`)
	b, err := scanBuild(s.db.QueryRowContext(ctx, q, pipeline, number))
	key := types.BuildKey{Pipeline: pipeline, Number: number}
	if errors.Is(err, sql.ErrNoRows) {
		return types.Build{}, notFound("build", key)
	}
	if err != nil {
		return types.Build{}, fmt.Errorf("store: get build %s: %w", key, err)
	}
	return b, nil
}

// ListBuilds returns the pipeline's builds, highest number first.
func (s *SQL) ListBuilds(ctx context.Context, pipeline string, limit int) ([]types.Build, error) {
	q := `SELECT ` + strings.Join(buildCols, ", ") + ` FROM builds WHERE pipeline = ? ORDER BY number DESC`
	args := []any{pipeline}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list builds %q: %w", pipeline, err)
	}
	defer rows.Close()
	out := []types.Build{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan build: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate builds: %w", err)
	}
	return out, nil
}

// UpsertDailyMetric stores or replaces the metric keyed by (pipeline, date).
func (s *SQL) UpsertDailyMetric(ctx context.Context, m types.DailyMetric) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.upsertMetricQ,
		m.Pipeline, dateKey(m.Date), m.Total, m.Successful, m.Failed, m.SuccessRate, m.AvgDuration, m.TotalDuration)
	if err != nil {
		return fmt.Errorf("store: upsert daily metric %s/%s: %w", m.Pipeline, dateKey(m.Date), err)
	}
	return nil
}

// ListDailyMetrics returns the pipeline's metrics within [from, to], oldest first.
func (s *SQL) ListDailyMetrics(ctx context.Context, pipeline string, from, to time.Time) ([]types.DailyMetric, error) {
	q := `SELECT ` + strings.Join(metricCols, ", ") + ` FROM daily_metrics WHERE pipeline = ?`
	args := []any{pipeline}
	if !from.IsZero() {
		q += ` AND day >= ?`
		args = append(args, dateKey(from))
	}
	if !to.IsZero() {
		q += ` AND day <= ?`
		args = append(args, dateKey(to))
	}
	q += ` ORDER BY day`

	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list daily metrics %q: %w", pipeline, err)
	}
	defer rows.Close()
	out := []types.DailyMetric{}
	for rows.Next() {
		var (
			m   types.DailyMetric
			day string
		)
		if err := rows.Scan(&m.Pipeline, &day, &m.Total, &m.Successful, &m.Failed,
			&m.SuccessRate, &m.AvgDuration, &m.TotalDuration); err != nil {
			return nil, fmt.Errorf("store: scan daily metric: %w", err)
		}
		if m.Date, err = time.Parse(time.DateOnly, day); err != nil {
			return nil, fmt.Errorf("store: parse day %q: %w", day, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate daily metrics: %w", err)
	}
	return out, nil
}

// RecordAlert inserts a unless a record for its key already exists.
func (s *SQL) RecordAlert(ctx context.Context, a types.AlertRecord) (bool, error) {
	if err := a.Validate(); err != nil {
		return false, err
	}
	if a.FirstSeenAt.IsZero() {
		a.FirstSeenAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, s.insertAlertQ,
		a.Pipeline, a.BuildNumber, string(a.Kind), toMillis(a.FirstSeenAt), 0, sql.NullInt64{})
	if err != nil {
		return false, fmt.Errorf("store: record alert %s: %w", a.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: record alert %s: %w", a.Key(), err)
	}
	return n > 0, nil
}

// MarkAlertViewed flips the record's viewed flag. Already viewed records are
// left as they are.
func (s *SQL) MarkAlertViewed(ctx context.Context, pipeline string, number int64, at time.Time) error {
	key := types.BuildKey{Pipeline: pipeline, Number: number}
	res, err := s.db.ExecContext(ctx,
		s.d.rebind(`UPDATE alerts SET viewed = 1, viewed_at = ? WHERE pipeline = ? AND build_number = ? AND viewed = 0`),
		toMillis(at), pipeline, number)
	if err != nil {
		return fmt.Errorf("store: mark alert %s viewed: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mark alert %s viewed: %w", key, err)
	}
	if n > 0 {
		return nil
	}
	// Nothing changed: either already viewed or missing.
	if _, err := s.GetAlert(ctx, pipeline, number); err != nil {
		return err
	}
	return nil
}

// GetAlert returns the alert record for (pipeline, number).
func (s *SQL) GetAlert(ctx context.Context, pipeline string, number int64) (types.AlertRecord, error) {
	key := types.BuildKey{Pipeline: pipeline, Number: number}
	q := s.d.rebind(`SELECT ` + strings.Join(alertCols, ", ") + ` FROM alerts WHERE pipeline = ? AND build_number = ?`)
	a, err := scanAlert(s.db.QueryRowContext(ctx, q, pipeline, number))
	if errors.Is(err, sql.ErrNoRows) {
		return types.AlertRecord{}, notFound("alert", key)
	}
	if err != nil {
		return types.AlertRecord{}, fmt.Errorf("store: get alert %s: %w", key, err)
	}
	return a, nil
}

// ListUnviewedAlerts returns every unviewed record, newest first.
func (s *SQL) ListUnviewedAlerts(ctx context.Context) ([]types.AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+strings.Join(alertCols, ", ")+
		` FROM alerts WHERE viewed = 0 ORDER BY first_seen_at DESC, pipeline ASC, build_number DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list alerts: %w", err)
	}
	defer rows.Close()
	out := []types.AlertRecord{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate alerts: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPipeline(r scanner) (types.Pipeline, error) {
	var (
		p              types.Pipeline
		status, health string
		synced         int64
	)
	if err := r.Scan(&p.Name, &p.URL, &status, &p.Description, &synced, &p.HealthScore, &health); err != nil {
		return types.Pipeline{}, err
	}
	p.Status = types.StatusIndicator(status)
	p.Health = types.HealthClass(health)
	p.LastSyncedAt = fromMillis(synced)
	return p, nil
}

func scanBuild(r scanner) (types.Build, error) {
	var (
		b                types.Build
		outcome          string
		started, updated int64
		dur              sql.NullFloat64
	)
	if err := r.Scan(&b.Pipeline, &b.Number, &started, &outcome, &dur,
		&b.EstimatedDuration, &b.Actor, &b.URL, &updated); err != nil {
		return types.Build{}, err
	}
	b.Outcome = types.Outcome(outcome)
	b.StartedAt = fromMillis(started)
	b.UpdatedAt = fromMillis(updated)
	if dur.Valid {
		v := dur.Float64
		b.Duration = &v
	}
	return b, nil
}

func scanAlert(r scanner) (types.AlertRecord, error) {
	var (
		a        types.AlertRecord
		kind     string
		first    int64
		viewed   int64
		viewedAt sql.NullInt64
	)
	if err := r.Scan(&a.Pipeline, &a.BuildNumber, &kind, &first, &viewed, &viewedAt); err != nil {
		return types.AlertRecord{}, err
	}
	a.Kind = types.AlertKind(kind)
	a.FirstSeenAt = fromMillis(first)
	a.Viewed = viewed != 0
	if viewedAt.Valid {
		t := fromMillis(viewedAt.Int64)
		a.ViewedAt = &t
	}
	return a, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
