package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/ciwatch/pkg/types"
)

type metricKey struct {
	pipeline string
	date     string
}

// Memory is a thread-safe in-memory Store. Records are copied in and out so
// callers never share state with the store.
type Memory struct {
	mu        sync.RWMutex
	pipelines map[string]types.Pipeline
	builds    map[string]map[int64]types.Build
	metrics   map[metricKey]types.DailyMetric
	alerts    map[types.BuildKey]types.AlertRecord
	now       func() time.Time // injectable for deterministic tests
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		pipelines: make(map[string]types.Pipeline),
		builds:    make(map[string]map[int64]types.Build),
		metrics:   make(map[metricKey]types.DailyMetric),
		alerts:    make(map[types.BuildKey]types.AlertRecord),
		now:       time.Now,
	}
}

// UpsertPipeline stores or replaces the pipeline keyed by p.Name.
func (m *Memory) UpsertPipeline(_ context.Context, p types.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Health == "" {
		p.Health = types.HealthUnknown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[p.Name] = p
	return nil
}

// GetPipeline returns the pipeline called name.
func (m *Memory) GetPipeline(_ context.Context, name string) (types.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[name]
	if !ok {
		return types.Pipeline{}, notFound("pipeline", nameKey(name))
	}
	return p, nil
}

// ListPipelines returns every pipeline sorted by name.
func (m *Memory) ListPipelines(_ context.Context) ([]types.Pipeline, error) {
	m.mu.RLock()
	out := make([]types.Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertBuild stores or replaces b keyed by (pipeline, number).
func (m *Memory) UpsertBuild(_ context.Context, b types.Build) error {
	if err := b.Validate(); err != nil {
		return err
	}
	b.Duration = cloneFloat(b.Duration)
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[b.Pipeline]; !ok {
		m.pipelines[b.Pipeline] = types.Pipeline{
			Name:   b.Pipeline,
			Status: types.StatusUnknown,
			Health: types.HealthUnknown,
		}
	}
	byNum, ok := m.builds[b.Pipeline]
	if !ok {
		byNum = make(map[int64]types.Build)
		m.builds[b.Pipeline] = byNum
	}
	byNum[b.Number] = b
	return nil
}

// GetBuild returns the build identified by (pipeline, number).
func (m *Memory) GetBuild(_ context.Context, pipeline string, number int64) (types.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.builds[pipeline][number]
	if !ok {
		return types.Build{}, notFound("build", types.BuildKey{Pipeline: pipeline, Number: number})
	}
	b.Duration = cloneFloat(b.Duration)
	return b, nil
}

// ListBuilds returns the pipeline's builds, highest number first.
func (m *Memory) ListBuilds(_ context.Context, pipeline string, limit int) ([]types.Build, error) {
	m.mu.RLock()
	byNum := m.builds[pipeline]
	out := make([]types.Build, 0, len(byNum))
	for _, b := range byNum {
		b.Duration = cloneFloat(b.Duration)
		out = append(out, b)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertDailyMetric stores or replaces the metric keyed by (pipeline, date).
func (m *Memory) UpsertDailyMetric(_ context.Context, dm types.DailyMetric) error {
	if err := dm.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[metricKey{dm.Pipeline, dateKey(dm.Date)}] = dm
	return nil
}

// ListDailyMetrics returns the pipeline's metrics within [from, to], oldest first.
func (m *Memory) ListDailyMetrics(_ context.Context, pipeline string, from, to time.Time) ([]types.DailyMetric, error) {
	lo, hi := "", ""
	if !from.IsZero() {
		lo = dateKey(from)
	}
	if !to.IsZero() {
		hi = dateKey(to)
	}
	m.mu.RLock()
	var out []types.DailyMetric
	for k, dm := range m.metrics {
		if k.pipeline != pipeline {
			continue
		}
		if lo != "" && k.date < lo {
			continue
		}
		if hi != "" && k.date > hi {
			continue
		}
		out = append(out, dm)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// RecordAlert inserts a unless a record for its key already exists.
func (m *Memory) RecordAlert(_ context.Context, a types.AlertRecord) (bool, error) {
	if err := a.Validate(); err != nil {
		return false, err
	}
	if a.FirstSeenAt.IsZero() {
		a.FirstSeenAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.Key()]; ok {
		return false, nil
	}
	a.Viewed = false
	a.ViewedAt = nil
	m.alerts[a.Key()] = a
	return true, nil
}

// MarkAlertViewed flips the record's viewed flag. Already viewed records are
// left as they are.
func (m *Memory) MarkAlertViewed(_ context.Context, pipeline string, number int64, at time.Time) error {
	key := types.BuildKey{Pipeline: pipeline, Number: number}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[key]
	if !ok {
		return notFound("alert", key)
	}
	if a.Viewed {
		return nil
	}
	a.Viewed = true
	a.ViewedAt = &at
	m.alerts[key] = a
	return nil
}

// GetAlert returns the alert record for (pipeline, number).
func (m *Memory) GetAlert(_ context.Context, pipeline string, number int64) (types.AlertRecord, error) {
	key := types.BuildKey{Pipeline: pipeline, Number: number}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[key]
	if !ok {
		return types.AlertRecord{}, notFound("alert", key)
	}
	return cloneAlert(a), nil
}

// ListUnviewedAlerts returns every unviewed record, newest first.
func (m *Memory) ListUnviewedAlerts(_ context.Context) ([]types.AlertRecord, error) {
	m.mu.RLock()
	var out []types.AlertRecord
	for _, a := range m.alerts {
		if !a.Viewed {
			out = append(out, cloneAlert(a))
		}
	}
	m.mu.RUnlock()
	sortAlerts(out)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

func sortAlerts(out []types.AlertRecord) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].FirstSeenAt.After(out[j].FirstSeenAt)
		}
		if out[i].Pipeline != out[j].Pipeline {
			return out[i].Pipeline < out[j].Pipeline
		}
		return out[i].BuildNumber > out[j].BuildNumber
	})
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneAlert(a types.AlertRecord) types.AlertRecord {
	if a.ViewedAt != nil {
		t := *a.ViewedAt
		a.ViewedAt = &t
	}
	return a
}
