package instrument

import (
	"io"
	"net/http"
	"sort"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/obsidianstack/ciwatch/pkg/types"
)

// Recorder receives the counters produced by the sync engine.
type Recorder interface {
	BuildObserved(outcome types.Outcome, duration *float64)
	CycleStarted(manual bool)
	PipelineFailed(pipeline string)
	AnomalyFlagged(pipeline string)
	ActivePipelines(n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) BuildObserved(types.Outcome, *float64) {}
func (Nop) CycleStarted(bool)                     {}
func (Nop) PipelineFailed(string)                 {}
func (Nop) AnomalyFlagged(string)                 {}
func (Nop) ActivePipelines(int)                   {}

// durationBuckets are the upper bounds, in seconds, of the build duration histogram.
var durationBuckets = []float64{30, 60, 120, 300, 600, 1200, 1800, 3600}

// Registry is a Recorder that renders its state in the Prometheus text
// exposition format. It is safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	builds    map[string]float64 // by outcome
	cycles    map[string]float64 // by trigger
	failures  map[string]float64 // by pipeline
	anomalies map[string]float64 // by pipeline
	active    float64
	dropped   float64

	durCount   uint64
	durSum     float64
	durBuckets []uint64 // cumulative, aligned with durationBuckets
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		builds:     make(map[string]float64),
		cycles:     make(map[string]float64),
		failures:   make(map[string]float64),
		anomalies:  make(map[string]float64),
		durBuckets: make([]uint64, len(durationBuckets)),
	}
}

// BuildObserved counts a new or updated build and, when finished, its duration.
func (r *Registry) BuildObserved(outcome types.Outcome, duration *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds[string(outcome)]++
	if duration == nil || !outcome.Terminal() {
		return
	}
	d := *duration
	r.durCount++
	r.durSum += d
	for i, ub := range durationBuckets {
		if d <= ub {
			r.durBuckets[i]++
		}
	}
}

// CycleStarted counts a sync cycle by trigger.
func (r *Registry) CycleStarted(manual bool) {
	trigger := "scheduled"
	if manual {
		trigger = "manual"
	}
	r.mu.Lock()
	r.cycles[trigger]++
	r.mu.Unlock()
}

// PipelineFailed counts a pipeline whose sync ended in the failed phase.
func (r *Registry) PipelineFailed(pipeline string) {
	r.mu.Lock()
	r.failures[pipeline]++
	r.mu.Unlock()
}

// AnomalyFlagged counts an upstream inconsistency for pipeline.
func (r *Registry) AnomalyFlagged(pipeline string) {
	r.mu.Lock()
	r.anomalies[pipeline]++
	r.mu.Unlock()
}

// ActivePipelines sets the number of pipelines known after the last cycle.
func (r *Registry) ActivePipelines(n int) {
	r.mu.Lock()
	r.active = float64(n)
	r.mu.Unlock()
}

// EventDropped counts an event that a slow subscriber missed.
func (r *Registry) EventDropped() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

// Gather snapshots the registry as metric families sorted by name.
func (r *Registry) Gather() []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()

	fams := []*dto.MetricFamily{
		labelled("ciwatch_builds_observed_total", "New or updated builds seen by the sync engine.", "outcome", r.builds, dto.MetricType_COUNTER),
		labelled("ciwatch_sync_cycles_total", "Sync cycles started.", "trigger", r.cycles, dto.MetricType_COUNTER),
		labelled("ciwatch_sync_failures_total", "Pipeline syncs that ended in the failed phase.", "pipeline", r.failures, dto.MetricType_COUNTER),
		labelled("ciwatch_sync_anomalies_total", "Upstream inconsistencies such as build number regressions.", "pipeline", r.anomalies, dto.MetricType_COUNTER),
		{
			Name:   proto.String("ciwatch_pipelines_active"),
			Help:   proto.String("Pipelines reported by the upstream in the last cycle."),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(r.active)}}},
		},
		{
			Name:   proto.String("ciwatch_events_dropped_total"),
			Help:   proto.String("Update events discarded because a subscriber was full."),
			Type:   dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(r.dropped)}}},
		},
		r.durationFamily(),
	}
	// expfmt rejects families without samples.
	out := fams[:0]
	for _, mf := range fams {
		if len(mf.GetMetric()) > 0 {
			out = append(out, mf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

// WriteTo encodes every family in the text exposition format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, mf := range r.Gather() {
		n, err := expfmt.MetricFamilyToText(w, mf)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ServeHTTP serves the registry at /metrics.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))
	enc := expfmt.NewEncoder(w, format)
	for _, mf := range r.Gather() {
		if err := enc.Encode(mf); err != nil {
			return
		}
	}
}

func (r *Registry) durationFamily() *dto.MetricFamily {
	buckets := make([]*dto.Bucket, len(durationBuckets))
	for i, ub := range durationBuckets {
		buckets[i] = &dto.Bucket{
			UpperBound:      proto.Float64(ub),
			CumulativeCount: proto.Uint64(r.durBuckets[i]),
		}
	}
	return &dto.MetricFamily{
		Name: proto.String("ciwatch_build_duration_seconds"),
		Help: proto.String("Duration of finished builds."),
		Type: dto.MetricType_HISTOGRAM.Enum(),
		Metric: []*dto.Metric{{
			Histogram: &dto.Histogram{
				SampleCount: proto.Uint64(r.durCount),
				SampleSum:   proto.Float64(r.durSum),
				Bucket:      buckets,
			},
		}},
	}
}

func labelled(name, help, label string, values map[string]float64, typ dto.MetricType) *dto.MetricFamily {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mf := &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: typ.Enum(),
	}
	for _, k := range keys {
		m := &dto.Metric{
			Label: []*dto.LabelPair{{Name: proto.String(label), Value: proto.String(k)}},
		}
		if typ == dto.MetricType_GAUGE {
			m.Gauge = &dto.Gauge{Value: proto.Float64(values[k])}
		} else {
			m.Counter = &dto.Counter{Value: proto.Float64(values[k])}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}
