package compute

import (
	"sort"

	"github.com/obsidianstack/ciwatch/pkg/types"
)

// Defaults for the health evaluator.
const (
	DefaultHealthWindow     = 20
	DefaultFailureThreshold = 20.0
)

// Health is the result of evaluating a pipeline's recent builds.
type Health struct {
	// FailureRate is failed/(successful+failed)*100 over the window, or 0 when
	// no build in the window finished with success or failure.
	FailureRate float64 `json:"failure_rate"`

	// Score is 100 - FailureRate.
	Score float64 `json:"health_score"`

	Class types.HealthClass `json:"health"`

	// Considered is the number of builds counted towards FailureRate.
	Considered int `json:"considered"`
}

// Evaluator classifies pipelines as healthy or unhealthy.
type Evaluator struct {
	// Window is how many of the highest-numbered builds are looked at.
	// 0 means every build passed in.
	Window int

	// Threshold is the failure rate at or above which a pipeline is unhealthy.
	Threshold float64
}

// NewEvaluator returns an Evaluator with the default window and threshold.
func NewEvaluator() Evaluator {
	return Evaluator{Window: DefaultHealthWindow, Threshold: DefaultFailureThreshold}
}

// Evaluate computes Health for builds. builds may be in any order; the input
// slice is not modified.
func (e Evaluator) Evaluate(builds []types.Build) Health {
	window := builds
	if e.Window > 0 && len(builds) > e.Window {
		window = make([]types.Build, len(builds))
		copy(window, builds)
		sort.Slice(window, func(i, j int) bool { return window[i].Number > window[j].Number })
		window = window[:e.Window]
	}

	var ok, failed int
	for _, b := range window {
		switch b.Outcome {
		case types.OutcomeSuccess:
			ok++
		case types.OutcomeFailure:
			failed++
		}
	}

	h := Health{Considered: ok + failed}
	if h.Considered > 0 {
		h.FailureRate = float64(failed) / float64(h.Considered) * 100
	}
	h.Score = 100 - h.FailureRate
	h.Class = types.HealthUnhealthy
	if h.FailureRate < e.Threshold {
		h.Class = types.HealthHealthy
	}
	return h
}
