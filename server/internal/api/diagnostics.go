package api

import (
	"fmt"
	"sort"

	"github.com/obsidianstack/ciwatch/pkg/types"
	"github.com/obsidianstack/ciwatch/server/internal/compute"
	"github.com/obsidianstack/ciwatch/server/internal/syncer"
)

// slowBuildSeconds is the average duration above which a pipeline gets a
// "slow builds" hint.
const slowBuildSeconds = 600.0

// DiagnosticHint is one human-readable insight about a pipeline. The UI shows
// these as chips on the pipeline card with Detail on click.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level  string   `json:"level"`
	Title  string   `json:"title"`
	Detail string   `json:"detail"`
	Value  *float64 `json:"value,omitempty"`
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2, "ok": 3}

// diagnose derives hints for one pipeline from its stored state, live sync
// status, windowed summary and outstanding alert count. Critical hints come
// first.
func diagnose(p types.Pipeline, st *syncer.PipelineStatus, s compute.Summary, outstanding int) []DiagnosticHint {
	var hints []DiagnosticHint

	if st != nil && st.Phase == syncer.PhaseFailed {
		hints = append(hints, DiagnosticHint{
			Key:   "sync_failed",
			Level: "critical",
			Title: "Can't reach Jenkins",
			Detail: fmt.Sprintf(
				"The last sync of this pipeline failed with %q. "+
					"The figures below are from the last successful sync. "+
					"Check that Jenkins is reachable and the API token is still valid.",
				st.LastError),
		})
	}

	if p.LastSyncedAt.IsZero() {
		hints = append(hints, DiagnosticHint{
			Key:    "warming_up",
			Level:  "info",
			Title:  "Waiting for first sync",
			Detail: "This pipeline has not been synced yet. Its health appears after the next cycle.",
		})
		return sortHints(hints)
	}

	if p.Health == types.HealthUnhealthy {
		rate := 100 - p.HealthScore
		hints = append(hints, DiagnosticHint{
			Key:   "unhealthy",
			Level: "critical",
			Title: fmt.Sprintf("%.0f%% recent failures", rate),
			Detail: fmt.Sprintf(
				"%.1f%% of the most recent builds failed. "+
					"Look at the console of the latest failures for a common stage or test.",
				rate),
			Value: &rate,
		})
	}

	if p.Status == types.StatusFailure {
		hints = append(hints, DiagnosticHint{
			Key:    "last_build_failed",
			Level:  "warning",
			Title:  "Last build failed",
			Detail: "Jenkins reports the most recent build of this pipeline as failed.",
		})
	}

	if outstanding > 0 {
		n := float64(outstanding)
		hints = append(hints, DiagnosticHint{
			Key:    "unacknowledged_alerts",
			Level:  "warning",
			Title:  fmt.Sprintf("%d unacknowledged", outstanding),
			Detail: "Failed builds of this pipeline have not been acknowledged yet.",
			Value:  &n,
		})
	}

	if s.AvgDuration > slowBuildSeconds {
		avg := s.AvgDuration
		hints = append(hints, DiagnosticHint{
			Key:   "slow_builds",
			Level: "info",
			Title: "Slow builds",
			Detail: fmt.Sprintf(
				"Builds take %.0f seconds on average. Parallel stages and dependency caching usually help.",
				avg),
			Value: &avg,
		})
	}

	if p.Status == types.StatusDisabled {
		hints = append(hints, DiagnosticHint{
			Key:    "disabled",
			Level:  "info",
			Title:  "Disabled in Jenkins",
			Detail: "The job is disabled upstream, so no new builds will appear.",
		})
	}

	if len(hints) == 0 {
		score := p.HealthScore
		hints = append(hints, DiagnosticHint{
			Key:    "healthy",
			Level:  "ok",
			Title:  "All clear",
			Detail: fmt.Sprintf("Health score %.0f/100 with no outstanding alerts.", score),
			Value:  &score,
		})
	}
	return sortHints(hints)
}

func sortHints(h []DiagnosticHint) []DiagnosticHint {
	sort.SliceStable(h, func(i, j int) bool { return levelRank[h[i].Level] < levelRank[h[j].Level] })
	return h
}
