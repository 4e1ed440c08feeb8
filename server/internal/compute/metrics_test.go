package compute

import (
	"math"
	"testing"
	"time"

	"github.com/obsidianstack/ciwatch/pkg/types"
)

// almostEqual returns true if a and b are within epsilon of each other.
func almostEqual(a, b, epsilon float64) bool {
	return math.Abs(a-b) < epsilon
}

func f64(v float64) *float64 { return &v }

var day = time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

func b(n int64, outcome types.Outcome, dur *float64) types.Build {
	return types.Build{
		Pipeline:  "frontend-build",
		Number:    n,
		StartedAt: day.Add(time.Duration(n) * time.Minute),
		Outcome:   outcome,
		Duration:  dur,
	}
}

func TestDaily_FrontendBuild(t *testing.T) {
	m := Daily("frontend-build", day.Add(13*time.Hour), []types.Build{
		b(122, types.OutcomeSuccess, f64(165)),
		b(123, types.OutcomeSuccess, f64(180)),
	})

	if m.Total != 2 || m.Successful != 2 || m.Failed != 0 {
		t.Errorf("counts: got total=%d ok=%d failed=%d, want 2/2/0", m.Total, m.Successful, m.Failed)
	}
	if m.SuccessRate != 100 {
		t.Errorf("SuccessRate: got %v, want 100", m.SuccessRate)
	}
	if !almostEqual(m.AvgDuration, 172.5, 1e-9) {
		t.Errorf("AvgDuration: got %v, want 172.5", m.AvgDuration)
	}
	if !m.Date.Equal(day) {
		t.Errorf("Date: got %v, want %v", m.Date, day)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name        string
		builds      []types.Build
		wantTotal   int
		wantRate    float64
		wantAvg     float64
		wantSuccess int
		wantFailed  int
	}{
		{
			name:     "empty set yields zero rate, not NaN",
			builds:   nil,
			wantRate: 0,
		},
		{
			name: "running build counts in total but not in duration",
			builds: []types.Build{
				b(1, types.OutcomeSuccess, f64(100)),
				b(2, types.OutcomeInProgress, nil),
			},
			wantTotal:   2,
			wantSuccess: 1,
			wantRate:    50,
			wantAvg:     100,
		},
		{
			name: "aborted duration is averaged, not counted as success",
			builds: []types.Build{
				b(1, types.OutcomeFailure, f64(30)),
				b(2, types.OutcomeAborted, f64(10)),
				b(3, types.OutcomeSuccess, f64(20)),
			},
			wantTotal:   3,
			wantSuccess: 1,
			wantFailed:  1,
			wantRate:    100.0 / 3,
			wantAvg:     20,
		},
		{
			name: "finished build without duration is skipped",
			builds: []types.Build{
				b(1, types.OutcomeSuccess, nil),
				b(2, types.OutcomeSuccess, f64(40)),
			},
			wantTotal:   2,
			wantSuccess: 2,
			wantRate:    100,
			wantAvg:     40,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Summarize(tt.builds)
			if math.IsNaN(s.SuccessRate) || math.IsNaN(s.AvgDuration) {
				t.Fatalf("NaN in summary: %+v", s)
			}
			if s.Total != tt.wantTotal || s.Successful != tt.wantSuccess || s.Failed != tt.wantFailed {
				t.Errorf("counts: got %+v", s)
			}
			if !almostEqual(s.SuccessRate, tt.wantRate, 1e-9) {
				t.Errorf("SuccessRate: got %v, want %v", s.SuccessRate, tt.wantRate)
			}
			if !almostEqual(s.AvgDuration, tt.wantAvg, 1e-9) {
				t.Errorf("AvgDuration: got %v, want %v", s.AvgDuration, tt.wantAvg)
			}
		})
	}
}

func TestGroupByDay(t *testing.T) {
	late := b(1, types.OutcomeSuccess, nil)
	late.StartedAt = day.Add(23*time.Hour + 59*time.Minute)
	next := b(2, types.OutcomeSuccess, nil)
	next.StartedAt = day.Add(24 * time.Hour)
	// Same instant expressed in another zone must land on its UTC date.
	zoned := b(3, types.OutcomeFailure, nil)
	zoned.StartedAt = day.Add(2 * time.Hour).In(time.FixedZone("PST", -8*3600))

	groups := GroupByDay([]types.Build{late, next, zoned})
	days := Days(groups)
	if len(days) != 2 {
		t.Fatalf("days: got %d, want 2", len(days))
	}
	if !days[0].Equal(day) || !days[1].Equal(day.AddDate(0, 0, 1)) {
		t.Errorf("days: got %v", days)
	}
	if len(groups[day]) != 2 {
		t.Errorf("builds on %v: got %d, want 2", day, len(groups[day]))
	}
}

func TestSinceAndFailures(t *testing.T) {
	builds := []types.Build{
		b(10, types.OutcomeFailure, nil),
		b(9, types.OutcomeSuccess, nil),
		b(8, types.OutcomeFailure, nil),
		b(7, types.OutcomeFailure, nil),
	}
	recent := Since(builds, day.Add(8*time.Minute))
	if len(recent) != 3 {
		t.Errorf("Since: got %d, want 3", len(recent))
	}
	f := Failures(builds, 2)
	if len(f) != 2 || f[0].Number != 10 || f[1].Number != 8 {
		t.Errorf("Failures: got %+v", f)
	}
}
