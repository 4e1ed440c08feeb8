package compute

import (
	"sort"
	"time"

	"github.com/obsidianstack/ciwatch/pkg/types"
)

// Summary holds aggregates over an arbitrary set of builds.
type Summary struct {
	Total       int     `json:"total_builds"`
	Successful  int     `json:"successful_builds"`
	Failed      int     `json:"failed_builds"`
	SuccessRate float64 `json:"success_rate"`
	// AvgDuration is the mean duration in seconds of finished builds.
	AvgDuration   float64 `json:"avg_duration"`
	TotalDuration float64 `json:"total_duration"`
}

// Summarize aggregates builds of any date range.
//
// Every build counts towards Total. SuccessRate is Successful/Total*100 and is
// 0 for an empty set. Only builds with a terminal outcome and a recorded
// duration contribute to the duration figures.
func Summarize(builds []types.Build) Summary {
	var (
		s     Summary
		timed int
	)
	for _, b := range builds {
		s.Total++
		switch b.Outcome {
		case types.OutcomeSuccess:
			s.Successful++
		case types.OutcomeFailure:
			s.Failed++
		}
		if b.Outcome.Terminal() && b.Duration != nil {
			s.TotalDuration += *b.Duration
			timed++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total) * 100
	}
	if timed > 0 {
		s.AvgDuration = s.TotalDuration / float64(timed)
	}
	return s
}

// Daily builds the DailyMetric for one pipeline on one date from that date's builds.
func Daily(pipeline string, date time.Time, builds []types.Build) types.DailyMetric {
	s := Summarize(builds)
	return types.DailyMetric{
		Pipeline:      pipeline,
		Date:          DayOf(date),
		Total:         s.Total,
		Successful:    s.Successful,
		Failed:        s.Failed,
		SuccessRate:   s.SuccessRate,
		AvgDuration:   s.AvgDuration,
		TotalDuration: s.TotalDuration,
	}
}

// DayOf truncates t to midnight of its UTC calendar date.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GroupByDay buckets builds by the UTC date they started on. Input order is
// preserved within a bucket.
func GroupByDay(builds []types.Build) map[time.Time][]types.Build {
	out := make(map[time.Time][]types.Build)
	for _, b := range builds {
		day := DayOf(b.StartedAt)
		out[day] = append(out[day], b)
	}
	return out
}

// Days returns the keys of a GroupByDay result in ascending order.
func Days(groups map[time.Time][]types.Build) []time.Time {
	days := make([]time.Time, 0, len(groups))
	for d := range groups {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// Since keeps the builds that started at or after cutoff.
func Since(builds []types.Build, cutoff time.Time) []types.Build {
	out := make([]types.Build, 0, len(builds))
	for _, b := range builds {
		if !b.StartedAt.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out
}

// Failures returns the failed builds in input order, at most limit of them
// (limit <= 0 means all).
func Failures(builds []types.Build, limit int) []types.Build {
	var out []types.Build
	for _, b := range builds {
		if b.Outcome != types.OutcomeFailure {
			continue
		}
		out = append(out, b)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
