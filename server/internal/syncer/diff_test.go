package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/ciwatch/pkg/types"
	"github.com/obsidianstack/ciwatch/server/internal/upstream"
)

func TestDiff_SkipsNegativeAndDuplicateNumbers(t *testing.T) {
	now := day.Add(time.Hour)
	fetched := []upstream.BuildSnapshot{
		snapB(-1, types.OutcomeSuccess, f64(1), 1),
		snapB(4, types.OutcomeSuccess, f64(1), 4),
		snapB(4, types.OutcomeFailure, f64(1), 4),
	}

	cs := diff("p", nil, fetched, now)
	require.Equal(t, 1, cs.newCount)
	require.Len(t, cs.changed, 1)
	require.Equal(t, types.OutcomeSuccess, cs.changed[0].Outcome, "first occurrence wins")
	require.Len(t, cs.anomalies, 1)
	require.Contains(t, cs.anomalies[0], "negative")
}

func TestDiff_TouchesOldAndNewDayOnRestart(t *testing.T) {
	now := day.Add(48 * time.Hour)
	stored := []types.Build{{
		Pipeline:  "p",
		Number:    9,
		StartedAt: day.Add(23 * time.Hour),
		Outcome:   types.OutcomeInProgress,
		Actor:     "admin",
		URL:       "http://jenkins/job/x/",
	}}
	moved := snapB(9, types.OutcomeSuccess, f64(30), 25)

	cs := diff("p", stored, []upstream.BuildSnapshot{moved}, now)
	require.Equal(t, 1, cs.updatedCount)
	require.Equal(t, []time.Time{day, day.Add(24 * time.Hour)}, cs.touchedDays())

	merged := cs.merged()
	require.Len(t, merged, 1)
	require.Equal(t, types.OutcomeSuccess, merged[0].Outcome)
	require.Equal(t, now, merged[0].UpdatedAt)
}

func TestDiff_InvalidOutcomeBecomesUnknown(t *testing.T) {
	s := snapB(1, types.Outcome("weird"), nil, 1)
	cs := diff("p", nil, []upstream.BuildSnapshot{s}, day)
	require.Equal(t, types.OutcomeUnknown, cs.changed[0].Outcome)
}
