package syncer

import (
	"fmt"
	"sort"
	"time"

	"github.com/obsidianstack/ciwatch/pkg/types"
	"github.com/obsidianstack/ciwatch/server/internal/compute"
	"github.com/obsidianstack/ciwatch/server/internal/upstream"
)

// changeSet is the outcome of comparing fetched builds with stored ones.
type changeSet struct {
	stored  map[int64]types.Build
	changed []types.Build
	touched map[time.Time]struct{}
	kept    map[int64]bool
	carried map[int64]bool
	// finished marks changed builds that reached a terminal outcome.
	finished map[int64]bool

	newCount     int
	updatedCount int
	unchanged    int
	anomalies    []string
}

// diff classifies every fetched build as new, updated or unchanged.
//
// A build that is already terminal keeps its outcome and duration: a
// different upstream outcome is reported as an anomaly instead. Metadata
// (URL, actor, start time, estimate) may still be corrected.
func diff(pipeline string, stored []types.Build, fetched []upstream.BuildSnapshot, now time.Time) *changeSet {
	cs := &changeSet{
		stored:  make(map[int64]types.Build, len(stored)),
		touched: make(map[time.Time]struct{}),
		kept:     make(map[int64]bool),
		carried:  make(map[int64]bool),
		finished: make(map[int64]bool),
	}
	var maxStored int64 = -1
	for _, b := range stored {
		cs.stored[b.Number] = b
		if b.Number > maxStored {
			maxStored = b.Number
		}
	}

	var maxFetched int64 = -1
	seen := make(map[int64]bool, len(fetched))
	for _, s := range fetched {
		if s.Number < 0 {
			cs.anomalies = append(cs.anomalies, fmt.Sprintf("negative build number %d ignored", s.Number))
			continue
		}
		if seen[s.Number] {
			continue
		}
		seen[s.Number] = true
		if s.Number > maxFetched {
			maxFetched = s.Number
		}

		nb := fromSnapshot(pipeline, s, now)
		old, ok := cs.stored[s.Number]
		if !ok {
			cs.newCount++
			cs.add(nb)
			if nb.Outcome.Terminal() {
				cs.finished[nb.Number] = true
			}
			continue
		}

		if old.Outcome.Terminal() {
			if nb.Outcome != old.Outcome {
				cs.anomalies = append(cs.anomalies, fmt.Sprintf(
					"build #%d reported %s after finishing as %s; kept %s",
					s.Number, nb.Outcome, old.Outcome, old.Outcome))
			}
			nb.Outcome = old.Outcome
			nb.Duration = old.Duration
			if metadataEqual(old, nb) {
				cs.unchanged++
				cs.kept[s.Number] = true
				continue
			}
			cs.updatedCount++
			cs.touch(old)
			cs.add(nb)
			continue
		}

		if nb.Outcome == old.Outcome && durationEqual(nb.Duration, old.Duration) && metadataEqual(old, nb) {
			cs.unchanged++
			cs.kept[s.Number] = true
			continue
		}
		cs.updatedCount++
		cs.touch(old)
		cs.add(nb)
		if nb.Outcome.Terminal() {
			cs.finished[nb.Number] = true
		}
	}

	if maxStored >= 0 && maxFetched >= 0 && maxFetched < maxStored {
		cs.anomalies = append(cs.anomalies, fmt.Sprintf(
			"build number regression: upstream latest #%d is below stored latest #%d", maxFetched, maxStored))
	}
	return cs
}

// carryOver is a build whose persist did not finish in an earlier cycle.
type carryOver struct {
	number   int64
	finished bool
}

// carry marks stored builds left over from an unfinished persist as changed
// again, so their daily metrics, alerts and events are produced this time.
func (cs *changeSet) carry(items []carryOver) {
	for _, it := range items {
		b, ok := cs.stored[it.number]
		if !ok {
			continue
		}
		if it.finished {
			cs.finished[it.number] = true
		}
		if cs.isChanged(it.number) {
			continue
		}
		if cs.kept[it.number] {
			delete(cs.kept, it.number)
			cs.unchanged--
			cs.updatedCount++
		}
		cs.carried[it.number] = true
		cs.add(b)
	}
}

func (cs *changeSet) isChanged(n int64) bool {
	for _, b := range cs.changed {
		if b.Number == n {
			return true
		}
	}
	return false
}

func (cs *changeSet) carryOvers() []carryOver {
	out := make([]carryOver, len(cs.changed))
	for i, b := range cs.changed {
		out[i] = carryOver{number: b.Number, finished: cs.finished[b.Number]}
	}
	return out
}

func (cs *changeSet) add(b types.Build) {
	cs.changed = append(cs.changed, b)
	cs.touch(b)
}

func (cs *changeSet) touch(b types.Build) {
	cs.touched[compute.DayOf(b.StartedAt)] = struct{}{}
}

// merged returns the stored builds overlaid with the changed ones, which is
// exactly what the store holds once the changes are written.
func (cs *changeSet) merged() []types.Build {
	byNum := make(map[int64]types.Build, len(cs.stored)+len(cs.changed))
	for n, b := range cs.stored {
		byNum[n] = b
	}
	for _, b := range cs.changed {
		byNum[b.Number] = b
	}
	out := make([]types.Build, 0, len(byNum))
	for _, b := range byNum {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out
}

// touchedDays returns the dates whose DailyMetric must be recomputed, oldest first.
func (cs *changeSet) touchedDays() []time.Time {
	days := make([]time.Time, 0, len(cs.touched))
	for d := range cs.touched {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

func fromSnapshot(pipeline string, s upstream.BuildSnapshot, now time.Time) types.Build {
	outcome := s.Outcome
	if !outcome.Valid() {
		outcome = types.OutcomeUnknown
	}
	var dur *float64
	if s.Duration != nil && *s.Duration >= 0 {
		v := *s.Duration
		dur = &v
	}
	return types.Build{
		Pipeline:          pipeline,
		Number:            s.Number,
		StartedAt:         s.StartedAt.UTC().Truncate(time.Millisecond),
		Outcome:           outcome,
		Duration:          dur,
		EstimatedDuration: s.EstimatedDuration,
		Actor:             s.Actor,
		URL:               s.URL,
		UpdatedAt:         now,
	}
}

func metadataEqual(a, b types.Build) bool {
	return a.URL == b.URL &&
		a.Actor == b.Actor &&
		a.EstimatedDuration == b.EstimatedDuration &&
		a.StartedAt.Equal(b.StartedAt)
}

func durationEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
