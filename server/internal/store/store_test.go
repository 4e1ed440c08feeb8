package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/ciwatch/pkg/types"
)

var base = time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func build(pipeline string, n int64, outcome types.Outcome, dur *float64) types.Build {
	return types.Build{
		Pipeline:  pipeline,
		Number:    n,
		StartedAt: base.Add(time.Duration(n) * time.Minute),
		Outcome:   outcome,
		Duration:  dur,
		Actor:     "admin",
		UpdatedAt: base,
	}
}

// backends runs fn once per Store implementation.
func backends(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := OpenSQL(context.Background(), "sqlite", filepath.Join(t.TempDir(), "ciwatch.db"))
		if err != nil {
			t.Fatalf("OpenSQL: %v", err)
		}
		t.Cleanup(func() { st.Close() })
		fn(t, st)
	})
}

func TestPipeline_UpsertAndGet(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p := types.Pipeline{Name: "frontend-build", URL: "http://ci/job/frontend-build/", Status: types.StatusSuccess, LastSyncedAt: base}
		if err := st.UpsertPipeline(ctx, p); err != nil {
			t.Fatalf("UpsertPipeline: %v", err)
		}
		p.Status = types.StatusFailure
		if err := st.UpsertPipeline(ctx, p); err != nil {
			t.Fatalf("UpsertPipeline (replace): %v", err)
		}

		got, err := st.GetPipeline(ctx, "frontend-build")
		if err != nil {
			t.Fatalf("GetPipeline: %v", err)
		}
		if got.Status != types.StatusFailure {
			t.Errorf("Status: got %q, want failure", got.Status)
		}
		if !got.LastSyncedAt.Equal(base) {
			t.Errorf("LastSyncedAt: got %v, want %v", got.LastSyncedAt, base)
		}
		if got.Health != types.HealthUnknown {
			t.Errorf("Health: got %q, want unknown", got.Health)
		}
	})
}

func TestPipeline_Validation(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		err := st.UpsertPipeline(ctx, types.Pipeline{Name: "", Status: types.StatusSuccess})
		if !errors.Is(err, types.ErrValidation) {
			t.Fatalf("empty name: got %v, want ValidationError", err)
		}
		err = st.UpsertPipeline(ctx, types.Pipeline{Name: "x", Status: "green"})
		if !errors.Is(err, types.ErrValidation) {
			t.Fatalf("bad status: got %v, want ValidationError", err)
		}
		if _, err := st.GetPipeline(ctx, "x"); !errors.Is(err, types.ErrNotFound) {
			t.Fatalf("rejected write must not be applied: got %v", err)
		}
	})
}

func TestListPipelines_SortedByName(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, n := range []string{"integration-tests", "backend-api", "frontend-build"} {
			if err := st.UpsertPipeline(ctx, types.Pipeline{Name: n, Status: types.StatusUnknown}); err != nil {
				t.Fatal(err)
			}
		}
		ps, err := st.ListPipelines(ctx)
		if err != nil {
			t.Fatalf("ListPipelines: %v", err)
		}
		want := []string{"backend-api", "frontend-build", "integration-tests"}
		if len(ps) != len(want) {
			t.Fatalf("len: got %d, want %d", len(ps), len(want))
		}
		for i, n := range want {
			if ps[i].Name != n {
				t.Errorf("ps[%d]: got %q, want %q", i, ps[i].Name, n)
			}
		}
	})
}

func TestUpsertBuild_Idempotent(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		b := build("frontend-build", 122, types.OutcomeSuccess, f64(165))
		for i := 0; i < 2; i++ {
			if err := st.UpsertBuild(ctx, b); err != nil {
				t.Fatalf("UpsertBuild #%d: %v", i, err)
			}
		}
		bs, err := st.ListBuilds(ctx, "frontend-build", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(bs) != 1 {
			t.Fatalf("builds: got %d, want 1", len(bs))
		}
		got := bs[0]
		if got.Outcome != types.OutcomeSuccess || got.Duration == nil || *got.Duration != 165 {
			t.Errorf("build: got %+v", got)
		}
		if !got.StartedAt.Equal(b.StartedAt) {
			t.Errorf("StartedAt: got %v, want %v", got.StartedAt, b.StartedAt)
		}
	})
}

func TestUpsertBuild_AutoRegistersPipeline(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if err := st.UpsertBuild(ctx, build("nightly", 1, types.OutcomeInProgress, nil)); err != nil {
			t.Fatalf("UpsertBuild: %v", err)
		}
		p, err := st.GetPipeline(ctx, "nightly")
		if err != nil {
			t.Fatalf("GetPipeline: %v", err)
		}
		if p.Status != types.StatusUnknown {
			t.Errorf("Status: got %q, want unknown", p.Status)
		}

		b, err := st.GetBuild(ctx, "nightly", 1)
		if err != nil {
			t.Fatalf("GetBuild: %v", err)
		}
		if b.Duration != nil {
			t.Errorf("Duration: got %v, want nil", *b.Duration)
		}
	})
}

func TestUpsertBuild_Validation(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		tests := []types.Build{
			build("p", -1, types.OutcomeSuccess, nil),
			build("", 1, types.OutcomeSuccess, nil),
			build("p", 1, "passed", nil),
			build("p", 1, types.OutcomeSuccess, f64(-3)),
		}
		for i, b := range tests {
			if err := st.UpsertBuild(ctx, b); !errors.Is(err, types.ErrValidation) {
				t.Errorf("case %d: got %v, want ValidationError", i, err)
			}
		}
		if _, err := st.GetPipeline(ctx, "p"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("rejected build must not register its pipeline: got %v", err)
		}
	})
}

func TestListBuilds_DescendingWithLimit(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, n := range []int64{3, 1, 5, 2, 4} {
			if err := st.UpsertBuild(ctx, build("backend-api", n, types.OutcomeSuccess, f64(10))); err != nil {
				t.Fatal(err)
			}
		}
		bs, err := st.ListBuilds(ctx, "backend-api", 3)
		if err != nil {
			t.Fatal(err)
		}
		want := []int64{5, 4, 3}
		if len(bs) != len(want) {
			t.Fatalf("len: got %d, want %d", len(bs), len(want))
		}
		for i, n := range want {
			if bs[i].Number != n {
				t.Errorf("bs[%d].Number: got %d, want %d", i, bs[i].Number, n)
			}
		}

		none, err := st.ListBuilds(ctx, "unknown", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(none) != 0 {
			t.Errorf("unknown pipeline: got %d builds, want 0", len(none))
		}
	})
}

func TestGetBuild_NotFound(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		_, err := st.GetBuild(context.Background(), "frontend-build", 999)
		var nf *types.NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("got %v, want *NotFoundError", err)
		}
		if nf.Key != "frontend-build#999" {
			t.Errorf("Key: got %q", nf.Key)
		}
	})
}

func TestDailyMetrics_RangeAndReplace(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for d := 0; d < 5; d++ {
			m := types.DailyMetric{
				Pipeline: "frontend-build",
				Date:     base.AddDate(0, 0, d).Truncate(24 * time.Hour),
				Total:    d,
			}
			if err := st.UpsertDailyMetric(ctx, m); err != nil {
				t.Fatalf("UpsertDailyMetric: %v", err)
			}
		}
		replaced := types.DailyMetric{Pipeline: "frontend-build", Date: base.AddDate(0, 0, 2), Total: 42, Successful: 42, SuccessRate: 100}
		if err := st.UpsertDailyMetric(ctx, replaced); err != nil {
			t.Fatal(err)
		}

		ms, err := st.ListDailyMetrics(ctx, "frontend-build", base.AddDate(0, 0, 1), base.AddDate(0, 0, 3))
		if err != nil {
			t.Fatalf("ListDailyMetrics: %v", err)
		}
		if len(ms) != 3 {
			t.Fatalf("len: got %d, want 3", len(ms))
		}
		if ms[0].Total != 1 || ms[1].Total != 42 || ms[2].Total != 3 {
			t.Errorf("totals: got %d,%d,%d want 1,42,3", ms[0].Total, ms[1].Total, ms[2].Total)
		}

		all, err := st.ListDailyMetrics(ctx, "frontend-build", time.Time{}, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 5 {
			t.Errorf("open range: got %d, want 5", len(all))
		}
	})
}

func TestDailyMetric_Validation(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		err := st.UpsertDailyMetric(context.Background(), types.DailyMetric{Pipeline: "p", Date: base, SuccessRate: 120})
		if !errors.Is(err, types.ErrValidation) {
			t.Fatalf("got %v, want ValidationError", err)
		}
	})
}

func TestRecordAlert_InsertOnce(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := types.AlertRecord{Pipeline: "integration-tests", BuildNumber: 89, Kind: types.AlertBuildFailure, FirstSeenAt: base}

		created, err := st.RecordAlert(ctx, a)
		if err != nil || !created {
			t.Fatalf("first RecordAlert: created=%v err=%v", created, err)
		}
		if err := st.MarkAlertViewed(ctx, "integration-tests", 89, base.Add(time.Hour)); err != nil {
			t.Fatalf("MarkAlertViewed: %v", err)
		}

		a.FirstSeenAt = base.Add(2 * time.Hour)
		created, err = st.RecordAlert(ctx, a)
		if err != nil || created {
			t.Fatalf("second RecordAlert: created=%v err=%v", created, err)
		}

		got, err := st.GetAlert(ctx, "integration-tests", 89)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Viewed {
			t.Error("Viewed reset to false by a repeated RecordAlert")
		}
		if !got.FirstSeenAt.Equal(base) {
			t.Errorf("FirstSeenAt: got %v, want %v", got.FirstSeenAt, base)
		}
	})
}

func TestMarkAlertViewed(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if err := st.MarkAlertViewed(ctx, "nope", 1, base); !errors.Is(err, types.ErrNotFound) {
			t.Fatalf("missing alert: got %v, want NotFound", err)
		}

		if _, err := st.RecordAlert(ctx, types.AlertRecord{Pipeline: "p", BuildNumber: 7, Kind: types.AlertBuildFailure, FirstSeenAt: base}); err != nil {
			t.Fatal(err)
		}
		first := base.Add(time.Minute)
		if err := st.MarkAlertViewed(ctx, "p", 7, first); err != nil {
			t.Fatal(err)
		}
		if err := st.MarkAlertViewed(ctx, "p", 7, base.Add(time.Hour)); err != nil {
			t.Fatalf("second acknowledge: %v", err)
		}
		got, err := st.GetAlert(ctx, "p", 7)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Viewed || got.ViewedAt == nil || !got.ViewedAt.Equal(first) {
			t.Errorf("got %+v, want viewed at %v", got, first)
		}
	})
}

func TestListUnviewedAlerts_NewestFirst(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for i, n := range []int64{10, 11, 12} {
			a := types.AlertRecord{Pipeline: "p", BuildNumber: n, Kind: types.AlertBuildFailure, FirstSeenAt: base.Add(time.Duration(i) * time.Minute)}
			if _, err := st.RecordAlert(ctx, a); err != nil {
				t.Fatal(err)
			}
		}
		if err := st.MarkAlertViewed(ctx, "p", 11, base); err != nil {
			t.Fatal(err)
		}
		as, err := st.ListUnviewedAlerts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(as) != 2 || as[0].BuildNumber != 12 || as[1].BuildNumber != 10 {
			t.Fatalf("got %+v, want builds 12 then 10", as)
		}
	})
}

func TestConcurrentUpserts(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					n := int64(w*25 + i)
					if err := st.UpsertBuild(ctx, build("parallel", n, types.OutcomeSuccess, f64(1))); err != nil {
						t.Errorf("UpsertBuild %d: %v", n, err)
					}
				}
			}(w)
		}
		wg.Wait()
		bs, err := st.ListBuilds(ctx, "parallel", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(bs) != 100 {
			t.Errorf("builds: got %d, want 100", len(bs))
		}
	})
}

func TestMemory_ReturnsCopies(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	if err := st.UpsertBuild(ctx, build("p", 1, types.OutcomeSuccess, f64(5))); err != nil {
		t.Fatal(err)
	}
	b, _ := st.GetBuild(ctx, "p", 1)
	*b.Duration = 99
	again, _ := st.GetBuild(ctx, "p", 1)
	if *again.Duration != 5 {
		t.Errorf("caller mutation leaked into store: got %v", *again.Duration)
	}
}

func TestMemory_DefaultsTimestamps(t *testing.T) {
	st := NewMemory()
	st.now = func() time.Time { return base }
	ctx := context.Background()
	b := build("p", 1, types.OutcomeSuccess, nil)
	b.UpdatedAt = time.Time{}
	if err := st.UpsertBuild(ctx, b); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetBuild(ctx, "p", 1)
	if !got.UpdatedAt.Equal(base) {
		t.Errorf("UpdatedAt: got %v, want %v", got.UpdatedAt, base)
	}
}

func TestDialect_Rebind(t *testing.T) {
	d := dialects["postgres"]
	got := d.rebind("SELECT a FROM t WHERE x = ? AND y = ?")
	if got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Errorf("rebind: got %q", got)
	}
	if q := dialects["mysql"].insertIgnore("alerts", []string{"a", "b"}); q != "INSERT IGNORE INTO alerts (a, b) VALUES (?, ?)" {
		t.Errorf("mysql insertIgnore: got %q", q)
	}
	if q := dialects["sqlite"].upsert("t", []string{"k", "v"}, []string{"k"}); q != "INSERT INTO t (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v" {
		t.Errorf("sqlite upsert: got %q", q)
	}
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, storageCfg("memory", ""))
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := st.(*Memory); !ok {
		t.Errorf("memory backend: got %T", st)
	}
	if _, err := Open(ctx, storageCfg("mongo", "")); err == nil {
		t.Error("unknown backend: expected error")
	}
	path := filepath.Join(t.TempDir(), "open.db")
	st, err = Open(ctx, storageCfg("sqlite", path))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	st.Close()
}
