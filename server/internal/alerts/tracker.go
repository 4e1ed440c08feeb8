package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/obsidianstack/ciwatch/pkg/types"
	"github.com/obsidianstack/ciwatch/server/internal/store"
)

// Failure is a newly raised alert together with the build that caused it.
// Build is the zero value when the build could not be loaded.
type Failure struct {
	Alert types.AlertRecord
	Build types.Build
}

// Reason is a one-line description of what went wrong.
func (f Failure) Reason() string {
	b := f.Build
	if b.Number == 0 && b.Pipeline == "" {
		return fmt.Sprintf("Build #%d failed", f.Alert.BuildNumber)
	}
	msg := fmt.Sprintf("Build #%d finished as %s", b.Number, b.Outcome)
	if b.Duration != nil {
		msg += fmt.Sprintf(" after %.1fs", *b.Duration)
	}
	if b.URL != "" {
		msg += ". Console: " + strings.TrimSuffix(b.URL, "/") + "/console"
	}
	return msg
}

// Notifier is told about every newly raised alert. Implementations must not
// block the caller.
type Notifier interface {
	Notify(f Failure)
}

// Notifiers fans a notification out to several Notifiers.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(f Failure) {
	for _, n := range ns {
		if n != nil {
			n.Notify(f)
		}
	}
}

// Tracker records failed builds as alerts and tracks operator acknowledgement.
// All state lives in the store, so Tracker itself is stateless and safe for
// concurrent use.
type Tracker struct {
	store    store.Store
	notifier Notifier
	now      func() time.Time // injectable for deterministic tests
}

// New creates a Tracker. notifier may be nil.
func New(st store.Store, notifier Notifier) *Tracker {
	return &Tracker{store: st, notifier: notifier, now: time.Now}
}

// OnFailureObserved raises an alert for the build unless one already exists.
// It reports whether a new record was created; only new records notify.
func (t *Tracker) OnFailureObserved(ctx context.Context, pipeline string, number int64) (bool, error) {
	a := types.AlertRecord{
		Pipeline:    pipeline,
		BuildNumber: number,
		Kind:        types.AlertBuildFailure,
		FirstSeenAt: t.now().UTC(),
	}
	created, err := t.store.RecordAlert(ctx, a)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	slog.Warn("alerts: build failure raised", "pipeline", pipeline, "build", number)
	if t.notifier != nil {
		f := Failure{Alert: a}
		if b, err := t.store.GetBuild(ctx, pipeline, number); err == nil {
			f.Build = b
		}
		t.notifier.Notify(f)
	}
	return true, nil
}

// Acknowledge marks the alert viewed. Acknowledging twice is not an error;
// a missing alert returns a *types.NotFoundError.
func (t *Tracker) Acknowledge(ctx context.Context, pipeline string, number int64) error {
	if err := t.store.MarkAlertViewed(ctx, pipeline, number, t.now().UTC()); err != nil {
		return err
	}
	slog.Info("alerts: acknowledged", "pipeline", pipeline, "build", number)
	return nil
}

// ListOutstanding returns unacknowledged alerts, most recent first.
func (t *Tracker) ListOutstanding(ctx context.Context) ([]types.AlertRecord, error) {
	return t.store.ListUnviewedAlerts(ctx)
}
