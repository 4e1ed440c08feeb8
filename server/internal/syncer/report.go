package syncer

import "time"

// Phase is a step of the per-pipeline reconciliation state machine.
type Phase string

// Phases. A pipeline returns to PhaseIdle after every successful sync;
// PhaseFailed can follow any step and lasts until the next attempt.
const (
	PhaseIdle       Phase = "idle"
	PhaseFetching   Phase = "fetching"
	PhaseDiffing    Phase = "diffing"
	PhasePersisting Phase = "persisting"
	PhaseNotifying  Phase = "notifying"
	PhaseFailed     Phase = "failed"
)

// Report summarises one sync cycle.
type Report struct {
	CycleID    string           `json:"cycle_id"`
	Manual     bool             `json:"manual"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Pipelines  []PipelineReport `json:"pipelines"`
	// Err is set when the pipeline list itself could not be fetched.
	Err string `json:"error,omitempty"`
}

// PipelineReport is the result of reconciling one pipeline.
type PipelineReport struct {
	Name      string   `json:"name"`
	Phase     Phase    `json:"phase"`
	New       int      `json:"new"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Changed   bool     `json:"changed"`
	Anomalies []string `json:"anomalies,omitempty"`
	Err       string   `json:"error,omitempty"`
	// Shared is true when the result came from a reconciliation that another
	// request started.
	Shared bool `json:"shared"`
}

// Failed returns the names of pipelines that ended in PhaseFailed.
func (r *Report) Failed() []string {
	var out []string
	for _, p := range r.Pipelines {
		if p.Phase == PhaseFailed {
			out = append(out, p.Name)
		}
	}
	return out
}

// PipelineStatus is the live sync state of one pipeline.
type PipelineStatus struct {
	Name        string    `json:"name"`
	Phase       Phase     `json:"phase"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
