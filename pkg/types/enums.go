package types

import "strings"

// StatusIndicator is the upstream-reported state of a pipeline as a whole.
type StatusIndicator string

// Pipeline status indicators.
const (
	StatusSuccess    StatusIndicator = "success"
	StatusFailure    StatusIndicator = "failure"
	StatusInProgress StatusIndicator = "in_progress"
	StatusDisabled   StatusIndicator = "disabled"
	StatusUnknown    StatusIndicator = "unknown"
)

// Valid reports whether s is one of the enumerated status indicators.
func (s StatusIndicator) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusInProgress, StatusDisabled, StatusUnknown:
		return true
	}
	return false
}

// ParseStatusIndicator maps s onto a status indicator. Unrecognised values
// become StatusUnknown.
func ParseStatusIndicator(s string) StatusIndicator {
	v := StatusIndicator(strings.ToLower(strings.TrimSpace(s)))
	if v == "in-progress" {
		return StatusInProgress
	}
	if v.Valid() {
		return v
	}
	return StatusUnknown
}

// Outcome is the result of a single build.
type Outcome string

// Build outcomes.
const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeAborted    Outcome = "aborted"
	OutcomeUnknown    Outcome = "unknown"
)

// Valid reports whether o is one of the enumerated outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeInProgress, OutcomeAborted, OutcomeUnknown:
		return true
	}
	return false
}

// Terminal reports whether o is a final outcome. Terminal builds are immutable
// apart from metadata corrections.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeAborted:
		return true
	}
	return false
}

// ParseOutcome maps s onto an outcome. Unrecognised values become OutcomeUnknown.
func ParseOutcome(s string) Outcome {
	v := Outcome(strings.ToLower(strings.TrimSpace(s)))
	if v == "in-progress" {
		return OutcomeInProgress
	}
	if v.Valid() {
		return v
	}
	return OutcomeUnknown
}

// HealthClass is the classification produced by the health evaluator.
type HealthClass string

// Health classes. HealthUnknown is only used for pipelines that have never
// been evaluated.
const (
	HealthHealthy   HealthClass = "healthy"
	HealthUnhealthy HealthClass = "unhealthy"
	HealthUnknown   HealthClass = "unknown"
)

// AlertKind identifies what an alert record tracks.
type AlertKind string

// AlertBuildFailure is raised the first time a build is seen failing.
const AlertBuildFailure AlertKind = "build_failure"
