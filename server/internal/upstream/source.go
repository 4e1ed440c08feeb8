package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/obsidianstack/ciwatch/pkg/types"
)

// ErrTransport matches every *TransportError via errors.Is.
var ErrTransport = errors.New("upstream transport failure")

// PipelineSnapshot is a pipeline as currently reported by the upstream.
type PipelineSnapshot struct {
	Name        string
	URL         string
	Status      types.StatusIndicator
	Description string
}

// BuildSnapshot is a build as currently reported by the upstream.
type BuildSnapshot struct {
	Number    int64
	StartedAt time.Time
	Outcome   types.Outcome
	// Duration in seconds, nil while the build is running.
	Duration          *float64
	EstimatedDuration float64
	Actor             string
	URL               string
}

// Source is the upstream CI server ciwatch reconciles against.
type Source interface {
	FetchPipelines(ctx context.Context) ([]PipelineSnapshot, error)
	FetchBuilds(ctx context.Context, pipeline string) ([]BuildSnapshot, error)
}

// TransportError is returned for any failed upstream call: dial errors,
// timeouts, non-2xx responses and undecodable bodies.
type TransportError struct {
	Pipeline string // empty for the pipeline list
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Pipeline == "" {
		return fmt.Sprintf("upstream: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("upstream: %s %q: %v", e.Op, e.Pipeline, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) match any *TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Timeout reports whether the call failed because a deadline expired.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// StatusFromColor maps a Jenkins job color onto a status indicator.
func StatusFromColor(color string) types.StatusIndicator {
	c := strings.ToLower(strings.TrimSpace(color))
	if strings.HasSuffix(c, "_anime") {
		return types.StatusInProgress
	}
	switch c {
	case "blue", "green":
		return types.StatusSuccess
	case "red", "yellow":
		return types.StatusFailure
	case "disabled", "notbuilt", "grey":
		return types.StatusDisabled
	default:
		return types.StatusUnknown
	}
}

// OutcomeFromResult maps a Jenkins build result onto an outcome. A build that
// is still running is in progress whatever its result field says.
func OutcomeFromResult(result string, building bool) types.Outcome {
	if building {
		return types.OutcomeInProgress
	}
	switch strings.ToUpper(strings.TrimSpace(result)) {
	case "SUCCESS":
		return types.OutcomeSuccess
	case "FAILURE", "UNSTABLE":
		return types.OutcomeFailure
	case "ABORTED":
		return types.OutcomeAborted
	case "":
		// Jenkins reports a null result for queued builds.
		return types.OutcomeInProgress
	default:
		return types.OutcomeUnknown
	}
}
