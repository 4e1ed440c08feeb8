package types

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
)

// ValidationError rejects malformed input to a store write. A rejected write
// is never partially applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) match any *ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a query or acknowledgement against a missing key.
type NotFoundError struct {
	Kind string // "pipeline" | "build" | "alert"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// Is makes errors.Is(err, ErrNotFound) match any *NotFoundError.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
