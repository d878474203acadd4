package queue

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// ErrNotRequeueable is returned when Requeue targets a job that is not in a
// requeueable state (only failed and cancelled jobs can be requeued).
var ErrNotRequeueable = errors.New("job is not failed or cancelled")

// ValidationError rejects a malformed enqueue request before any row is
// written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
