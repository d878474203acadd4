package campaign

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound       = errors.New("campaign not found")
	ErrNotSendable    = errors.New("campaign is not in a sendable state")
	ErrAlreadySending = errors.New("campaign is already sending")
	ErrNoRecipients   = errors.New("campaign has no active recipients")
	ErrEnqueuePaused  = errors.New("enqueue paused by backpressure")
)

// TemplateError reports a campaign template that failed to parse. Sending is
// refused before any state changes.
type TemplateError struct {
	Field string
	Err   error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("%s template: %v", e.Field, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// RateLimitedError reports a dispatch denied by the campaign-enqueue rate
// profile. RetryAfter is how long until the window resets.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("campaign dispatch rate limited, retry in %s", e.RetryAfter)
}
