package domain

import "time"

// RetryStatus enumerates retry entry states. Succeeded and exhausted are
// terminal; exhausted surfaces to the job as a permanent recipient failure.
type RetryStatus string

const (
	RetryScheduled RetryStatus = "scheduled"
	RetryExecuting RetryStatus = "executing"
	RetrySucceeded RetryStatus = "succeeded"
	RetryExhausted RetryStatus = "exhausted"
)

// IsTerminal reports whether the entry will never be attempted again.
func (s RetryStatus) IsTerminal() bool {
	return s == RetrySucceeded || s == RetryExhausted
}

// RetryPayload is the message snapshot a retry re-sends, captured at the
// moment the original attempt failed so the sweep never re-renders.
type RetryPayload struct {
	Email     string            `json:"email"`
	Subject   string            `json:"subject"`
	HTMLBody  string            `json:"html_body"`
	TextBody  string            `json:"text_body,omitempty"`
	FromName  string            `json:"from_name"`
	FromEmail string            `json:"from_email"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// RetryEntry is a deferred re-attempt for one failed recipient send.
type RetryEntry struct {
	ID            string       `json:"id" db:"id"`
	OriginalJobID string       `json:"original_job_id" db:"original_job_id"`
	BatchID       string       `json:"batch_id" db:"batch_id"`
	TargetID      string       `json:"target_id" db:"target_id"`
	Payload       RetryPayload `json:"payload" db:"payload"`
	AttemptCount  int          `json:"attempt_count" db:"attempt_count"`
	MaxRetries    int          `json:"max_retries" db:"max_retries"`
	DelaySeconds  int          `json:"delay_seconds" db:"delay_seconds"`
	NextAttemptAt time.Time    `json:"next_attempt_at" db:"next_attempt_at"`
	Status        RetryStatus  `json:"status" db:"status"`
	LastError     string       `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}
