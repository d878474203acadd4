package domain

import (
	"fmt"
	"time"
)

// JobStatus enumerates the lifecycle states of a send job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
	JobCancelled  JobStatus = "cancelled"
)

// jobTransitions is the allowed state graph. Cancellation is handled
// separately: any non-terminal state may move to cancelled.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing},
	JobProcessing: {JobCompleted, JobFailed, JobRetrying},
	JobRetrying:   {JobProcessing},
	JobCompleted:  {},
	JobFailed:     {},
	JobCancelled:  {},
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransitionTo reports whether s -> next is in the allowed graph.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if next == JobCancelled {
		return !s.IsTerminal()
	}
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidJobStatus reports whether s is a known status value.
func ValidJobStatus(s JobStatus) bool {
	_, ok := jobTransitions[s]
	return ok
}

// InvalidTransitionError reports a rejected job status transition. The job
// row is left untouched when this is returned.
type InvalidTransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// Recipient is one resolved recipient inside a job payload, with the
// personalization variables rendered for it at enqueue time.
type Recipient struct {
	LeadID string            `json:"lead_id"`
	Email  string            `json:"email"`
	Vars   map[string]string `json:"vars,omitempty"`
}

// JobPayload carries everything a worker needs to execute the send: the
// recipient list, the message template, sender identity, and tracking
// metadata. Stored as jsonb on the job row.
type JobPayload struct {
	Recipients []Recipient       `json:"recipients"`
	Subject    string            `json:"subject"`
	HTMLBody   string            `json:"html_body"`
	TextBody   string            `json:"text_body,omitempty"`
	FromName   string            `json:"from_name"`
	FromEmail  string            `json:"from_email"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Job is one campaign-send unit of work spanning many recipients.
type Job struct {
	ID              string     `json:"id" db:"id"`
	WorkspaceID     string     `json:"workspace_id" db:"workspace_id"`
	CampaignID      string     `json:"campaign_id" db:"campaign_id"`
	Status          JobStatus  `json:"status" db:"status"`
	Priority        int        `json:"priority" db:"priority"`
	Payload         JobPayload `json:"payload" db:"payload"`
	BatchSize       int        `json:"batch_size" db:"batch_size"`
	TotalRecipients int        `json:"total_recipients" db:"total_recipients"`
	MaxRetries      int        `json:"max_retries" db:"max_retries"`
	RetryCount      int        `json:"retry_count" db:"retry_count"`
	ScheduledAt     *time.Time `json:"scheduled_at" db:"scheduled_at"`
	StartedAt       *time.Time `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at" db:"completed_at"`
	ErrorMessage    string     `json:"error_message,omitempty" db:"error_message"`
	ClaimedBy       string     `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt       *time.Time `json:"claimed_at" db:"claimed_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// BatchStatus enumerates batch lifecycle states.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Batch is a contiguous slice of a job's recipient list, the unit of
// incremental progress. StartRecord/EndRecord are half-open indices into
// the payload recipient slice: [StartRecord, EndRecord).
//
// AwaitingRetries marks a batch whose recipients have all been attempted
// but whose transient failures are still draining through the retry
// system. Such a batch is not reprocessed on reclaim.
type Batch struct {
	ID              string      `json:"id" db:"id"`
	JobID           string      `json:"job_id" db:"job_id"`
	BatchIndex      int         `json:"batch_index" db:"batch_index"`
	StartRecord     int         `json:"start_record" db:"start_record"`
	EndRecord       int         `json:"end_record" db:"end_record"`
	Status          BatchStatus `json:"status" db:"status"`
	ValidCount      int         `json:"valid_count" db:"valid_count"`
	InvalidCount    int         `json:"invalid_count" db:"invalid_count"`
	AwaitingRetries bool        `json:"awaiting_retries" db:"awaiting_retries"`
	ErrorMessage    string      `json:"error_message,omitempty" db:"error_message"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// Size returns the number of recipients the batch covers.
func (b *Batch) Size() int {
	return b.EndRecord - b.StartRecord
}
