package domain

import (
	"math"
	"time"
)

// ProgressType distinguishes what kind of operation a record tracks.
type ProgressType string

const (
	ProgressCampaignSend ProgressType = "campaign_send"
	ProgressRetrySweep   ProgressType = "retry_sweep"
)

// ProgressStatus mirrors the owning operation's state for read-side
// consumers. It is a projection, not a second state machine.
type ProgressStatus string

const (
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
	ProgressCancelled ProgressStatus = "cancelled"
)

// ProgressRecord is the externally queryable summary of a job's completion
// state. Counters only move through additive increments; they never decrease
// except when the record is deleted outright.
type ProgressRecord struct {
	ID             string            `json:"id" db:"id"`
	Type           ProgressType      `json:"type" db:"type"`
	OwnerID        string            `json:"owner_id" db:"owner_id"`
	Status         ProgressStatus    `json:"status" db:"status"`
	ProcessedItems int               `json:"processed_items" db:"processed_items"`
	FailedItems    int               `json:"failed_items" db:"failed_items"`
	TotalItems     int               `json:"total_items" db:"total_items"`
	Message        string            `json:"message,omitempty" db:"message"`
	StartTime      time.Time         `json:"start_time" db:"start_time"`
	EndTime        *time.Time        `json:"end_time" db:"end_time"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// Percent returns round(100 * (processed+failed) / total), 0 for an empty
// record.
func (p *ProgressRecord) Percent() int {
	if p.TotalItems <= 0 {
		return 0
	}
	done := p.ProcessedItems + p.FailedItems
	return int(math.Round(100 * float64(done) / float64(p.TotalItems)))
}
