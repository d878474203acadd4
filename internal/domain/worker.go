package domain

import "time"

// WorkerStatus enumerates worker registry states.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerInfo is one named executor's registry row. A busy worker holds at
// most one job's exclusive claim.
type WorkerInfo struct {
	ID                  string       `json:"id" db:"id"`
	Name                string       `json:"name" db:"name"`
	Status              WorkerStatus `json:"status" db:"status"`
	LastHeartbeat       time.Time    `json:"last_heartbeat" db:"last_heartbeat"`
	CurrentJobID        *string      `json:"current_job_id" db:"current_job_id"`
	ConsecutiveFailures int          `json:"consecutive_failures" db:"consecutive_failures"`
	TotalProcessed      int64        `json:"total_processed" db:"total_processed"`
	TotalErrors         int64        `json:"total_errors" db:"total_errors"`
	StartedAt           time.Time    `json:"started_at" db:"started_at"`
}
