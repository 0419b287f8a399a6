package models

import "time"

// RunStatus is the lifecycle state of a digest run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// DigestRun is the bookkeeping of one execution of a digest job. Reports
// themselves are not kept.
type DigestRun struct {
	ID           string     `json:"id"`
	Job          string     `json:"job"`
	Status       RunStatus  `json:"status"`
	TimeRange    TimeRange  `json:"time_range"`
	RecordCount  int        `json:"record_count"`
	Error        *string    `json:"error,omitempty"`
	ProviderUsed string     `json:"provider_used,omitempty"`
	RunAt        time.Time  `json:"run_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}
