package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a queued Job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// JobPriority constants, matching the original job_queue.py's scale so
// operators can reason about "critical vs normal" the same way.
const (
	JobPriorityCritical = 1000
	JobPriorityHigh     = 100
	JobPriorityNormal   = 0
	JobPriorityLow      = -100
)

// Job is one row of the durable, leased priority queue.
type Job struct {
	ID           uuid.UUID      `json:"id"`
	QueueName    string         `json:"queue_name"`
	JobType      string         `json:"job_type"`
	Payload      map[string]any `json:"payload"`
	Priority     int            `json:"priority"`
	Status       JobStatus      `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	LockedAt     *time.Time     `json:"locked_at,omitempty"`
	LockedBy     string         `json:"locked_by,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	DeadLetter   bool           `json:"dead_letter"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// QueueStats summarizes job_queue counts per status plus average
// processing time, per job_queue.py's get_queue_stats.
type QueueStats struct {
	QueueName              string        `json:"queue_name"`
	Pending                int           `json:"pending"`
	Processing             int           `json:"processing"`
	Completed              int           `json:"completed"`
	Failed                 int           `json:"failed"`
	DeadLetter             int           `json:"dead_letter"`
	AverageProcessingTime  time.Duration `json:"average_processing_time"`
}
