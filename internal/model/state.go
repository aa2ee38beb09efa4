package model

import (
	"time"

	"github.com/google/uuid"
)

// ItemType names the kind of unit a PipelineStateItem tracks.
type ItemType string

const (
	ItemTypeSerpSearch   ItemType = "serp_search"
	ItemTypeVideo        ItemType = "video"
	ItemTypeURL          ItemType = "url"
	ItemTypeDomain       ItemType = "domain"
	ItemTypeKeywordRegion ItemType = "keyword_region"
)

// StateStatus is the lifecycle state of one PipelineStateItem.
type StateStatus string

const (
	StateStatusPending    StateStatus = "pending"
	StateStatusQueued     StateStatus = "queued"
	StateStatusProcessing StateStatus = "processing"
	StateStatusCompleted  StateStatus = "completed"
	StateStatusFailed     StateStatus = "failed"
	StateStatusSkipped    StateStatus = "skipped"
)

// PipelineStateItem is a granular unit of work tracked by the State Tracker,
// unique per (run, phase, item_identifier).
type PipelineStateItem struct {
	ID             uuid.UUID      `json:"id"`
	RunID          uuid.UUID      `json:"run_id"`
	Phase          Phase          `json:"phase"`
	ItemIdentifier string         `json:"item_identifier"`
	ItemType       ItemType       `json:"item_type"`
	Status         StateStatus    `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	ErrorCategory  string         `json:"error_category,omitempty"`
	ProgressData   map[string]any `json:"progress_data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// PipelineCheckpoint stores intermediate phase progress for resume after
// restart, keyed by (run, phase, checkpoint_name).
type PipelineCheckpoint struct {
	RunID           uuid.UUID      `json:"run_id"`
	Phase           Phase          `json:"phase"`
	CheckpointName  string         `json:"checkpoint_name"`
	StateData       map[string]any `json:"state_data"`
	Counters        map[string]int `json:"counters,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// PhaseProgress summarizes PipelineStateItem counts for one (run, phase).
type PhaseProgress struct {
	Total                int                    `json:"total"`
	ByStatus             map[StateStatus]int    `json:"by_status"`
	CompletionPercentage float64                `json:"completion_percentage"`
}
