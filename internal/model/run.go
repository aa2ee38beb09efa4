package model

import (
	"time"

	"github.com/google/uuid"
)

// RunMode describes how a PipelineRun was triggered.
type RunMode string

const (
	RunModeBatch     RunMode = "batch"
	RunModeScheduled RunMode = "scheduled"
	RunModeManual    RunMode = "manual"
	RunModeTesting   RunMode = "testing"
)

// RunStatus is the lifecycle state of a PipelineRun.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is one the run does not leave.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunCounters tracks monotonically non-decreasing progress counters for a
// run, surfaced on the status API and broadcast over the websocket channel.
type RunCounters struct {
	KeywordsProcessed     int `json:"keywords_processed"`
	SerpResultsCollected  int `json:"serp_results_collected"`
	CompaniesEnriched     int `json:"companies_enriched"`
	VideosEnriched        int `json:"videos_enriched"`
	ContentAnalyzed       int `json:"content_analyzed"`
	LandscapesCalculated  int `json:"landscapes_calculated"`
}

// PipelineConfig is the configuration snapshot a run is started and resumed
// with, matching the run-control API's POST /pipelines body.
type PipelineConfig struct {
	ClientID               string          `json:"client_id"`
	Keywords               []string        `json:"keywords,omitempty"`
	Regions                []string        `json:"regions"`
	ContentTypes           []string        `json:"content_types"`
	EnabledPhases          []string        `json:"enabled_phases,omitempty"`
	OwnedDomain             string         `json:"owned_domain,omitempty"`
	CompetitorDomains       []string       `json:"competitor_domains,omitempty"`
	ConcurrencyOverrides    map[string]int `json:"concurrency_overrides,omitempty"`
	Schedule                *Schedule      `json:"schedule,omitempty"`
	FeatureFlags            map[string]bool `json:"feature_flags,omitempty"`
	ReuseSerpFromPipelineID *uuid.UUID     `json:"reuse_serp_from_pipeline_id,omitempty"`
	TestingOverrides        map[string]any `json:"testing_overrides,omitempty"`
}

// Schedule describes a recurring run's cadence, used by the SERP Batch
// Collector to pick a news time_period and by the scheduler to space runs.
type Schedule struct {
	Frequency   string `json:"frequency"` // daily|weekly|monthly|quarterly
	CronSpec    string `json:"cron_spec,omitempty"`
	IsInitial   bool   `json:"is_initial_run"`
}

// PipelineRun is the top-level record for one end-to-end pipeline execution.
type PipelineRun struct {
	ID            uuid.UUID      `json:"id"`
	Mode          RunMode        `json:"mode"`
	Status        RunStatus      `json:"status"`
	Config        PipelineConfig `json:"config"`
	Counters      RunCounters    `json:"counters"`
	PhaseResults  map[string]any `json:"phase_results,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IsTerminal reports whether CompletedAt should be set, per the invariant
// that completed_at is set iff status is one of the terminal states.
func (r *PipelineRun) IsTerminal() bool {
	return r.Status.Terminal()
}
