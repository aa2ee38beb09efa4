package model

import (
	"time"

	"github.com/google/uuid"
)

// Phase names the seven stages in the Phase Orchestrator's dependency DAG.
type Phase string

const (
	PhaseKeywordMetrics        Phase = "keyword_metrics"
	PhaseSerpCollection        Phase = "serp_collection"
	PhaseCompanyEnrichmentSerp Phase = "company_enrichment_serp"
	PhaseYoutubeEnrichment     Phase = "youtube_enrichment"
	PhaseContentScraping       Phase = "content_scraping"
	PhaseContentAnalysis       Phase = "content_analysis"
	PhaseDSICalculation        Phase = "dsi_calculation"
)

// AllPhases lists every phase in the DAG, in a deterministic (though not
// execution) order.
func AllPhases() []Phase {
	return []Phase{
		PhaseKeywordMetrics,
		PhaseSerpCollection,
		PhaseCompanyEnrichmentSerp,
		PhaseYoutubeEnrichment,
		PhaseContentScraping,
		PhaseContentAnalysis,
		PhaseDSICalculation,
	}
}

// PhaseDependencies maps each phase to its direct predecessors.
var PhaseDependencies = map[Phase][]Phase{
	PhaseKeywordMetrics:        {},
	PhaseSerpCollection:        {PhaseKeywordMetrics},
	PhaseCompanyEnrichmentSerp: {PhaseSerpCollection},
	PhaseYoutubeEnrichment:     {PhaseSerpCollection},
	PhaseContentScraping:       {PhaseSerpCollection},
	PhaseContentAnalysis:       {PhaseContentScraping, PhaseCompanyEnrichmentSerp, PhaseYoutubeEnrichment},
	PhaseDSICalculation:        {PhaseContentAnalysis},
}

// CriticalPhases are the phases whose non-completion fails the whole run,
// per spec.md §7: "any critical phase not completed ⇒ failed".
var CriticalPhases = map[Phase]bool{
	PhaseSerpCollection:  true,
	PhaseContentScraping: true,
	PhaseContentAnalysis: true,
	PhaseDSICalculation:  true,
}

// PhaseExecStatus is the lifecycle state of one (run, phase) row.
type PhaseExecStatus string

const (
	PhaseExecPending   PhaseExecStatus = "pending"
	PhaseExecRunning   PhaseExecStatus = "running"
	PhaseExecCompleted PhaseExecStatus = "completed"
	PhaseExecFailed    PhaseExecStatus = "failed"
	PhaseExecSkipped   PhaseExecStatus = "skipped"
	PhaseExecBlocked   PhaseExecStatus = "blocked"
	PhaseExecQueued    PhaseExecStatus = "queued"
)

// Terminal reports whether the status is one the phase does not leave.
func (s PhaseExecStatus) Terminal() bool {
	switch s {
	case PhaseExecCompleted, PhaseExecFailed, PhaseExecSkipped, PhaseExecBlocked:
		return true
	}
	return false
}

// PhaseExecution is one row of PhaseStatus: (PipelineRun, phase_name).
type PhaseExecution struct {
	RunID       uuid.UUID       `json:"run_id"`
	Phase       Phase           `json:"phase"`
	Status      PhaseExecStatus `json:"status"`
	Result      map[string]any  `json:"result,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	SkipReasons []string        `json:"skip_reasons,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
