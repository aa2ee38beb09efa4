// Package store persists every table spec.md §6.4 names: pipeline runs,
// phase status, state items, checkpoints, the job queue, circuit breaker and
// retry-category state, and the SERP/content/company/DSI domain tables.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/resilience"
)

// RunFilter specifies criteria for listing pipeline runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	ClientID     string          `json:"client_id,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// RunStore persists PipelineRun rows.
type RunStore interface {
	CreateRun(ctx context.Context, run model.PipelineRun) error
	UpdateRunStatus(ctx context.Context, runID uuid.UUID, status model.RunStatus) error
	UpdateRunCounters(ctx context.Context, runID uuid.UUID, counters model.RunCounters) error
	AppendRunError(ctx context.Context, runID uuid.UUID, message string, isWarning bool) error
	GetRun(ctx context.Context, runID uuid.UUID) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)
	ListRunningRuns(ctx context.Context) ([]model.PipelineRun, error)
	DeleteAllRuns(ctx context.Context) error
}

// PhaseStore persists PhaseExecution rows for the Phase Orchestrator.
type PhaseStore interface {
	InitializePhases(ctx context.Context, runID uuid.UUID, enabled map[model.Phase]bool) error
	GetPhase(ctx context.Context, runID uuid.UUID, phase model.Phase) (*model.PhaseExecution, error)
	ListPhases(ctx context.Context, runID uuid.UUID) ([]model.PhaseExecution, error)
	SetPhaseRunning(ctx context.Context, runID uuid.UUID, phase model.Phase) error
	CompletePhase(ctx context.Context, runID uuid.UUID, phase model.Phase, result map[string]any) error
	FailPhase(ctx context.Context, runID uuid.UUID, phase model.Phase, reason string) error
	SkipPhase(ctx context.Context, runID uuid.UUID, phase model.Phase, reasons []string) error
	BlockPendingPhases(ctx context.Context, runID uuid.UUID, phases []model.Phase) error

	// Runtime precondition counts, read from storage so they survive restart.
	CountSerpResults(ctx context.Context, runID uuid.UUID, contentType model.ContentType) (int, error)
	CountUnanalyzedEligible(ctx context.Context, runID uuid.UUID) (int, error)
	CountContentAnalysis(ctx context.Context, runID uuid.UUID) (int, error)
	AllChannelsResolved(ctx context.Context, runID uuid.UUID) (bool, error)
}

// StateStore persists PipelineStateItem and PipelineCheckpoint rows for the
// State Tracker.
type StateStore interface {
	ExistingItemIdentifiers(ctx context.Context, runID uuid.UUID, phase model.Phase) (map[string]bool, error)
	BulkInsertItems(ctx context.Context, items []model.PipelineStateItem) (int, error)
	GetPendingItems(ctx context.Context, runID uuid.UUID, phase model.Phase, limit int) ([]model.PipelineStateItem, error)
	UpdateItemState(ctx context.Context, id uuid.UUID, status model.StateStatus, progress map[string]any, lastErr, errCategory string) error
	BulkUpdateItemStates(ctx context.Context, ids []uuid.UUID, status model.StateStatus) (int, error)
	PhaseProgress(ctx context.Context, runID uuid.UUID, phase model.Phase) (model.PhaseProgress, error)
	UpsertCheckpoint(ctx context.Context, cp model.PipelineCheckpoint) error
	GetCheckpoint(ctx context.Context, runID uuid.UUID, phase model.Phase, name string) (*model.PipelineCheckpoint, error)
	GetFailedItems(ctx context.Context, runID uuid.UUID, phase model.Phase) ([]model.PipelineStateItem, error)
	ResetFailedItems(ctx context.Context, runID uuid.UUID, phase model.Phase, maxItems int) (int, error)
}

// QueueStore persists Job rows for the durable leased Job Queue.
type QueueStore interface {
	Enqueue(ctx context.Context, job model.Job) error
	BulkEnqueue(ctx context.Context, jobs []model.Job) (int, error)
	Acquire(ctx context.Context, queueName, workerID string, lockTimeout time.Duration) (*model.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID) error
	FailJob(ctx context.Context, id uuid.UUID, errMsg string, baseDelay time.Duration) error
	QueueStats(ctx context.Context, queueName string) (model.QueueStats, error)
	RetryDeadLetter(ctx context.Context, ids []uuid.UUID) (int, error)
}

// SerpStore persists Keyword and SerpResult rows.
type SerpStore interface {
	UpsertKeyword(ctx context.Context, kw model.Keyword) error
	UpsertSerpResults(ctx context.Context, results []model.SerpResult) (int, error)
	ListSerpResultURLs(ctx context.Context, runID uuid.UUID, contentTypes []model.ContentType) ([]model.SerpResult, error)
}

// ContentStore persists ScrapedContent and ContentAnalysis rows.
type ContentStore interface {
	UpsertScrapedContent(ctx context.Context, content model.ScrapedContent) error
	GetUnscrapedURLs(ctx context.Context, runID uuid.UUID) ([]model.SerpResult, error)
	CountScrapedQualifying(ctx context.Context, runID uuid.UUID) (int, error)
	UpsertContentAnalysis(ctx context.Context, analysis model.ContentAnalysis) error
	GetUnanalyzedURLs(ctx context.Context, runID uuid.UUID, limit int) ([]model.ScrapedContent, error)
	CountContentAnalyzed(ctx context.Context, runID uuid.UUID) (int, error)

	// AnalysisByURL returns the most recent ContentAnalysis row for every
	// URL scraped within runID, keyed by url, for the DSI Calculator's
	// persona/JTBD aggregation.
	AnalysisByURL(ctx context.Context, runID uuid.UUID) (map[string]model.ContentAnalysis, error)
}

// CompanyStore persists CompanyProfile, CompanyDomain, and
// ChannelCompanyMapping rows.
type CompanyStore interface {
	GetCompanyByDomain(ctx context.Context, domain string) (*model.CompanyProfile, error)
	UpsertCompanyProfile(ctx context.Context, profile model.CompanyProfile) error
	UpsertCompanyDomainAlias(ctx context.Context, alias model.CompanyDomain) error
	UpsertChannelMapping(ctx context.Context, mapping model.ChannelCompanyMapping) error
	GetChannelMapping(ctx context.Context, channelID string) (*model.ChannelCompanyMapping, error)
	UpsertVideoSnapshot(ctx context.Context, snap model.VideoSnapshot) error

	// ListVideoSnapshotsForRun returns every VideoSnapshot referenced by a
	// video SerpResult within runID, keyed by video url.
	ListVideoSnapshotsForRun(ctx context.Context, runID uuid.UUID) (map[string]model.VideoSnapshot, error)
	// ListChannelMappings returns every known channel->company mapping,
	// keyed by channel id.
	ListChannelMappings(ctx context.Context) (map[string]model.ChannelCompanyMapping, error)
}

// DSIStore persists DSIScore and historical snapshot rows.
type DSIStore interface {
	UpsertDSIScoreMax(ctx context.Context, score model.DSIScore) error
	InsertPageDSISnapshot(ctx context.Context, snap model.HistoricalPageDSISnapshot) error
	ListDSIScores(ctx context.Context, runID uuid.UUID) ([]model.DSIScore, error)
}

// Store is the full persistence surface for the pipeline. It also
// implements resilience.Persister and resilience.CategoryStore directly so
// a single Store value can back the circuit breaker registry and retry
// manager without an adapter.
type Store interface {
	RunStore
	PhaseStore
	StateStore
	QueueStore
	SerpStore
	ContentStore
	CompanyStore
	DSIStore
	resilience.Persister
	resilience.CategoryStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
