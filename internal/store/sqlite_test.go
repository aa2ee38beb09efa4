package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// --- Runs ---

func TestSQLite_CreateRun_And_GetRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := model.PipelineRun{
		ID:        uuid.New(),
		Mode:      model.RunModeBatch,
		Status:    model.RunStatusPending,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateRun(ctx, run))

	fetched, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, run.ID, fetched.ID)
	assert.Equal(t, model.RunStatusPending, fetched.Status)
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	fetched, err := st.GetRun(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, fetched)
}

func TestSQLite_UpdateRunStatus_TerminalSetsCompletedAt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := model.PipelineRun{ID: uuid.New(), Mode: model.RunModeBatch, Status: model.RunStatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, st.CreateRun(ctx, run))

	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, model.RunStatusCompleted))

	fetched, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, fetched.Status)
	assert.NotNil(t, fetched.CompletedAt)
}

func TestSQLite_AppendRunError_AccumulatesMessages(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := model.PipelineRun{ID: uuid.New(), Mode: model.RunModeBatch, Status: model.RunStatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, st.CreateRun(ctx, run))

	require.NoError(t, st.AppendRunError(ctx, run.ID, "first failure", false))
	require.NoError(t, st.AppendRunError(ctx, run.ID, "second failure", false))

	fetched, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"first failure", "second failure"}, fetched.Errors)
}

func TestSQLite_ListRuns_FilterByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	running := model.PipelineRun{ID: uuid.New(), Mode: model.RunModeBatch, Status: model.RunStatusRunning, StartedAt: time.Now().UTC()}
	completed := model.PipelineRun{ID: uuid.New(), Mode: model.RunModeBatch, Status: model.RunStatusCompleted, StartedAt: time.Now().UTC()}
	require.NoError(t, st.CreateRun(ctx, running))
	require.NoError(t, st.CreateRun(ctx, completed))

	runs, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusCompleted, Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, completed.ID, runs[0].ID)
}

// --- Phases ---

func TestSQLite_InitializePhases_And_Transitions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := model.PipelineRun{ID: uuid.New(), Mode: model.RunModeBatch, Status: model.RunStatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, st.CreateRun(ctx, run))

	enabled := map[model.Phase]bool{model.PhaseSerpCollection: true, model.PhaseYoutubeEnrichment: false}
	require.NoError(t, st.InitializePhases(ctx, run.ID, enabled))

	p, err := st.GetPhase(ctx, run.ID, model.PhaseSerpCollection)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, model.PhaseExecPending, p.Status)

	skipped, err := st.GetPhase(ctx, run.ID, model.PhaseYoutubeEnrichment)
	require.NoError(t, err)
	require.NotNil(t, skipped)
	assert.Equal(t, model.PhaseExecSkipped, skipped.Status)

	require.NoError(t, st.SetPhaseRunning(ctx, run.ID, model.PhaseSerpCollection))
	require.NoError(t, st.CompletePhase(ctx, run.ID, model.PhaseSerpCollection, map[string]any{"collected": 42}))

	done, err := st.GetPhase(ctx, run.ID, model.PhaseSerpCollection)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseExecCompleted, done.Status)
	assert.Equal(t, float64(42), done.Result["collected"])
}

func TestSQLite_BlockPendingPhases_OnlyAffectsPending(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := model.PipelineRun{ID: uuid.New(), Mode: model.RunModeBatch, Status: model.RunStatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, st.CreateRun(ctx, run))
	require.NoError(t, st.InitializePhases(ctx, run.ID, map[model.Phase]bool{model.PhaseSerpCollection: true, model.PhaseContentAnalysis: true}))
	require.NoError(t, st.SetPhaseRunning(ctx, run.ID, model.PhaseSerpCollection))

	require.NoError(t, st.BlockPendingPhases(ctx, run.ID, []model.Phase{model.PhaseSerpCollection, model.PhaseContentAnalysis}))

	running, err := st.GetPhase(ctx, run.ID, model.PhaseSerpCollection)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseExecRunning, running.Status, "already-running phase stays untouched")

	blocked, err := st.GetPhase(ctx, run.ID, model.PhaseContentAnalysis)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseExecBlocked, blocked.Status)
}

// --- State items ---

func TestSQLite_BulkInsertItems_And_GetPendingItems(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	runID := uuid.New()

	items := []model.PipelineStateItem{
		{ID: uuid.New(), RunID: runID, Phase: model.PhaseSerpCollection, ItemIdentifier: "kw-1", ItemType: "keyword", Status: model.StateStatusPending, CreatedAt: time.Now().UTC()},
		{ID: uuid.New(), RunID: runID, Phase: model.PhaseSerpCollection, ItemIdentifier: "kw-2", ItemType: "keyword", Status: model.StateStatusPending, CreatedAt: time.Now().UTC()},
	}
	n, err := st.BulkInsertItems(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	existing, err := st.ExistingItemIdentifiers(ctx, runID, model.PhaseSerpCollection)
	require.NoError(t, err)
	assert.True(t, existing["kw-1"])
	assert.True(t, existing["kw-2"])

	pending, err := st.GetPendingItems(ctx, runID, model.PhaseSerpCollection, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestSQLite_UpdateItemState_ProcessingIncrementsAttempts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	runID := uuid.New()
	itemID := uuid.New()

	_, err := st.BulkInsertItems(ctx, []model.PipelineStateItem{
		{ID: itemID, RunID: runID, Phase: model.PhaseSerpCollection, ItemIdentifier: "kw-1", ItemType: "keyword", Status: model.StateStatusPending, CreatedAt: time.Now().UTC()},
	})
	require.NoError(t, err)

	require.NoError(t, st.UpdateItemState(ctx, itemID, model.StateStatusProcessing, nil, "", ""))
	require.NoError(t, st.UpdateItemState(ctx, itemID, model.StateStatusFailed, nil, "timeout", "NETWORK"))

	failed, err := st.GetFailedItems(ctx, runID, model.PhaseSerpCollection)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].AttemptCount)
	assert.Equal(t, "timeout", failed[0].LastError)
	assert.Equal(t, "NETWORK", failed[0].ErrorCategory)
}

func TestSQLite_ResetFailedItems_ClearsErrorState(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	runID := uuid.New()
	itemID := uuid.New()

	_, err := st.BulkInsertItems(ctx, []model.PipelineStateItem{
		{ID: itemID, RunID: runID, Phase: model.PhaseSerpCollection, ItemIdentifier: "kw-1", ItemType: "keyword", Status: model.StateStatusPending, CreatedAt: time.Now().UTC()},
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateItemState(ctx, itemID, model.StateStatusFailed, nil, "boom", "UNKNOWN"))

	n, err := st.ResetFailedItems(ctx, runID, model.PhaseSerpCollection, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := st.GetPendingItems(ctx, runID, model.PhaseSerpCollection, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].AttemptCount)
	assert.Empty(t, pending[0].LastError)
}

func TestSQLite_UpsertCheckpoint_And_GetCheckpoint(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	runID := uuid.New()

	cp := model.PipelineCheckpoint{
		RunID:          runID,
		Phase:          model.PhaseSerpCollection,
		CheckpointName: "batch_3",
		StateData:      map[string]any{"offset": float64(300)},
	}
	require.NoError(t, st.UpsertCheckpoint(ctx, cp))

	got, err := st.GetCheckpoint(ctx, runID, model.PhaseSerpCollection, "batch_3")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, float64(300), got.StateData["offset"])

	cp.StateData["offset"] = float64(600)
	require.NoError(t, st.UpsertCheckpoint(ctx, cp))

	got, err = st.GetCheckpoint(ctx, runID, model.PhaseSerpCollection, "batch_3")
	require.NoError(t, err)
	assert.Equal(t, float64(600), got.StateData["offset"])
}

// --- Job queue ---

func TestSQLite_Enqueue_And_Acquire(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := model.Job{ID: uuid.New(), QueueName: "serp_collection", JobType: "collect_serp", Payload: map[string]any{"keyword": "crm software"}, MaxAttempts: 3, ScheduledFor: time.Now().UTC()}
	require.NoError(t, st.Enqueue(ctx, job))

	claimed, err := st.Acquire(ctx, "serp_collection", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, model.JobStatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	none, err := st.Acquire(ctx, "serp_collection", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "only one job was enqueued and it is already locked")
}

func TestSQLite_Acquire_OrdersByPriorityThenSchedule(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	low := model.Job{ID: uuid.New(), QueueName: "q", JobType: "t", Priority: 0, MaxAttempts: 1, ScheduledFor: time.Now().UTC()}
	high := model.Job{ID: uuid.New(), QueueName: "q", JobType: "t", Priority: 10, MaxAttempts: 1, ScheduledFor: time.Now().UTC()}
	require.NoError(t, st.Enqueue(ctx, low))
	require.NoError(t, st.Enqueue(ctx, high))

	claimed, err := st.Acquire(ctx, "q", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, high.ID, claimed.ID)
}

func TestSQLite_FailJob_DeadLettersAfterMaxAttempts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := model.Job{ID: uuid.New(), QueueName: "q", JobType: "t", MaxAttempts: 1, ScheduledFor: time.Now().UTC()}
	require.NoError(t, st.Enqueue(ctx, job))

	claimed, err := st.Acquire(ctx, "q", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, st.FailJob(ctx, claimed.ID, "exploded", time.Second))

	stats, err := st.QueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetter)
}

func TestSQLite_FailJob_ReschedulesWhenAttemptsRemain(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := model.Job{ID: uuid.New(), QueueName: "q", JobType: "t", MaxAttempts: 3, ScheduledFor: time.Now().UTC()}
	require.NoError(t, st.Enqueue(ctx, job))

	claimed, err := st.Acquire(ctx, "q", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.FailJob(ctx, claimed.ID, "transient", time.Second))

	stats, err := st.QueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.DeadLetter)
	assert.Equal(t, 1, stats.Pending)
}

func TestSQLite_RetryDeadLetter_RequeuesJobs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := model.Job{ID: uuid.New(), QueueName: "q", JobType: "t", MaxAttempts: 1, ScheduledFor: time.Now().UTC()}
	require.NoError(t, st.Enqueue(ctx, job))
	claimed, err := st.Acquire(ctx, "q", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.FailJob(ctx, claimed.ID, "exploded", time.Second))

	n, err := st.RetryDeadLetter(ctx, []uuid.UUID{claimed.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := st.QueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.DeadLetter)
	assert.Equal(t, 1, stats.Pending)
}

// --- Circuit breaker / retry category persistence ---

func TestSQLite_SaveCircuitState_And_Load(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	missing, err := st.LoadCircuitState(ctx, "dataforseo")
	require.NoError(t, err)
	assert.Nil(t, missing)

	now := time.Now().UTC()
	require.NoError(t, st.SaveCircuitState(ctx, resilience.PersistedCircuitState{
		Service:       "dataforseo",
		State:         resilience.CircuitOpen,
		FailureCount:  3,
		TotalRequests: 10,
		TotalFailures: 3,
		OpenedAt:      &now,
	}))

	got, err := st.LoadCircuitState(ctx, "dataforseo")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "dataforseo", got.Service)
	assert.Equal(t, resilience.CircuitOpen, got.State)
	assert.Equal(t, 3, got.FailureCount)
}

func TestSQLite_SaveErrorCategory_And_Load(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.SaveErrorCategory(ctx, resilience.ErrorCategory{
		Code:             "CUSTOM",
		IsRetryable:      true,
		BackoffStrategy:  resilience.BackoffConstant,
		BaseDelaySeconds: 1,
		MaxRetries:       1,
		ErrorPatterns:    []string{"custom failure"},
	})
	require.NoError(t, err)

	cats, err := st.LoadErrorCategories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, "CUSTOM", cats[0].Code)
	assert.Equal(t, []string{"custom failure"}, cats[0].ErrorPatterns)
}

// --- DSI ---

func TestSQLite_UpsertDSIScoreMax_KeepsHigherScore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	runID := uuid.New()

	low := model.DSIScore{PipelineExecutionID: runID, CompanyDomain: "acme.com", DSIScore: 40, Components: model.DSIComponentScores{}}
	high := model.DSIScore{PipelineExecutionID: runID, CompanyDomain: "acme.com", DSIScore: 90, Components: model.DSIComponentScores{}}

	require.NoError(t, st.UpsertDSIScoreMax(ctx, high))
	require.NoError(t, st.UpsertDSIScoreMax(ctx, low))

	scores, err := st.ListDSIScores(ctx, runID)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, float64(90), scores[0].DSIScore, "a lower subsequent score must not overwrite the max")
}

func TestSQLite_ListDSIScores_OrdersDescending(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	runID := uuid.New()

	require.NoError(t, st.UpsertDSIScoreMax(ctx, model.DSIScore{PipelineExecutionID: runID, CompanyDomain: "low.com", DSIScore: 10}))
	require.NoError(t, st.UpsertDSIScoreMax(ctx, model.DSIScore{PipelineExecutionID: runID, CompanyDomain: "high.com", DSIScore: 80}))

	scores, err := st.ListDSIScores(ctx, runID)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "high.com", scores[0].CompanyDomain)
	assert.Equal(t, "low.com", scores[1].CompanyDomain)
}

// --- Company ---

func TestSQLite_GetCompanyByDomain_ResolvesAlias(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertCompanyProfile(ctx, model.CompanyProfile{Domain: "acme.com", CompanyName: "Acme Inc", SourceType: model.SourceOwned, ConfidenceScore: 0.9}))
	require.NoError(t, st.UpsertCompanyDomainAlias(ctx, model.CompanyDomain{AliasDomain: "old-acme.com", CanonicalDomain: "acme.com"}))

	got, err := st.GetCompanyByDomain(ctx, "old-acme.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acme.com", got.Domain)
	assert.Equal(t, "Acme Inc", got.CompanyName)
}

func TestSQLite_GetCompanyByDomain_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	got, err := st.GetCompanyByDomain(ctx, "unknown.com")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// --- Migrate ---

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Migrate(ctx))
}
