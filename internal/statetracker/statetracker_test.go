package statetracker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "statetracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestItemIdentifier_KeywordPhase(t *testing.T) {
	id := ItemIdentifier(model.PhaseSerpCollection, WorkItem{Keyword: "crm software", Region: "us", Type: "web"})
	assert.Equal(t, "crm software:us:web", id)
}

func TestItemIdentifier_KeywordPhase_DefaultsRegionAndType(t *testing.T) {
	id := ItemIdentifier(model.PhaseKeywordMetrics, WorkItem{Keyword: "crm software"})
	assert.Equal(t, "crm software:global:web", id)
}

func TestItemIdentifier_DomainPhase(t *testing.T) {
	id := ItemIdentifier(model.PhaseCompanyEnrichmentSerp, WorkItem{Domain: "acme.com"})
	assert.Equal(t, "acme.com", id)
}

func TestItemIdentifier_URLPhase(t *testing.T) {
	id := ItemIdentifier(model.PhaseContentScraping, WorkItem{URL: "https://acme.com/pricing"})
	assert.Equal(t, "https://acme.com/pricing", id)
}

func TestItemIdentifier_VideoPhase_PrefersURLThenVideoID(t *testing.T) {
	withURL := ItemIdentifier(model.PhaseYoutubeEnrichment, WorkItem{URL: "https://youtu.be/abc", VideoID: "abc"})
	assert.Equal(t, "https://youtu.be/abc", withURL)

	withoutURL := ItemIdentifier(model.PhaseYoutubeEnrichment, WorkItem{VideoID: "abc"})
	assert.Equal(t, "abc", withoutURL)
}

func TestItemIdentifier_FallbackIsStableAcrossCalls(t *testing.T) {
	item := WorkItem{Metadata: map[string]any{"b": 1, "a": 2}}
	first := ItemIdentifier(model.PhaseDSICalculation, item)
	second := ItemIdentifier(model.PhaseDSICalculation, item)
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}

func TestTracker_Initialize_CreatesOnePerPhaseItemPair(t *testing.T) {
	st := newTestStore(t)
	tr := New(st)
	ctx := context.Background()
	runID := uuid.New()

	items := []WorkItem{
		{Keyword: "crm software", Region: "us", Type: "web"},
		{Keyword: "erp software", Region: "us", Type: "web"},
	}
	created, err := tr.Initialize(ctx, runID, []model.Phase{model.PhaseKeywordMetrics, model.PhaseSerpCollection}, items)
	require.NoError(t, err)
	assert.Equal(t, 4, created)
}

func TestTracker_Initialize_IsIdempotent(t *testing.T) {
	st := newTestStore(t)
	tr := New(st)
	ctx := context.Background()
	runID := uuid.New()

	items := []WorkItem{{Keyword: "crm software", Region: "us", Type: "web"}}
	first, err := tr.Initialize(ctx, runID, []model.Phase{model.PhaseKeywordMetrics}, items)
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	second, err := tr.Initialize(ctx, runID, []model.Phase{model.PhaseKeywordMetrics}, items)
	require.NoError(t, err)
	assert.Equal(t, 0, second)
}

func TestTracker_GetPending_ReturnsCreatedItems(t *testing.T) {
	st := newTestStore(t)
	tr := New(st)
	ctx := context.Background()
	runID := uuid.New()

	items := []WorkItem{{Keyword: "crm software", Region: "us", Type: "web"}}
	_, err := tr.Initialize(ctx, runID, []model.Phase{model.PhaseKeywordMetrics}, items)
	require.NoError(t, err)

	pending, err := tr.GetPending(ctx, runID, model.PhaseKeywordMetrics, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "crm software:us:web", pending[0].ItemIdentifier)
	assert.Equal(t, model.StateStatusPending, pending[0].Status)
}

func TestTracker_Update_TransitionsStatus(t *testing.T) {
	st := newTestStore(t)
	tr := New(st)
	ctx := context.Background()
	runID := uuid.New()

	_, err := tr.Initialize(ctx, runID, []model.Phase{model.PhaseKeywordMetrics}, []WorkItem{
		{Keyword: "crm software", Region: "us", Type: "web"},
	})
	require.NoError(t, err)

	pending, err := tr.GetPending(ctx, runID, model.PhaseKeywordMetrics, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, tr.Update(ctx, pending[0].ID, model.StateStatusCompleted, map[string]any{"search_volume": 1000}, "", ""))

	progress, err := tr.PhaseProgress(ctx, runID, model.PhaseKeywordMetrics)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Total)
	assert.Equal(t, 1, progress.ByStatus[model.StateStatusCompleted])
	assert.InDelta(t, 100.0, progress.CompletionPercentage, 0.001)
}

func TestTracker_Checkpoint_RoundTrips(t *testing.T) {
	st := newTestStore(t)
	tr := New(st)
	ctx := context.Background()
	runID := uuid.New()

	require.NoError(t, tr.Checkpoint(ctx, runID, model.PhaseSerpCollection, "batch-1", map[string]any{"cursor": "xyz"}))

	cp, err := tr.GetCheckpoint(ctx, runID, model.PhaseSerpCollection, "batch-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "xyz", cp.StateData["cursor"])
}

func TestTracker_ResetFailedItems_ClearsErrorAndReturnsToPending(t *testing.T) {
	st := newTestStore(t)
	tr := New(st)
	ctx := context.Background()
	runID := uuid.New()

	_, err := tr.Initialize(ctx, runID, []model.Phase{model.PhaseContentScraping}, []WorkItem{
		{URL: "https://acme.com/a"},
		{URL: "https://acme.com/b"},
	})
	require.NoError(t, err)

	pending, err := tr.GetPending(ctx, runID, model.PhaseContentScraping, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, item := range pending {
		require.NoError(t, tr.Update(ctx, item.ID, model.StateStatusFailed, nil, "timeout", "TIMEOUT"))
	}

	failed, err := tr.GetFailedItems(ctx, runID, model.PhaseContentScraping)
	require.NoError(t, err)
	require.Len(t, failed, 2)

	reset, err := tr.ResetFailedItems(ctx, runID, model.PhaseContentScraping, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, reset)

	pendingAfter, err := tr.GetPending(ctx, runID, model.PhaseContentScraping, 10)
	require.NoError(t, err)
	assert.Len(t, pendingAfter, 2)
}
