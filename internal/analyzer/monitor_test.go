package analyzer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "analyzer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestMonitor_CompletesWhenFullyAnalyzed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	runID := uuid.New()

	require.NoError(t, st.CreateRun(ctx, model.PipelineRun{ID: runID, Status: model.RunStatusRunning, StartedAt: time.Now().UTC()}))

	content := model.ScrapedContent{
		URL:                 "https://acme.com/about",
		Domain:              "acme.com",
		Status:              model.ScrapeStatusCompleted,
		Content:             longWords(150),
		PipelineExecutionID: &runID,
	}
	require.NoError(t, st.UpsertScrapedContent(ctx, content))

	a := New(fakeScorer{score: 7, relevantWords: 150})
	dims := []model.DimensionConfig{{Name: "persona", MinWords: 100}}
	cfg := MonitorConfig{
		PollInterval:  10 * time.Millisecond,
		Concurrency:   5,
		FlexibleRatio: 0.95,
		FlexibleAfter: time.Minute,
		HardCeiling:   time.Minute,
		BatchSize:     50,
	}
	m := NewMonitor(a, st, st, "proj-1", dims, cfg)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := m.Run(runCtx, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Analyzed)
	assert.False(t, result.FlexibleCompletion)

	analyzedCount, err := st.CountContentAnalyzed(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, analyzedCount)
}

func TestMonitor_FlexibleCompletionWhenNothingScraped(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	runID := uuid.New()
	require.NoError(t, st.CreateRun(ctx, model.PipelineRun{ID: runID, Status: model.RunStatusRunning, StartedAt: time.Now().UTC()}))

	a := New(fakeScorer{score: 5, relevantWords: 10})
	cfg := MonitorConfig{
		PollInterval:  5 * time.Millisecond,
		Concurrency:   5,
		FlexibleRatio: 0.95,
		FlexibleAfter: 20 * time.Millisecond,
		HardCeiling:   40 * time.Millisecond,
		BatchSize:     50,
	}
	m := NewMonitor(a, st, st, "proj-1", nil, cfg)

	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	result, err := m.Run(runCtx, runID)
	require.NoError(t, err)
	assert.True(t, result.FlexibleCompletion)
}

func longWords(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += "word "
	}
	return out
}
