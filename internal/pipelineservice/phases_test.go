package pipelineservice

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/config"
	"github.com/sells-group/dsi-pipeline/internal/enrich/video"
	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/statetracker"
	"github.com/sells-group/dsi-pipeline/internal/store"
	"github.com/sells-group/dsi-pipeline/pkg/videoprovider"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipelineservice.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestRun(t *testing.T, st *store.SQLiteStore, ctx context.Context, cfg model.PipelineConfig) *model.PipelineRun {
	t.Helper()
	run := model.PipelineRun{
		ID:        uuid.New(),
		Status:    model.RunStatusRunning,
		Config:    cfg,
		StartedAt: time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateRun(ctx, run))
	return &run
}

// newTestService builds a Service with only the fields a given test
// actually exercises populated; the rest stay nil, matching how each
// handler only touches the collaborators its own phase needs.
func newTestService(st store.Store, videoEnr *video.Enricher, channel *video.ChannelResolver, videoClient videoprovider.Client) *Service {
	return &Service{
		store:       st,
		log:         zap.NewNop(),
		videoEnr:    videoEnr,
		channel:     channel,
		videoClient: videoClient,
		tracker:     statetracker.New(st),
		pipelineCfg: config.PipelineConfig{YoutubeMinSuccessRatio: 0.5},
		broadcaster: noopBroadcaster{},
		cancels:     make(map[uuid.UUID]context.CancelFunc),
	}
}

func TestHandleKeywordMetrics_UpsertsCrossProduct(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cfg := model.PipelineConfig{Keywords: []string{"plumbers", "roofers"}, Regions: []string{"us", "ca"}}
	run := newTestRun(t, st, ctx, cfg)

	svc := newTestService(st, nil, nil, nil)
	handler := svc.handleKeywordMetrics(run)

	result, err := handler(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.Data["keywords"])

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Counters.KeywordsProcessed)
}

func TestHandleKeywordMetrics_EmptyConfigIsNoop(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, st, ctx, model.PipelineConfig{})

	svc := newTestService(st, nil, nil, nil)
	result, err := svc.handleKeywordMetrics(run)(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.Data["keywords"])
}

func TestHandleYoutubeEnrichment_NoVideoResultsSkips(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, st, ctx, model.PipelineConfig{})

	svc := newTestService(st, nil, nil, nil)
	result, err := svc.handleYoutubeEnrichment(run)(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestHandleYoutubeEnrichment_BelowFloorSkipsInsteadOfCompleting(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, st, ctx, model.PipelineConfig{})

	videoURLs := []string{
		"https://youtube.com/watch?v=aaaaaaaaaaa",
		"https://youtube.com/watch?v=bbbbbbbbbbb",
	}
	for i, u := range videoURLs {
		_, err := st.UpsertSerpResults(ctx, []model.SerpResult{{
			ID:                  uuid.New(),
			KeywordID:           "kw1",
			Keyword:             "kw1",
			SearchDate:          time.Now().UTC(),
			Location:            "us",
			SerpType:            model.ContentTypeVideo,
			URL:                 u,
			Position:            i + 1,
			Domain:              "youtube.com",
			PipelineExecutionID: &run.ID,
			CreatedAt:           time.Now().UTC(),
		}})
		require.NoError(t, err)
	}

	fake := videoprovider.NewFake()
	fake.SetVideo(videoprovider.VideoStats{VideoID: "aaaaaaaaaaa", Title: "a", ChannelID: "chan1", Duration: "PT1M0S"})
	// "bbbbbbbbbbb" is intentionally left unregistered in the fake so it
	// comes back unenriched, pushing the batch's success ratio to 0.5,
	// below the 0.9 floor set below, so the handler takes the skip path.

	videoEnr := video.New(fake, st, nil, nil, video.Config{BatchSize: 1})
	svc := newTestService(st, videoEnr, video.NewChannelResolver(st, nil), fake)
	svc.pipelineCfg.YoutubeMinSuccessRatio = 0.9

	result, err := svc.handleYoutubeEnrichment(run)(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.NotEmpty(t, result.SkipReasons)
}
