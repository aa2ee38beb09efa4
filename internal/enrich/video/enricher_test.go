package video

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
	"github.com/sells-group/dsi-pipeline/pkg/videoprovider"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "video.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestExtractVideoID(t *testing.T) {
	cases := map[string]string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ":        "dQw4w9WgXcQ",
		"https://www.youtube.com/watch?t=10&v=dQw4w9WgXcQ":     "dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ":                         "dQw4w9WgXcQ",
		"https://www.youtube.com/embed/dQw4w9WgXcQ":            "dQw4w9WgXcQ",
		"https://example.com/not-a-video":                     "",
	}
	for url, want := range cases {
		assert.Equal(t, want, ExtractVideoID(url), url)
	}
}

func TestParseISODuration(t *testing.T) {
	assert.Equal(t, 253, parseISODuration("PT4M13S"))
	assert.Equal(t, 3600, parseISODuration("PT1H"))
	assert.Equal(t, 0, parseISODuration("garbage"))
}

func TestQuotaManager_ChecksAndTracksUsage(t *testing.T) {
	q := NewQuotaManager(100)
	assert.True(t, q.CheckQuota(50))
	q.UpdateUsage("videos.list", 50)
	assert.Equal(t, 50, q.Remaining())
	assert.True(t, q.CheckQuota(50))
	assert.False(t, q.CheckQuota(51))
}

func TestEnricher_EnrichVideos_HappyPath(t *testing.T) {
	st := newTestStore(t)
	client := videoprovider.NewFake()
	client.SetVideo(videoprovider.VideoStats{
		VideoID: "dQw4w9WgXcQ", Title: "Intro", ChannelID: "chan-1",
		Duration: "PT4M13S", ViewCount: 1000, LikeCount: 50, CommentCount: 5,
	})
	client.SetChannel(videoprovider.ChannelStats{ChannelID: "chan-1", SubscriberCount: 2000})
	e := New(client, st, nil, nil, DefaultConfig())

	res, err := e.EnrichVideos(context.Background(), []string{"https://www.youtube.com/watch?v=dQw4w9WgXcQ"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EnrichedCount)
	assert.Equal(t, 0, res.FailedCount)
	require.Len(t, res.Snapshots, 1)
	assert.Equal(t, 253, res.Snapshots[0].DurationSeconds)
	assert.Equal(t, int64(2000), res.Snapshots[0].ChannelSubscribers)
}

func TestEnricher_EnrichVideos_NoRecognizableURLsReturnsEmpty(t *testing.T) {
	st := newTestStore(t)
	e := New(videoprovider.NewFake(), st, nil, nil, DefaultConfig())

	res, err := e.EnrichVideos(context.Background(), []string{"https://example.com/page"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.EnrichedCount)
	assert.Empty(t, res.Snapshots)
}

func TestEnricher_EnrichVideos_SecondCallServesFromCache(t *testing.T) {
	st := newTestStore(t)
	client := videoprovider.NewFake()
	client.SetVideo(videoprovider.VideoStats{VideoID: "dQw4w9WgXcQ", Title: "Intro"})
	e := New(client, st, nil, nil, DefaultConfig())

	url := "https://youtu.be/dQw4w9WgXcQ"
	_, err := e.EnrichVideos(context.Background(), []string{url})
	require.NoError(t, err)

	callsBefore := client.Calls
	res, err := e.EnrichVideos(context.Background(), []string{url})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CachedCount)
	assert.Equal(t, callsBefore, client.Calls, "cached lookup should not call the provider again")
}

func TestEnricher_EnrichVideos_QuotaExhaustedRecordsNonFatalError(t *testing.T) {
	st := newTestStore(t)
	client := videoprovider.NewFake()
	client.SetVideo(videoprovider.VideoStats{VideoID: "dQw4w9WgXcQ"})
	e := New(client, st, nil, nil, Config{BatchSize: 50, DailyQuotaLimit: 1})
	e.quota.UpdateUsage("videos.list", 1)

	res, err := e.EnrichVideos(context.Background(), []string{"https://youtu.be/dQw4w9WgXcQ"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.EnrichedCount)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "quota_exceeded")
}

func TestChannelResolver_RuleBasedFallback(t *testing.T) {
	st := newTestStore(t)
	r := NewChannelResolver(st, nil)

	mapping, err := r.ResolveChannel(context.Background(), ChannelInfo{
		ChannelID: "chan-1", ChannelTitle: "Acme Corp", CustomURL: "@acmecorp",
	})
	require.NoError(t, err)
	assert.Equal(t, "acmecorp.com", mapping.CompanyDomain)
	assert.False(t, mapping.Authoritative())
}

func TestChannelResolver_CachesAuthoritativeMapping(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.UpsertChannelMapping(context.Background(), model.ChannelCompanyMapping{
		ChannelID: "chan-1", CompanyName: "Acme Corp", CompanyDomain: "acme.com", Confidence: 0.95,
	}))
	r := NewChannelResolver(st, nil)

	mapping, err := r.ResolveChannel(context.Background(), ChannelInfo{ChannelID: "chan-1", ChannelTitle: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "acme.com", mapping.CompanyDomain)
}

type fakeChannelClassifier struct {
	mapping model.ChannelCompanyMapping
	err     error
}

func (f fakeChannelClassifier) ClassifyChannel(ctx context.Context, info ChannelInfo) (model.ChannelCompanyMapping, error) {
	return f.mapping, f.err
}

func TestChannelResolver_UsesAIClassifierWhenConfigured(t *testing.T) {
	st := newTestStore(t)
	classifier := fakeChannelClassifier{mapping: model.ChannelCompanyMapping{
		CompanyName: "Acme Corp", CompanyDomain: "acme.com", Confidence: 0.92, Reasoning: "channel description mentions acme.com",
	}}
	r := NewChannelResolver(st, classifier)

	mapping, err := r.ResolveChannel(context.Background(), ChannelInfo{ChannelID: "chan-2", ChannelTitle: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "acme.com", mapping.CompanyDomain)
	assert.Equal(t, "chan-2", mapping.ChannelID)
	assert.True(t, mapping.Authoritative())
}
