// Package video implements the video half of the Enrichment Workers
// (§4.7): extract video ids from SERP URLs, fetch statistics and durations
// from the video platform in batches of up to 50, enrich with channel
// subscriber counts, track a daily quota with UTC rollover, and persist
// VideoSnapshot rows.
package video

import (
	"context"
	"regexp"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/resilience"
	"github.com/sells-group/dsi-pipeline/internal/store"
	"github.com/sells-group/dsi-pipeline/pkg/videoprovider"
)

var videoIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`youtube\.com/watch\?(?:.*&)?v=([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`youtu\.be/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`youtube\.com/embed/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`youtube\.com/v/([a-zA-Z0-9_-]+)`),
}

// ExtractVideoID pulls a YouTube video id out of a URL, or "" if none of
// the known URL shapes match.
func ExtractVideoID(rawURL string) string {
	for _, p := range videoIDPatterns {
		if m := p.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
	}
	return ""
}

// Config tunes the video enrichment worker.
type Config struct {
	BatchSize       int
	DailyQuotaLimit int
}

// DefaultConfig mirrors spec.md §4.7's batch-of-50 and 10,000-unit defaults.
func DefaultConfig() Config {
	return Config{BatchSize: videoprovider.MaxBatchSize, DailyQuotaLimit: 10000}
}

// Result summarizes one EnrichVideos call.
type Result struct {
	EnrichedCount int
	CachedCount   int
	FailedCount   int
	QuotaUsed     int
	Snapshots     []model.VideoSnapshot
	Errors        []string
}

// Enricher resolves video URLs to persisted VideoSnapshot rows.
type Enricher struct {
	client  videoprovider.Client
	store   store.CompanyStore
	breaker *resilience.CircuitBreaker
	retry   *resilience.Manager
	quota   *QuotaManager
	cfg     Config
	log     *zap.Logger

	mu    sync.Mutex
	cache map[string]model.VideoSnapshot
}

// New builds an Enricher. breaker/retry may be nil to call the provider
// unprotected (used by tests).
func New(client videoprovider.Client, st store.CompanyStore, breaker *resilience.CircuitBreaker, retry *resilience.Manager, cfg Config) *Enricher {
	if cfg.BatchSize <= 0 || cfg.BatchSize > videoprovider.MaxBatchSize {
		cfg.BatchSize = videoprovider.MaxBatchSize
	}
	return &Enricher{
		client:  client,
		store:   st,
		breaker: breaker,
		retry:   retry,
		quota:   NewQuotaManager(cfg.DailyQuotaLimit),
		cfg:     cfg,
		log:     zap.L().Named("enrich.video"),
		cache:   make(map[string]model.VideoSnapshot),
	}
}

// EnrichVideos resolves every YouTube URL in videoURLs to a VideoSnapshot,
// serving cached ids without a provider call and continuing with
// cached-only data (recorded as a non-fatal error) on quota exhaustion.
func (e *Enricher) EnrichVideos(ctx context.Context, videoURLs []string) (*Result, error) {
	idToURL := make(map[string]string)
	for _, u := range videoURLs {
		if id := ExtractVideoID(u); id != "" {
			idToURL[id] = u
		}
	}
	if len(idToURL) == 0 {
		return &Result{}, nil
	}

	var cached, uncached []string
	for id := range idToURL {
		e.mu.Lock()
		snap, ok := e.cache[id]
		e.mu.Unlock()
		if ok {
			cached = append(cached, snap.VideoID)
			continue
		}
		uncached = append(uncached, id)
	}

	res := &Result{CachedCount: len(cached)}

	var fetched []videoprovider.VideoStats
	if len(uncached) > 0 {
		if !e.quota.CheckQuota(len(uncached)) {
			res.Errors = append(res.Errors, eris.Errorf(
				"quota_exceeded: daily video quota reached, %d units remaining", e.quota.Remaining()).Error())
			e.log.Warn("video quota exhausted, continuing with cached data", zap.Int("remaining", e.quota.Remaining()))
		} else {
			var err error
			fetched, err = e.fetchVideos(ctx, uncached)
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
				e.log.Error("video provider fetch failed", zap.Error(err))
			} else {
				e.quota.UpdateUsage("videos.list", len(uncached))
				res.QuotaUsed = len(uncached)
			}
		}
	}

	snapshots := make([]model.VideoSnapshot, 0, len(cached)+len(fetched))
	for _, id := range cached {
		e.mu.Lock()
		snapshots = append(snapshots, e.cache[id])
		e.mu.Unlock()
	}
	for _, v := range fetched {
		snapshots = append(snapshots, model.VideoSnapshot{
			VideoID:         v.VideoID,
			URL:             idToURL[v.VideoID],
			ChannelID:       v.ChannelID,
			Title:           v.Title,
			DurationSeconds: parseISODuration(v.Duration),
			ViewCount:       v.ViewCount,
			LikeCount:       v.LikeCount,
			CommentCount:    v.CommentCount,
		})
	}
	res.EnrichedCount = len(fetched)
	res.FailedCount = len(idToURL) - len(snapshots)

	if len(snapshots) > 0 {
		e.enrichChannelData(ctx, snapshots)
	}

	for i := range snapshots {
		if err := e.store.UpsertVideoSnapshot(ctx, snapshots[i]); err != nil {
			res.Errors = append(res.Errors, eris.Wrapf(err, "persist snapshot %s", snapshots[i].VideoID).Error())
			continue
		}
		e.mu.Lock()
		e.cache[snapshots[i].VideoID] = snapshots[i]
		e.mu.Unlock()
	}
	res.Snapshots = snapshots

	return res, nil
}

func (e *Enricher) fetchVideos(ctx context.Context, ids []string) ([]videoprovider.VideoStats, error) {
	var out []videoprovider.VideoStats
	for i := 0; i < len(ids); i += e.cfg.BatchSize {
		end := min(i+e.cfg.BatchSize, len(ids))
		batch, err := resilience.ExecuteValWithRetry(ctx, e.breaker, e.retry, "video_list_videos", ids[i], nil,
			func(ctx context.Context) ([]videoprovider.VideoStats, error) {
				return e.client.ListVideos(ctx, ids[i:end])
			})
		if err != nil {
			return nil, eris.Wrap(err, "enrich/video: list videos")
		}
		out = append(out, batch...)
	}
	return out, nil
}

// enrichChannelData fills in ChannelSubscribers for every snapshot,
// skipping silently (not an error) when the channel quota can't cover it,
// matching spec.md's "continue with cached data" posture for quota misses.
func (e *Enricher) enrichChannelData(ctx context.Context, snapshots []model.VideoSnapshot) {
	channelIDs := make(map[string]bool)
	for _, s := range snapshots {
		if s.ChannelID != "" {
			channelIDs[s.ChannelID] = true
		}
	}
	if len(channelIDs) == 0 {
		return
	}
	ids := make([]string, 0, len(channelIDs))
	for id := range channelIDs {
		ids = append(ids, id)
	}
	if !e.quota.CheckQuota(len(ids)) {
		e.log.Warn("channel quota exhausted, skipping subscriber enrichment", zap.Int("channels", len(ids)))
		return
	}

	subscribers := make(map[string]int64, len(ids))
	for i := 0; i < len(ids); i += e.cfg.BatchSize {
		end := min(i+e.cfg.BatchSize, len(ids))
		batch, err := resilience.ExecuteValWithRetry(ctx, e.breaker, e.retry, "video_list_channels", ids[i], nil,
			func(ctx context.Context) ([]videoprovider.ChannelStats, error) {
				return e.client.ListChannels(ctx, ids[i:end])
			})
		if err != nil {
			e.log.Error("enrich/video: list channels failed", zap.Error(err))
			return
		}
		for _, c := range batch {
			subscribers[c.ChannelID] = c.SubscriberCount
		}
	}
	e.quota.UpdateUsage("channels.list", len(ids))

	for i := range snapshots {
		if n, ok := subscribers[snapshots[i].ChannelID]; ok {
			snapshots[i].ChannelSubscribers = n
		}
	}
}
