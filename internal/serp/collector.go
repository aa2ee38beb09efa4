// Package serp implements the SERP Batch Collector: it creates one search
// batch per content type (organic, news, video), polls the external
// provider until results are ready, and ingests the results into storage.
package serp

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/resilience"
	"github.com/sells-group/dsi-pipeline/internal/store"
	"github.com/sells-group/dsi-pipeline/pkg/searchprovider"
)

// ErrNoResults is returned by MonitorBatch when the provider reports zero
// searches queued for a batch (nothing to wait for).
var ErrNoResults = eris.New("serp: batch has no searches")

var locationNames = map[string]string{
	"US": "United States",
	"UK": "United Kingdom",
	"CA": "Canada",
	"AU": "Australia",
	"DE": "Germany",
	"FR": "France",
	"IT": "Italy",
	"ES": "Spain",
	"NL": "Netherlands",
	"SE": "Sweden",
}

var searchTypes = map[model.ContentType]string{
	model.ContentTypeOrganic: "web",
	model.ContentTypeNews:    "news",
	model.ContentTypeVideo:   "videos",
}

// LocationName maps a two-letter region code to the display name the
// provider expects in its location parameter.
func LocationName(region string) string {
	if name, ok := locationNames[strings.ToUpper(region)]; ok {
		return name
	}
	return region
}

// SearchType maps a content type to the provider's search_type parameter.
func SearchType(ct model.ContentType) string {
	if t, ok := searchTypes[ct]; ok {
		return t
	}
	return "web"
}

// Config tunes batch creation and polling.
type Config struct {
	BatchSizeLimit int           // not read by the collector; the searchprovider client splits AddSearches at MaxSearchesPerRequest
	PollInitial    time.Duration // monitor_interval in the original
	PollCap        time.Duration
	PollTimeout    time.Duration // batch_timeout in the original
}

// DefaultConfig mirrors unified_serp_collector.py's batch_size_limit=15000,
// monitor_interval=120s, batch_timeout=30min.
func DefaultConfig() Config {
	return Config{
		BatchSizeLimit: 15000,
		PollInitial:    120 * time.Second,
		PollCap:        120 * time.Second,
		PollTimeout:    30 * time.Minute,
	}
}

// Collector drives one run's batch SERP collection across content types.
type Collector struct {
	client  searchprovider.Client
	store   store.SerpStore
	breaker *resilience.CircuitBreaker
	retry   *resilience.Manager
	cfg     Config
	log     *zap.Logger
}

// New builds a Collector. breaker/retry may be nil to run unprotected
// (mainly for tests); production wiring always supplies both, matching the
// original's self.circuit_breaker / self.retry_manager.
func New(client searchprovider.Client, st store.SerpStore, breaker *resilience.CircuitBreaker, retry *resilience.Manager, cfg Config) *Collector {
	return &Collector{
		client:  client,
		store:   st,
		breaker: breaker,
		retry:   retry,
		cfg:     cfg,
		log:     zap.L().Named("serp"),
	}
}

// BatchRequest is one (keyword, region) search to add to a batch.
type BatchRequest struct {
	Keyword     string
	KeywordID   string
	Region      string
	ContentType model.ContentType
}

// CreateBatchOnly creates a provider batch for one content type, uploads
// all the batch's searches, and starts it, returning immediately without
// waiting for results (mirrors create_batch_only).
func (c *Collector) CreateBatchOnly(ctx context.Context, runID uuid.UUID, requests []BatchRequest, contentType model.ContentType, schedule model.Schedule) (*model.SearchBatch, error) {
	if len(requests) == 0 {
		c.log.Warn("no keywords provided for serp batch", zap.String("content_type", string(contentType)))
		return nil, nil
	}

	newsPeriod := ""
	if contentType == model.ContentTypeNews {
		freq := model.BatchScheduleFrequency(schedule.Frequency)
		newsPeriod = model.NewsTimePeriod(freq, schedule.IsInitial)
	}

	c.log.Info("creating serp batch",
		zap.String("content_type", string(contentType)),
		zap.Int("searches", len(requests)))

	batchID, err := c.client.CreateBatch(ctx, searchprovider.BatchConfig{
		Name:         fmt.Sprintf("dsi-%s-%s", contentType, runID),
		ScheduleType: "manual",
	})
	if err != nil {
		return nil, eris.Wrapf(err, "serp: create batch for %s", contentType)
	}

	searches := make([]searchprovider.SearchParams, 0, len(requests))
	for _, r := range requests {
		sp := searchprovider.SearchParams{
			Query:      r.Keyword,
			Location:   LocationName(r.Region),
			GL:         strings.ToLower(r.Region),
			HL:         "en",
			Device:     "desktop",
			Num:        50,
			Output:     "json",
			CustomID:   fmt.Sprintf("%s_%s_%s", r.Keyword, r.Region, r.ContentType),
			SearchType: SearchType(contentType),
		}
		if contentType == model.ContentTypeNews {
			sp.TimePeriod = newsPeriod
		}
		if contentType == model.ContentTypeVideo {
			sp.Query = r.Keyword + " site:youtube.com"
		}
		searches = append(searches, sp)
	}

	if err := c.client.AddSearches(ctx, batchID, searches); err != nil {
		return nil, eris.Wrapf(err, "serp: add searches to batch %s", batchID)
	}
	if err := c.client.StartBatch(ctx, batchID); err != nil {
		return nil, eris.Wrapf(err, "serp: start batch %s", batchID)
	}

	now := time.Now().UTC()
	batch := &model.SearchBatch{
		ID:          batchID,
		RunID:       runID,
		ContentType: contentType,
		Status:      model.BatchStatusRunning,
		Schedule:    schedule,
		CreatedAt:   now,
		StartedAt:   &now,
	}
	c.log.Info("started serp batch", zap.String("batch_id", batchID), zap.String("content_type", string(contentType)))
	return batch, nil
}

// MonitorResult summarizes an ingested batch's outcome.
type MonitorResult struct {
	StoredCount int
	FailedCount int
}

// MonitorBatch polls GetBatch until the provider reports all results ready
// (or the batch goes idle), then fetches and ingests every result set.
// Polling uses exponential backoff with jitter, generalized from
// pkg/anthropic/batch.PollBatch's ended/expired/canceled switch to this
// provider's idle-with-full-result-count check.
func (c *Collector) MonitorBatch(ctx context.Context, runID uuid.UUID, batch *model.SearchBatch, requests []BatchRequest) (*MonitorResult, error) {
	log := c.log.With(zap.String("batch_id", batch.ID), zap.String("content_type", string(batch.ContentType)))
	log.Info("monitoring serp batch")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	interval := c.cfg.PollInitial
	var info *searchprovider.BatchInfo
	for {
		var err error
		info, err = c.pollOnce(ctx, batch.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "serp: poll batch %s", batch.ID)
		}

		if info.SearchesTotalCount > 0 && info.ResultsCount >= info.SearchesTotalCount {
			break
		}
		if info.Status == "idle" && info.ResultsCount > 0 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "serp: batch %s monitor timed out", batch.ID)
		case <-time.After(interval):
		}

		interval *= 2
		if interval > c.cfg.PollCap {
			interval = c.cfg.PollCap
		}
		jitter := time.Duration(rand.Int64N(int64(interval)/5 + 1))
		if rand.IntN(2) == 0 {
			interval += jitter
		} else {
			interval -= jitter
		}
	}

	resultSets := info.ResultSets
	if len(resultSets) == 0 {
		resultSets = []searchprovider.ResultSetRef{{ID: 1}}
	}

	total := MonitorResult{}
	for _, rs := range resultSets {
		csvContent, err := c.fetchResults(ctx, batch.ID, rs.ID)
		if err != nil {
			log.Warn("failed to fetch result set", zap.Int("result_set_id", rs.ID), zap.Error(err))
			continue
		}
		ingest, err := c.IngestCSV(ctx, runID, batch.ContentType, csvContent, requests)
		if err != nil {
			log.Warn("failed to ingest result set", zap.Int("result_set_id", rs.ID), zap.Error(err))
			continue
		}
		total.StoredCount += ingest.Stored
		total.FailedCount += ingest.Failed
	}

	log.Info("serp batch monitoring complete",
		zap.Int("stored", total.StoredCount), zap.Int("failed", total.FailedCount))
	return &total, nil
}

// ProcessWebhookBatch ingests one result set pushed by the provider's
// webhook, without polling, mirroring process_webhook_batch: the webhook
// payload already tells us which result_set_id is ready.
func (c *Collector) ProcessWebhookBatch(ctx context.Context, runID uuid.UUID, contentType model.ContentType, batchID string, resultSetID int, requests []BatchRequest) (*IngestResult, error) {
	log := c.log.With(zap.String("batch_id", batchID), zap.Int("result_set_id", resultSetID))
	log.Info("processing webhook batch")

	csvContent, err := c.fetchResults(ctx, batchID, resultSetID)
	if err != nil {
		return nil, eris.Wrapf(err, "serp: fetch webhook result set %d for batch %s", resultSetID, batchID)
	}
	result, err := c.IngestCSV(ctx, runID, contentType, csvContent, requests)
	if err != nil {
		return nil, eris.Wrapf(err, "serp: ingest webhook result set %d for batch %s", resultSetID, batchID)
	}
	return result, nil
}

func (c *Collector) pollOnce(ctx context.Context, batchID string) (*searchprovider.BatchInfo, error) {
	fn := func(ctx context.Context) (*searchprovider.BatchInfo, error) {
		return c.client.GetBatch(ctx, batchID)
	}
	if c.breaker == nil {
		return fn(ctx)
	}
	return resilience.ExecuteVal(ctx, c.breaker, fn, nil)
}

func (c *Collector) fetchResults(ctx context.Context, batchID string, resultSetID int) (string, error) {
	if c.retry == nil {
		return c.client.FetchResultsCSV(ctx, batchID, resultSetID)
	}
	var csvContent string
	err := c.retry.RetryWithBackoff(ctx, "serp_result_fetch", fmt.Sprintf("%s/%d", batchID, resultSetID), nil, func(ctx context.Context) error {
		v, err := c.client.FetchResultsCSV(ctx, batchID, resultSetID)
		if err != nil {
			return err
		}
		csvContent = v
		return nil
	})
	return csvContent, err
}

// ExtractDomain strips scheme and a leading "www." from a URL, mirroring
// _extract_domain.
func ExtractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Host, "www.")
}
