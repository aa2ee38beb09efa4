package analyzer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
)

// MonitorConfig controls the concurrent analysis monitor's polling cadence
// and completion thresholds, per spec.md §4.8.
type MonitorConfig struct {
	PollInterval  time.Duration // how often to check for new work, default 5s
	Concurrency   int           // semaphore bound on in-flight analyses, default 25
	FlexibleRatio float64       // analyzed/scraped ratio that counts as done, default 0.95
	FlexibleAfter time.Duration // wall-clock after which flexible completion applies whatever the ratio, default 15m
	HardCeiling   time.Duration // wall-clock after which the phase is failed outright, default 30m
	BatchSize     int           // rows fetched per GetUnanalyzedURLs call, default 50
}

// DefaultMonitorConfig returns spec.md §4.8's default thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:  5 * time.Second,
		Concurrency:   25,
		FlexibleRatio: 0.95,
		FlexibleAfter: 15 * time.Minute,
		HardCeiling:   30 * time.Minute,
		BatchSize:     50,
	}
}

// MonitorResult reports how the monitor loop ended.
type MonitorResult struct {
	Analyzed           int
	FlexibleCompletion bool
}

// Monitor runs the concurrent analysis loop started alongside the scraping
// phase: it repeatedly counts qualifying ScrapedContent rows against
// analyzed ContentAnalysis rows and schedules analysis of the difference,
// until all scraped rows are analyzed and every referenced channel is
// resolved, or a flexible/hard completion threshold is hit. Mirrors the
// teacher's ticker-driven phase-tracking loops (e.g. the scheduler's
// tick()), generalized to a work-queue-draining poll instead of a fixed
// enqueue interval.
type Monitor struct {
	analyzer *Analyzer
	store    store.ContentStore
	phases   store.PhaseStore
	cfg      MonitorConfig
	log      *zap.Logger
	project  string
	dims     []model.DimensionConfig
}

// NewMonitor builds a Monitor for one pipeline run's content_analysis phase.
func NewMonitor(a *Analyzer, contentStore store.ContentStore, phaseStore store.PhaseStore, project string, dims []model.DimensionConfig, cfg MonitorConfig) *Monitor {
	return &Monitor{
		analyzer: a,
		store:    contentStore,
		phases:   phaseStore,
		cfg:      cfg,
		log:      zap.L().Named("analyzer_monitor"),
		project:  project,
		dims:     dims,
	}
}

// Run polls and dispatches analysis work until completion, flexible
// completion, or the hard ceiling. Reaching the hard ceiling returns an
// error, which the caller uses to mark the phase failed.
func (m *Monitor) Run(ctx context.Context, runID uuid.UUID) (MonitorResult, error) {
	start := time.Now()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var totalAnalyzed int

	for {
		select {
		case <-ctx.Done():
			return MonitorResult{Analyzed: totalAnalyzed}, ctx.Err()
		case <-ticker.C:
		}

		n, err := m.dispatchPending(ctx, runID)
		if err != nil {
			m.log.Warn("dispatch pending analysis failed", zap.Error(err))
		}
		totalAnalyzed += n

		scraped, err := m.store.CountScrapedQualifying(ctx, runID)
		if err != nil {
			return MonitorResult{Analyzed: totalAnalyzed}, eris.Wrap(err, "analyzer: count scraped qualifying")
		}
		analyzed, err := m.store.CountContentAnalyzed(ctx, runID)
		if err != nil {
			return MonitorResult{Analyzed: totalAnalyzed}, eris.Wrap(err, "analyzer: count content analyzed")
		}
		resolved, err := m.phases.AllChannelsResolved(ctx, runID)
		if err != nil {
			return MonitorResult{Analyzed: totalAnalyzed}, eris.Wrap(err, "analyzer: all channels resolved")
		}

		elapsed := time.Since(start)

		if scraped > 0 && analyzed >= scraped && resolved {
			return MonitorResult{Analyzed: totalAnalyzed}, nil
		}

		ratio := 0.0
		if scraped > 0 {
			ratio = float64(analyzed) / float64(scraped)
		}
		if ratio >= m.cfg.FlexibleRatio || elapsed >= m.cfg.FlexibleAfter {
			return MonitorResult{Analyzed: totalAnalyzed, FlexibleCompletion: true}, nil
		}

		if elapsed >= m.cfg.HardCeiling {
			return MonitorResult{Analyzed: totalAnalyzed}, eris.New("analyzer: hard ceiling exceeded")
		}
	}
}

// dispatchPending fetches a batch of unanalyzed eligible URLs and analyzes
// them concurrently, bounded by cfg.Concurrency.
func (m *Monitor) dispatchPending(ctx context.Context, runID uuid.UUID) (int, error) {
	pending, err := m.store.GetUnanalyzedURLs(ctx, runID, m.cfg.BatchSize)
	if err != nil {
		return 0, eris.Wrap(err, "analyzer: get unanalyzed urls")
	}
	if len(pending) == 0 {
		return 0, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)

	var analyzed int64
	for _, content := range pending {
		content := content
		g.Go(func() error {
			result, err := m.analyzer.AnalyzeURL(gCtx, content, m.project, m.dims)
			if err != nil {
				m.log.Warn("analyze url failed", zap.String("url", content.URL), zap.Error(err))
				return nil
			}
			if err := m.store.UpsertContentAnalysis(gCtx, result); err != nil {
				m.log.Warn("upsert content analysis failed", zap.String("url", content.URL), zap.Error(err))
				return nil
			}
			atomic.AddInt64(&analyzed, 1)
			return nil
		})
	}
	_ = g.Wait()

	return int(analyzed), nil
}
