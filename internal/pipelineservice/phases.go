package pipelineservice

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dsi-pipeline/internal/analyzer"
	"github.com/sells-group/dsi-pipeline/internal/enrich/company"
	"github.com/sells-group/dsi-pipeline/internal/enrich/video"
	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/orchestrator"
	"github.com/sells-group/dsi-pipeline/internal/serp"
	"github.com/sells-group/dsi-pipeline/internal/statetracker"
	"github.com/sells-group/dsi-pipeline/pkg/videoprovider"
)

// registerHandlers wires the seven phase Handler closures into orch. Each
// closure closes over run's config snapshot taken at launch time — a
// concurrently-arriving config change would need a fresh Resume to pick up.
func (s *Service) registerHandlers(orch *orchestrator.Orchestrator, run *model.PipelineRun) {
	orch.RegisterHandler(model.PhaseKeywordMetrics, s.handleKeywordMetrics(run))
	orch.RegisterHandler(model.PhaseSerpCollection, s.handleSerpCollection(run))
	orch.RegisterHandler(model.PhaseCompanyEnrichmentSerp, s.handleCompanyEnrichment(run))
	orch.RegisterHandler(model.PhaseYoutubeEnrichment, s.handleYoutubeEnrichment(run))
	orch.RegisterHandler(model.PhaseContentScraping, s.handleContentScraping(run))
	orch.RegisterHandler(model.PhaseContentAnalysis, s.handleContentAnalysis(run))
	orch.RegisterHandler(model.PhaseDSICalculation, s.handleDSICalculation(run))
}

// handleKeywordMetrics upserts one Keyword row per (term, region) pair in
// the run's config. The original's dedicated keyword-metrics provider
// (search volume / competition lookup) is outside SPEC_FULL.md's DOMAIN
// STACK wiring — no such provider appears anywhere in the example pack —
// so this phase's job here is solely to seed the keyword rows
// serp_collection keys its batches against; AvgMonthlySearches/Competition
// stay unset until a metrics provider is wired in.
func (s *Service) handleKeywordMetrics(run *model.PipelineRun) orchestrator.Handler {
	return func(ctx context.Context, runID uuid.UUID) (*orchestrator.Result, error) {
		cfg := run.Config
		if len(cfg.Keywords) == 0 || len(cfg.Regions) == 0 {
			return &orchestrator.Result{Success: true, Data: map[string]any{"keywords": 0}}, nil
		}

		n := 0
		for _, term := range cfg.Keywords {
			for _, region := range cfg.Regions {
				kw := model.Keyword{ID: term + ":" + region, Term: term, Region: region}
				if err := s.store.UpsertKeyword(ctx, kw); err != nil {
					return nil, eris.Wrapf(err, "keyword_metrics: upsert %s/%s", term, region)
				}
				n++
			}
		}

		s.bumpCounters(ctx, runID, func(c *model.RunCounters) { c.KeywordsProcessed = n })
		return &orchestrator.Result{Success: true, Data: map[string]any{"keywords": n}}, nil
	}
}

// handleSerpCollection creates and monitors one batch per content type,
// in parallel, per spec.md §4.6: "Content-type batches (organic, news,
// video) are created in parallel and then monitored concurrently."
func (s *Service) handleSerpCollection(run *model.PipelineRun) orchestrator.Handler {
	return func(ctx context.Context, runID uuid.UUID) (*orchestrator.Result, error) {
		cfg := run.Config
		requests := make(map[model.ContentType][]serp.BatchRequest)
		for _, ct := range contentTypesFor(cfg) {
			for _, term := range cfg.Keywords {
				for _, region := range cfg.Regions {
					requests[ct] = append(requests[ct], serp.BatchRequest{
						Keyword:     term,
						KeywordID:   term + ":" + region,
						Region:      region,
						ContentType: ct,
					})
				}
			}
		}

		schedule := model.Schedule{Frequency: "daily", IsInitial: true}
		if cfg.Schedule != nil {
			schedule = *cfg.Schedule
		}

		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		var stored, failed int
		for ct, reqs := range requests {
			ct, reqs := ct, reqs
			if len(reqs) == 0 {
				continue
			}
			g.Go(func() error {
				batch, err := s.serp.CreateBatchOnly(gctx, runID, reqs, ct, schedule)
				if err != nil {
					return eris.Wrapf(err, "serp_collection: create batch %s", ct)
				}
				if batch == nil {
					return nil
				}
				result, err := s.serp.MonitorBatch(gctx, runID, batch, reqs)
				if err != nil {
					return eris.Wrapf(err, "serp_collection: monitor batch %s", ct)
				}
				mu.Lock()
				stored += result.StoredCount
				failed += result.FailedCount
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		s.bumpCounters(ctx, runID, func(c *model.RunCounters) { c.SerpResultsCollected = stored })
		return &orchestrator.Result{Success: true, Data: map[string]any{"stored": stored, "failed": failed}}, nil
	}
}

// handleCompanyEnrichment resolves every unique organic/news result domain
// to a CompanyProfile, using the State Tracker so a resumed run only
// re-submits domains that never finished enriching rather than re-spending
// provider credits on ones already upserted.
func (s *Service) handleCompanyEnrichment(run *model.PipelineRun) orchestrator.Handler {
	return func(ctx context.Context, runID uuid.UUID) (*orchestrator.Result, error) {
		results, err := s.store.ListSerpResultURLs(ctx, runID, []model.ContentType{model.ContentTypeOrganic, model.ContentTypeNews})
		if err != nil {
			return nil, eris.Wrap(err, "company_enrichment_serp: list serp urls")
		}

		seen := make(map[string]bool)
		var items []statetracker.WorkItem
		for _, r := range results {
			d := r.Domain
			if d == "" {
				d = serp.ExtractDomain(r.URL)
			}
			if d == "" || seen[d] {
				continue
			}
			seen[d] = true
			items = append(items, statetracker.WorkItem{Domain: d})
		}
		if len(items) == 0 {
			return &orchestrator.Result{Success: true, Data: map[string]any{"enriched": 0}}, nil
		}

		if _, err := s.tracker.Initialize(ctx, runID, []model.Phase{model.PhaseCompanyEnrichmentSerp}, items); err != nil {
			s.log.Warn("company_enrichment_serp: tracker initialize failed", zap.Error(err))
		}
		pending, err := s.tracker.GetPending(ctx, runID, model.PhaseCompanyEnrichmentSerp, len(items))
		if err != nil {
			return nil, eris.Wrap(err, "company_enrichment_serp: get pending items")
		}

		domainList := make([]string, 0, len(pending))
		idByDomain := make(map[string]uuid.UUID, len(pending))
		for _, item := range pending {
			domainList = append(domainList, item.ItemIdentifier)
			idByDomain[item.ItemIdentifier] = item.ID
		}
		if len(domainList) == 0 {
			return &orchestrator.Result{Success: true, Data: map[string]any{"enriched": 0}}, nil
		}

		ec := company.EnrichmentContext{
			OwnedDomain:       run.Config.OwnedDomain,
			CompetitorDomains: make(map[string]bool, len(run.Config.CompetitorDomains)),
		}
		for _, d := range run.Config.CompetitorDomains {
			ec.CompetitorDomains[d] = true
		}

		enriched, errs := s.companyEnr.EnrichMany(ctx, domainList, ec)
		for _, e := range errs {
			s.log.Warn("company enrichment error", zap.Error(e))
		}

		completed := make([]uuid.UUID, 0, len(enriched))
		for d := range enriched {
			if id, ok := idByDomain[d]; ok {
				completed = append(completed, id)
			}
		}
		if len(completed) > 0 {
			if _, err := s.tracker.BulkUpdate(ctx, completed, model.StateStatusCompleted); err != nil {
				s.log.Warn("company_enrichment_serp: bulk update tracker failed", zap.Error(err))
			}
		}

		s.bumpCounters(ctx, runID, func(c *model.RunCounters) { c.CompaniesEnriched += len(enriched) })
		return &orchestrator.Result{Success: true, Data: map[string]any{
			"enriched": len(enriched), "errors": len(errs),
		}}, nil
	}
}

// handleYoutubeEnrichment fetches video statistics and resolves each
// distinct channel to a company, then self-reports as skipped (not failed)
// when the batch's success ratio falls below the configured floor, per
// SPEC_FULL.md's Open Question decision that a non-critical phase never
// fails the run outright on a partial-success external dependency.
func (s *Service) handleYoutubeEnrichment(run *model.PipelineRun) orchestrator.Handler {
	return func(ctx context.Context, runID uuid.UUID) (*orchestrator.Result, error) {
		results, err := s.store.ListSerpResultURLs(ctx, runID, []model.ContentType{model.ContentTypeVideo})
		if err != nil {
			return nil, eris.Wrap(err, "youtube_enrichment: list serp urls")
		}
		if len(results) == 0 {
			return &orchestrator.Result{Success: true, Skipped: true, SkipReasons: []string{"no video serp results for this run"}}, nil
		}

		var items []statetracker.WorkItem
		for _, r := range results {
			items = append(items, statetracker.WorkItem{URL: r.URL})
		}
		if _, err := s.tracker.Initialize(ctx, runID, []model.Phase{model.PhaseYoutubeEnrichment}, items); err != nil {
			s.log.Warn("youtube_enrichment: tracker initialize failed", zap.Error(err))
		}
		pending, err := s.tracker.GetPending(ctx, runID, model.PhaseYoutubeEnrichment, len(items))
		if err != nil {
			return nil, eris.Wrap(err, "youtube_enrichment: get pending items")
		}
		if len(pending) == 0 {
			return &orchestrator.Result{Success: true, Data: map[string]any{"enriched": 0}}, nil
		}

		urls := make([]string, len(pending))
		idByURL := make(map[string]uuid.UUID, len(pending))
		for i, item := range pending {
			urls[i] = item.ItemIdentifier
			idByURL[item.ItemIdentifier] = item.ID
		}

		result, err := s.videoEnr.EnrichVideos(ctx, urls)
		if err != nil {
			return nil, eris.Wrap(err, "youtube_enrichment: enrich videos")
		}

		attempted := result.EnrichedCount + result.CachedCount + result.FailedCount
		ratio := 1.0
		if attempted > 0 {
			ratio = float64(result.EnrichedCount+result.CachedCount) / float64(attempted)
		}
		if attempted > 0 && ratio < s.pipelineCfg.YoutubeMinSuccessRatio {
			return &orchestrator.Result{
				Success: true,
				Skipped: true,
				SkipReasons: []string{eris.Errorf(
					"success ratio %.2f below floor %.2f", ratio, s.pipelineCfg.YoutubeMinSuccessRatio).Error()},
			}, nil
		}

		completed := make([]uuid.UUID, 0, len(result.Snapshots))
		byChannel := make(map[string][]model.VideoSnapshot)
		for _, snap := range result.Snapshots {
			if id, ok := idByURL[snap.URL]; ok {
				completed = append(completed, id)
			}
			if snap.ChannelID != "" {
				byChannel[snap.ChannelID] = append(byChannel[snap.ChannelID], snap)
			}
		}
		if len(completed) > 0 {
			if _, err := s.tracker.BulkUpdate(ctx, completed, model.StateStatusCompleted); err != nil {
				s.log.Warn("youtube_enrichment: bulk update tracker failed", zap.Error(err))
			}
		}

		resolved := s.resolveChannels(ctx, byChannel)

		s.bumpCounters(ctx, runID, func(c *model.RunCounters) { c.VideosEnriched += result.EnrichedCount + result.CachedCount })
		return &orchestrator.Result{Success: true, Data: map[string]any{
			"enriched": result.EnrichedCount, "cached": result.CachedCount,
			"failed": result.FailedCount, "channels_resolved": resolved,
		}}, nil
	}
}

// resolveChannels fetches channel metadata for every distinct channel id
// seen in this batch and resolves each one to a company mapping, feeding
// ChannelInfo.SampleVideoTitles from the snapshots already fetched so the
// classifier (AI or rule-based fallback) has evidence beyond the channel's
// own title/description.
func (s *Service) resolveChannels(ctx context.Context, byChannel map[string][]model.VideoSnapshot) int {
	if len(byChannel) == 0 {
		return 0
	}
	ids := make([]string, 0, len(byChannel))
	for id := range byChannel {
		ids = append(ids, id)
	}

	channelByID := make(map[string]videoprovider.ChannelStats, len(ids))
	for i := 0; i < len(ids); i += videoprovider.MaxBatchSize {
		end := min(i+videoprovider.MaxBatchSize, len(ids))
		batch, err := s.videoClient.ListChannels(ctx, ids[i:end])
		if err != nil {
			s.log.Warn("youtube_enrichment: list channels failed", zap.Error(err))
			continue
		}
		for _, c := range batch {
			channelByID[c.ChannelID] = c
		}
	}

	resolved := 0
	for id, snaps := range byChannel {
		info := video.ChannelInfo{ChannelID: id}
		if cs, ok := channelByID[id]; ok {
			info.ChannelTitle = cs.Title
			info.ChannelDescription = cs.Description
			info.CustomURL = cs.CustomURL
		}
		for _, snap := range snaps {
			info.SampleVideoTitles = append(info.SampleVideoTitles, snap.Title)
		}
		if _, err := s.channel.ResolveChannel(ctx, info); err != nil {
			s.log.Warn("youtube_enrichment: resolve channel failed", zap.String("channel_id", id), zap.Error(err))
			continue
		}
		resolved++
	}
	return resolved
}

// handleContentScraping scrapes every SERP result URL not yet scraped for
// this run through the scraper chain, bounded by the phase's concurrency
// semaphore (default 50 per spec.md §7).
func (s *Service) handleContentScraping(run *model.PipelineRun) orchestrator.Handler {
	return func(ctx context.Context, runID uuid.UUID) (*orchestrator.Result, error) {
		pending, err := s.store.GetUnscrapedURLs(ctx, runID)
		if err != nil {
			return nil, eris.Wrap(err, "content_scraping: get unscraped urls")
		}
		if len(pending) == 0 {
			return &orchestrator.Result{Success: true, Data: map[string]any{"scraped": 0}}, nil
		}

		urls := make([]string, len(pending))
		for i, r := range pending {
			urls[i] = r.URL
		}

		concurrency := concurrencyFor(run.Config, "scraping", s.pipelineCfg.ScrapingConcurrency)
		scraped := s.chain.ScrapeAll(ctx, urls, concurrency)

		var qualifying int
		for i := range scraped {
			scraped[i].PipelineExecutionID = &runID
			if err := s.store.UpsertScrapedContent(ctx, scraped[i]); err != nil {
				s.log.Warn("content_scraping: upsert failed", zap.String("url", scraped[i].URL), zap.Error(err))
				continue
			}
			if scraped[i].Qualifies() {
				qualifying++
			}
		}

		return &orchestrator.Result{Success: true, Data: map[string]any{
			"scraped": len(scraped), "qualifying": qualifying,
		}}, nil
	}
}

// handleContentAnalysis runs the concurrent analysis monitor, which is
// typically already most of the way done by the time this handler is
// invoked (it was started early via the content_scraping special case in
// runPipeline) — Run simply blocks until the monitor's own completion
// conditions are met.
func (s *Service) handleContentAnalysis(run *model.PipelineRun) orchestrator.Handler {
	return func(ctx context.Context, runID uuid.UUID) (*orchestrator.Result, error) {
		monitorCfg := analyzer.DefaultMonitorConfig()
		ac := s.pipelineCfg.Analysis
		if ac.FlexibleCompletionRatio > 0 {
			monitorCfg.FlexibleRatio = ac.FlexibleCompletionRatio
		}
		if ac.FlexibleCompletionWindow > 0 {
			monitorCfg.FlexibleAfter = ac.FlexibleCompletionWindow
		}
		if ac.HardCeiling > 0 {
			monitorCfg.HardCeiling = ac.HardCeiling
		}
		if n := concurrencyFor(run.Config, "analysis", s.pipelineCfg.AnalysisConcurrency); n > 0 {
			monitorCfg.Concurrency = n
		}

		monitor := analyzer.NewMonitor(s.analyzer, s.store, s.store, run.Config.ClientID, s.dimensions, monitorCfg)
		result, err := monitor.Run(ctx, runID)
		if err != nil {
			return nil, eris.Wrap(err, "content_analysis: monitor run")
		}

		s.bumpCounters(ctx, runID, func(c *model.RunCounters) { c.ContentAnalyzed += result.Analyzed })
		return &orchestrator.Result{Success: true, Data: map[string]any{
			"analyzed": result.Analyzed, "flexible_completion": result.FlexibleCompletion,
		}}, nil
	}
}

// handleDSICalculation ranks companies, pages, news publishers, and video
// channels for this run. Per spec.md §4.9 this never fails the phase for
// missing predecessor data — the orchestrator's precondition already skips
// the phase with explicit skip_reasons before this handler runs if the
// data isn't there.
func (s *Service) handleDSICalculation(run *model.PipelineRun) orchestrator.Handler {
	return func(ctx context.Context, runID uuid.UUID) (*orchestrator.Result, error) {
		result, err := s.dsiCalc.Calculate(ctx, runID)
		if err != nil {
			return nil, eris.Wrap(err, "dsi_calculation: calculate")
		}

		s.bumpCounters(ctx, runID, func(c *model.RunCounters) { c.LandscapesCalculated = result.CompaniesRanked })
		return &orchestrator.Result{Success: true, Data: map[string]any{
			"companies_ranked": result.CompaniesRanked, "pages_ranked": result.PagesRanked,
		}}, nil
	}
}
