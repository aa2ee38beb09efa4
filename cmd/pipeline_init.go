package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/aiprovider"
	"github.com/sells-group/dsi-pipeline/internal/analyzer"
	"github.com/sells-group/dsi-pipeline/internal/dsi"
	"github.com/sells-group/dsi-pipeline/internal/enrich/company"
	"github.com/sells-group/dsi-pipeline/internal/enrich/video"
	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/pipelineservice"
	"github.com/sells-group/dsi-pipeline/internal/resilience"
	"github.com/sells-group/dsi-pipeline/internal/scheduler"
	"github.com/sells-group/dsi-pipeline/internal/scrape"
	"github.com/sells-group/dsi-pipeline/internal/serp"
	"github.com/sells-group/dsi-pipeline/internal/statetracker"
	"github.com/sells-group/dsi-pipeline/internal/store"
	"github.com/sells-group/dsi-pipeline/internal/wshub"
	anthropicpkg "github.com/sells-group/dsi-pipeline/pkg/anthropic"
	"github.com/sells-group/dsi-pipeline/pkg/companyprovider"
	"github.com/sells-group/dsi-pipeline/pkg/firecrawl"
	"github.com/sells-group/dsi-pipeline/pkg/jina"
	"github.com/sells-group/dsi-pipeline/pkg/searchprovider"
	"github.com/sells-group/dsi-pipeline/pkg/videoprovider"
)

// pipelineEnv holds every initialized component the run/serve commands need:
// the store, the composed pipelineservice.Service, and (for serve) the
// scheduler and websocket hub. Mirrors the teacher's initPipeline builder.
type pipelineEnv struct {
	Store     store.Store
	Service   *pipelineservice.Service
	Scheduler *scheduler.Scheduler
	Hub       *wshub.Hub
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// loadDimensions reads the fixed set of scoring dimensions the analysis
// phase evaluates every URL against. Authoring/admin CRUD for dimensions
// is out of scope, so this is a flat JSON fixture loaded once at startup —
// the same shape the teacher's registry.LoadFieldsFromFile reads.
func loadDimensions(path string) ([]model.DimensionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read dimensions fixture")
	}
	var dims []model.DimensionConfig
	if err := json.Unmarshal(data, &dims); err != nil {
		return nil, eris.Wrap(err, "unmarshal dimensions fixture")
	}
	return dims, nil
}

// initPipeline sets up the store, every provider client and circuit
// breaker, the domain components, and composes them into a
// pipelineservice.Service. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold:  cfg.Circuit.FailureThreshold,
		SuccessThreshold:  cfg.Circuit.SuccessThreshold,
		ResetTimeout:      cfg.Circuit.ResetTimeout,
		HalfOpenMaxProbes: cfg.Circuit.HalfOpenMaxProbes,
	}, st)
	retryMgr := resilience.NewManager(st)

	searchClient := searchprovider.NewClient(cfg.SearchProvider.APIKey, searchprovider.WithBaseURL(cfg.SearchProvider.BaseURL))
	companyClient := companyprovider.NewClient(cfg.CompanyProvider.APIKey, companyprovider.WithBaseURL(cfg.CompanyProvider.BaseURL))
	videoClient := videoprovider.NewClient(cfg.VideoProvider.APIKey, videoprovider.WithBaseURL(cfg.VideoProvider.BaseURL))
	anthropicClient := anthropicpkg.NewClient(cfg.AIProvider.APIKey)

	aiProvider := aiprovider.New(anthropicClient, cfg.AIProvider.Model, breakers.Get("ai_provider"), retryMgr)
	channelClassifier := aiprovider.NewChannelClassifier(aiProvider)
	sourceClassifier := aiprovider.NewSourceClassifier(aiProvider)
	companyRanker := aiprovider.NewCompanyRanker(aiProvider)
	dimensionScorer := aiprovider.NewDimensionScorer(aiProvider)

	serpCollector := serp.New(searchClient, st, breakers.Get("search_provider"), retryMgr, serp.Config{
		BatchSizeLimit: cfg.SearchProvider.MaxChunkSize,
		PollInitial:    cfg.SearchProvider.PollInterval,
		PollCap:        cfg.SearchProvider.PollInterval,
		PollTimeout:    cfg.SearchProvider.PollTimeout,
	})

	companyEnricher := company.New(companyClient, st, breakers.Get("company_enrichment"), retryMgr, companyRanker, sourceClassifier, company.Config{
		Concurrency: cfg.Pipeline.CompanyConcurrency,
	})

	videoEnricher := video.New(videoClient, st, breakers.Get("video_provider"), retryMgr, video.Config{
		BatchSize:       cfg.VideoProvider.BatchSize,
		DailyQuotaLimit: cfg.VideoProvider.DailyQuotaUnits,
	})
	channelResolver := video.NewChannelResolver(st, channelClassifier)

	matcher := scrape.NewPathMatcher(cfg.Scrape.ProtectedDomains)
	chain := scrape.NewChain(matcher,
		scrape.NewJinaAdapter(jina.NewClient(cfg.Scrape.JinaAPIKey)),
		scrape.NewFirecrawlAdapter(firecrawl.NewClient(cfg.Scrape.FirecrawlAPIKey)),
		scrape.NewLocalScraper(),
	)

	az := analyzer.New(dimensionScorer)
	dsiCalc := dsi.New(st, st, st, st)
	tracker := statetracker.New(st)

	dims, err := loadDimensions("testdata/dimensions.json")
	if err != nil {
		zap.L().Warn("dimensions fixture not loaded, content analysis will score nothing", zap.Error(err))
		dims = nil
	}

	svc := pipelineservice.New(st, serpCollector, companyEnricher, videoEnricher, videoClient, channelResolver, chain, az, dsiCalc, tracker, cfg.Pipeline, dims)

	hub := wshub.New(cfg.Server.AllowedOrigins)
	svc.WithBroadcaster(hub)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(st, svc, cfg.Scheduler.Spec)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	return &pipelineEnv{
		Store:     st,
		Service:   svc,
		Scheduler: sched,
		Hub:       hub,
	}, nil
}
