// Package pipelineservice composes the Phase Orchestrator with every
// component worker (SERP Collector, enrichment workers, scraper chain,
// analysis monitor, DSI calculator) into start/resume/cancel run control,
// registering one Handler closure per phase per the inverted-dependency
// design of spec.md §9: the orchestrator owns the DAG, this package only
// supplies the work each phase does.
package pipelineservice

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/analyzer"
	"github.com/sells-group/dsi-pipeline/internal/config"
	"github.com/sells-group/dsi-pipeline/internal/dsi"
	"github.com/sells-group/dsi-pipeline/internal/enrich/company"
	"github.com/sells-group/dsi-pipeline/internal/enrich/video"
	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/scrape"
	"github.com/sells-group/dsi-pipeline/internal/serp"
	"github.com/sells-group/dsi-pipeline/internal/statetracker"
	"github.com/sells-group/dsi-pipeline/internal/store"
	"github.com/sells-group/dsi-pipeline/pkg/videoprovider"
)

// Broadcaster pushes run-progress frames to subscribers of a run's
// websocket topic. Decoupled from internal/wshub so pipelineservice never
// imports the transport layer directly; a nil Broadcaster (noopBroadcaster)
// is the default for callers that don't need live progress events.
type Broadcaster interface {
	Broadcast(runID uuid.UUID, event string, payload map[string]any)
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(uuid.UUID, string, map[string]any) {}

// Service composes every already-constructed component dependency into
// run-level orchestration. It never constructs provider clients, stores,
// or breakers itself (that is cmd/'s job, mirroring pipeline_init.go's
// initPipeline builder) — New only wires what it is handed.
type Service struct {
	store store.Store
	log   *zap.Logger

	serp        *serp.Collector
	companyEnr  *company.Enricher
	videoEnr    *video.Enricher
	videoClient videoprovider.Client
	channel     *video.ChannelResolver
	chain       *scrape.Chain
	analyzer    *analyzer.Analyzer
	dsiCalc     *dsi.Calculator
	tracker     *statetracker.Tracker

	pipelineCfg config.PipelineConfig
	dimensions  []model.DimensionConfig

	broadcaster Broadcaster

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// New builds a Service. dimensions is the fixed set of scoring axes the
// content_analysis phase evaluates every URL against — authoring/admin CRUD
// for dimensions is out of SPEC_FULL.md's scope, so these are loaded once at
// startup the way the teacher loads its Question/Field registries.
func New(
	st store.Store,
	serpCollector *serp.Collector,
	companyEnricher *company.Enricher,
	videoEnricher *video.Enricher,
	videoClient videoprovider.Client,
	channelResolver *video.ChannelResolver,
	chain *scrape.Chain,
	az *analyzer.Analyzer,
	dsiCalc *dsi.Calculator,
	tracker *statetracker.Tracker,
	pipelineCfg config.PipelineConfig,
	dimensions []model.DimensionConfig,
) *Service {
	return &Service{
		store:       st,
		log:         zap.L().Named("pipelineservice"),
		serp:        serpCollector,
		companyEnr:  companyEnricher,
		videoEnr:    videoEnricher,
		videoClient: videoClient,
		channel:     channelResolver,
		chain:       chain,
		analyzer:    az,
		dsiCalc:     dsiCalc,
		tracker:     tracker,
		pipelineCfg: pipelineCfg,
		dimensions:  dimensions,
		broadcaster: noopBroadcaster{},
		cancels:     make(map[uuid.UUID]context.CancelFunc),
	}
}

// WithBroadcaster sets the websocket event sink, returning the Service for
// chaining at construction time.
func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	if b != nil {
		s.broadcaster = b
	}
	return s
}

func enabledPhasesFor(cfg model.PipelineConfig) map[model.Phase]bool {
	enabled := make(map[model.Phase]bool, len(model.AllPhases()))
	if len(cfg.EnabledPhases) == 0 {
		for _, p := range model.AllPhases() {
			enabled[p] = true
		}
		return enabled
	}
	requested := make(map[string]bool, len(cfg.EnabledPhases))
	for _, p := range cfg.EnabledPhases {
		requested[p] = true
	}
	for _, p := range model.AllPhases() {
		enabled[p] = requested[string(p)]
	}
	return enabled
}

func contentTypesFor(cfg model.PipelineConfig) []model.ContentType {
	if len(cfg.ContentTypes) == 0 {
		return []model.ContentType{model.ContentTypeOrganic, model.ContentTypeNews, model.ContentTypeVideo}
	}
	out := make([]model.ContentType, 0, len(cfg.ContentTypes))
	for _, ct := range cfg.ContentTypes {
		out = append(out, model.ContentType(ct))
	}
	return out
}

func concurrencyFor(cfg model.PipelineConfig, key string, fallback int) int {
	if n, ok := cfg.ConcurrencyOverrides[key]; ok && n > 0 {
		return n
	}
	return fallback
}

// errNotFound is returned when a run referenced by Resume/Cancel does not
// exist in the store.
var errNotFound = eris.New("pipelineservice: run not found")
