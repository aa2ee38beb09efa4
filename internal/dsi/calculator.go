// Package dsi computes the Digital Share of Influence ranking per spec.md
// §4.9: organic/news/video company-level rankings and organic/news/video
// page-level rankings, combining keyword coverage, traffic share, and
// persona relevance, grounded on simplified_dsi_calculator.py's SQL
// formulas but expressed as Go aggregation over the store.
package dsi

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
)

// Calculator upserts the best-to-date DSIScore per (run, company_domain)
// and a historical per-page snapshot, for every resolved channel.
type Calculator struct {
	serp    store.SerpStore
	content store.ContentStore
	company store.CompanyStore
	dsi     store.DSIStore
	log     *zap.Logger
}

// New builds a Calculator.
func New(serp store.SerpStore, content store.ContentStore, company store.CompanyStore, dsiStore store.DSIStore) *Calculator {
	return &Calculator{
		serp:    serp,
		content: content,
		company: company,
		dsi:     dsiStore,
		log:     zap.L().Named("dsi_calculator"),
	}
}

// Result summarizes one Calculate call, surfaced in the DSI phase's
// completion metadata.
type Result struct {
	CompaniesRanked int
	PagesRanked     int
}

// Calculate runs organic, news, and video DSI for runID, upserting company
// and page scores. Per spec.md §4.9 this never fails the phase for missing
// predecessor data; callers decide skip vs. run from the precondition
// counts before invoking this.
func (c *Calculator) Calculate(ctx context.Context, runID uuid.UUID) (Result, error) {
	organic, err := c.serp.ListSerpResultURLs(ctx, runID, []model.ContentType{model.ContentTypeOrganic})
	if err != nil {
		return Result{}, eris.Wrap(err, "dsi: list organic results")
	}
	news, err := c.serp.ListSerpResultURLs(ctx, runID, []model.ContentType{model.ContentTypeNews})
	if err != nil {
		return Result{}, eris.Wrap(err, "dsi: list news results")
	}
	video, err := c.serp.ListSerpResultURLs(ctx, runID, []model.ContentType{model.ContentTypeVideo})
	if err != nil {
		return Result{}, eris.Wrap(err, "dsi: list video results")
	}

	analysisByURL, err := c.content.AnalysisByURL(ctx, runID)
	if err != nil {
		return Result{}, eris.Wrap(err, "dsi: load content analysis")
	}

	companiesRanked := map[string]struct{}{}
	pagesRanked := 0
	snapshotDate := time.Now().UTC().Truncate(24 * time.Hour)

	if len(organic) > 0 {
		companies := c.aggregateByDomain(ctx, organic, analysisByURL)
		for _, cm := range companies {
			companiesRanked[cm.domain] = struct{}{}
		}
		if err := c.storeCompanyScores(ctx, runID, "organic", companies); err != nil {
			return Result{}, err
		}
		pages := c.aggregatePageDSI(organic, analysisByURL)
		if err := c.storePageSnapshots(ctx, pages, "organic", snapshotDate); err != nil {
			return Result{}, err
		}
		pagesRanked += len(pages)
	}

	if len(news) > 0 {
		companies := c.aggregateByDomain(ctx, news, analysisByURL)
		for _, cm := range companies {
			companiesRanked[cm.domain] = struct{}{}
		}
		if err := c.storeNewsScores(ctx, runID, companies); err != nil {
			return Result{}, err
		}
		pages := c.aggregatePageDSI(news, analysisByURL)
		if err := c.storePageSnapshots(ctx, pages, "news", snapshotDate); err != nil {
			return Result{}, err
		}
		pagesRanked += len(pages)
	}

	if len(video) > 0 {
		snapshots, err := c.company.ListVideoSnapshotsForRun(ctx, runID)
		if err != nil {
			return Result{}, eris.Wrap(err, "dsi: list video snapshots")
		}
		channels, err := c.company.ListChannelMappings(ctx)
		if err != nil {
			return Result{}, eris.Wrap(err, "dsi: list channel mappings")
		}
		companies := c.aggregateVideoByDomain(video, snapshots, channels, analysisByURL)
		for _, cm := range companies {
			companiesRanked[cm.domain] = struct{}{}
		}
		if err := c.storeVideoScores(ctx, runID, companies); err != nil {
			return Result{}, err
		}
		pages := c.aggregateVideoPageDSI(video, snapshots)
		if err := c.storePageSnapshots(ctx, pages, "video", snapshotDate); err != nil {
			return Result{}, err
		}
		pagesRanked += len(pages)
	}

	return Result{CompaniesRanked: len(companiesRanked), PagesRanked: pagesRanked}, nil
}

// companyAgg accumulates one domain's SERP performance across a single
// serp_type's results, mirroring simplified_dsi_calculator.py's
// company_metrics CTE.
type companyAgg struct {
	domain       string
	companyName  string
	keywordIDs   map[string]struct{}
	urls         map[string]struct{}
	totalTraffic float64
	appearances  int
	positions    []int
	personaSum   float64
	personaN     int
}

func newCompanyAgg(domain string) *companyAgg {
	return &companyAgg{domain: domain, keywordIDs: map[string]struct{}{}, urls: map[string]struct{}{}}
}

func (a *companyAgg) keywordCount() int { return len(a.keywordIDs) }
func (a *companyAgg) avgPosition() float64 {
	if len(a.positions) == 0 {
		return 20
	}
	sum := 0
	for _, p := range a.positions {
		sum += p
	}
	return float64(sum) / float64(len(a.positions))
}
func (a *companyAgg) bestPosition() int {
	best := 0
	for i, p := range a.positions {
		if i == 0 || p < best {
			best = p
		}
	}
	return best
}
func (a *companyAgg) top3Count() int  { return a.countAtOrBetter(3) }
func (a *companyAgg) top10Count() int { return a.countAtOrBetter(10) }
func (a *companyAgg) countAtOrBetter(n int) int {
	count := 0
	for _, p := range a.positions {
		if p <= n {
			count++
		}
	}
	return count
}
func (a *companyAgg) personaScore() float64 {
	if a.personaN == 0 {
		return model.DefaultPersonaRelevance
	}
	return a.personaSum / float64(a.personaN)
}

// aggregateByDomain groups results (organic or news) by domain and computes
// estimated traffic per spec.md §4.9's CTR curve.
func (c *Calculator) aggregateByDomain(ctx context.Context, results []model.SerpResult, analysis map[string]model.ContentAnalysis) map[string]*companyAgg {
	companies := map[string]*companyAgg{}
	for _, r := range results {
		domain := normalizeDomain(r.Domain)
		cm, ok := companies[domain]
		if !ok {
			cm = newCompanyAgg(domain)
			companies[domain] = cm
		}
		cm.keywordIDs[r.KeywordID] = struct{}{}
		cm.urls[r.URL] = struct{}{}
		cm.appearances++
		cm.positions = append(cm.positions, r.Position)
		cm.totalTraffic += model.EstimatedTraffic(r.AvgMonthlySearches, r.Position)
		if a, found := analysis[r.URL]; found {
			cm.personaSum += a.PersonaScore
			cm.personaN++
		}
	}
	for domain, cm := range companies {
		cm.companyName = c.resolveCompanyName(ctx, domain)
	}
	return companies
}

// resolveCompanyName looks up an enriched CompanyProfile, falling back to
// a title-cased derivation of the domain's first label, matching
// simplified_dsi_calculator.py's INITCAP(REPLACE(...)) fallback chain.
func (c *Calculator) resolveCompanyName(ctx context.Context, domain string) string {
	if profile, err := c.company.GetCompanyByDomain(ctx, domain); err == nil && profile != nil && profile.CompanyName != "" {
		return profile.CompanyName
	}
	return titleCaseDomainLabel(domain)
}

func titleCaseDomainLabel(domain string) string {
	label := strings.SplitN(normalizeDomain(domain), ".", 2)[0]
	label = strings.ReplaceAll(label, "-", " ")
	words := strings.Fields(label)
	for i, w := range words {
		r := []rune(w)
		if len(r) > 0 {
			r[0] = unicode.ToUpper(r[0])
		}
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func normalizeDomain(domain string) string {
	return strings.TrimPrefix(strings.ToLower(domain), "www.")
}

// storeCompanyScores computes and upserts the organic DSI formula:
// keyword_coverage% * traffic_share% * (persona/10), clamped into [0,1].
func (c *Calculator) storeCompanyScores(ctx context.Context, runID uuid.UUID, source string, companies map[string]*companyAgg) error {
	totalKeywords, totalTraffic := marketTotals(companies)
	if totalKeywords == 0 {
		return nil
	}
	for domain, cm := range companies {
		if cm.keywordCount() == 0 {
			continue
		}
		keywordCoveragePct := float64(cm.keywordCount()) / float64(totalKeywords) * 100
		trafficSharePct := 0.0
		if totalTraffic > 0 {
			trafficSharePct = cm.totalTraffic / totalTraffic * 100
		}
		persona := cm.personaScore()
		raw := keywordCoveragePct * trafficSharePct * (persona / 10.0)

		score := model.DSIScore{
			PipelineExecutionID: runID,
			CompanyDomain:        domain,
			DSIScore:             clamp01(raw / 100.0),
			Components: model.DSIComponentScores{
				KeywordOverlap:   clamp01(keywordCoveragePct / 100.0),
				ContentRelevance: clamp01(persona / 10.0),
				MarketPresence:   clamp01(float64(cm.top10Count()) / float64(max(cm.keywordCount(), 1))),
				TrafficShare:     clamp01(trafficSharePct / 100.0),
				SerpVisibility:   clamp01(1.0 - cm.avgPosition()/20.0),
			},
			Metadata: map[string]any{
				"source":               source,
				"company_name":         cm.companyName,
				"keyword_count":        cm.keywordCount(),
				"page_count":           len(cm.urls),
				"avg_position":         cm.avgPosition(),
				"best_position":        cm.bestPosition(),
				"top_3_count":          cm.top3Count(),
				"top_10_count":         cm.top10Count(),
				"keyword_coverage_pct": keywordCoveragePct,
				"traffic_share_pct":    trafficSharePct,
				"persona_relevance":    persona,
			},
			CalculatedAt: time.Now().UTC(),
		}
		if err := c.dsi.UpsertDSIScoreMax(ctx, score); err != nil {
			return eris.Wrapf(err, "dsi: upsert organic score %s", domain)
		}
	}
	return nil
}

// storeNewsScores computes the news DSI formula: appearance_share% *
// keyword_coverage% * (persona_alignment/10).
func (c *Calculator) storeNewsScores(ctx context.Context, runID uuid.UUID, companies map[string]*companyAgg) error {
	totalKeywords := 0
	totalAppearances := 0
	for _, cm := range companies {
		totalKeywords += cm.keywordCount()
		totalAppearances += cm.appearances
	}
	if totalKeywords == 0 {
		return nil
	}
	for domain, cm := range companies {
		if cm.keywordCount() == 0 {
			continue
		}
		appearanceSharePct := 0.0
		if totalAppearances > 0 {
			appearanceSharePct = float64(cm.appearances) / float64(totalAppearances) * 100
		}
		keywordCoveragePct := float64(cm.keywordCount()) / float64(totalKeywords) * 100
		persona := cm.personaScore()
		raw := appearanceSharePct * keywordCoveragePct * (persona / 10.0)

		score := model.DSIScore{
			PipelineExecutionID: runID,
			CompanyDomain:        domain,
			DSIScore:             clamp01(raw / 100.0),
			Components: model.DSIComponentScores{
				KeywordOverlap:   clamp01(keywordCoveragePct / 100.0),
				ContentRelevance: clamp01(persona / 10.0),
				MarketPresence:   clamp01(float64(cm.appearances) / 100.0),
				TrafficShare:     0,
				SerpVisibility:   clamp01(1.0 - cm.avgPosition()/20.0),
			},
			Metadata: map[string]any{
				"source":               "news",
				"formula":              "appearance_share * keyword_coverage * persona_alignment",
				"company_name":         cm.companyName,
				"article_count":        len(cm.urls),
				"total_serp_appearances": cm.appearances,
				"keyword_count":        cm.keywordCount(),
				"persona_alignment":    persona,
			},
			CalculatedAt: time.Now().UTC(),
		}
		if err := c.dsi.UpsertDSIScoreMax(ctx, score); err != nil {
			return eris.Wrapf(err, "dsi: upsert news score %s", domain)
		}
	}
	return nil
}

// aggregateVideoByDomain resolves each video SERP result's company via its
// channel mapping (falling back to nothing, matching simplified_dsi_calculator.py's
// "company_domain IS NOT NULL" filter), then aggregates per spec.md §4.9's
// video company formula.
func (c *Calculator) aggregateVideoByDomain(results []model.SerpResult, snapshots map[string]model.VideoSnapshot, channels map[string]model.ChannelCompanyMapping, analysis map[string]model.ContentAnalysis) map[string]*companyAgg {
	companies := map[string]*companyAgg{}
	for _, r := range results {
		snap, ok := snapshots[r.URL]
		if !ok {
			continue
		}
		mapping, ok := channels[snap.ChannelID]
		if !ok || mapping.CompanyDomain == "" {
			continue
		}
		domain := normalizeDomain(mapping.CompanyDomain)
		cm, ok := companies[domain]
		if !ok {
			cm = newCompanyAgg(domain)
			cm.companyName = mapping.CompanyName
			companies[domain] = cm
		}
		cm.keywordIDs[r.KeywordID] = struct{}{}
		cm.urls[r.URL] = struct{}{}
		cm.appearances++
		cm.positions = append(cm.positions, r.Position)
		if a, found := analysis[r.URL]; found {
			cm.personaSum += a.PersonaScore
			cm.personaN++
		}
	}
	return companies
}

// storeVideoScores computes the video company DSI formula, identical in
// shape to storeNewsScores: appearance_share% * keyword_coverage% *
// (persona_alignment/10).
func (c *Calculator) storeVideoScores(ctx context.Context, runID uuid.UUID, companies map[string]*companyAgg) error {
	totalKeywords := 0
	totalAppearances := 0
	for _, cm := range companies {
		totalKeywords += cm.keywordCount()
		totalAppearances += cm.appearances
	}
	if totalKeywords == 0 {
		return nil
	}
	for domain, cm := range companies {
		if cm.keywordCount() == 0 {
			continue
		}
		appearanceSharePct := 0.0
		if totalAppearances > 0 {
			appearanceSharePct = float64(cm.appearances) / float64(totalAppearances) * 100
		}
		keywordCoveragePct := float64(cm.keywordCount()) / float64(totalKeywords) * 100
		persona := cm.personaScore()
		raw := appearanceSharePct * keywordCoveragePct * (persona / 10.0)

		score := model.DSIScore{
			PipelineExecutionID: runID,
			CompanyDomain:        domain,
			DSIScore:             clamp01(raw / 100.0),
			Components: model.DSIComponentScores{
				KeywordOverlap:   clamp01(keywordCoveragePct / 100.0),
				ContentRelevance: clamp01(persona / 10.0),
				MarketPresence:   clamp01(float64(cm.appearances) / 50.0),
				TrafficShare:     0,
				SerpVisibility:   clamp01(1.0 - cm.avgPosition()/20.0),
			},
			Metadata: map[string]any{
				"source":               "video",
				"formula":              "appearance_share * keyword_coverage * persona_alignment",
				"company_name":         cm.companyName,
				"video_count":          len(cm.urls),
				"total_serp_appearances": cm.appearances,
				"keyword_count":        cm.keywordCount(),
				"persona_alignment":    persona,
			},
			CalculatedAt: time.Now().UTC(),
		}
		if err := c.dsi.UpsertDSIScoreMax(ctx, score); err != nil {
			return eris.Wrapf(err, "dsi: upsert video score %s", domain)
		}
	}
	return nil
}

// pageAgg is one URL's page-level DSI inputs.
type pageAgg struct {
	url          string
	domain       string
	keywordIDs   map[string]struct{}
	totalTraffic float64
	appearances  int
	maxViews     int64
	rankMetric   float64
	personaScore float64
}

// aggregatePageDSI computes organic/news page DSI: traffic_share%(page) *
// (persona_score(page)/10), matching the company-level formula shape one
// level down.
func (c *Calculator) aggregatePageDSI(results []model.SerpResult, analysis map[string]model.ContentAnalysis) []pageAgg {
	pages := map[string]*pageAgg{}
	var totalTraffic float64
	for _, r := range results {
		p, ok := pages[r.URL]
		if !ok {
			p = &pageAgg{url: r.URL, domain: normalizeDomain(r.Domain), keywordIDs: map[string]struct{}{}, personaScore: model.DefaultPersonaRelevance}
			if a, found := analysis[r.URL]; found {
				p.personaScore = a.PersonaScore
			}
			pages[r.URL] = p
		}
		p.keywordIDs[r.KeywordID] = struct{}{}
		traffic := model.EstimatedTraffic(r.AvgMonthlySearches, r.Position)
		p.totalTraffic += traffic
		totalTraffic += traffic
	}

	out := make([]pageAgg, 0, len(pages))
	for _, p := range pages {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].url < out[j].url })
	for i := range out {
		out[i].rankMetric = trafficSharePct(out[i].totalTraffic, totalTraffic)
	}
	return out
}

func trafficSharePct(traffic, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return traffic / total * 100
}

// aggregateVideoPageDSI computes video page DSI: serp_appearances *
// max_views * engagement_rate, min-max normalized to [0,100] across the
// run's video pages.
func (c *Calculator) aggregateVideoPageDSI(results []model.SerpResult, snapshots map[string]model.VideoSnapshot) []pageAgg {
	pages := map[string]*pageAgg{}
	for _, r := range results {
		p, ok := pages[r.URL]
		if !ok {
			p = &pageAgg{url: r.URL, domain: normalizeDomain(r.Domain), keywordIDs: map[string]struct{}{}}
			pages[r.URL] = p
		}
		p.keywordIDs[r.KeywordID] = struct{}{}
		p.appearances++
		if snap, found := snapshots[r.URL]; found {
			if snap.ViewCount > p.maxViews {
				p.maxViews = snap.ViewCount
			}
			if rate := snap.EngagementRate(); rate > 0 {
				p.rankMetric = rate
			}
		}
	}

	out := make([]pageAgg, 0, len(pages))
	var maxRaw float64
	for _, p := range pages {
		raw := float64(p.appearances) * float64(p.maxViews) * p.rankMetric
		if raw > maxRaw {
			maxRaw = raw
		}
		out = append(out, *p)
	}
	for i := range out {
		raw := float64(out[i].appearances) * float64(out[i].maxViews) * out[i].rankMetric
		if maxRaw > 0 {
			out[i].rankMetric = raw / maxRaw * 100
		} else {
			out[i].rankMetric = 0
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].url < out[j].url })
	return out
}

// storePageSnapshots writes one HistoricalPageDSISnapshot per page. For
// organic/news the page_dsi field carries traffic_share% * persona/10; for
// video, aggregateVideoPageDSI has already stashed the normalized 0-100
// score in rankMetric, and persona is not applicable.
func (c *Calculator) storePageSnapshots(ctx context.Context, pages []pageAgg, source string, snapshotDate time.Time) error {
	for _, p := range pages {
		pageDSI := p.rankMetric * (p.personaScore / 10.0)
		persona := p.personaScore
		if source == "video" {
			pageDSI = p.rankMetric
			persona = 0
		}
		snap := model.HistoricalPageDSISnapshot{
			URL:          p.url,
			SnapshotDate: snapshotDate,
			PageDSI:      pageDSI,
			TrafficShare: p.rankMetric,
			PersonaScore: persona,
		}
		if err := c.dsi.InsertPageDSISnapshot(ctx, snap); err != nil {
			return eris.Wrapf(err, "dsi: insert page snapshot %s", p.url)
		}
	}
	return nil
}

func marketTotals(companies map[string]*companyAgg) (int, float64) {
	keywords := map[string]struct{}{}
	var traffic float64
	for _, cm := range companies {
		for k := range cm.keywordIDs {
			keywords[k] = struct{}{}
		}
		traffic += cm.totalTraffic
	}
	return len(keywords), traffic
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
