// Package company implements the Company Enrichment Worker: normalize a
// domain, resolve it against the external provider's two-step
// search-then-redeem protocol, classify its source_type, and upsert a
// CompanyProfile plus a CompanyDomain alias.
package company

import (
	"context"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/resilience"
	"github.com/sells-group/dsi-pipeline/internal/store"
	"github.com/sells-group/dsi-pipeline/pkg/companyprovider"
)

// AIRanker picks the best-aligned candidate index for a domain, or -1 if it
// defers to the deterministic fallback. An optional collaborator: when nil,
// pickCandidate always uses the fallback.
type AIRanker interface {
	RankCandidate(ctx context.Context, domain string, candidates []model.CompanyCandidate) (int, error)
}

// AIClassifier assigns a source_type to a domain/company, or returns ""
// to defer to the rule-based fallback.
type AIClassifier interface {
	ClassifySourceType(ctx context.Context, domain, industry, description string) (model.SourceType, error)
}

// multiLabelTLDs are second-level-domain suffixes spec.md §4.7 calls out
// by example (co.uk); this is a small fixed list of the common ones seen
// in the corpus's target markets, not a full public-suffix-list import —
// no PSL library appears anywhere in the example pack.
var multiLabelTLDs = map[string]bool{
	"co.uk": true, "org.uk": true, "ac.uk": true, "gov.uk": true,
	"com.au": true, "net.au": true, "org.au": true,
	"co.nz": true, "co.jp": true, "co.za": true, "co.in": true,
	"com.br": true, "com.mx": true, "com.sg": true,
}

// NormalizeDomain strips scheme/www and lowercases, keeping the registrable
// domain (the last two labels, or three for a known multi-label TLD).
func NormalizeDomain(raw string) string {
	d := strings.TrimSpace(strings.ToLower(raw))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimSuffix(d, ".")

	labels := strings.Split(d, ".")
	if len(labels) <= 2 {
		return d
	}
	lastTwo := strings.Join(labels[len(labels)-2:], ".")
	if multiLabelTLDs[lastTwo] && len(labels) >= 3 {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return lastTwo
}

// hostOnly strips scheme/path but keeps any "www." label, unlike
// NormalizeDomain, so it can be compared against the registrable domain to
// decide whether the input was an alias worth recording.
func hostOnly(raw string) string {
	d := strings.TrimSpace(strings.ToLower(raw))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.TrimSuffix(d, ".")
}

// LeadingLabel returns a domain's first DNS label, used by the
// deterministic candidate-ranking fallback (e.g. "acme" for "acme.com").
func LeadingLabel(domain string) string {
	parts := strings.SplitN(domain, ".", 2)
	return parts[0]
}

// Config tunes the enrichment worker's concurrency and provider rate.
type Config struct {
	Concurrency      int
	RequestsPerSecond float64
}

// DefaultConfig mirrors spec.md §4.7's default bounded semaphore of 5-15.
func DefaultConfig() Config {
	return Config{Concurrency: 10, RequestsPerSecond: 5}
}

// Enricher resolves domains to CompanyProfile rows.
type Enricher struct {
	client     companyprovider.Client
	store      store.CompanyStore
	breaker    *resilience.CircuitBreaker
	retry      *resilience.Manager
	ranker     AIRanker
	classifier AIClassifier
	cfg        Config
	limiter    *rate.Limiter
	log        *zap.Logger

	mu    sync.Mutex
	cache map[string]*model.CompanyProfile
}

// New builds an Enricher. breaker/retry may be nil to call the provider
// unprotected (used by tests); ranker/classifier may be nil to always use
// the deterministic fallback paths.
func New(client companyprovider.Client, st store.CompanyStore, breaker *resilience.CircuitBreaker, retry *resilience.Manager, ranker AIRanker, classifier AIClassifier, cfg Config) *Enricher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	return &Enricher{
		client:     client,
		store:      st,
		breaker:    breaker,
		retry:      retry,
		ranker:     ranker,
		classifier: classifier,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(int(cfg.RequestsPerSecond), 1)),
		log:        zap.L().Named("enrich.company"),
		cache:      make(map[string]*model.CompanyProfile),
	}
}

// EnrichmentContext carries the run-level classification inputs spec.md
// §4.7 step 5 needs: which domain is owned, and which are competitors.
type EnrichmentContext struct {
	OwnedDomain       string
	CompetitorDomains map[string]bool
}

// EnrichOne resolves a single domain end to end: cache check, provider
// search+redeem, candidate ranking, classification, and upsert.
func (e *Enricher) EnrichOne(ctx context.Context, domain string, ec EnrichmentContext) (*model.CompanyProfile, error) {
	canonical := NormalizeDomain(domain)
	if canonical == "" {
		return nil, eris.New("enrich/company: empty domain after normalization")
	}

	if cached := e.fromCache(canonical); cached != nil {
		return cached, nil
	}
	if existing, err := e.store.GetCompanyByDomain(ctx, canonical); err != nil {
		return nil, eris.Wrapf(err, "enrich/company: lookup %s", canonical)
	} else if existing != nil {
		e.putCache(canonical, existing)
		return existing, nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "enrich/company: rate limiter")
	}

	candidates, err := resilience.ExecuteValWithRetry(ctx, e.breaker, e.retry, "company_search", canonical, nil,
		func(ctx context.Context) ([]model.CompanyCandidate, error) {
			return e.client.SearchCandidates(ctx, canonical)
		})
	if err != nil {
		return nil, eris.Wrapf(err, "enrich/company: search candidates for %s", canonical)
	}

	var providerID string
	if len(candidates) > 0 {
		idx, err := e.pickCandidate(ctx, canonical, candidates)
		if err != nil {
			e.log.Warn("candidate ranking failed, using fallback", zap.String("domain", canonical), zap.Error(err))
			idx = fallbackCandidateIndex(canonical, candidates)
		}
		providerID = candidates[idx].ProviderCompanyID
	}

	var details *companyprovider.CompanyDetails
	if providerID != "" {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "enrich/company: rate limiter")
		}
		details, err = resilience.ExecuteValWithRetry(ctx, e.breaker, e.retry, "company_redeem", canonical, nil,
			func(ctx context.Context) (*companyprovider.CompanyDetails, error) {
				return e.client.RedeemDetails(ctx, providerID)
			})
		if err != nil {
			return nil, eris.Wrapf(err, "enrich/company: redeem details for %s", canonical)
		}
	} else {
		details = &companyprovider.CompanyDetails{Domain: canonical}
	}

	sourceType := e.classify(ctx, canonical, details, ec)

	profile := model.CompanyProfile{
		Domain:               canonical,
		CompanyName:          details.Name,
		Industry:             details.Industry,
		SizeRange:            details.SizeRange,
		RevenueRange:         details.RevenueRange,
		Description:          details.Description,
		SourceType:           sourceType,
		ConfidenceScore:      confidenceFor(providerID, details),
		Technologies:         details.Technologies,
		SocialProfiles:       details.SocialProfiles,
		HeadquartersLocation: details.HeadquartersLocation,
		ParentDomain:         details.ParentDomain,
	}
	if err := e.store.UpsertCompanyProfile(ctx, profile); err != nil {
		return nil, eris.Wrapf(err, "enrich/company: upsert profile %s", canonical)
	}
	if aliasHost := hostOnly(domain); aliasHost != "" && aliasHost != canonical {
		alias := model.CompanyDomain{AliasDomain: aliasHost, CanonicalDomain: canonical}
		if err := e.store.UpsertCompanyDomainAlias(ctx, alias); err != nil {
			e.log.Warn("failed to upsert domain alias", zap.String("alias", alias.AliasDomain), zap.Error(err))
		}
	}

	e.putCache(canonical, &profile)
	e.log.Info("enriched company", zap.String("domain", canonical), zap.String("source_type", string(sourceType)))
	return &profile, nil
}

// EnrichMany runs EnrichOne over every domain with bounded concurrency.
func (e *Enricher) EnrichMany(ctx context.Context, domains []string, ec EnrichmentContext) (map[string]*model.CompanyProfile, []error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	var mu sync.Mutex
	results := make(map[string]*model.CompanyProfile, len(domains))
	var errs []error

	for _, d := range domains {
		d := d
		g.Go(func() error {
			profile, err := e.EnrichOne(gctx, d, ec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, eris.Wrapf(err, "domain %s", d))
				return nil
			}
			results[d] = profile
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func (e *Enricher) fromCache(domain string) *model.CompanyProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache[domain]
}

func (e *Enricher) putCache(domain string, p *model.CompanyProfile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[domain] = p
}

func (e *Enricher) pickCandidate(ctx context.Context, domain string, candidates []model.CompanyCandidate) (int, error) {
	if e.ranker != nil {
		idx, err := e.ranker.RankCandidate(ctx, domain, candidates)
		if err == nil && idx >= 0 && idx < len(candidates) {
			return idx, nil
		}
		if err != nil {
			return 0, err
		}
	}
	return fallbackCandidateIndex(domain, candidates), nil
}

// fallbackCandidateIndex prefers an operating brand over a holding company,
// and among remaining ties prefers a candidate whose name contains the
// domain's leading label, per spec.md §4.7 step 3.
func fallbackCandidateIndex(domain string, candidates []model.CompanyCandidate) int {
	label := strings.ToLower(LeadingLabel(domain))

	best := -1
	for i, c := range candidates {
		if c.IsHoldingCompany {
			continue
		}
		if strings.Contains(strings.ToLower(c.Name), label) {
			return i
		}
		if best == -1 {
			best = i
		}
	}
	if best != -1 {
		return best
	}
	return 0
}

func (e *Enricher) classify(ctx context.Context, domain string, details *companyprovider.CompanyDetails, ec EnrichmentContext) model.SourceType {
	if ec.OwnedDomain != "" && NormalizeDomain(ec.OwnedDomain) == domain {
		return model.SourceOwned
	}
	if ec.CompetitorDomains[domain] {
		return model.SourceCompetitor
	}
	if e.classifier != nil {
		if st, err := e.classifier.ClassifySourceType(ctx, domain, details.Industry, details.Description); err == nil && st != "" {
			return st
		}
	}
	return classifyBySuffixAndKeywords(domain, details.Industry)
}

var suffixSourceTypes = map[string]model.SourceType{
	".gov": model.SourceGovernment,
	".edu": model.SourceEducation,
	".org": model.SourceNonProfit,
}

var industryKeywordSourceTypes = []struct {
	keyword string
	source  model.SourceType
}{
	{"bank", model.SourceFinance},
	{"insurance", model.SourceFinance},
	{"capital", model.SourceFinance},
	{"software", model.SourceTechnology},
	{"technology", model.SourceTechnology},
	{"saas", model.SourceTechnology},
	{"publishing", model.SourcePremiumPublisher},
	{"media", model.SourcePremiumPublisher},
	{"association", model.SourceProfessionalBody},
	{"institute", model.SourceProfessionalBody},
}

// classifyBySuffixAndKeywords is the rule-based fallback for source_type
// classification: domain-suffix rules first, then industry keywords.
func classifyBySuffixAndKeywords(domain, industry string) model.SourceType {
	for suffix, st := range suffixSourceTypes {
		if strings.HasSuffix(domain, suffix) {
			return st
		}
	}
	lower := strings.ToLower(industry)
	for _, rule := range industryKeywordSourceTypes {
		if strings.Contains(lower, rule.keyword) {
			return rule.source
		}
	}
	return model.SourceOther
}

func confidenceFor(providerID string, details *companyprovider.CompanyDetails) float64 {
	if providerID == "" {
		return 0.3
	}
	if details.Name == "" {
		return 0.5
	}
	return 0.9
}
