package company

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
	"github.com/sells-group/dsi-pipeline/pkg/companyprovider"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "company.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestNormalizeDomain_StripsSchemeWWWAndPath(t *testing.T) {
	assert.Equal(t, "acme.com", NormalizeDomain("https://www.acme.com/pricing"))
	assert.Equal(t, "acme.com", NormalizeDomain("ACME.COM"))
}

func TestNormalizeDomain_HandlesMultiLabelTLD(t *testing.T) {
	assert.Equal(t, "acme.co.uk", NormalizeDomain("https://shop.acme.co.uk/"))
	assert.Equal(t, "acme.com", NormalizeDomain("sub.acme.com"))
}

func TestLeadingLabel(t *testing.T) {
	assert.Equal(t, "acme", LeadingLabel("acme.com"))
}

func TestFallbackCandidateIndex_PrefersOperatingBrandOverHolding(t *testing.T) {
	candidates := []model.CompanyCandidate{
		{ProviderCompanyID: "1", Name: "Acme Holdings", Domain: "acme.com", IsHoldingCompany: true},
		{ProviderCompanyID: "2", Name: "Acme Corp", Domain: "acme.com", IsHoldingCompany: false},
	}
	idx := fallbackCandidateIndex("acme.com", candidates)
	assert.Equal(t, 1, idx)
}

func TestFallbackCandidateIndex_PrefersNameContainingLeadingLabel(t *testing.T) {
	candidates := []model.CompanyCandidate{
		{ProviderCompanyID: "1", Name: "Unrelated Inc", Domain: "acme.com"},
		{ProviderCompanyID: "2", Name: "Acme Software", Domain: "acme.com"},
	}
	idx := fallbackCandidateIndex("acme.com", candidates)
	assert.Equal(t, 1, idx)
}

func TestClassifyBySuffixAndKeywords(t *testing.T) {
	assert.Equal(t, model.SourceGovernment, classifyBySuffixAndKeywords("state.gov", ""))
	assert.Equal(t, model.SourceEducation, classifyBySuffixAndKeywords("university.edu", ""))
	assert.Equal(t, model.SourceFinance, classifyBySuffixAndKeywords("acme.com", "Regional Banking"))
	assert.Equal(t, model.SourceOther, classifyBySuffixAndKeywords("acme.com", ""))
}

func TestEnricher_EnrichOne_OwnedDomainClassifiesOwned(t *testing.T) {
	st := newTestStore(t)
	client := companyprovider.NewFake()
	e := New(client, st, nil, nil, nil, nil, DefaultConfig())

	profile, err := e.EnrichOne(context.Background(), "acme.com", EnrichmentContext{OwnedDomain: "acme.com"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceOwned, profile.SourceType)
}

func TestEnricher_EnrichOne_CompetitorDomainClassifiesCompetitor(t *testing.T) {
	st := newTestStore(t)
	client := companyprovider.NewFake()
	e := New(client, st, nil, nil, nil, nil, DefaultConfig())

	ec := EnrichmentContext{CompetitorDomains: map[string]bool{"rival.com": true}}
	profile, err := e.EnrichOne(context.Background(), "rival.com", ec)
	require.NoError(t, err)
	assert.Equal(t, model.SourceCompetitor, profile.SourceType)
}

func TestEnricher_EnrichOne_SearchesRedeemsAndUpserts(t *testing.T) {
	st := newTestStore(t)
	client := companyprovider.NewFake()
	client.SetCandidates("acme.com", []model.CompanyCandidate{
		{ProviderCompanyID: "co-1", Name: "Acme Corp", Domain: "acme.com"},
	})
	client.SetDetails("co-1", &companyprovider.CompanyDetails{
		Name: "Acme Corp", Domain: "acme.com", Industry: "Enterprise Software",
	})
	e := New(client, st, nil, nil, nil, nil, DefaultConfig())

	profile, err := e.EnrichOne(context.Background(), "acme.com", EnrichmentContext{})
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", profile.CompanyName)
	assert.Equal(t, model.SourceTechnology, profile.SourceType)

	got, err := st.GetCompanyByDomain(context.Background(), "acme.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Acme Corp", got.CompanyName)
}

func TestEnricher_EnrichOne_CachesSecondLookup(t *testing.T) {
	st := newTestStore(t)
	client := companyprovider.NewFake()
	client.SetCandidates("acme.com", []model.CompanyCandidate{{ProviderCompanyID: "co-1", Name: "Acme Corp"}})
	client.SetDetails("co-1", &companyprovider.CompanyDetails{Name: "Acme Corp"})
	e := New(client, st, nil, nil, nil, nil, DefaultConfig())

	_, err := e.EnrichOne(context.Background(), "acme.com", EnrichmentContext{})
	require.NoError(t, err)

	client.Candidates["acme.com"] = nil // prove the second call doesn't hit the provider again
	profile, err := e.EnrichOne(context.Background(), "acme.com", EnrichmentContext{})
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", profile.CompanyName)
}

func TestEnricher_EnrichOne_AliasDomainPersistedWhenDifferentFromCanonical(t *testing.T) {
	st := newTestStore(t)
	client := companyprovider.NewFake()
	e := New(client, st, nil, nil, nil, nil, DefaultConfig())

	_, err := e.EnrichOne(context.Background(), "https://www.acme.com/about", EnrichmentContext{})
	require.NoError(t, err)

	got, err := st.GetCompanyByDomain(context.Background(), "www.acme.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acme.com", got.Domain)
}

func TestEnricher_EnrichMany_ResolvesAllDomains(t *testing.T) {
	st := newTestStore(t)
	client := companyprovider.NewFake()
	e := New(client, st, nil, nil, nil, nil, DefaultConfig())

	results, errs := e.EnrichMany(context.Background(), []string{"a.com", "b.com", "c.com"}, EnrichmentContext{})
	assert.Empty(t, errs)
	assert.Len(t, results, 3)
}
