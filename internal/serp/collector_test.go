package serp

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
	"github.com/sells-group/dsi-pipeline/pkg/searchprovider"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestLocationName_KnownAndUnknownRegions(t *testing.T) {
	assert.Equal(t, "United States", LocationName("US"))
	assert.Equal(t, "United Kingdom", LocationName("uk"))
	assert.Equal(t, "ZZ", LocationName("ZZ"))
}

func TestSearchType_MapsContentTypes(t *testing.T) {
	assert.Equal(t, "web", SearchType(model.ContentTypeOrganic))
	assert.Equal(t, "news", SearchType(model.ContentTypeNews))
	assert.Equal(t, "videos", SearchType(model.ContentTypeVideo))
}

func TestExtractDomain_StripsSchemeAndWWW(t *testing.T) {
	assert.Equal(t, "example.com", ExtractDomain("https://www.example.com/page"))
	assert.Equal(t, "example.com", ExtractDomain("http://example.com"))
	assert.Equal(t, "", ExtractDomain("::not a url::"))
}

func TestCollector_CreateBatchOnly_UploadsSearchesAndStarts(t *testing.T) {
	st := newTestStore(t)
	fake := searchprovider.NewFake()
	c := New(fake, st, nil, nil, DefaultConfig())

	runID := uuid.New()
	reqs := []BatchRequest{
		{Keyword: "crm software", KeywordID: "kw-1", Region: "US", ContentType: model.ContentTypeOrganic},
		{Keyword: "crm software", KeywordID: "kw-1", Region: "UK", ContentType: model.ContentTypeOrganic},
	}

	batch, err := c.CreateBatchOnly(context.Background(), runID, reqs, model.ContentTypeOrganic, model.Schedule{Frequency: "daily"})
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, model.BatchStatusRunning, batch.Status)

	info, err := fake.GetBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, info.SearchesTotalCount)
	assert.Equal(t, "idle", info.Status)
}

func TestCollector_CreateBatchOnly_NoKeywordsIsNoop(t *testing.T) {
	st := newTestStore(t)
	fake := searchprovider.NewFake()
	c := New(fake, st, nil, nil, DefaultConfig())

	batch, err := c.CreateBatchOnly(context.Background(), uuid.New(), nil, model.ContentTypeOrganic, model.Schedule{})
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestCollector_CreateBatchOnly_VideoAppendsYoutubeSiteFilter(t *testing.T) {
	st := newTestStore(t)
	fake := searchprovider.NewFake()
	c := New(fake, st, nil, nil, DefaultConfig())

	reqs := []BatchRequest{{Keyword: "acme corp", KeywordID: "kw-2", Region: "US", ContentType: model.ContentTypeVideo}}
	batch, err := c.CreateBatchOnly(context.Background(), uuid.New(), reqs, model.ContentTypeVideo, model.Schedule{})
	require.NoError(t, err)
	require.NotNil(t, batch)

	got := fake.Searches[batch.ID]
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Query, "site:youtube.com")
	assert.Equal(t, "videos", got[0].SearchType)
}

func TestCollector_IngestCSV_ParsesRowsAndUpserts(t *testing.T) {
	st := newTestStore(t)
	fake := searchprovider.NewFake()
	c := New(fake, st, nil, nil, DefaultConfig())
	runID := uuid.New()

	requests := []BatchRequest{
		{Keyword: "crm software", KeywordID: "kw-1", Region: "US", ContentType: model.ContentTypeOrganic},
	}
	csvContent := "custom_id,search.q,result.organic_results.link,result.organic_results.title,result.organic_results.position,gl\n" +
		"crm software_US_organic,crm software,https://www.salesforce.com/crm,Salesforce CRM,1,us\n"

	result, err := c.IngestCSV(context.Background(), runID, model.ContentTypeOrganic, csvContent, requests)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stored)
	assert.Equal(t, 0, result.Failed)
	assert.Contains(t, result.UniqueDomains, "salesforce.com")

	count, err := st.CountSerpResults(context.Background(), runID, model.ContentTypeOrganic)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCollector_IngestCSV_SkipsRowsWithoutLink(t *testing.T) {
	st := newTestStore(t)
	fake := searchprovider.NewFake()
	c := New(fake, st, nil, nil, DefaultConfig())

	csvContent := "custom_id,search.q,result.organic_results.link\ncrm software_US_organic,crm software,\n"
	result, err := c.IngestCSV(context.Background(), uuid.New(), model.ContentTypeOrganic, csvContent, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Stored)
	assert.Equal(t, 1, result.Failed)
}

func TestCollector_IngestCSV_EmptyContentIsNoop(t *testing.T) {
	st := newTestStore(t)
	fake := searchprovider.NewFake()
	c := New(fake, st, nil, nil, DefaultConfig())

	result, err := c.IngestCSV(context.Background(), uuid.New(), model.ContentTypeOrganic, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Stored)
}

func TestCollector_MonitorBatch_PollsUntilReadyThenIngests(t *testing.T) {
	st := newTestStore(t)
	fake := searchprovider.NewFake()
	cfg := DefaultConfig()
	cfg.PollInitial = time.Millisecond
	cfg.PollCap = 2 * time.Millisecond
	cfg.PollTimeout = 2 * time.Second
	c := New(fake, st, nil, nil, cfg)

	runID := uuid.New()
	reqs := []BatchRequest{{Keyword: "crm software", KeywordID: "kw-1", Region: "US", ContentType: model.ContentTypeOrganic}}
	batch, err := c.CreateBatchOnly(context.Background(), runID, reqs, model.ContentTypeOrganic, model.Schedule{})
	require.NoError(t, err)

	fake.SetCSV(batch.ID, 1, "custom_id,search.q,result.organic_results.link,result.organic_results.position\n"+
		"crm software_US_organic,crm software,https://example.com/a,1\n")
	fake.SetBatchReady(batch.ID, 1, []searchprovider.ResultSetRef{{ID: 1}})

	res, err := c.MonitorBatch(context.Background(), runID, batch, reqs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StoredCount)
}

func TestCollector_ProcessWebhookBatch_IngestsGivenResultSet(t *testing.T) {
	st := newTestStore(t)
	fake := searchprovider.NewFake()
	c := New(fake, st, nil, nil, DefaultConfig())
	runID := uuid.New()

	fake.SetCSV("batch-webhook", 7, "custom_id,search.q,result.organic_results.link\ncrm software_US_organic,crm software,https://example.com/b\n")

	reqs := []BatchRequest{{Keyword: "crm software", KeywordID: "kw-1", Region: "US", ContentType: model.ContentTypeOrganic}}
	result, err := c.ProcessWebhookBatch(context.Background(), runID, model.ContentTypeOrganic, "batch-webhook", 7, reqs)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stored)
}
