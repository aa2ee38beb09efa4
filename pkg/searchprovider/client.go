// Package searchprovider abstracts the batch search API used by the SERP
// Batch Collector: create a batch, add searches to it, start it, poll it,
// and fetch its results. One real implementation talks to Scale SERP's REST
// API; tests substitute a fake.
package searchprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.scaleserp.com/batches"

// SearchParams is one search within a batch, or a standalone synchronous
// search request.
type SearchParams struct {
	Query         string `json:"q"`
	Location      string `json:"location"`
	GL            string `json:"gl"`
	HL            string `json:"hl"`
	Device        string `json:"device"`
	Num           int    `json:"num"`
	Output        string `json:"output"`
	CustomID      string `json:"custom_id,omitempty"`
	SearchType    string `json:"search_type,omitempty"`
	TimePeriod    string `json:"time_period,omitempty"`
	TimePeriodMin string `json:"time_period_min,omitempty"`
	TimePeriodMax string `json:"time_period_max,omitempty"`
	IncludeHTML   bool   `json:"include_html,omitempty"`
}

// BatchConfig configures a new batch at creation time.
type BatchConfig struct {
	Name                  string
	ScheduleType          string // manual|daily|weekly|monthly
	ScheduleHours         []int
	ScheduleDaysOfWeek    []int
	ScheduleDaysOfMonth   []int
	NotificationWebhook   string
	NotificationEmail     string
}

// ResultSetRef identifies one downloadable page of batch results.
type ResultSetRef struct {
	ID int `json:"id"`
}

// BatchInfo is a batch's current status as reported by the provider.
type BatchInfo struct {
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	SearchesTotalCount int            `json:"searches_total_count"`
	ResultsCount       int            `json:"results_count"`
	ResultSets         []ResultSetRef `json:"result_sets"`
}

// SearchResult is one normalized organic/news/video hit from a synchronous
// search or a parsed batch result row.
type SearchResult struct {
	Position       int    `json:"position"`
	Title          string `json:"title"`
	Link           string `json:"link"`
	Domain         string `json:"domain"`
	Snippet        string `json:"snippet,omitempty"`
	Source         string `json:"source,omitempty"`
	Date           string `json:"date,omitempty"`
	Thumbnail      string `json:"thumbnail,omitempty"`
	Duration       string `json:"duration,omitempty"`
	Length         int    `json:"length,omitempty"`
	Platform       string `json:"platform,omitempty"`
	ChannelLink    string `json:"channel_link,omitempty"`
}

// SearchResponse is the result of one synchronous (non-batch) search call.
type SearchResponse struct {
	OrganicResults []SearchResult `json:"organic_results"`
	NewsResults    []SearchResult `json:"news_results"`
	VideoResults   []SearchResult `json:"video_results"`
	TotalResults   int            `json:"total_results"`
}

// Client performs batch lifecycle operations plus a synchronous fallback
// search, against the external SERP provider's REST API.
type Client interface {
	CreateBatch(ctx context.Context, cfg BatchConfig) (string, error)
	AddSearches(ctx context.Context, batchID string, searches []SearchParams) error
	StartBatch(ctx context.Context, batchID string) error
	GetBatch(ctx context.Context, batchID string) (*BatchInfo, error)
	FetchResultsCSV(ctx context.Context, batchID string, resultSetID int) (string, error)
	Search(ctx context.Context, params SearchParams) (*SearchResponse, error)
}

// MaxSearchesPerRequest is the provider's documented per-request limit on
// searches added to a batch in one call; larger sets are chunked.
const MaxSearchesPerRequest = 1000

// ErrBatchNotFound is returned by GetBatch for an unknown batch ID.
var ErrBatchNotFound = eris.New("searchprovider: batch not found")

// Option configures the HTTP client.
type Option func(*httpClient)

// WithBaseURL overrides the default batch API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient overrides the default http.Client (e.g. for a 30s timeout
// matching the original's httpx.AsyncClient(timeout=30.0)).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against the Scale-SERP-shaped batch API.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) CreateBatch(ctx context.Context, cfg BatchConfig) (string, error) {
	body := map[string]any{
		"name":         cfg.Name,
		"enabled":      true,
		"schedule_type": cfg.ScheduleType,
		"priority":     "normal",
	}
	if cfg.NotificationEmail != "" {
		body["notification_email"] = cfg.NotificationEmail
	}
	if cfg.NotificationWebhook != "" {
		body["notification_webhook"] = cfg.NotificationWebhook
		body["notification_as_json"] = true
		body["notification_as_csv"] = true
	}
	if len(cfg.ScheduleHours) > 0 {
		body["schedule_hours"] = cfg.ScheduleHours
	}
	if len(cfg.ScheduleDaysOfWeek) > 0 {
		body["schedule_days_of_week"] = cfg.ScheduleDaysOfWeek
	}
	if len(cfg.ScheduleDaysOfMonth) > 0 {
		body["schedule_days_of_month"] = cfg.ScheduleDaysOfMonth
	}

	var resp struct {
		ID    string `json:"id"`
		Batch struct {
			ID string `json:"id"`
		} `json:"batch"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL, nil, body, &resp); err != nil {
		return "", eris.Wrap(err, "searchprovider: create batch")
	}
	if resp.Batch.ID != "" {
		return resp.Batch.ID, nil
	}
	if resp.ID != "" {
		return resp.ID, nil
	}
	return "", eris.New("searchprovider: create batch response had no batch id")
}

// AddSearches uploads searches to an existing batch, chunking at
// MaxSearchesPerRequest since the provider rejects larger single requests.
func (c *httpClient) AddSearches(ctx context.Context, batchID string, searches []SearchParams) error {
	for i := 0; i < len(searches); i += MaxSearchesPerRequest {
		end := i + MaxSearchesPerRequest
		if end > len(searches) {
			end = len(searches)
		}
		chunk := searches[i:end]
		body := map[string]any{"searches": chunk}
		if err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("%s/%s", c.baseURL, batchID), nil, body, nil); err != nil {
			return eris.Wrapf(err, "searchprovider: add searches chunk %d-%d to batch %s", i, end, batchID)
		}
	}
	return nil
}

func (c *httpClient) StartBatch(ctx context.Context, batchID string) error {
	u := fmt.Sprintf("%s/%s/start", c.baseURL, batchID)
	if err := c.doJSON(ctx, http.MethodGet, u, nil, nil, nil); err != nil {
		return eris.Wrapf(err, "searchprovider: start batch %s", batchID)
	}
	return nil
}

func (c *httpClient) GetBatch(ctx context.Context, batchID string) (*BatchInfo, error) {
	var resp struct {
		Batch BatchInfo `json:"batch"`
	}
	u := fmt.Sprintf("%s/%s", c.baseURL, batchID)
	if err := c.doJSON(ctx, http.MethodGet, u, nil, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "searchprovider: get batch %s", batchID)
	}
	return &resp.Batch, nil
}

func (c *httpClient) FetchResultsCSV(ctx context.Context, batchID string, resultSetID int) (string, error) {
	u := fmt.Sprintf("%s/%s/result_sets/%d/results", c.baseURL, batchID, resultSetID)
	req, err := c.newRequest(ctx, http.MethodGet, u, url.Values{"format": {"csv"}}, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "searchprovider: fetch results batch %s set %d", batchID, resultSetID)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "searchprovider: read results body")
	}
	if resp.StatusCode >= 300 {
		return "", eris.Errorf("searchprovider: fetch results status %d: %s", resp.StatusCode, string(b))
	}
	return string(b), nil
}

func (c *httpClient) Search(ctx context.Context, params SearchParams) (*SearchResponse, error) {
	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("location", params.Location)
	q.Set("gl", params.GL)
	if params.HL != "" {
		q.Set("hl", params.HL)
	}
	if params.Device != "" {
		q.Set("device", params.Device)
	}
	if params.SearchType != "" {
		q.Set("search_type", params.SearchType)
	}
	if params.TimePeriod != "" {
		q.Set("time_period", params.TimePeriod)
	}
	if params.TimePeriodMin != "" {
		q.Set("time_period_min", params.TimePeriodMin)
	}
	if params.TimePeriodMax != "" {
		q.Set("time_period_max", params.TimePeriodMax)
	}
	q.Set("output", "json")

	var resp SearchResponse
	searchURL := "https://api.scaleserp.com/search"
	req, err := c.newRequest(ctx, http.MethodGet, searchURL, q, nil)
	if err != nil {
		return nil, err
	}
	hresp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "searchprovider: search request")
	}
	defer hresp.Body.Close()
	if hresp.StatusCode >= 300 {
		b, _ := io.ReadAll(hresp.Body)
		return nil, eris.Errorf("searchprovider: search status %d: %s", hresp.StatusCode, string(b))
	}
	if err := json.NewDecoder(hresp.Body).Decode(&resp); err != nil {
		return nil, eris.Wrap(err, "searchprovider: decode search response")
	}
	return &resp, nil
}

func (c *httpClient) newRequest(ctx context.Context, method, rawURL string, query url.Values, body []byte) (*http.Request, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)
	full := rawURL + "?" + query.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return nil, eris.Wrap(err, "searchprovider: build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *httpClient) doJSON(ctx context.Context, method, rawURL string, query url.Values, reqBody any, respBody any) error {
	var bodyBytes []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return eris.Wrap(err, "searchprovider: encode request body")
		}
		bodyBytes = b
	}
	req, err := c.newRequest(ctx, method, rawURL, query, bodyBytes)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "searchprovider: do request")
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "searchprovider: read response body")
	}
	if resp.StatusCode >= 300 {
		return eris.Errorf("searchprovider: status %d: %s", resp.StatusCode, string(b))
	}
	if respBody != nil && len(b) > 0 {
		if err := json.Unmarshal(b, respBody); err != nil {
			return eris.Wrap(err, "searchprovider: decode response body")
		}
	}
	return nil
}
