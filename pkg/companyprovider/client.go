// Package companyprovider abstracts the company-enrichment API: a
// domain-keyed candidate search followed by a separate redeem-by-id call
// for full company details, matching spec.md §4.7's two-step protocol.
package companyprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

const defaultBaseURL = "https://api.companyenrich.example.com/v1"

// CompanyDetails is the full record returned by RedeemDetails.
type CompanyDetails struct {
	Name                 string            `json:"name"`
	Domain               string            `json:"domain"`
	Industry             string            `json:"industry"`
	SizeRange            string            `json:"size_range"`
	RevenueRange         string            `json:"revenue_range"`
	Description          string            `json:"description"`
	Technologies         []string          `json:"technologies"`
	SocialProfiles       map[string]string `json:"social_profiles"`
	HeadquartersLocation string            `json:"headquarters_location"`
	IsHoldingCompany     bool              `json:"is_holding_company"`
	ParentDomain         string            `json:"parent_domain"`
}

// Client performs the search-then-redeem company enrichment protocol.
type Client interface {
	SearchCandidates(ctx context.Context, domain string) ([]model.CompanyCandidate, error)
	RedeemDetails(ctx context.Context, providerCompanyID string) (*CompanyDetails, error)
}

// Option configures the HTTP client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against the company enrichment REST API.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SearchCandidates(ctx context.Context, domain string) ([]model.CompanyCandidate, error) {
	u := fmt.Sprintf("%s/companies/search?%s", c.baseURL, url.Values{"domain": {domain}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "companyprovider: build search request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "companyprovider: search candidates for %s", domain)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "companyprovider: read search response")
	}
	if resp.StatusCode >= 300 {
		return nil, eris.Errorf("companyprovider: search status %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		Companies []model.CompanyCandidate `json:"companies"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, eris.Wrap(err, "companyprovider: decode search response")
	}
	return out.Companies, nil
}

func (c *httpClient) RedeemDetails(ctx context.Context, providerCompanyID string) (*CompanyDetails, error) {
	u := fmt.Sprintf("%s/companies/%s", c.baseURL, providerCompanyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "companyprovider: build redeem request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "companyprovider: redeem details for %s", providerCompanyID)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "companyprovider: read redeem response")
	}
	if resp.StatusCode >= 300 {
		return nil, eris.Errorf("companyprovider: redeem status %d: %s", resp.StatusCode, string(b))
	}

	var details CompanyDetails
	if err := json.Unmarshal(b, &details); err != nil {
		return nil, eris.Wrap(err, "companyprovider: decode redeem response")
	}
	return &details, nil
}
