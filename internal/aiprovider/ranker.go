package aiprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

// CompanyRanker implements internal/enrich/company.AIRanker by asking the
// model to pick the candidate most aligned with the domain's brand,
// grounded on the original's "_select_best_company_match" prompt: prefer
// the operating brand over a holding company or parent.
type CompanyRanker struct {
	provider *Provider
}

// NewCompanyRanker builds a CompanyRanker.
func NewCompanyRanker(p *Provider) *CompanyRanker {
	return &CompanyRanker{provider: p}
}

const rankerSystemPrompt = "You are an expert at identifying which company profile best represents a " +
	"domain's brand identity. Focus on operating brands over financial ownership or parent companies. " +
	"Always return valid JSON."

type rankerResponse struct {
	SelectedCompanyNumber int    `json:"selected_company_number"`
	Reasoning             string `json:"reasoning"`
}

// RankCandidate returns -1 (defer to fallback) if it cannot confidently
// parse a selection out of the model's response.
func (r *CompanyRanker) RankCandidate(ctx context.Context, domain string, candidates []model.CompanyCandidate) (int, error) {
	if len(candidates) <= 1 {
		return 0, nil
	}

	var sb strings.Builder
	for i, c := range candidates {
		kind := "operating company"
		if c.IsHoldingCompany {
			kind = "holding company / financial parent"
		}
		fmt.Fprintf(&sb, "\nCompany %d:\n- Name: %s\n- Domain: %s\n- Type: %s\n", i+1, c.Name, c.Domain, kind)
	}

	prompt := fmt.Sprintf(`This domain %q has returned %d associated company profiles. Select the
profile that is MOST ALIGNED with the domain's brand.

SELECTION GUIDELINES:
1. Prioritize the OPERATING COMPANY/BRAND over holding companies, investors, or parent corporations.
2. Choose the company whose brand name is most directly associated with the domain.
3. For well-known brands, choose the brand itself over its corporate parent.

COMPANY PROFILES AVAILABLE:
%s

Return JSON with: {"selected_company_number": 1-%d, "reasoning": "brief explanation"}`,
		domain, len(candidates), sb.String(), len(candidates))

	var out rankerResponse
	if err := r.provider.AskJSON(ctx, rankerSystemPrompt, prompt, &out); err != nil {
		return -1, err
	}
	idx := out.SelectedCompanyNumber - 1
	if idx < 0 || idx >= len(candidates) {
		return -1, nil
	}
	return idx, nil
}
