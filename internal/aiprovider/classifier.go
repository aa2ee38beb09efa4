package aiprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

// SourceClassifier implements internal/enrich/company.AIClassifier,
// grounded on the original's "_classify_source_type" prompt: the caller
// has already ruled out OWNED/COMPETITOR by exact domain match, so this
// only needs to place the remaining company into the rest of the fixed
// source_type enumeration.
type SourceClassifier struct {
	provider *Provider
}

// NewSourceClassifier builds a SourceClassifier.
func NewSourceClassifier(p *Provider) *SourceClassifier {
	return &SourceClassifier{provider: p}
}

const classifierSystemPrompt = "You are an expert at analyzing company data and classifying content " +
	"sources for competitive intelligence analysis. Return only valid JSON."

type classifierResponse struct {
	SourceType string `json:"source_type"`
}

// ClassifySourceType returns "" to defer to the rule-based fallback when
// the model's answer isn't one of the known categories.
func (c *SourceClassifier) ClassifySourceType(ctx context.Context, domain, industry, description string) (model.SourceType, error) {
	if len(description) > 300 {
		description = description[:300]
	}
	prompt := fmt.Sprintf(`Classify this company's content source type.

DOMAIN: %s
INDUSTRY: %s
DESCRIPTION: %s

CLASSIFICATION OPTIONS:
- PREMIUM_PUBLISHER: media companies, news outlets, research firms, analysts
- PROFESSIONAL_BODY: industry associations, institutes, councils, standards bodies
- TECHNOLOGY: software, SaaS, technology vendors
- FINANCE: banks, insurers, investment firms
- EDUCATION: universities, academic institutions
- GOVERNMENT: government agencies, public sector, regulatory bodies
- NON_PROFIT: non-profits, foundations, charities
- SOCIAL_MEDIA: social media platforms, community sites
- OTHER: anything that doesn't clearly fit another category

Choose the MOST SPECIFIC category that applies. Return JSON: {"source_type": "ONE_OF_THE_ABOVE"}`,
		domain, industry, description)

	var out classifierResponse
	if err := c.provider.AskJSON(ctx, classifierSystemPrompt, prompt, &out); err != nil {
		return "", err
	}

	st := model.SourceType(strings.ToUpper(strings.TrimSpace(out.SourceType)))
	for _, valid := range model.AllSourceTypes() {
		if valid == st {
			return st, nil
		}
	}
	return "", nil
}
