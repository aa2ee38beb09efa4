package aiprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/dsi-pipeline/internal/enrich/video"
	"github.com/sells-group/dsi-pipeline/internal/model"
)

// ChannelClassifier implements internal/enrich/video.AIChannelClassifier:
// infer a company identity from a video channel's title, description, and
// a sample of its video titles, per spec.md §4.7.
type ChannelClassifier struct {
	provider *Provider
}

// NewChannelClassifier builds a ChannelClassifier.
func NewChannelClassifier(p *Provider) *ChannelClassifier {
	return &ChannelClassifier{provider: p}
}

const channelSystemPrompt = "You are an expert at identifying which company or brand operates a " +
	"YouTube channel from its public metadata. Return only valid JSON."

type channelResponse struct {
	CompanyName   string  `json:"company_name"`
	CompanyDomain string  `json:"company_domain"`
	ChannelType   string  `json:"channel_type"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
}

// ClassifyChannel returns a zero-value mapping (CompanyDomain == "") to
// defer to the rule-based fallback when it can't confidently identify a
// company.
func (c *ChannelClassifier) ClassifyChannel(ctx context.Context, info video.ChannelInfo) (model.ChannelCompanyMapping, error) {
	samples := strings.Join(info.SampleVideoTitles, "; ")
	prompt := fmt.Sprintf(`Identify the company or brand behind this YouTube channel.

CHANNEL TITLE: %s
CHANNEL DESCRIPTION: %s
CUSTOM URL / HANDLE: %s
SAMPLE VIDEO TITLES: %s

CHANNEL TYPE OPTIONS: brand_channel, news_media, influencer, educational, other

Return JSON: {"company_name": "...", "company_domain": "example.com", "channel_type": "one of the options above",
"confidence": 0.0-1.0, "reasoning": "brief explanation"}. If you cannot identify a company with
reasonable confidence, return an empty company_domain.`,
		info.ChannelTitle, info.ChannelDescription, info.CustomURL, samples)

	var out channelResponse
	if err := c.provider.AskJSON(ctx, channelSystemPrompt, prompt, &out); err != nil {
		return model.ChannelCompanyMapping{}, err
	}
	if out.CompanyDomain == "" {
		return model.ChannelCompanyMapping{}, nil
	}

	return model.ChannelCompanyMapping{
		ChannelID:     info.ChannelID,
		CompanyName:   out.CompanyName,
		CompanyDomain: strings.ToLower(strings.TrimSpace(out.CompanyDomain)),
		ChannelType:   out.ChannelType,
		Confidence:    out.Confidence,
		Reasoning:     out.Reasoning,
	}, nil
}
