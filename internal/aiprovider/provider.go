// Package aiprovider wraps pkg/anthropic with the single-call JSON-contract
// pattern the pipeline's AI-backed collaborators need: send a system+user
// prompt, get back a single JSON object, parse it into a typed result. It
// supplies the concrete AIRanker/AIClassifier/AIChannelClassifier
// implementations that internal/enrich/company and internal/enrich/video
// accept as optional collaborators, and a dimension-scoring call for
// internal/analyzer.
package aiprovider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/resilience"
	"github.com/sells-group/dsi-pipeline/pkg/anthropic"
)

// DefaultModel is used when a caller doesn't override it; a fast, cheap
// model is appropriate for the short classification/ranking prompts this
// package issues, matching the original's choice of a fast low-cost model
// for the same calls.
const DefaultModel = "claude-haiku-4-5-20251001"

// Provider issues single-turn JSON-contract requests against an
// anthropic.Client.
type Provider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	breaker   *resilience.CircuitBreaker
	retry     *resilience.Manager
	log       *zap.Logger
}

// New builds a Provider. model may be "" to use DefaultModel. breaker/retry
// may be nil to call the provider unprotected (used by tests).
func New(client anthropic.Client, model string, breaker *resilience.CircuitBreaker, retry *resilience.Manager) *Provider {
	if model == "" {
		model = DefaultModel
	}
	return &Provider{
		client:    client,
		model:     model,
		maxTokens: 1024,
		breaker:   breaker,
		retry:     retry,
		log:       zap.L().Named("aiprovider"),
	}
}

// AskJSON sends systemPrompt/userPrompt and unmarshals the model's reply
// into out, tolerating a markdown code-fenced response by extracting the
// outermost {...} span first, matching the original's own fence-stripping.
func (p *Provider) AskJSON(ctx context.Context, systemPrompt, userPrompt string, out any) error {
	temp := 0.1
	resp, err := resilience.ExecuteValWithRetry(ctx, p.breaker, p.retry, "ai_message", p.model, nil,
		func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return p.client.CreateMessage(ctx, anthropic.MessageRequest{
				Model:       p.model,
				MaxTokens:   p.maxTokens,
				Temperature: &temp,
				System:      []anthropic.SystemBlock{{Text: systemPrompt}},
				Messages:    []anthropic.Message{{Role: "user", Content: userPrompt}},
			})
		})
	if err != nil {
		return eris.Wrap(err, "aiprovider: create message")
	}

	text := concatText(resp.Content)
	jsonText := extractJSONObject(text)
	if jsonText == "" {
		return eris.Errorf("aiprovider: no JSON object found in response: %s", text)
	}
	if err := json.Unmarshal([]byte(jsonText), out); err != nil {
		return eris.Wrapf(err, "aiprovider: decode response %s", jsonText)
	}
	return nil
}

func concatText(blocks []anthropic.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// extractJSONObject returns the substring spanning the first "{" to the
// last "}" in text, or "" if neither is found. This tolerates the common
// ```json ... ``` wrapping the original's own markdown-fence handling
// works around.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return text[start : end+1]
}
