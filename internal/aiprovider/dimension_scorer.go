package aiprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

// DimensionScorer implements internal/analyzer.AIDimensionScorer, grounded
// on generic_prompt_generator.py's evidence-requirements and
// contextual-rules prompt sections: it asks the model for a raw 0-10 score
// plus its own count of relevant words, and leaves the evidence-floor cap
// and contextual-rule adjustments to the caller.
type DimensionScorer struct {
	provider *Provider
}

// NewDimensionScorer builds a DimensionScorer.
func NewDimensionScorer(p *Provider) *DimensionScorer {
	return &DimensionScorer{provider: p}
}

const dimensionSystemPrompt = "You are an expert content analyst scoring web page content against a " +
	"configured evaluation dimension. Return only valid JSON."

type dimensionResponse struct {
	Score         int    `json:"score"`
	RelevantWords int    `json:"relevant_words"`
	Rationale     string `json:"rationale"`
}

// ScoreDimension asks the model to rate content 0-10 against dim and to
// count the words it found relevant to the dimension's criteria.
func (d *DimensionScorer) ScoreDimension(ctx context.Context, content string, dim model.DimensionConfig) (int, int, string, error) {
	if len(content) > 8000 {
		content = content[:8000]
	}

	var signals string
	if len(dim.PositiveSignals) > 0 {
		signals = "POSITIVE SIGNALS: " + strings.Join(dim.PositiveSignals, ", ")
	}

	prompt := fmt.Sprintf(`Evaluate this content against the "%s" dimension.

DIMENSION: %s
WHAT COUNTS: %s
%s

CONTENT:
%s

Score the content 0-10 on how strongly it satisfies this dimension, count
the number of words in the content that are actually relevant evidence for
your score, and briefly explain your reasoning.

Return JSON: {"score": 0-10, "relevant_words": N, "rationale": "brief explanation"}`,
		dim.Name, dim.Description, dim.WhatCounts, signals, content)

	var out dimensionResponse
	if err := d.provider.AskJSON(ctx, dimensionSystemPrompt, prompt, &out); err != nil {
		return 0, 0, "", err
	}

	score := out.Score
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score, out.RelevantWords, out.Rationale, nil
}
