// Package analyzer implements the Content Analyzer: for each scraped URL,
// produce a dimension-score vector over the client's configured generic
// dimensions, enforcing an evidence floor and contextual-rule additive
// adjustments on top of the raw AI score, per spec.md §4.8.
package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

// AIDimensionScorer produces a raw 0-10 score and the count of relevant
// words found in content for one dimension. An optional collaborator:
// when nil, AnalyzeURL falls back to a simple keyword-match heuristic.
type AIDimensionScorer interface {
	ScoreDimension(ctx context.Context, content string, dim model.DimensionConfig) (rawScore int, relevantWords int, rationale string, err error)
}

// Analyzer scores one URL's content against a set of configured dimensions.
type Analyzer struct {
	scorer AIDimensionScorer
}

// New builds an Analyzer. scorer may be nil to use the deterministic
// keyword-match fallback exclusively (useful in tests).
func New(scorer AIDimensionScorer) *Analyzer {
	return &Analyzer{scorer: scorer}
}

// AnalyzeURL scores content against every configured dimension and builds
// the resulting ContentAnalysis row. PersonaScore and JTBDScore are read
// back out of the dimension vector by name ("persona", "jtbd"), per
// spec.md §4.9's persona_relevance formula, which averages the "persona"
// dimension's score across an entity's pages — there is no separate
// persona-scoring code path.
func (a *Analyzer) AnalyzeURL(ctx context.Context, content model.ScrapedContent, project string, dims []model.DimensionConfig) (model.ContentAnalysis, error) {
	analysis := model.ContentAnalysis{
		URL:       content.URL,
		ProjectID: project,
	}

	var scores []model.DimensionScore
	for _, dim := range dims {
		score, err := a.scoreDimension(ctx, content.Content, dim)
		if err != nil {
			return model.ContentAnalysis{}, err
		}
		scores = append(scores, score)

		switch strings.ToLower(dim.Name) {
		case "persona":
			analysis.PersonaScore = score.Score
		case "jtbd":
			analysis.JTBDScore = score.Score
		}
	}
	analysis.DimensionScores = scores
	analysis.Confidence = averageConfidence(scores)

	return analysis, nil
}

// scoreDimension runs one dimension's full scoring pipeline: raw AI score,
// evidence floor, then contextual rule adjustments.
func (a *Analyzer) scoreDimension(ctx context.Context, content string, dim model.DimensionConfig) (model.DimensionScore, error) {
	raw, relevantWords, rationale, err := a.rawScore(ctx, content, dim)
	if err != nil {
		return model.DimensionScore{}, err
	}

	var breakdown []string
	breakdown = append(breakdown, fmt.Sprintf("base_score=%d", raw))

	score := float64(raw)
	if dim.MinWords > 0 && relevantWords < dim.MinWords {
		ceiling := dim.EvidenceCeiling
		if ceiling <= 0 {
			ceiling = 4
		}
		if score > ceiling {
			breakdown = append(breakdown, fmt.Sprintf(
				"evidence_floor: %d relevant words < min_words=%d, capped %.0f -> %.0f",
				relevantWords, dim.MinWords, score, ceiling))
			score = ceiling
		}
	}

	score, breakdown = applyContextualRules(score, content, dim.ContextualRules, breakdown)

	return model.DimensionScore{
		Dimension:        dim.Name,
		Score:            clamp(score, 0, 10),
		Confidence:       confidenceFromEvidence(relevantWords, dim.MinWords),
		RelevantWords:    relevantWords,
		ScoringBreakdown: breakdown,
		Rationale:        rationale,
	}, nil
}

// applyContextualRules applies each rule's additive adjustment in order,
// recording a human-readable entry in the breakdown for every rule that
// fires. A rule "fires" when its condition keyword appears in the content,
// a simple substring match standing in for the AI's own judgment of
// whether the rule's condition (e.g. "off_topic", "generic_language")
// applies — the full natural-language condition DSL is out of scope.
func applyContextualRules(score float64, content string, rules []model.ContextualRule, breakdown []string) (float64, []string) {
	lower := strings.ToLower(content)
	for _, rule := range rules {
		if rule.Condition != "" && !strings.Contains(lower, strings.ToLower(rule.Condition)) {
			continue
		}
		before := score
		switch rule.AdjustmentType {
		case model.AdjustmentCap:
			if score > rule.AdjustmentValue {
				score = rule.AdjustmentValue
			}
		case model.AdjustmentPenalty:
			score -= rule.AdjustmentValue
		case model.AdjustmentBonus:
			score += rule.AdjustmentValue
		}
		if score != before {
			breakdown = append(breakdown, fmt.Sprintf("%s (%s %.1f): %.1f -> %.1f",
				rule.Name, rule.AdjustmentType, rule.AdjustmentValue, before, score))
		}
	}
	return score, breakdown
}

// rawScore delegates to the AI scorer, falling back to a keyword-match
// heuristic when no scorer is configured.
func (a *Analyzer) rawScore(ctx context.Context, content string, dim model.DimensionConfig) (int, int, string, error) {
	if a.scorer != nil {
		return a.scorer.ScoreDimension(ctx, content, dim)
	}
	return fallbackScore(content, dim)
}

// fallbackScore counts positive-signal keyword occurrences as a rough
// stand-in for an AI judgment, used when no AIDimensionScorer is wired.
func fallbackScore(content string, dim model.DimensionConfig) (int, int, string, error) {
	lower := strings.ToLower(content)
	relevantWords := 0
	hits := 0
	for _, signal := range dim.PositiveSignals {
		signal = strings.ToLower(strings.TrimSpace(signal))
		if signal == "" {
			continue
		}
		if strings.Contains(lower, signal) {
			hits++
			relevantWords += len(strings.Fields(signal))
		}
	}
	relevantWords += len(strings.Fields(content)) / 20 // coarse relevance proxy

	score := 0
	switch {
	case hits >= 3:
		score = 8
	case hits == 2:
		score = 6
	case hits == 1:
		score = 4
	}
	return score, relevantWords, "keyword-match fallback", nil
}

func averageConfidence(scores []model.DimensionScore) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s.Confidence
	}
	return sum / float64(len(scores))
}

func confidenceFromEvidence(relevantWords, minWords int) float64 {
	if minWords <= 0 {
		return 8
	}
	ratio := float64(relevantWords) / float64(minWords)
	if ratio >= 1 {
		return 9
	}
	return clamp(ratio*9, 0, 9)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
