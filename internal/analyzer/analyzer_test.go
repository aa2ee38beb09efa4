package analyzer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

type fakeScorer struct {
	score         int
	relevantWords int
}

func (f fakeScorer) ScoreDimension(_ context.Context, _ string, _ model.DimensionConfig) (int, int, string, error) {
	return f.score, f.relevantWords, "fake", nil
}

func TestAnalyzeURL_EvidenceFloorCaps(t *testing.T) {
	a := New(fakeScorer{score: 8, relevantWords: 50})
	dim := model.DimensionConfig{Name: "persona", MinWords: 120, EvidenceCeiling: 4}

	result, err := a.AnalyzeURL(context.Background(), model.ScrapedContent{URL: "https://acme.com"}, "proj-1", []model.DimensionConfig{dim})
	require.NoError(t, err)
	require.Len(t, result.DimensionScores, 1)
	assert.Equal(t, 4.0, result.DimensionScores[0].Score)
	assert.Equal(t, 4.0, result.PersonaScore)
	assert.Contains(t, result.DimensionScores[0].ScoringBreakdown[len(result.DimensionScores[0].ScoringBreakdown)-1], "evidence_floor")
}

func TestAnalyzeURL_SufficientEvidenceNoCap(t *testing.T) {
	a := New(fakeScorer{score: 8, relevantWords: 200})
	dim := model.DimensionConfig{Name: "jtbd", MinWords: 120, EvidenceCeiling: 4}

	result, err := a.AnalyzeURL(context.Background(), model.ScrapedContent{URL: "https://acme.com"}, "proj-1", []model.DimensionConfig{dim})
	require.NoError(t, err)
	assert.Equal(t, 8.0, result.DimensionScores[0].Score)
	assert.Equal(t, 8.0, result.JTBDScore)
}

func TestAnalyzeURL_ContextualRuleCap(t *testing.T) {
	a := New(fakeScorer{score: 9, relevantWords: 300})
	dim := model.DimensionConfig{
		Name:     "relevance",
		MinWords: 0,
		ContextualRules: []model.ContextualRule{
			{Name: "off_topic_cap", Condition: "unrelated", AdjustmentType: model.AdjustmentCap, AdjustmentValue: 3},
		},
	}

	result, err := a.AnalyzeURL(context.Background(), model.ScrapedContent{URL: "https://acme.com", Content: "this page is unrelated to the topic"}, "proj-1", []model.DimensionConfig{dim})
	require.NoError(t, err)
	assert.Equal(t, 3.0, result.DimensionScores[0].Score)
}

func TestAnalyzeURL_ContextualRuleNotTriggered(t *testing.T) {
	a := New(fakeScorer{score: 9, relevantWords: 300})
	dim := model.DimensionConfig{
		Name: "relevance",
		ContextualRules: []model.ContextualRule{
			{Name: "off_topic_cap", Condition: "unrelated", AdjustmentType: model.AdjustmentCap, AdjustmentValue: 3},
		},
	}

	result, err := a.AnalyzeURL(context.Background(), model.ScrapedContent{URL: "https://acme.com", Content: "a perfectly on topic article"}, "proj-1", []model.DimensionConfig{dim})
	require.NoError(t, err)
	assert.Equal(t, 9.0, result.DimensionScores[0].Score)
}

func TestAnalyzeURL_PenaltyAndBonus(t *testing.T) {
	a := New(fakeScorer{score: 5, relevantWords: 300})
	dim := model.DimensionConfig{
		Name: "relevance",
		ContextualRules: []model.ContextualRule{
			{Name: "generic_language", Condition: "generic", AdjustmentType: model.AdjustmentPenalty, AdjustmentValue: 2},
			{Name: "named_entities", Condition: "acme", AdjustmentType: model.AdjustmentBonus, AdjustmentValue: 1},
		},
	}

	result, err := a.AnalyzeURL(context.Background(), model.ScrapedContent{URL: "https://acme.com", Content: "generic content mentions acme corp"}, "proj-1", []model.DimensionConfig{dim})
	require.NoError(t, err)
	assert.Equal(t, 4.0, result.DimensionScores[0].Score) // 5 - 2 + 1
}

func TestAnalyzeURL_NilScorerFallback(t *testing.T) {
	a := New(nil)
	dim := model.DimensionConfig{
		Name:            "technology",
		PositiveSignals: []string{"machine learning", "tensorflow", "neural networks"},
	}

	result, err := a.AnalyzeURL(context.Background(), model.ScrapedContent{
		URL:     "https://acme.com",
		Content: "This uses machine learning and tensorflow for neural networks based inference.",
	}, "proj-1", []model.DimensionConfig{dim})
	require.NoError(t, err)
	assert.Equal(t, 8.0, result.DimensionScores[0].Score)
}

func TestAnalyzeURL_MultipleDimensionsConfidenceAveraged(t *testing.T) {
	a := New(fakeScorer{score: 6, relevantWords: 120})
	dims := []model.DimensionConfig{
		{Name: "persona", MinWords: 100},
		{Name: "jtbd", MinWords: 200},
	}

	result, err := a.AnalyzeURL(context.Background(), model.ScrapedContent{URL: "https://acme.com"}, "proj-1", dims)
	require.NoError(t, err)
	require.Len(t, result.DimensionScores, 2)
	assert.Greater(t, result.Confidence, 0.0)
}
