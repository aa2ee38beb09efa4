package model

import (
	"time"

	"github.com/google/uuid"
)

// ScrapeStatus is the outcome of attempting to fetch a URL's content.
type ScrapeStatus string

const (
	ScrapeStatusCompleted ScrapeStatus = "completed"
	ScrapeStatusFailed    ScrapeStatus = "failed"
)

// ScrapedContent is keyed by URL for upsert; failed attempts still persist
// a row so the analyzer can distinguish "not attempted" from "failed".
type ScrapedContent struct {
	URL                 string       `json:"url"`
	Domain              string       `json:"domain"`
	Title               string       `json:"title,omitempty"`
	Content             string       `json:"content,omitempty"`
	HTML                string       `json:"html,omitempty"`
	WordCount           int          `json:"word_count"`
	Status              ScrapeStatus `json:"status"`
	ErrorMessage        string       `json:"error_message,omitempty"`
	PipelineExecutionID *uuid.UUID   `json:"pipeline_execution_id,omitempty"`
	ScrapedAt           time.Time    `json:"scraped_at"`
}

// Qualifies reports whether a scrape result passes the quality gate: a
// completed fetch with at least 100 characters of content, per spec.md §8.
func (s ScrapedContent) Qualifies() bool {
	return s.Status == ScrapeStatusCompleted && len(s.Content) >= 100
}

// DimensionScore is one scored dimension within a ContentAnalysis row.
type DimensionScore struct {
	Dimension        string   `json:"dimension"`
	Score            float64  `json:"score"`
	Confidence       float64  `json:"confidence"`
	RelevantWords    int      `json:"relevant_words"`
	ScoringBreakdown []string `json:"scoring_breakdown,omitempty"`
	Rationale        string   `json:"rationale,omitempty"`
}

// ContentAnalysis is the AI-scored analysis of one URL within one project
// (dimension configuration context).
type ContentAnalysis struct {
	URL               string           `json:"url"`
	ProjectID         string           `json:"project_id"`
	Classification    string           `json:"classification,omitempty"`
	PersonaScore      float64          `json:"persona_score"`
	JTBDScore         float64          `json:"jtbd_score"`
	Mentions          map[string]any   `json:"mentions,omitempty"`
	SourceClassification string         `json:"source_classification,omitempty"`
	Sentiment         string           `json:"sentiment,omitempty"`
	Confidence        float64          `json:"confidence"`
	DimensionScores   []DimensionScore `json:"dimension_scores,omitempty"`
	AnalyzedAt        time.Time        `json:"analyzed_at"`
}
