package model

import (
	"time"

	"github.com/google/uuid"
)

// ContentType is the SERP result category spec.md §3 calls serp_type.
type ContentType string

const (
	ContentTypeOrganic ContentType = "organic"
	ContentTypeNews    ContentType = "news"
	ContentTypeVideo   ContentType = "video"
)

// SerpResult is a single ranked search result, unique per (keyword_id,
// search_date, location, serp_type, url).
type SerpResult struct {
	ID                  uuid.UUID      `json:"id"`
	KeywordID           string         `json:"keyword_id"`
	Keyword             string         `json:"keyword"`
	SearchDate           time.Time     `json:"search_date"`
	Location            string         `json:"location"`
	SerpType             ContentType   `json:"serp_type"`
	URL                  string        `json:"url"`
	Position             int           `json:"position"`
	Title                string        `json:"title"`
	Snippet              string        `json:"snippet,omitempty"`
	Domain               string        `json:"domain"`
	ProviderMetadata     map[string]any `json:"provider_metadata,omitempty"`
	AvgMonthlySearches   *int          `json:"avg_monthly_searches,omitempty"`
	PipelineExecutionID  *uuid.UUID    `json:"pipeline_execution_id,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
}

// NaturalKey returns the conflict key SerpResult upserts must honor.
func (s SerpResult) NaturalKey() [5]string {
	return [5]string{s.KeywordID, s.SearchDate.Format(time.RFC3339), s.Location, string(s.SerpType), s.URL}
}

// BatchScheduleFrequency names the cadence a search batch was created with,
// used to pick the news time_period mapping.
type BatchScheduleFrequency string

const (
	ScheduleDaily     BatchScheduleFrequency = "daily"
	ScheduleWeekly    BatchScheduleFrequency = "weekly"
	ScheduleMonthly   BatchScheduleFrequency = "monthly"
	ScheduleQuarterly BatchScheduleFrequency = "quarterly"
)

// NewsTimePeriod maps a schedule frequency (and whether this is the first
// run of that schedule) to the external provider's time_period parameter,
// per spec.md §4.6's news-specific semantics.
func NewsTimePeriod(freq BatchScheduleFrequency, isInitialRun bool) string {
	switch freq {
	case ScheduleDaily:
		return "last_day"
	case ScheduleWeekly:
		if isInitialRun {
			return "last_month"
		}
		return "last_week"
	case ScheduleMonthly:
		if isInitialRun {
			return "last_year"
		}
		return "last_month"
	case ScheduleQuarterly:
		return "last_year"
	default:
		return "last_week"
	}
}

// SearchBatchStatus mirrors the external batch provider's lifecycle.
type SearchBatchStatus string

const (
	BatchStatusManual    SearchBatchStatus = "manual"
	BatchStatusRunning   SearchBatchStatus = "running"
	BatchStatusIdle      SearchBatchStatus = "idle"
	BatchStatusCompleted SearchBatchStatus = "completed"
	BatchStatusFailed    SearchBatchStatus = "failed"
)

// SearchBatch tracks one content-type batch (organic, news, or video) with
// the external search provider.
type SearchBatch struct {
	ID              string                 `json:"id"`
	RunID           uuid.UUID              `json:"run_id"`
	ContentType     ContentType            `json:"content_type"`
	Status          SearchBatchStatus      `json:"status"`
	ResultsCount    int                    `json:"results_count"`
	Schedule        Schedule               `json:"schedule"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	LastPolledAt    *time.Time             `json:"last_polled_at,omitempty"`
}
