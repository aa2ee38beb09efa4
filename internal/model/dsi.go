package model

import (
	"time"

	"github.com/google/uuid"
)

// DSIComponentScores are the inputs the DSI Calculator combines into the
// aggregate dsi_score, kept alongside it for explainability.
type DSIComponentScores struct {
	KeywordOverlap  float64 `json:"keyword_overlap"`
	ContentRelevance float64 `json:"content_relevance"`
	MarketPresence  float64 `json:"market_presence"`
	TrafficShare    float64 `json:"traffic_share"`
	SerpVisibility  float64 `json:"serp_visibility"`
}

// DSIScore is unique per (pipeline_execution_id, company_domain).
type DSIScore struct {
	PipelineExecutionID uuid.UUID           `json:"pipeline_execution_id"`
	CompanyDomain       string              `json:"company_domain"`
	Components          DSIComponentScores  `json:"components"`
	DSIScore            float64             `json:"dsi_score"`
	Metadata            map[string]any      `json:"metadata,omitempty"`
	CalculatedAt         time.Time          `json:"calculated_at"`
}

// HistoricalPageDSISnapshot is one page-level DSI point-in-time record,
// keyed by (url, snapshot_date), used for trend analysis.
type HistoricalPageDSISnapshot struct {
	URL          string    `json:"url"`
	SnapshotDate time.Time `json:"snapshot_date"`
	PageDSI      float64   `json:"page_dsi"`
	TrafficShare float64   `json:"traffic_share"`
	PersonaScore float64   `json:"persona_score"`
}

// CTRCurve is the industry-standard position→CTR table spec.md §4.9
// defines, indexed by 1-based SERP position 1-10; CTRForPosition maps
// positions beyond the table onto the tier constants below.
var ctrCurve = []float64{
	0.2823, // 1
	0.1572, // 2
	0.1073, // 3
	0.0775, // 4
	0.0588, // 5
	0.0459, // 6
	0.0369, // 7
	0.0302, // 8
	0.0252, // 9
	0.0214, // 10
}

// ctrCurveMidTier covers positions 11-20; ctrCurveLowTier covers 21-30.
const (
	ctrCurveMidTier = 0.0150
	ctrCurveLowTier = 0.0080
	ctrCurveFloor   = 0.0050
)

// CTRForPosition returns the estimated click-through rate for a SERP
// position, matching the boundary cases in spec.md §8: position 1 →
// 0.2823, position 10 → 0.0214, position 31+ → 0.0050.
func CTRForPosition(position int) float64 {
	switch {
	case position < 1:
		return ctrCurve[0]
	case position <= len(ctrCurve):
		return ctrCurve[position-1]
	case position <= 20:
		return ctrCurveMidTier
	case position <= 30:
		return ctrCurveLowTier
	default:
		return ctrCurveFloor
	}
}

// DefaultAvgMonthlySearches is substituted when a keyword's search volume
// is unknown.
const DefaultAvgMonthlySearches = 1000

// DefaultPersonaRelevance is used when no ContentAnalysis rows exist for
// an entity.
const DefaultPersonaRelevance = 5.0

// EstimatedTraffic computes estimated_traffic(result), defaulting missing
// search volume to DefaultAvgMonthlySearches.
func EstimatedTraffic(avgMonthlySearches *int, position int) float64 {
	volume := DefaultAvgMonthlySearches
	if avgMonthlySearches != nil && *avgMonthlySearches > 0 {
		volume = *avgMonthlySearches
	}
	return float64(volume) * CTRForPosition(position)
}
