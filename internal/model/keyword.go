package model

import "time"

// Keyword is a tracked search term within a region, the unit of work for
// keyword_metrics and serp_collection.
type Keyword struct {
	ID                 string    `json:"id"`
	Term                string    `json:"term"`
	Region              string   `json:"region"`
	AvgMonthlySearches  *int     `json:"avg_monthly_searches,omitempty"`
	Competition         string   `json:"competition,omitempty"`
	FetchedMetricsAt    *time.Time `json:"fetched_metrics_at,omitempty"`
}

// RegionKey returns the canonical (term, region) identifier used to build
// deterministic item identifiers for the State Tracker.
func (k Keyword) RegionKey() string {
	return k.Term + ":" + k.Region
}
