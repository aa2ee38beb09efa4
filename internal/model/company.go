package model

import "time"

// SourceType classifies a domain/company against the fixed enumeration
// spec.md §3 requires for DSI segmentation.
type SourceType string

const (
	SourceOwned             SourceType = "OWNED"
	SourceCompetitor        SourceType = "COMPETITOR"
	SourcePremiumPublisher  SourceType = "PREMIUM_PUBLISHER"
	SourceTechnology        SourceType = "TECHNOLOGY"
	SourceFinance           SourceType = "FINANCE"
	SourceProfessionalBody  SourceType = "PROFESSIONAL_BODY"
	SourceSocialMedia       SourceType = "SOCIAL_MEDIA"
	SourceEducation         SourceType = "EDUCATION"
	SourceNonProfit         SourceType = "NON_PROFIT"
	SourceGovernment        SourceType = "GOVERNMENT"
	SourceOther             SourceType = "OTHER"
)

// AllSourceTypes lists the fixed classification enumeration.
func AllSourceTypes() []SourceType {
	return []SourceType{
		SourceOwned, SourceCompetitor, SourcePremiumPublisher, SourceTechnology,
		SourceFinance, SourceProfessionalBody, SourceSocialMedia, SourceEducation,
		SourceNonProfit, SourceGovernment, SourceOther,
	}
}

// CompanyProfile is keyed by domain for upsert.
type CompanyProfile struct {
	Domain              string         `json:"domain"`
	CompanyName         string         `json:"company_name"`
	Industry            string         `json:"industry,omitempty"`
	SizeRange           string         `json:"size_range,omitempty"`
	RevenueRange        string         `json:"revenue_range,omitempty"`
	Description         string         `json:"description,omitempty"`
	SourceType          SourceType     `json:"source_type"`
	ConfidenceScore     float64        `json:"confidence_score"`
	Technologies        []string       `json:"technologies,omitempty"`
	SocialProfiles       map[string]string `json:"social_profiles,omitempty"`
	HeadquartersLocation string        `json:"headquarters_location,omitempty"`
	ParentDomain        string         `json:"parent_domain,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// CompanyDomain maps an alias domain onto its canonical CompanyProfile
// domain, so lookups by any known domain resolve to one profile.
type CompanyDomain struct {
	AliasDomain      string    `json:"alias_domain"`
	CanonicalDomain  string    `json:"canonical_domain"`
	CreatedAt        time.Time `json:"created_at"`
}

// CompanyCandidate is one result returned by the company enrichment
// provider's domain search, before the full-detail redeem step.
type CompanyCandidate struct {
	ProviderCompanyID string  `json:"provider_company_id"`
	Name              string  `json:"name"`
	Domain            string  `json:"domain"`
	IsHoldingCompany  bool    `json:"is_holding_company"`
	RankScore         float64 `json:"rank_score,omitempty"`
}

// ChannelCompanyMapping resolves a video channel id to a company, cached
// with a confidence score (>= 0.7 is considered authoritative).
type ChannelCompanyMapping struct {
	ChannelID       string    `json:"channel_id"`
	CompanyName     string    `json:"company_name"`
	CompanyDomain   string    `json:"company_domain"`
	ChannelType     string    `json:"channel_type,omitempty"`
	Confidence      float64   `json:"confidence"`
	Reasoning       string    `json:"reasoning,omitempty"`
	ResolvedAt      time.Time `json:"resolved_at"`
}

// Authoritative reports whether the mapping's confidence clears the
// threshold spec.md §4.7 treats as settled.
func (m ChannelCompanyMapping) Authoritative() bool {
	return m.Confidence >= 0.7
}

// VideoSnapshot is one video-platform item enriched with statistics.
type VideoSnapshot struct {
	VideoID           string    `json:"video_id"`
	URL               string    `json:"url"`
	ChannelID         string    `json:"channel_id"`
	Title             string    `json:"title,omitempty"`
	DurationSeconds   int       `json:"duration_seconds"`
	ViewCount         int64     `json:"view_count"`
	LikeCount         int64     `json:"like_count"`
	CommentCount      int64     `json:"comment_count"`
	ChannelSubscribers int64    `json:"channel_subscribers"`
	FetchedAt         time.Time `json:"fetched_at"`
}

// EngagementRate is (likes+comments)/views, clamped to 0 when views is 0.
func (v VideoSnapshot) EngagementRate() float64 {
	if v.ViewCount == 0 {
		return 0
	}
	return float64(v.LikeCount+v.CommentCount) / float64(v.ViewCount)
}
