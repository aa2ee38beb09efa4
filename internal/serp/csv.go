package serp

import (
	"context"
	"encoding/csv"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

// IngestResult summarizes one CSV result set's ingestion.
type IngestResult struct {
	Stored         int
	Failed         int
	UniqueDomains  []string
	VideoURLs      []string
}

// IngestCSV parses one batch result set's CSV export, normalizes each row
// into a model.SerpResult, and upserts them. requests maps each row's
// custom_id back to the keyword/region it was searched for (the provider's
// CSV doesn't carry our internal keyword ID, only the echoed custom_id we
// set at batch-creation time), mirroring process_webhook_batch's CSV loop.
func (c *Collector) IngestCSV(ctx context.Context, runID uuid.UUID, contentType model.ContentType, csvContent string, requests []BatchRequest) (*IngestResult, error) {
	byCustomID := make(map[string]BatchRequest, len(requests))
	for _, r := range requests {
		byCustomID[fmt.Sprintf("%s_%s_%s", r.Keyword, r.Region, r.ContentType)] = r
	}

	reader := csv.NewReader(strings.NewReader(csvContent))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if strings.TrimSpace(csvContent) == "" {
			return &IngestResult{}, nil
		}
		return nil, eris.Wrap(err, "serp: read csv header")
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}

	get := func(row []string, keys ...string) string {
		for _, k := range keys {
			if i, ok := col[k]; ok && i < len(row) {
				return row[i]
			}
		}
		return ""
	}

	domains := make(map[string]bool)
	var videoURLs []string
	result := &IngestResult{}
	var batch []model.SerpResult
	today := time.Now().UTC()

	for {
		row, err := reader.Read()
		if err != nil {
			break
		}

		link := get(row, fmt.Sprintf("result.%s_results.link", contentType), "link")
		customID := get(row, "custom_id")
		if link == "" {
			result.Failed++
			continue
		}

		req, known := byCustomID[customID]
		keywordID, keyword := "", get(row, "search.q", "search_query")
		if known {
			keywordID, keyword = req.KeywordID, req.Keyword
		}
		if keyword == "" {
			result.Failed++
			continue
		}

		domain := ExtractDomain(link)
		if domain != "" {
			domains[domain] = true
		}
		if strings.Contains(link, "youtube.com") || strings.Contains(link, "youtu.be") {
			videoURLs = append(videoURLs, link)
		}

		position := safeInt(get(row, fmt.Sprintf("result.%s_results.position", contentType), "position"))
		totalResults := safeInt(get(row, "total_results"))

		var publishedAt *time.Time
		if raw := get(row, fmt.Sprintf("result.%s_results.date", contentType), "date"); raw != "" {
			if t := parseRelativeDate(raw); t != nil {
				publishedAt = t
			}
		}

		location := get(row, "gl", "location")
		if location == "" {
			location = "US"
		}

		sr := model.SerpResult{
			ID:                  uuid.New(),
			KeywordID:           keywordID,
			Keyword:             keyword,
			SearchDate:          today,
			Location:            location,
			SerpType:            contentType,
			URL:                 link,
			Domain:              domain,
			Title:               get(row, fmt.Sprintf("result.%s_results.title", contentType), "title"),
			Snippet:             get(row, fmt.Sprintf("result.%s_results.snippet", contentType), "snippet"),
			PipelineExecutionID: &runID,
			CreatedAt:           time.Now().UTC(),
		}
		if position != nil {
			sr.Position = *position
		}
		providerMeta := map[string]any{
			"source":                get(row, fmt.Sprintf("result.%s_results.source", contentType), "source"),
			"device":                valueOr(get(row, "device"), "desktop"),
			"google_domain":         valueOr(get(row, "google_domain"), "google.com"),
			"language_code":         valueOr(get(row, "hl"), "en"),
			"news_type":             get(row, "type"),
			"query_displayed":       valueOr(get(row, "query_displayed"), keyword),
			"time_taken_displayed":  get(row, "time_taken_displayed"),
		}
		if publishedAt != nil {
			providerMeta["published_date"] = publishedAt.Format("2006-01-02")
		}
		if totalResults != nil {
			providerMeta["total_results"] = *totalResults
		}
		sr.ProviderMetadata = providerMeta

		batch = append(batch, sr)
	}

	if len(batch) > 0 {
		stored, err := c.store.UpsertSerpResults(ctx, batch)
		if err != nil {
			return nil, eris.Wrap(err, "serp: upsert results")
		}
		result.Stored = stored
	}

	for d := range domains {
		result.UniqueDomains = append(result.UniqueDomains, d)
	}
	result.VideoURLs = videoURLs

	c.log.Info("ingested serp csv",
		zap.String("content_type", string(contentType)),
		zap.Int("stored", result.Stored), zap.Int("failed", result.Failed))
	return result, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// safeInt parses a numeric string that may carry decimals (the provider's
// CSV export sometimes renders ints as "3.0"), matching _safe_int.
func safeInt(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	n := int(f)
	return &n
}

var relativeDatePattern = regexp.MustCompile(`(?i)^(\d+)\s+(minute|minutes|hour|hours|day|days|week|weeks|month|months|year|years)\s+ago$`)

// parseRelativeDate converts strings like "2 days ago" into an absolute UTC
// time, matching _parse_relative_date. Returns nil for absolute dates or
// unparseable text; callers that need absolute-date parsing as well should
// fall back to their own layout-aware parse.
func parseRelativeDate(text string) *time.Time {
	m := relativeDatePattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return nil
	}
	qty, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	now := time.Now().UTC()
	var t time.Time
	switch {
	case strings.HasPrefix(strings.ToLower(m[2]), "minute"):
		t = now.Add(-time.Duration(qty) * time.Minute)
	case strings.HasPrefix(strings.ToLower(m[2]), "hour"):
		t = now.Add(-time.Duration(qty) * time.Hour)
	case strings.HasPrefix(strings.ToLower(m[2]), "day"):
		t = now.AddDate(0, 0, -qty)
	case strings.HasPrefix(strings.ToLower(m[2]), "week"):
		t = now.AddDate(0, 0, -qty*7)
	case strings.HasPrefix(strings.ToLower(m[2]), "month"):
		t = now.AddDate(0, -qty, 0)
	case strings.HasPrefix(strings.ToLower(m[2]), "year"):
		t = now.AddDate(-qty, 0, 0)
	default:
		return nil
	}
	return &t
}
