// Package videoprovider abstracts the video-platform API used by the video
// and channel enrichment workers: batch-by-id video statistics and channel
// statistics lookups, matching spec.md §4.7/§6.2's "list videos by id batch
// (<=50), list channels by id batch (<=50)" contract.
package videoprovider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://www.googleapis.com/youtube/v3"

// MaxBatchSize is the provider's hard limit on ids per list call.
const MaxBatchSize = 50

// VideoStats is one video's statistics and metadata, as returned by
// ListVideos.
type VideoStats struct {
	VideoID      string    `json:"video_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	ChannelID    string    `json:"channel_id"`
	ChannelTitle string    `json:"channel_title"`
	PublishedAt  time.Time `json:"published_at"`
	Duration     string    `json:"duration"` // ISO 8601, e.g. "PT4M13S"
	ViewCount    int64     `json:"view_count"`
	LikeCount    int64     `json:"like_count"`
	CommentCount int64     `json:"comment_count"`
	Tags         []string  `json:"tags,omitempty"`
}

// ChannelStats is one channel's statistics and metadata, as returned by
// ListChannels.
type ChannelStats struct {
	ChannelID        string `json:"channel_id"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	SubscriberCount  int64  `json:"subscriber_count"`
	CustomURL        string `json:"custom_url,omitempty"`
}

// Client performs batch-by-id video and channel lookups.
type Client interface {
	// ListVideos fetches statistics for up to MaxBatchSize video ids.
	ListVideos(ctx context.Context, videoIDs []string) ([]VideoStats, error)
	// ListChannels fetches statistics for up to MaxBatchSize channel ids.
	ListChannels(ctx context.Context, channelIDs []string) ([]ChannelStats, error)
}

// Option configures the HTTP client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against the video platform's REST API.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) ListVideos(ctx context.Context, videoIDs []string) ([]VideoStats, error) {
	if len(videoIDs) == 0 {
		return nil, nil
	}
	if len(videoIDs) > MaxBatchSize {
		return nil, eris.Errorf("videoprovider: batch of %d exceeds limit %d", len(videoIDs), MaxBatchSize)
	}

	q := url.Values{
		"part": {"snippet,statistics,contentDetails"},
		"id":   {strings.Join(videoIDs, ",")},
		"key":  {c.apiKey},
	}
	var raw struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				Title        string    `json:"title"`
				Description  string    `json:"description"`
				ChannelID    string    `json:"channelId"`
				ChannelTitle string    `json:"channelTitle"`
				PublishedAt  time.Time `json:"publishedAt"`
				Tags         []string  `json:"tags"`
			} `json:"snippet"`
			Statistics struct {
				ViewCount    string `json:"viewCount"`
				LikeCount    string `json:"likeCount"`
				CommentCount string `json:"commentCount"`
			} `json:"statistics"`
			ContentDetails struct {
				Duration string `json:"duration"`
			} `json:"contentDetails"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/videos", q, &raw); err != nil {
		return nil, eris.Wrap(err, "videoprovider: list videos")
	}

	out := make([]VideoStats, 0, len(raw.Items))
	for _, it := range raw.Items {
		out = append(out, VideoStats{
			VideoID:      it.ID,
			Title:        it.Snippet.Title,
			Description:  it.Snippet.Description,
			ChannelID:    it.Snippet.ChannelID,
			ChannelTitle: it.Snippet.ChannelTitle,
			PublishedAt:  it.Snippet.PublishedAt,
			Duration:     it.ContentDetails.Duration,
			ViewCount:    parseCount(it.Statistics.ViewCount),
			LikeCount:    parseCount(it.Statistics.LikeCount),
			CommentCount: parseCount(it.Statistics.CommentCount),
			Tags:         it.Snippet.Tags,
		})
	}
	return out, nil
}

func (c *httpClient) ListChannels(ctx context.Context, channelIDs []string) ([]ChannelStats, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}
	if len(channelIDs) > MaxBatchSize {
		return nil, eris.Errorf("videoprovider: batch of %d exceeds limit %d", len(channelIDs), MaxBatchSize)
	}

	q := url.Values{
		"part": {"snippet,statistics"},
		"id":   {strings.Join(channelIDs, ",")},
		"key":  {c.apiKey},
	}
	var raw struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				Title       string `json:"title"`
				Description string `json:"description"`
				CustomURL   string `json:"customUrl"`
			} `json:"snippet"`
			Statistics struct {
				SubscriberCount string `json:"subscriberCount"`
			} `json:"statistics"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/channels", q, &raw); err != nil {
		return nil, eris.Wrap(err, "videoprovider: list channels")
	}

	out := make([]ChannelStats, 0, len(raw.Items))
	for _, it := range raw.Items {
		out = append(out, ChannelStats{
			ChannelID:       it.ID,
			Title:           it.Snippet.Title,
			Description:     it.Snippet.Description,
			CustomURL:       it.Snippet.CustomURL,
			SubscriberCount: parseCount(it.Statistics.SubscriberCount),
		})
	}
	return out, nil
}

func (c *httpClient) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return eris.Wrap(err, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response")
	}
	if resp.StatusCode >= 300 {
		return eris.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}

func parseCount(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
