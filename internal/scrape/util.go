package scrape

import (
	"net/url"
	"strings"
)

// domainOf extracts the bare host from a URL, stripping a leading "www.".
// Deliberately duplicated from internal/serp's ExtractDomain rather than
// imported, to keep the scrape phase decoupled from the serp phase.
func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// wordCount returns the whitespace-delimited token count of s.
func wordCount(s string) int {
	return len(strings.Fields(s))
}
