package video

import (
	"regexp"
	"strconv"
)

// isoDurationPattern matches the subset of ISO 8601 durations the video
// platform actually returns for videos: PnDTnHnMnS with the date part
// always absent in practice, but tolerated here since the grammar allows it.
var isoDurationPattern = regexp.MustCompile(`^P(?:(\d+)D)?T?(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// parseISODuration converts an ISO 8601 duration string (e.g. "PT4M13S")
// to whole seconds. No third-party ISO 8601 duration parser appears
// anywhere in the example pack, so this is a small hand-rolled regex
// matching the exact grammar the provider emits, rather than a full
// ISO 8601 implementation.
func parseISODuration(s string) int {
	m := isoDurationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	days, _ := strconv.Atoi(m[1])
	hours, _ := strconv.Atoi(m[2])
	minutes, _ := strconv.Atoi(m[3])
	seconds, _ := strconv.Atoi(m[4])
	return days*86400 + hours*3600 + minutes*60 + seconds
}
