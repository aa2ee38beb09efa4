package video

import (
	"sync"
	"time"
)

// QuotaManager tracks the video provider's daily unit budget, resetting at
// UTC day rollover, per spec.md §4.7's default 10,000 units/day.
type QuotaManager struct {
	mu         sync.Mutex
	dailyLimit int
	usageToday int
	lastReset  time.Time
	operations map[string]int
}

// NewQuotaManager builds a QuotaManager with the given daily unit limit; a
// non-positive limit falls back to the 10,000-unit default.
func NewQuotaManager(dailyLimit int) *QuotaManager {
	if dailyLimit <= 0 {
		dailyLimit = 10000
	}
	return &QuotaManager{
		dailyLimit: dailyLimit,
		lastReset:  time.Now().UTC().Truncate(24 * time.Hour),
		operations: make(map[string]int),
	}
}

func (q *QuotaManager) resetIfNewDay() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(q.lastReset) {
		q.usageToday = 0
		q.operations = make(map[string]int)
		q.lastReset = today
	}
}

// CheckQuota reports whether units more usage fits within today's budget.
func (q *QuotaManager) CheckQuota(units int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfNewDay()
	return q.usageToday+units <= q.dailyLimit
}

// UpdateUsage records units spent against operation (e.g. "videos.list").
func (q *QuotaManager) UpdateUsage(operation string, units int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfNewDay()
	q.usageToday += units
	q.operations[operation] += units
}

// Remaining returns the unspent unit budget for today.
func (q *QuotaManager) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfNewDay()
	if r := q.dailyLimit - q.usageToday; r > 0 {
		return r
	}
	return 0
}
