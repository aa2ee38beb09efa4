package resilience

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BackoffStrategy names the delay curve applied between retry attempts.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffConstant    BackoffStrategy = "constant"
	BackoffNone        BackoffStrategy = "none"
)

// ErrorCategory classifies a failure so the Manager knows whether it's worth
// retrying and on what schedule. Rows are seeded at migration time and can be
// tuned later via UpdateErrorCategory without a redeploy.
type ErrorCategory struct {
	Code             string
	Description      string
	IsRetryable      bool
	BackoffStrategy  BackoffStrategy
	BaseDelaySeconds float64
	MaxDelaySeconds  float64
	MaxRetries       int
	HTTPStatusCodes  []int
	ErrorPatterns    []string
}

// categoryUnknown is the fallback used when nothing else matches, mirroring
// retry_manager.py's _default_category: exponential, 3 attempts, 1-60s.
var categoryUnknown = ErrorCategory{
	Code:             "UNKNOWN",
	Description:      "Unclassified error",
	IsRetryable:      true,
	BackoffStrategy:  BackoffExponential,
	BaseDelaySeconds: 1,
	MaxDelaySeconds:  60,
	MaxRetries:       3,
}

// builtinCategories seeds the fallback taxonomy recognized even before any
// admin tuning has happened, covering the keyword substrings the original
// falls back to when no DB category's error_patterns match.
var builtinCategories = []ErrorCategory{
	{
		Code:             "TIMEOUT",
		Description:      "Request timed out",
		IsRetryable:      true,
		BackoffStrategy:  BackoffExponential,
		BaseDelaySeconds: 2,
		MaxDelaySeconds:  120,
		MaxRetries:       4,
		ErrorPatterns:    []string{"timeout", "timed out", "deadline exceeded"},
	},
	{
		Code:             "RATE_LIMIT",
		Description:      "Rate limited by upstream service",
		IsRetryable:      true,
		BackoffStrategy:  BackoffExponential,
		BaseDelaySeconds: 5,
		MaxDelaySeconds:  300,
		MaxRetries:       5,
		HTTPStatusCodes:  []int{429},
		ErrorPatterns:    []string{"rate limit", "too many requests", "quota exceeded"},
	},
	{
		Code:             "NETWORK",
		Description:      "Network-level failure",
		IsRetryable:      true,
		BackoffStrategy:  BackoffExponential,
		BaseDelaySeconds: 1,
		MaxDelaySeconds:  60,
		MaxRetries:       3,
		ErrorPatterns:    []string{"connection reset", "connection refused", "no such host", "network"},
	},
	{
		Code:             "SERVER_ERROR",
		Description:      "Upstream 5xx error",
		IsRetryable:      true,
		BackoffStrategy:  BackoffExponential,
		BaseDelaySeconds: 2,
		MaxDelaySeconds:  60,
		MaxRetries:       3,
		HTTPStatusCodes:  []int{500, 502, 503, 504},
	},
	{
		Code:        "CLIENT_ERROR",
		Description: "Non-recoverable client-side error",
		IsRetryable: false,
		HTTPStatusCodes: []int{400, 401, 403, 404, 422},
	},
}

// RetryAttempt is one row of a retryable operation's history, persisted to
// retry_history so get_retry_statistics-style reporting can query it later.
type RetryAttempt struct {
	ID             uuid.UUID
	EntityType     string
	EntityID       string
	ErrorCategory  string
	AttemptNumber  int
	Succeeded      bool
	ErrorMessage   string
	DelayAppliedMs int64
	CreatedAt      time.Time
}

// RetryStats summarizes retry_history over a time window, per the original's
// get_retry_statistics.
type RetryStats struct {
	TotalAttempts   int
	TotalSuccesses  int
	TotalFailures   int
	ByCategory      map[string]int
	SuccessRate     float64
}

// CategoryStore persists the error category taxonomy and retry history.
// Implemented by internal/store; kept as a narrow interface here to avoid an
// import cycle between internal/resilience and internal/store.
type CategoryStore interface {
	LoadErrorCategories(ctx context.Context) ([]ErrorCategory, error)
	SaveErrorCategory(ctx context.Context, cat ErrorCategory) error
	RecordRetryAttempt(ctx context.Context, attempt RetryAttempt) error
	RetryStatistics(ctx context.Context, entityType string, window time.Duration) (RetryStats, error)
}

// Manager retries an operation using a DB-backed ErrorCategory taxonomy,
// grounded directly on retry_manager.py's RetryManager. Unlike a generic
// backoff loop, each attempt is categorized from the error it produced, so
// the delay and retry ceiling can change attempt to attempt as the category
// match changes (e.g. a flaky NETWORK failure later surfacing as a hard
// CLIENT_ERROR on the final try).
type Manager struct {
	store CategoryStore

	mu         sync.RWMutex
	categories map[string]ErrorCategory
	loaded     bool
}

// NewManager constructs a category-driven retry manager. store may be nil,
// in which case only the built-in categories are used and no history is
// recorded — useful for tests and for callers that don't need persistence.
func NewManager(store CategoryStore) *Manager {
	m := &Manager{store: store, categories: make(map[string]ErrorCategory)}
	for _, c := range builtinCategories {
		m.categories[c.Code] = c
	}
	return m
}

func (m *Manager) ensureLoaded(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded || m.store == nil {
		return
	}
	cats, err := m.store.LoadErrorCategories(ctx)
	if err != nil {
		zap.L().Warn("retry manager: failed to load error categories, using built-ins", zap.Error(err))
		m.loaded = true
		return
	}
	for _, c := range cats {
		m.categories[c.Code] = c
	}
	m.loaded = true
}

// Categorize maps an error (and optional HTTP status) to an ErrorCategory,
// following the original's three-tier order: explicit status code match,
// then error_patterns substring match, then a built-in keyword fallback,
// finally UNKNOWN.
func (m *Manager) Categorize(ctx context.Context, err error, httpStatus int) ErrorCategory {
	m.ensureLoaded(ctx)

	if err == nil {
		return categoryUnknown
	}
	msg := strings.ToLower(err.Error())

	m.mu.RLock()
	defer m.mu.RUnlock()

	if httpStatus != 0 {
		for _, c := range m.categories {
			for _, code := range c.HTTPStatusCodes {
				if code == httpStatus {
					return c
				}
			}
		}
	}

	for _, c := range m.categories {
		for _, pattern := range c.ErrorPatterns {
			if pattern != "" && strings.Contains(msg, strings.ToLower(pattern)) {
				return c
			}
		}
	}

	if IsTransientHTTPStatus(httpStatus) {
		if c, ok := m.categories["SERVER_ERROR"]; ok {
			return c
		}
	}
	if IsTransient(err) {
		if c, ok := m.categories["NETWORK"]; ok {
			return c
		}
	}

	return categoryUnknown
}

// UpdateErrorCategory overwrites (or inserts) a category's tuning, per the
// original's update_error_category admin hook. Intended for a CLI escape
// hatch, not a public HTTP surface.
func (m *Manager) UpdateErrorCategory(ctx context.Context, cat ErrorCategory) error {
	if m.store != nil {
		if err := m.store.SaveErrorCategory(ctx, cat); err != nil {
			return eris.Wrapf(err, "persist error category %s", cat.Code)
		}
	}
	m.mu.Lock()
	m.categories[cat.Code] = cat
	m.mu.Unlock()
	return nil
}

// delay computes the wait before the next attempt, following
// _calculate_delay: exponential doubles per attempt capped at MaxDelay with
// uniform jitter up to 10% of the delay; linear scales by attempt number
// capped at MaxDelay; constant always waits BaseDelay; none waits zero.
func (cat ErrorCategory) delay(attempt int) time.Duration {
	base := cat.BaseDelaySeconds
	max := cat.MaxDelaySeconds
	if max <= 0 {
		max = base
	}

	var seconds float64
	switch cat.BackoffStrategy {
	case BackoffExponential:
		seconds = base * float64(int64(1)<<uint(attempt-1))
		if seconds > max {
			seconds = max
		}
		seconds += jitterUniform(seconds * 0.1)
	case BackoffLinear:
		seconds = base * float64(attempt)
		if seconds > max {
			seconds = max
		}
	case BackoffConstant:
		seconds = base
	case BackoffNone:
		seconds = 0
	default:
		seconds = base
	}
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// RetryWithBackoff executes fn, retrying per the category matching the error
// it returns, recording each attempt to retry_history. entityType/entityID
// identify what's being retried (e.g. "serp_batch", batch ID) for the
// history table and statistics, per retry_with_backoff in the original.
func (m *Manager) RetryWithBackoff(ctx context.Context, entityType, entityID string, httpStatusOf func(error) int, fn func(ctx context.Context) error) error {
	m.ensureLoaded(ctx)

	var lastErr error
	var cat ErrorCategory
	attempt := 0

	for {
		attempt++
		lastErr = fn(ctx)

		if lastErr == nil {
			m.record(ctx, entityType, entityID, cat.Code, attempt, true, "", 0)
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}

		status := 0
		if httpStatusOf != nil {
			status = httpStatusOf(lastErr)
		}
		cat = m.Categorize(ctx, lastErr, status)

		if !cat.IsRetryable {
			m.record(ctx, entityType, entityID, cat.Code, attempt, false, lastErr.Error(), 0)
			return eris.Wrapf(lastErr, "non-recoverable error category %s", cat.Code)
		}
		if attempt >= cat.MaxRetries {
			m.record(ctx, entityType, entityID, cat.Code, attempt, false, lastErr.Error(), 0)
			return eris.Wrapf(lastErr, "exhausted %d retries for category %s", cat.MaxRetries, cat.Code)
		}

		d := cat.delay(attempt)
		m.record(ctx, entityType, entityID, cat.Code, attempt, false, lastErr.Error(), d.Milliseconds())

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}

func (m *Manager) record(ctx context.Context, entityType, entityID, category string, attempt int, succeeded bool, errMsg string, delayMs int64) {
	if m.store == nil {
		return
	}
	if len(errMsg) > 1000 {
		errMsg = errMsg[:1000]
	}
	rec := RetryAttempt{
		ID:             uuid.New(),
		EntityType:     entityType,
		EntityID:       entityID,
		ErrorCategory:  category,
		AttemptNumber:  attempt,
		Succeeded:      succeeded,
		ErrorMessage:   errMsg,
		DelayAppliedMs: delayMs,
	}
	if err := m.store.RecordRetryAttempt(ctx, rec); err != nil {
		zap.L().Warn("retry manager: failed to record retry history",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

// Stats reports retry statistics over the given window, per the original's
// get_retry_statistics.
func (m *Manager) Stats(ctx context.Context, entityType string, window time.Duration) (RetryStats, error) {
	if m.store == nil {
		return RetryStats{ByCategory: map[string]int{}}, nil
	}
	return m.store.RetryStatistics(ctx, entityType, window)
}

func jitterUniform(maxAbs float64) float64 {
	if maxAbs <= 0 {
		return 0
	}
	return maxAbs * rand.Float64()
}
