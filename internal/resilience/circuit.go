// Package resilience provides circuit breaker and retry patterns for external service calls.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state — requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures — requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows probe requests to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseCircuitState converts a persisted string back to a CircuitState.
func ParseCircuitState(s string) CircuitState {
	switch s {
	case "open":
		return CircuitOpen
	case "half_open":
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// PersistedCircuitState is the durable representation of one service's
// breaker, round-tripped through a Persister so that a restarted process
// inherits the decision instead of starting every breaker CLOSED.
type PersistedCircuitState struct {
	Service         string
	State           CircuitState
	FailureCount    int
	SuccessCount    int
	TotalRequests   int64
	TotalFailures   int64
	TotalSuccesses  int64
	OpenedAt        *time.Time
	HalfOpenedAt    *time.Time
	LastFailureAt   *time.Time
	LastSuccessAt   *time.Time
}

// Persister loads and saves circuit breaker state. Implemented by
// internal/store so that breaker decisions survive process restart, per
// the original's circuit_breakers table. nil is a valid Persister-less mode
// (in-memory only), used by tests and by callers that don't need
// restart-survival.
type Persister interface {
	LoadCircuitState(ctx context.Context, service string) (*PersistedCircuitState, error)
	SaveCircuitState(ctx context.Context, state PersistedCircuitState) error
}

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successful probes in
	// half-open required to close the circuit. Default: 1.
	SuccessThreshold int

	// ResetTimeout is how long the circuit stays open before transitioning
	// to half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is the number of concurrent probe calls allowed in
	// half-open state. Default: 1.
	HalfOpenMaxProbes int

	// ShouldTrip optionally overrides the default check. If nil, all non-nil
	// errors count toward the failure threshold.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(service string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		SuccessThreshold:  1,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker implements the circuit breaker pattern for a single service.
// When constructed with a Persister, every state transition and result is
// written through so a restart resumes from the persisted decision.
type CircuitBreaker struct {
	service string
	cfg     CircuitBreakerConfig
	store   Persister

	mu                sync.Mutex
	state             CircuitState
	failureCount      int
	halfOpenSuccesses int
	halfOpenInFlight  int
	totalRequests     int64
	totalFailures     int64
	totalSuccesses    int64
	openedAt          *time.Time
	halfOpenedAt      *time.Time
	lastFailureAt     *time.Time
	lastSuccessAt     *time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config. store
// may be nil for an in-memory-only breaker.
func NewCircuitBreaker(service string, cfg CircuitBreakerConfig, store Persister) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	cb := &CircuitBreaker{
		service: service,
		cfg:     cfg,
		store:   store,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
	if store != nil {
		if persisted, err := store.LoadCircuitState(context.Background(), service); err == nil && persisted != nil {
			cb.hydrate(*persisted)
		}
	}
	return cb
}

func (cb *CircuitBreaker) hydrate(p PersistedCircuitState) {
	cb.state = p.State
	cb.failureCount = p.FailureCount
	cb.halfOpenSuccesses = p.SuccessCount
	cb.totalRequests = p.TotalRequests
	cb.totalFailures = p.TotalFailures
	cb.totalSuccesses = p.TotalSuccesses
	cb.openedAt = p.OpenedAt
	cb.halfOpenedAt = p.HalfOpenedAt
	cb.lastFailureAt = p.LastFailureAt
	cb.lastSuccessAt = p.LastSuccessAt
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen (or
// calls fallback, if provided) if the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error, fallback func(ctx context.Context) error) error {
	if err := cb.allowRequest(ctx); err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return err
	}

	err := fn(ctx)
	cb.recordResult(ctx, err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error), fallback func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allowRequest(ctx); err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return zero, err
	}

	val, err := fn(ctx)
	cb.recordResult(ctx, err)
	return val, err
}

// ExecuteValWithRetry composes a circuit breaker with a category-aware
// Manager for the common case of a provider call that needs both: the
// breaker trips independently of retry outcome, and the Manager governs how
// (and whether) a tripped or transient failure is retried. Either cb or
// retry may be nil, in which case that layer is skipped, matching the
// nil-safe-optional style collector.go uses for its own breaker/retry
// fields.
func ExecuteValWithRetry[T any](ctx context.Context, cb *CircuitBreaker, retry *Manager, entityType, entityID string, httpStatusOf func(error) int, fn func(ctx context.Context) (T, error)) (T, error) {
	call := fn
	if cb != nil {
		call = func(ctx context.Context) (T, error) {
			return ExecuteVal(ctx, cb, fn, nil)
		}
	}
	if retry == nil {
		return call(ctx)
	}

	var result T
	err := retry.RetryWithBackoff(ctx, entityType, entityID, httpStatusOf, func(ctx context.Context) error {
		v, err := call(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// State returns the current circuit state, accounting for a pending
// open-to-half-open transition based on elapsed time.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effectiveState()
}

func (cb *CircuitBreaker) effectiveState() CircuitState {
	if cb.state == CircuitOpen && cb.openedAt != nil && cb.nowFunc().Sub(*cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit back to closed state and persists the change.
func (cb *CircuitBreaker) Reset(ctx context.Context) {
	cb.mu.Lock()
	old := cb.state
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.halfOpenSuccesses = 0
	cb.halfOpenInFlight = 0
	cb.mu.Unlock()

	if old != CircuitClosed && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.service, old, CircuitClosed)
	}
	cb.persist(ctx)
}

// Metrics reports a snapshot of counters for observability, per the
// original's CircuitBreaker.get_metrics.
type Metrics struct {
	Service        string
	State          CircuitState
	FailureCount   int
	SuccessCount   int
	TotalRequests  int64
	TotalFailures  int64
	TotalSuccesses int64
	SuccessRate    float64
	LastFailureAt  *time.Time
	LastSuccessAt  *time.Time
	OpenedAt       *time.Time
	HalfOpenedAt   *time.Time
}

// Metrics returns a point-in-time snapshot of this breaker's counters.
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	var rate float64
	if cb.totalRequests > 0 {
		rate = float64(cb.totalSuccesses) / float64(cb.totalRequests) * 100
	}
	return Metrics{
		Service:        cb.service,
		State:          cb.effectiveState(),
		FailureCount:   cb.failureCount,
		SuccessCount:   cb.halfOpenSuccesses,
		TotalRequests:  cb.totalRequests,
		TotalFailures:  cb.totalFailures,
		TotalSuccesses: cb.totalSuccesses,
		SuccessRate:    rate,
		LastFailureAt:  cb.lastFailureAt,
		LastSuccessAt:  cb.lastSuccessAt,
		OpenedAt:       cb.openedAt,
		HalfOpenedAt:   cb.halfOpenedAt,
	}
}

func (cb *CircuitBreaker) allowRequest(ctx context.Context) error {
	cb.mu.Lock()
	state := cb.effectiveState()
	if state == CircuitHalfOpen && cb.state == CircuitOpen {
		cb.transitionLocked(CircuitHalfOpen)
		cb.halfOpenSuccesses = 0
		cb.halfOpenInFlight = 0
	}

	switch cb.state {
	case CircuitOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxProbes {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight++
	}
	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) recordResult(ctx context.Context, err error) {
	cb.mu.Lock()

	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(e error) bool { return e != nil }
	}

	cb.totalRequests++
	now := cb.nowFunc()

	tripped := err != nil && shouldTrip(err)
	if !tripped {
		cb.totalSuccesses++
		cb.lastSuccessAt = &now
		switch cb.state {
		case CircuitHalfOpen:
			cb.halfOpenInFlight--
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.cfg.SuccessThreshold {
				cb.transitionLocked(CircuitClosed)
				cb.failureCount = 0
				cb.halfOpenSuccesses = 0
				cb.halfOpenInFlight = 0
			}
		case CircuitClosed:
			cb.failureCount = 0
		}
		cb.mu.Unlock()
		cb.persist(ctx)
		return
	}

	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureAt = &now

	switch cb.state {
	case CircuitClosed:
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.halfOpenInFlight--
		cb.transitionLocked(CircuitOpen)
		cb.halfOpenSuccesses = 0
		cb.halfOpenInFlight = 0
	}
	cb.mu.Unlock()
	cb.persist(ctx)
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	cb.state = to
	now := cb.nowFunc()
	switch to {
	case CircuitOpen:
		cb.openedAt = &now
	case CircuitHalfOpen:
		cb.halfOpenedAt = &now
	}
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.service, from, to)
	}
}

func (cb *CircuitBreaker) persist(ctx context.Context) {
	if cb.store == nil {
		return
	}
	cb.mu.Lock()
	snapshot := PersistedCircuitState{
		Service:        cb.service,
		State:          cb.state,
		FailureCount:   cb.failureCount,
		SuccessCount:   cb.halfOpenSuccesses,
		TotalRequests:  cb.totalRequests,
		TotalFailures:  cb.totalFailures,
		TotalSuccesses: cb.totalSuccesses,
		OpenedAt:       cb.openedAt,
		HalfOpenedAt:   cb.halfOpenedAt,
		LastFailureAt:  cb.lastFailureAt,
		LastSuccessAt:  cb.lastSuccessAt,
	}
	cb.mu.Unlock()

	if err := cb.store.SaveCircuitState(ctx, snapshot); err != nil {
		zap.L().Warn("circuit breaker: failed to persist state",
			zap.String("service", cb.service),
			zap.Error(err),
		)
	}
}

// ServiceBreakers manages circuit breakers for multiple services.
type ServiceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
	store    Persister
}

// NewServiceBreakers creates a registry of per-service circuit breakers.
// store may be nil to run entirely in-memory.
func NewServiceBreakers(cfg CircuitBreakerConfig, store Persister) *ServiceBreakers {
	return &ServiceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		store:    store,
	}
}

// Get returns the circuit breaker for the named service, creating one (and
// hydrating it from the store) if needed.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[service]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = sb.breakers[service]; ok {
		return cb
	}
	cfg := sb.cfg
	cfg.OnStateChange = sb.cfg.OnStateChange
	cb = NewCircuitBreaker(service, cfg, sb.store)
	sb.breakers[service] = cb
	return cb
}

// States returns a snapshot of all circuit breaker states.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}

// Metrics returns metrics for every registered breaker, per the original's
// CircuitBreakerManager.get_all_metrics.
func (sb *ServiceBreakers) Metrics() map[string]Metrics {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make(map[string]Metrics, len(sb.breakers))
	for name, cb := range sb.breakers {
		out[name] = cb.Metrics()
	}
	return out
}

// ResetAll resets every registered breaker to CLOSED, per the original's
// CircuitBreakerManager.reset_all.
func (sb *ServiceBreakers) ResetAll(ctx context.Context) {
	sb.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(sb.breakers))
	for _, cb := range sb.breakers {
		breakers = append(breakers, cb)
	}
	sb.mu.RUnlock()
	for _, cb := range breakers {
		cb.Reset(ctx)
	}
}
