// Package orchestrator implements the Phase Orchestrator: strict dependency-
// ordered execution of the seven pipeline phases, with DB-backed runtime
// preconditions and cascade-blocking of dependents when a phase fails.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
)

// ErrPhaseBlocked is returned (wrapped) when a phase cannot run because a
// dependency has not completed, or a runtime precondition is not satisfied.
var ErrPhaseBlocked = eris.New("phase blocked")

// ErrUnknownPhase is returned for a phase name outside the DAG.
var ErrUnknownPhase = eris.New("unknown phase")

// ErrNoHandler is returned when a phase has no registered handler.
var ErrNoHandler = eris.New("no handler registered for phase")

// Handler executes a single phase's work and returns its result. A Handler
// must set Success and, on failure, Error.
type Handler func(ctx context.Context, runID uuid.UUID) (*Result, error)

// Result is what a phase Handler reports back to the orchestrator. A
// Handler that decides its own phase should be recorded as skipped (e.g.
// youtube_enrichment falling below its success-ratio floor) sets Skipped
// with Success true; Execute persists that as skipped instead of completed.
type Result struct {
	Success     bool
	Error       string
	Data        map[string]any
	Skipped     bool
	SkipReasons []string
}

// Orchestrator drives phase execution for a single pipeline run, mirroring
// phase_orchestrator.py's PhaseOrchestrator. One Orchestrator is created per
// run (its in-memory cache is scoped to that run's phase set).
type Orchestrator struct {
	store    store.PhaseStore
	log      *zap.Logger
	mu       sync.Mutex
	handlers map[model.Phase]Handler
	cache    map[model.Phase]model.PhaseExecStatus
}

// New builds an Orchestrator against the given PhaseStore.
func New(s store.PhaseStore) *Orchestrator {
	return &Orchestrator{
		store:    s,
		log:      zap.L().Named("orchestrator"),
		handlers: make(map[model.Phase]Handler),
		cache:    make(map[model.Phase]model.PhaseExecStatus),
	}
}

// RegisterHandler assigns the function that executes a phase's work.
func (o *Orchestrator) RegisterHandler(phase model.Phase, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[phase] = h
}

// Initialize marks every phase in the DAG as pending (if enabled) or skipped
// (if not), persisting the initial rows. Idempotent: re-running for a resumed
// run preserves any phase already in a terminal or running state, matching
// the ON CONFLICT ... preserve-status semantics of the Python original.
func (o *Orchestrator) Initialize(ctx context.Context, runID uuid.UUID, enabledPhases map[model.Phase]bool) error {
	if err := o.store.InitializePhases(ctx, runID, enabledPhases); err != nil {
		return eris.Wrap(err, "orchestrator: initialize phases")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, phase := range model.AllPhases() {
		if enabledPhases[phase] {
			o.cache[phase] = model.PhaseExecPending
		} else {
			o.cache[phase] = model.PhaseExecSkipped
		}
	}

	o.log.Info("initialized pipeline phases",
		zap.String("run_id", runID.String()),
		zap.Int("enabled", len(enabledPhases)),
	)
	return nil
}

// HydrateFromStore reloads the in-memory cache from persisted PhaseExecution
// rows, used after Initialize when resuming an existing run: Initialize alone
// only knows which phases are enabled, not which already reached a terminal
// state on a prior attempt, so a resume must re-seed the cache from storage
// before any NextExecutable/CanExecute call can trust it.
func (o *Orchestrator) HydrateFromStore(ctx context.Context, runID uuid.UUID) error {
	phases, err := o.store.ListPhases(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: hydrate from store")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range phases {
		o.cache[p.Phase] = p.Status
	}
	return nil
}

// statusLocked returns the cached status for phase, defaulting to pending if
// unseen. Caller must hold o.mu.
func (o *Orchestrator) statusLocked(phase model.Phase) model.PhaseExecStatus {
	if s, ok := o.cache[phase]; ok {
		return s
	}
	return model.PhaseExecPending
}

// CanExecute reports whether phase's dependency graph currently allows it to
// run, mirroring can_execute_phase. It does not check runtime preconditions
// (see checkPreconditions), which require a store round-trip.
func (o *Orchestrator) CanExecute(phase model.Phase) (bool, string) {
	deps, known := model.PhaseDependencies[phase]
	if !known {
		return false, fmt.Sprintf("unknown phase: %s", phase)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.statusLocked(phase) {
	case model.PhaseExecCompleted:
		return false, "phase already completed"
	case model.PhaseExecRunning:
		return false, "phase already running"
	case model.PhaseExecSkipped:
		return false, "phase is skipped"
	}

	for _, dep := range deps {
		depStatus := o.statusLocked(dep)
		if depStatus == model.PhaseExecSkipped {
			continue
		}
		if depStatus != model.PhaseExecCompleted {
			return false, fmt.Sprintf("dependency %s not completed (status: %s)", dep, depStatus)
		}
	}
	return true, ""
}

// Execute runs phase's registered handler, under validation, precondition
// checks, and cascade-blocking of dependents on failure. It never panics:
// every failure path returns a best-effort persisted status, and all of them
// return a non-nil error except a runtime-precondition block, which returns
// a Result with Success false and a nil error.
func (o *Orchestrator) Execute(ctx context.Context, runID uuid.UUID, phase model.Phase) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, known := model.PhaseDependencies[phase]; !known {
		return nil, eris.Wrapf(ErrUnknownPhase, "%s", phase)
	}

	canExec, reason := o.canExecuteLocked(phase)
	if !canExec {
		if phase == model.PhaseContentAnalysis {
			ready, err := o.contentAnalysisReady(ctx, runID)
			if err != nil {
				o.log.Warn("content_analysis readiness check failed", zap.Error(err))
			}
			if !ready {
				return nil, eris.Wrapf(ErrPhaseBlocked, "%s: %s", phase, reason)
			}
		} else {
			return nil, eris.Wrapf(ErrPhaseBlocked, "%s: %s", phase, reason)
		}
	}

	ok, blockReason, err := o.checkPreconditions(ctx, runID, phase)
	if err != nil {
		// Conservative: a precondition-check failure never deadlocks the run.
		o.log.Warn("precondition check error, allowing execution",
			zap.String("phase", string(phase)), zap.Error(err))
	} else if !ok {
		// dsi_calculation missing its predecessor data (no content analysis
		// results yet, or channel-to-company resolution still pending) is a
		// skip per spec.md §4.9, not a block: the run's other phases already
		// ran to completion, there's just nothing to rank yet. Every other
		// phase's precondition failure still blocks, since those represent a
		// predecessor phase that itself needs to run or be retried.
		if phase == model.PhaseDSICalculation {
			o.cache[phase] = model.PhaseExecSkipped
			if persistErr := o.store.SkipPhase(ctx, runID, phase, []string{blockReason}); persistErr != nil {
				o.log.Warn("failed to persist skipped phase", zap.Error(persistErr))
			}
			o.log.Info("skipping phase", zap.String("phase", string(phase)), zap.String("reason", blockReason))
			return &Result{Success: true, Skipped: true, SkipReasons: []string{blockReason}}, nil
		}

		o.cache[phase] = model.PhaseExecBlocked
		if persistErr := o.store.BlockPendingPhases(ctx, runID, []model.Phase{phase}); persistErr != nil {
			o.log.Warn("failed to persist blocked phase", zap.Error(persistErr))
		}
		o.log.Warn("blocking phase", zap.String("phase", string(phase)), zap.String("reason", blockReason))
		return &Result{Success: false, Error: blockReason}, nil
	}

	handler, ok := o.handlers[phase]
	if !ok {
		return nil, eris.Wrapf(ErrNoHandler, "%s", phase)
	}

	o.cache[phase] = model.PhaseExecRunning
	if err := o.store.SetPhaseRunning(ctx, runID, phase); err != nil {
		o.log.Warn("failed to persist running status", zap.String("phase", string(phase)), zap.Error(err))
	}

	o.log.Info("starting phase", zap.String("run_id", runID.String()), zap.String("phase", string(phase)))
	start := time.Now()

	// The handler runs with the orchestrator's lock released, since phase
	// work may itself need to call back into the orchestrator's read-only
	// methods (CanExecute, Summary) from progress-reporting goroutines.
	o.mu.Unlock()
	result, execErr := handler(ctx, runID)
	o.mu.Lock()

	duration := time.Since(start)

	if execErr != nil {
		o.cache[phase] = model.PhaseExecFailed
		if persistErr := o.store.FailPhase(ctx, runID, phase, execErr.Error()); persistErr != nil {
			o.log.Warn("failed to persist phase failure", zap.Error(persistErr))
		}
		o.log.Error("phase failed",
			zap.String("phase", string(phase)),
			zap.Duration("duration", duration),
			zap.Error(execErr),
		)
		o.blockDependentsLocked(ctx, runID, phase)
		return nil, eris.Wrapf(execErr, "orchestrator: phase %s", phase)
	}

	if result == nil {
		result = &Result{Success: true}
	}
	if !result.Success {
		o.cache[phase] = model.PhaseExecFailed
		failErr := eris.Errorf("phase %s failed: %s", phase, result.Error)
		if persistErr := o.store.FailPhase(ctx, runID, phase, result.Error); persistErr != nil {
			o.log.Warn("failed to persist phase failure", zap.Error(persistErr))
		}
		o.log.Error("phase reported failure",
			zap.String("phase", string(phase)),
			zap.Duration("duration", duration),
			zap.String("error", result.Error),
		)
		o.blockDependentsLocked(ctx, runID, phase)
		return result, failErr
	}

	if result.Skipped {
		o.cache[phase] = model.PhaseExecSkipped
		if persistErr := o.store.SkipPhase(ctx, runID, phase, result.SkipReasons); persistErr != nil {
			o.log.Warn("failed to persist phase skip", zap.Error(persistErr))
		}
		o.log.Info("skipped phase",
			zap.String("phase", string(phase)),
			zap.Duration("duration", duration),
			zap.Strings("reasons", result.SkipReasons),
		)
		return result, nil
	}

	o.cache[phase] = model.PhaseExecCompleted
	if persistErr := o.store.CompletePhase(ctx, runID, phase, result.Data); persistErr != nil {
		o.log.Warn("failed to persist phase completion", zap.Error(persistErr))
	}
	o.log.Info("completed phase",
		zap.String("phase", string(phase)),
		zap.Duration("duration", duration),
	)
	return result, nil
}

// canExecuteLocked is CanExecute's body, for call sites already holding o.mu.
func (o *Orchestrator) canExecuteLocked(phase model.Phase) (bool, string) {
	deps, known := model.PhaseDependencies[phase]
	if !known {
		return false, fmt.Sprintf("unknown phase: %s", phase)
	}

	switch o.statusLocked(phase) {
	case model.PhaseExecCompleted:
		return false, "phase already completed"
	case model.PhaseExecRunning:
		return false, "phase already running"
	case model.PhaseExecSkipped:
		return false, "phase is skipped"
	}

	for _, dep := range deps {
		depStatus := o.statusLocked(dep)
		if depStatus == model.PhaseExecSkipped {
			continue
		}
		if depStatus != model.PhaseExecCompleted {
			return false, fmt.Sprintf("dependency %s not completed (status: %s)", dep, depStatus)
		}
	}
	return true, ""
}

// blockDependentsLocked marks every pending phase that directly depends on
// failedPhase as blocked, cascading the failure forward through the DAG.
// Caller must hold o.mu.
func (o *Orchestrator) blockDependentsLocked(ctx context.Context, runID uuid.UUID, failedPhase model.Phase) {
	var blocked []model.Phase
	for _, phase := range model.AllPhases() {
		deps := model.PhaseDependencies[phase]
		if !containsPhase(deps, failedPhase) {
			continue
		}
		if o.statusLocked(phase) != model.PhaseExecPending {
			continue
		}
		o.cache[phase] = model.PhaseExecBlocked
		blocked = append(blocked, phase)
	}
	if len(blocked) == 0 {
		return
	}
	if err := o.store.BlockPendingPhases(ctx, runID, blocked); err != nil {
		o.log.Warn("failed to persist blocked dependents", zap.Error(err))
	}
	o.log.Warn("blocked dependent phases",
		zap.String("failed_phase", string(failedPhase)),
		zap.Any("blocked", blocked),
	)
}

func containsPhase(phases []model.Phase, target model.Phase) bool {
	for _, p := range phases {
		if p == target {
			return true
		}
	}
	return false
}

// NextExecutable returns the first pending phase (in AllPhases order) whose
// dependencies are satisfied, or "" if none is currently runnable.
func (o *Orchestrator) NextExecutable() model.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, phase := range model.AllPhases() {
		if o.statusLocked(phase) != model.PhaseExecPending {
			continue
		}
		if ok, _ := o.canExecuteLocked(phase); ok {
			return phase
		}
	}
	return ""
}

// Summary is the execution-state rollup returned by Summary().
type Summary struct {
	TotalPhases     int                                    `json:"total_phases"`
	Completed       int                                    `json:"completed"`
	Failed          int                                    `json:"failed"`
	Blocked         int                                    `json:"blocked"`
	Pending         int                                    `json:"pending"`
	CompletedPhases []model.Phase                          `json:"completed_phases"`
	FailedPhases    []model.Phase                          `json:"failed_phases"`
	BlockedPhases   []model.Phase                          `json:"blocked_phases"`
	PendingPhases   []model.Phase                          `json:"pending_phases"`
	PhaseStatus     map[model.Phase]model.PhaseExecStatus  `json:"phase_status"`
}

// Summary reports the current state of every phase in the run's DAG.
func (o *Orchestrator) Summary() Summary {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Summary{PhaseStatus: make(map[model.Phase]model.PhaseExecStatus, len(model.AllPhases()))}
	for _, phase := range model.AllPhases() {
		status := o.statusLocked(phase)
		s.PhaseStatus[phase] = status
		s.TotalPhases++
		switch status {
		case model.PhaseExecCompleted:
			s.Completed++
			s.CompletedPhases = append(s.CompletedPhases, phase)
		case model.PhaseExecFailed:
			s.Failed++
			s.FailedPhases = append(s.FailedPhases, phase)
		case model.PhaseExecBlocked:
			s.Blocked++
			s.BlockedPhases = append(s.BlockedPhases, phase)
		case model.PhaseExecPending:
			s.Pending++
			s.PendingPhases = append(s.PendingPhases, phase)
		}
	}
	return s
}

// AllCriticalComplete reports whether every phase in model.CriticalPhases has
// reached PhaseExecCompleted, the run-level success gate of spec.md §7.
func (o *Orchestrator) AllCriticalComplete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for phase, critical := range model.CriticalPhases {
		if !critical {
			continue
		}
		if o.statusLocked(phase) != model.PhaseExecCompleted {
			return false
		}
	}
	return true
}
