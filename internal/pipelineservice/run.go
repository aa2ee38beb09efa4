package pipelineservice

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/orchestrator"
)

// Start creates a new PipelineRun and launches it in the background,
// returning immediately with the created run record.
func (s *Service) Start(ctx context.Context, mode model.RunMode, cfg model.PipelineConfig) (*model.PipelineRun, error) {
	now := time.Now().UTC()
	run := model.PipelineRun{
		ID:        uuid.New(),
		Mode:      mode,
		Status:    model.RunStatusPending,
		Config:    cfg,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipelineservice: create run")
	}
	s.launch(run.ID)
	return &run, nil
}

// Resume relaunches an existing, non-terminal run, replaying the
// orchestrator's hydrated phase cache against whatever completed before the
// previous attempt stopped (crash, process restart, or explicit cancel).
func (s *Service) Resume(ctx context.Context, runID uuid.UUID) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "pipelineservice: get run %s", runID)
	}
	if run == nil {
		return errNotFound
	}
	if run.Status.Terminal() {
		return eris.Errorf("pipelineservice: run %s already %s, cannot resume", runID, run.Status)
	}
	s.launch(runID)
	return nil
}

// Cancel signals a running pipeline's context to stop. Returns false if no
// run with that id is currently active in this process.
func (s *Service) Cancel(runID uuid.UUID) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// launch starts runPipeline in its own goroutine under a cancellable
// context tracked in s.cancels, so Cancel can reach it by run id.
func (s *Service) launch(runID uuid.UUID) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.cancels, runID)
			s.mu.Unlock()
			cancel()
		}()
		s.runPipeline(ctx, runID)
	}()
}

// runPipeline drives one run's phases from wherever the orchestrator's
// hydrated cache leaves off until no phase remains executable, then sets
// the run's terminal status from AllCriticalComplete, per spec.md §7.
// content_analysis is special-cased to start concurrently with
// content_scraping (not strictly after it, see spec.md §4.8) since the
// orchestrator already permits it to bypass the DAG-completion check once
// CountUnanalyzedEligible > 0.
func (s *Service) runPipeline(ctx context.Context, runID uuid.UUID) {
	log := s.log.With(zap.String("run_id", runID.String()))

	run, err := s.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		log.Error("run not found at launch", zap.Error(err))
		return
	}

	if err := s.store.UpdateRunStatus(ctx, runID, model.RunStatusRunning); err != nil {
		log.Warn("failed to mark run running", zap.Error(err))
	}
	s.broadcaster.Broadcast(runID, "run_started", map[string]any{"mode": run.Mode})

	orch := orchestrator.New(s.store)
	if err := orch.Initialize(ctx, runID, enabledPhasesFor(run.Config)); err != nil {
		s.failRun(ctx, runID, log, err)
		return
	}
	if err := orch.HydrateFromStore(ctx, runID); err != nil {
		log.Warn("failed to hydrate orchestrator from persisted phase state", zap.Error(err))
	}
	s.registerHandlers(orch, run)

	var analysisDone chan struct{}
	for {
		select {
		case <-ctx.Done():
			if analysisDone != nil {
				<-analysisDone
			}
			if err := s.store.UpdateRunStatus(ctx, runID, model.RunStatusCancelled); err != nil {
				log.Warn("failed to mark run cancelled", zap.Error(err))
			}
			s.broadcaster.Broadcast(runID, "run_cancelled", nil)
			return
		default:
		}

		phase := orch.NextExecutable()
		if phase == "" {
			if analysisDone != nil {
				<-analysisDone
				analysisDone = nil
				continue
			}
			break
		}

		if phase == model.PhaseContentScraping {
			done := make(chan struct{})
			analysisDone = done
			go func() {
				defer close(done)
				if _, aErr := orch.Execute(ctx, runID, model.PhaseContentAnalysis); aErr != nil {
					log.Warn("content_analysis phase ended with error", zap.Error(aErr))
				}
			}()
		}

		result, execErr := orch.Execute(ctx, runID, phase)
		if execErr != nil {
			log.Warn("phase execution error", zap.String("phase", string(phase)), zap.Error(execErr))
			if appendErr := s.store.AppendRunError(ctx, runID, execErr.Error(), false); appendErr != nil {
				log.Warn("failed to append run error", zap.Error(appendErr))
			}
		}
		s.broadcastPhase(runID, phase, result)
	}

	if analysisDone != nil {
		<-analysisDone
	}

	status := model.RunStatusFailed
	if orch.AllCriticalComplete() {
		status = model.RunStatusCompleted
	}
	if err := s.store.UpdateRunStatus(ctx, runID, status); err != nil {
		log.Warn("failed to persist final run status", zap.String("status", string(status)), zap.Error(err))
	}
	s.broadcaster.Broadcast(runID, "run_"+string(status), map[string]any{"summary": orch.Summary()})
}

func (s *Service) failRun(ctx context.Context, runID uuid.UUID, log *zap.Logger, err error) {
	log.Error("pipeline run failed to initialize", zap.Error(err))
	if appendErr := s.store.AppendRunError(ctx, runID, err.Error(), false); appendErr != nil {
		log.Warn("failed to append run error", zap.Error(appendErr))
	}
	if statusErr := s.store.UpdateRunStatus(ctx, runID, model.RunStatusFailed); statusErr != nil {
		log.Warn("failed to mark run failed", zap.Error(statusErr))
	}
}

func (s *Service) broadcastPhase(runID uuid.UUID, phase model.Phase, result *orchestrator.Result) {
	payload := map[string]any{"phase": string(phase)}
	if result != nil {
		payload["success"] = result.Success
		payload["skipped"] = result.Skipped
		payload["data"] = result.Data
	}
	s.broadcaster.Broadcast(runID, "phase_update", payload)
}

// bumpCounters applies mutate to the run's current counters and persists
// the whole struct back, since UpdateRunCounters overwrites the stored
// blob wholesale rather than merging individual fields.
func (s *Service) bumpCounters(ctx context.Context, runID uuid.UUID, mutate func(c *model.RunCounters)) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		s.log.Warn("bump counters: get run failed", zap.String("run_id", runID.String()), zap.Error(err))
		return
	}
	counters := run.Counters
	mutate(&counters)
	if err := s.store.UpdateRunCounters(ctx, runID, counters); err != nil {
		s.log.Warn("bump counters: update failed", zap.String("run_id", runID.String()), zap.Error(err))
	}
}
