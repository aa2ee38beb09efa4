// Package scheduler drives recurring PipelineRuns off a single cron
// expression, re-launching the most recent scheduled configuration for
// each client once that client's prior scheduled run has completed;
// failed or cancelled runs are not relaunched. Per-dimension/per-schedule CRUD administration is out of
// scope (spec.md's Non-goals: "CRUD administration endpoints for
// dimensions, users, schedules, and exports"); this package supplies the
// domain behavior those thin endpoints would ultimately trigger.
package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
)

// Launcher starts a new pipeline run. internal/pipelineservice.Service
// satisfies this directly.
type Launcher interface {
	Start(ctx context.Context, mode model.RunMode, cfg model.PipelineConfig) (*model.PipelineRun, error)
}

// Scheduler polls for clients whose last scheduled run is due again and
// launches the next one, on a single cron.v3-parsed cadence.
type Scheduler struct {
	store    store.Store
	launcher Launcher
	log      *zap.Logger

	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// New builds a Scheduler. spec is a standard 5-field cron expression (e.g.
// "0 */6 * * *" for every six hours); the scheduler never fans out by
// per-client spec, matching the single `scheduler.spec` config knob.
func New(st store.Store, launcher Launcher, spec string) (*Scheduler, error) {
	s := &Scheduler{
		store:    st,
		launcher: launcher,
		log:      zap.L().Named("scheduler"),
		cron:     cron.New(),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, eris.Wrapf(err, "scheduler: invalid cron spec %q", spec)
	}
	return s, nil
}

// Start begins the cron loop. Safe to call once; a second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started")
	return nil
}

// Stop drains in-flight cron jobs and halts the loop, respecting ctx's
// deadline the way the cron library's own Stop context does.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}

// tick finds every scheduled-mode run whose status is completed and whose
// client has no currently-running scheduled run, then relaunches each
// client's most recent configuration with is_initial_run cleared.
func (s *Scheduler) tick() {
	ctx := context.Background()

	completed, err := s.store.ListRuns(ctx, store.RunFilter{Status: model.RunStatusCompleted, Limit: 200})
	if err != nil {
		s.log.Warn("scheduler: list completed runs failed", zap.Error(err))
		return
	}

	running, err := s.store.ListRunningRuns(ctx)
	if err != nil {
		s.log.Warn("scheduler: list running runs failed", zap.Error(err))
		return
	}
	busyClients := make(map[string]bool, len(running))
	for _, r := range running {
		if r.Mode == model.RunModeScheduled {
			busyClients[r.Config.ClientID] = true
		}
	}

	latestByClient := make(map[string]model.PipelineRun)
	for _, r := range completed {
		if r.Mode != model.RunModeScheduled || r.Config.Schedule == nil || r.CompletedAt == nil {
			continue
		}
		prev, ok := latestByClient[r.Config.ClientID]
		if !ok || prev.CompletedAt == nil || r.CompletedAt.After(*prev.CompletedAt) {
			latestByClient[r.Config.ClientID] = r
		}
	}

	for clientID, prev := range latestByClient {
		if busyClients[clientID] {
			continue
		}
		cfg := prev.Config
		nextSchedule := *cfg.Schedule
		nextSchedule.IsInitial = false
		cfg.Schedule = &nextSchedule

		if _, err := s.launcher.Start(ctx, model.RunModeScheduled, cfg); err != nil {
			s.log.Error("scheduler: relaunch failed", zap.String("client_id", clientID), zap.Error(err))
			continue
		}
		s.log.Info("scheduler: relaunched client", zap.String("client_id", clientID))
	}
}
