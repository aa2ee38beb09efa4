// Package queue implements the durable, leased priority Job Queue:
// SKIP LOCKED acquisition, exponential-backoff retry, and a dead-letter
// lane for jobs that exhaust their attempts.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
)

// Handler processes one job's payload. A non-nil error fails the job
// (retried with backoff until max_attempts, then dead-lettered).
type Handler func(ctx context.Context, payload map[string]any) error

// Queue is the domain layer over store.QueueStore for a single named
// queue: handler dispatch, a bounded worker pool, and dead-letter/stats
// pass-throughs, matching job_queue.py's JobQueue.
type Queue struct {
	name     string
	store    store.QueueStore
	workerID string
	lockTTL  time.Duration

	handlers map[string]Handler
	log      *zap.Logger
}

// New builds a Queue bound to queueName. lockTTL governs both the
// acquisition lock timeout and how long an expired lock is considered
// stale and released back to pending, per job_queue.py's
// lock_timeout_seconds.
func New(name string, st store.QueueStore, workerID string, lockTTL time.Duration) *Queue {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()
	}
	return &Queue{
		name:     name,
		store:    st,
		workerID: workerID,
		lockTTL:  lockTTL,
		handlers: make(map[string]Handler),
		log:      zap.L().Named("queue").With(zap.String("queue", name)),
	}
}

// RegisterHandler binds a handler to a job type, so Run can dispatch
// acquired jobs without a caller-side type switch.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.handlers[jobType] = h
}

// Enqueue adds one job, scheduled after delay.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload map[string]any, priority int, delay time.Duration, maxAttempts int) (uuid.UUID, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	job := model.Job{
		ID:           uuid.New(),
		QueueName:    q.name,
		JobType:      jobType,
		Payload:      payload,
		Priority:     priority,
		Status:       model.JobStatusPending,
		MaxAttempts:  maxAttempts,
		ScheduledFor: time.Now().UTC().Add(delay),
		CreatedAt:    time.Now().UTC(),
	}
	if err := q.store.Enqueue(ctx, job); err != nil {
		return uuid.Nil, eris.Wrapf(err, "queue %s: enqueue %s", q.name, jobType)
	}
	q.log.Info("enqueued job", zap.String("job_id", job.ID.String()), zap.String("job_type", jobType))
	return job.ID, nil
}

// BulkEnqueue adds many jobs in one round trip, for the Batch Collector's
// per-keyword/region fan-out.
func (q *Queue) BulkEnqueue(ctx context.Context, jobs []model.Job) (int, error) {
	for i := range jobs {
		if jobs[i].ID == uuid.Nil {
			jobs[i].ID = uuid.New()
		}
		jobs[i].QueueName = q.name
		if jobs[i].MaxAttempts <= 0 {
			jobs[i].MaxAttempts = 3
		}
		if jobs[i].ScheduledFor.IsZero() {
			jobs[i].ScheduledFor = time.Now().UTC()
		}
		if jobs[i].CreatedAt.IsZero() {
			jobs[i].CreatedAt = time.Now().UTC()
		}
	}
	n, err := q.store.BulkEnqueue(ctx, jobs)
	if err != nil {
		return 0, eris.Wrapf(err, "queue %s: bulk enqueue", q.name)
	}
	q.log.Info("bulk enqueued jobs", zap.Int("count", n))
	return n, nil
}

// Run drains the queue with up to concurrency worker goroutines until
// ctx is cancelled. Each worker polls for a job, dispatches it to its
// registered handler, and completes or fails it; an empty queue backs
// each worker off by pollInterval, matching process_jobs's idle sleep.
func (q *Queue) Run(ctx context.Context, concurrency int, pollInterval time.Duration) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		default:
		}

		job, err := q.store.Acquire(gctx, q.name, q.workerID, q.lockTTL)
		if err != nil {
			return eris.Wrapf(err, "queue %s: acquire", q.name)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return g.Wait()
			case <-time.After(pollInterval):
			}
			continue
		}

		j := *job
		g.Go(func() error {
			q.process(gctx, j)
			return nil
		})
	}
}

// process dispatches one acquired job to its handler and records the
// outcome, per job_queue.py's _process_job.
func (q *Queue) process(ctx context.Context, job model.Job) {
	log := q.log.With(zap.String("job_id", job.ID.String()), zap.String("job_type", job.JobType))

	handler, ok := q.handlers[job.JobType]
	if !ok {
		log.Error("no handler registered for job type")
		if err := q.store.FailJob(ctx, job.ID, "no handler for job type: "+job.JobType, time.Second); err != nil {
			log.Error("fail unregistered job", zap.Error(err))
		}
		return
	}

	log.Info("processing job")
	if err := handler(ctx, job.Payload); err != nil {
		log.Warn("job handler failed", zap.Error(err))
		if ferr := q.store.FailJob(ctx, job.ID, err.Error(), time.Second); ferr != nil {
			log.Error("record job failure", zap.Error(ferr))
		}
		return
	}

	if err := q.store.CompleteJob(ctx, job.ID); err != nil {
		log.Error("record job completion", zap.Error(err))
		return
	}
	log.Info("job completed")
}

// Stats returns the queue's pending/processing/completed/failed/dead-letter
// counts and average processing time, per job_queue.py's get_queue_stats.
func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	stats, err := q.store.QueueStats(ctx, q.name)
	if err != nil {
		return model.QueueStats{}, eris.Wrapf(err, "queue %s: stats", q.name)
	}
	return stats, nil
}

// RetryDeadLetter resets dead-lettered jobs back to pending. A nil ids
// slice retries every dead-lettered job in the queue.
func (q *Queue) RetryDeadLetter(ctx context.Context, ids []uuid.UUID) (int, error) {
	n, err := q.store.RetryDeadLetter(ctx, ids)
	if err != nil {
		return 0, eris.Wrapf(err, "queue %s: retry dead letter", q.name)
	}
	q.log.Info("retried dead letter jobs", zap.Int("count", n))
	return n, nil
}
