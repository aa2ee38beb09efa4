package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
)

// Manager multiplexes several named queues sharing one worker id and
// store, matching job_queue.py's JobQueueManager.
type Manager struct {
	store    store.QueueStore
	workerID string
	lockTTL  time.Duration

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewManager builds a Manager. workerID identifies this process's locks
// across every queue it acquires from; an empty value generates one.
func NewManager(st store.QueueStore, workerID string, lockTTL time.Duration) *Manager {
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()
	}
	return &Manager{
		store:    st,
		workerID: workerID,
		lockTTL:  lockTTL,
		queues:   make(map[string]*Queue),
	}
}

// Queue returns the named queue, creating it on first use.
func (m *Manager) Queue(name string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		return q
	}
	q := New(name, m.store, m.workerID, m.lockTTL)
	m.queues[name] = q
	return q
}

// RunAll starts every registered queue's worker pool concurrently and
// blocks until ctx is cancelled and all have drained in-flight jobs.
func (m *Manager) RunAll(ctx context.Context, concurrency int, pollInterval time.Duration) error {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(queues))
	for i, q := range queues {
		wg.Add(1)
		go func(i int, q *Queue) {
			defer wg.Done()
			errs[i] = q.Run(ctx, concurrency, pollInterval)
		}(i, q)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// AllStats returns every registered queue's current stats.
func (m *Manager) AllStats(ctx context.Context) (map[string]model.QueueStats, error) {
	m.mu.Lock()
	queues := make(map[string]*Queue, len(m.queues))
	for name, q := range m.queues {
		queues[name] = q
	}
	m.mu.Unlock()

	out := make(map[string]model.QueueStats, len(queues))
	for name, q := range queues {
		stats, err := q.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = stats
	}
	return out, nil
}
