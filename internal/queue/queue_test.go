package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestQueue_EnqueueAndRun_CompletesJob(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := New("scrape_dispatch", st, "worker-test", time.Minute)

	var processed atomic.Int32
	done := make(chan struct{})
	q.RegisterHandler("scrape_url", func(_ context.Context, payload map[string]any) error {
		processed.Add(1)
		close(done)
		return nil
	})

	_, err := q.Enqueue(ctx, "scrape_url", map[string]any{"url": "https://acme.com"}, model.JobPriorityNormal, 0, 3)
	require.NoError(t, err)

	go func() { _ = q.Run(ctx, 2, 10*time.Millisecond) }()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("job was not processed before context deadline")
	}
	cancel()

	assert.Equal(t, int32(1), processed.Load())
}

func TestQueue_Run_RetriesThenDeadLetters(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := New("flaky", st, "worker-test", time.Minute)

	var attempts atomic.Int32
	q.RegisterHandler("always_fails", func(_ context.Context, _ map[string]any) error {
		attempts.Add(1)
		return errors.New("boom")
	})

	_, err := q.Enqueue(ctx, "always_fails", map[string]any{}, model.JobPriorityNormal, 0, 2)
	require.NoError(t, err)

	go func() { _ = q.Run(ctx, 1, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return attempts.Load() >= 2
	}, time.Second, 10*time.Millisecond)
	cancel()

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetter)
}

func TestQueue_Process_NoHandlerFailsJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	q := New("unhandled", st, "worker-test", time.Minute)
	_, err := q.Enqueue(ctx, "mystery_type", map[string]any{}, model.JobPriorityNormal, 0, 1)
	require.NoError(t, err)

	job, err := st.Acquire(ctx, "unhandled", "worker-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	q.process(ctx, *job)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetter)
}

func TestQueue_RetryDeadLetter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	q := New("q", st, "worker-test", time.Minute)
	id, err := q.Enqueue(ctx, "t", map[string]any{}, model.JobPriorityNormal, 0, 1)
	require.NoError(t, err)

	job, err := st.Acquire(ctx, "q", "worker-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, st.FailJob(ctx, job.ID, "boom", time.Millisecond))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.DeadLetter)

	n, err := q.RetryDeadLetter(ctx, []uuid.UUID{id})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.DeadLetter)
}

func TestManager_QueueIsMemoized(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, "worker-test", time.Minute)

	a := m.Queue("alpha")
	b := m.Queue("alpha")
	assert.Same(t, a, b)

	c := m.Queue("beta")
	assert.NotSame(t, a, c)
}

func TestManager_AllStats(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, "worker-test", time.Minute)

	q := m.Queue("alpha")
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "t", map[string]any{}, model.JobPriorityNormal, 0, 3)
	require.NoError(t, err)

	stats, err := m.AllStats(ctx)
	require.NoError(t, err)
	require.Contains(t, stats, "alpha")
	assert.Equal(t, 1, stats["alpha"].Pending)
}
