// ABOUTME: Tests for the deferred task runner
// ABOUTME: Uses the in-memory store and a controllable clock

package deferred

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/order-gateway/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *store.MockStore, *clock) {
	t.Helper()
	st := store.NewMockStore()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := New(st, nil, append([]Option{WithClock(clk.Now)}, opts...)...)
	return q, st, clk
}

func TestQueue_RunsOnlyDueTasks(t *testing.T) {
	q, st, clk := newTestQueue(t)
	ctx := context.Background()

	var got []string
	q.Register("echo", func(ctx context.Context, payload []byte) error {
		got = append(got, string(payload))
		return nil
	})

	_, err := q.Schedule(ctx, clk.Now().Add(time.Minute), "echo", []byte("one"))
	require.NoError(t, err)
	_, err = q.Schedule(ctx, clk.Now().Add(5*time.Minute), "echo", []byte("two"))
	require.NoError(t, err)

	n, err := q.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Advance(time.Minute)
	n, err = q.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"one"}, got)

	clk.Advance(10 * time.Minute)
	_, err = q.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)

	// nothing runs twice
	n, err = q.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, task := range st.Tasks() {
		assert.Equal(t, store.TaskDone, task.Status)
		assert.Equal(t, 1, task.Attempts)
	}
}

func TestQueue_FailuresAreRecorded(t *testing.T) {
	q, st, clk := newTestQueue(t)
	ctx := context.Background()

	q.Register("boom", func(ctx context.Context, payload []byte) error {
		return errors.New("exploded")
	})
	q.Register("panic", func(ctx context.Context, payload []byte) error {
		panic("bad payload")
	})

	_, err := q.Schedule(ctx, clk.Now(), "boom", nil)
	require.NoError(t, err)
	_, err = q.Schedule(ctx, clk.Now(), "panic", nil)
	require.NoError(t, err)
	_, err = q.Schedule(ctx, clk.Now(), "nobody", nil)
	require.NoError(t, err)

	n, err := q.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	byKind := map[string]store.Task{}
	for _, task := range st.Tasks() {
		byKind[task.Kind] = task
	}
	assert.Equal(t, store.TaskFailed, byKind["boom"].Status)
	assert.Equal(t, "exploded", byKind["boom"].LastError)
	assert.Equal(t, store.TaskFailed, byKind["panic"].Status)
	assert.Contains(t, byKind["panic"].LastError, "bad payload")
	assert.Equal(t, store.TaskFailed, byKind["nobody"].Status)
}

func TestQueue_TaskClaimedBeforeCrashRunsAfterRestart(t *testing.T) {
	st := store.NewMockStore()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	first := New(st, nil, WithClock(clk.Now))
	id, err := first.Schedule(ctx, clk.Now(), "echo", []byte("late"))
	require.NoError(t, err)

	// the first process claims the task and dies before running it
	claimed, err := st.ClaimDueTasks(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	restarted := New(st, nil, WithClock(clk.Now))
	var got []string
	restarted.Register("echo", func(ctx context.Context, payload []byte) error {
		got = append(got, string(payload))
		return nil
	})

	n, err := restarted.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still held")

	clk.Advance(store.TaskLease)
	n, err = restarted.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"late"}, got)

	tasks := st.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)
	assert.Equal(t, store.TaskDone, tasks[0].Status)
	assert.Equal(t, 2, tasks[0].Attempts)
}

func TestQueue_ShutdownLeavesTaskForReclaim(t *testing.T) {
	q, st, clk := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	q.Register("slow", func(ctx context.Context, payload []byte) error {
		calls++
		if calls == 1 {
			cancel()
			return ctx.Err()
		}
		return nil
	})
	_, err := q.Schedule(context.Background(), clk.Now(), "slow", nil)
	require.NoError(t, err)
	_, err = q.Schedule(context.Background(), clk.Now(), "slow", nil)
	require.NoError(t, err)

	_, err = q.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "no new task starts after cancellation")
	for _, task := range st.Tasks() {
		assert.Equal(t, store.TaskRunning, task.Status)
	}

	clk.Advance(store.TaskLease)
	n, err := q.RunDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, task := range st.Tasks() {
		assert.Equal(t, store.TaskDone, task.Status)
	}
}

func TestQueue_BatchSize(t *testing.T) {
	q, _, clk := newTestQueue(t, WithBatchSize(2))
	ctx := context.Background()

	count := 0
	q.Register("k", func(ctx context.Context, payload []byte) error {
		count++
		return nil
	})
	for i := 0; i < 5; i++ {
		_, err := q.Schedule(ctx, clk.Now(), "k", nil)
		require.NoError(t, err)
	}

	n, err := q.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	q.drain(ctx)
	assert.Equal(t, 5, count)
}

func TestQueue_RunStopsOnCancel(t *testing.T) {
	q, _, clk := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	q.Register("k", func(ctx context.Context, payload []byte) error {
		close(done)
		return nil
	})
	_, err := q.Schedule(ctx, clk.Now(), "k", nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx, 5*time.Millisecond) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestQueue_WithSQLiteStore(t *testing.T) {
	st, err := store.NewSQLiteStore(t.TempDir() + "/tasks.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := New(st, nil, WithClock(clk.Now))
	ctx := context.Background()

	var payload []byte
	q.Register("k", func(ctx context.Context, p []byte) error {
		payload = p
		return nil
	})
	_, err = q.Schedule(ctx, clk.Now().Add(time.Second), "k", []byte(`{"a":1}`))
	require.NoError(t, err)

	clk.Advance(time.Second)
	n, err := q.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.JSONEq(t, `{"a":1}`, string(payload))
}
