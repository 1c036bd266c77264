// ABOUTME: Durable deferred task runner backed by the task table
// ABOUTME: Tasks run at least once after their fire time; abandoned claims are retried after the store's lease

package deferred

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/order-gateway/internal/metrics"
	"github.com/2389/order-gateway/internal/store"
)

// Handler runs one task payload.
type Handler func(ctx context.Context, payload []byte) error

// DefaultBatchSize is how many due tasks one RunDue pass claims.
const DefaultBatchSize = 50

// Queue schedules payloads for later execution and runs them when due.
type Queue struct {
	store    store.TaskStore
	mu       sync.RWMutex
	handlers map[string]Handler
	batch    int
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now, for tests and simulations.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithBatchSize sets how many tasks are claimed per pass.
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batch = n
		}
	}
}

// New creates a queue over st. A nil logger falls back to slog.Default.
func New(st store.TaskStore, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:    st,
		handlers: make(map[string]Handler),
		batch:    DefaultBatchSize,
		now:      time.Now,
		logger:   logger.With("component", "deferred"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register sets the handler for a task kind, replacing any previous one.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Schedule stores a task to run at or after at. Returns the task id.
func (q *Queue) Schedule(ctx context.Context, at time.Time, kind string, payload []byte) (string, error) {
	task := &store.Task{
		ID:      uuid.New().String(),
		Kind:    kind,
		Payload: payload,
		FireAt:  at.UTC(),
		Status:  store.TaskPending,
	}
	if err := q.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("storing %s task: %w", kind, err)
	}
	return task.ID, nil
}

// RunDue claims the tasks due now and runs them. Returns how many ran. Tasks
// claimed but not finished before ctx ends stay running in the store and are
// handed out again after store.TaskLease.
func (q *Queue) RunDue(ctx context.Context) (int, error) {
	now := q.now()
	tasks, err := q.store.ClaimDueTasks(ctx, now, q.batch)
	if err != nil {
		return 0, fmt.Errorf("claiming due tasks: %w", err)
	}
	for i, task := range tasks {
		if ctx.Err() != nil {
			q.logger.Info("stopping with claimed tasks left running", "remaining", len(tasks)-i)
			return i, nil
		}
		q.run(ctx, task, now)
	}
	return len(tasks), nil
}

func (q *Queue) run(ctx context.Context, task *store.Task, now time.Time) {
	logger := q.logger.With("task_id", task.ID, "kind", task.Kind)
	lag := now.Sub(task.FireAt)

	h, ok := q.handler(task.Kind)
	if !ok {
		logger.Error("no handler for task kind")
		metrics.RecordDeferredTask(task.Kind, "unknown_kind", lag)
		if err := q.store.FailTask(ctx, task.ID, "no handler registered"); err != nil {
			logger.Error("marking task failed", "error", err)
		}
		return
	}

	if err := q.call(ctx, h, task.Payload); err != nil {
		if ctx.Err() != nil {
			// left running; the next runner reclaims it once the lease expires
			logger.Info("task interrupted by shutdown", "error", err)
			metrics.RecordDeferredTask(task.Kind, "interrupted", lag)
			return
		}
		logger.Warn("task failed", "error", err, "attempts", task.Attempts)
		metrics.RecordDeferredTask(task.Kind, "failed", lag)
		if ferr := q.store.FailTask(ctx, task.ID, err.Error()); ferr != nil {
			logger.Error("marking task failed", "error", ferr)
		}
		return
	}

	metrics.RecordDeferredTask(task.Kind, "done", lag)
	if err := q.store.CompleteTask(ctx, task.ID); err != nil {
		logger.Error("marking task done", "error", err)
	}
}

// call runs h, turning a panic into an error so one bad task cannot stop the runner.
func (q *Queue) call(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}

// Run polls for due tasks every interval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Info("deferred task runner started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("deferred task runner stopped")
			return ctx.Err()
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

// drain keeps claiming while full batches come back.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := q.RunDue(ctx)
		if err != nil {
			q.logger.Error("running due tasks", "error", err)
			return
		}
		if n < q.batch {
			return
		}
	}
}
