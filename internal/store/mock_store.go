// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/order-gateway/internal/cart"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	orders        map[string]*Order        // keyed by order ID
	counters      map[string]int64         // keyed by store ID
	alertsSent    map[string]bool          // keyed by "orderID:stageID:kind"
	tasks         map[string]*Task         // keyed by task ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		orders:        make(map[string]*Order),
		counters:      make(map[string]int64),
		alertsSent:    make(map[string]bool),
		tasks:         make(map[string]*Task),
	}
}

func (m *MockStore) latest(customerKey, storeID string, since time.Time) *Conversation {
	var best *Conversation
	for _, c := range m.conversations {
		if c.CustomerKey != customerKey || c.StoreID != storeID {
			continue
		}
		if !since.IsZero() && c.LastActivityAt.Before(since) {
			continue
		}
		if best == nil || c.LastActivityAt.After(best.LastActivityAt) {
			best = c
		}
	}
	return best
}

// GetConversation returns the most recently active conversation for the pair.
func (m *MockStore) GetConversation(ctx context.Context, customerKey, storeID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.latest(customerKey, storeID, time.Time{})
	if c == nil {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// GetRecentConversation returns the latest conversation active at or after since.
func (m *MockStore) GetRecentConversation(ctx context.Context, customerKey, storeID string, since time.Time) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.latest(customerKey, storeID, since)
	if c == nil {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.CreatedAt
	}
	m.conversations[conv.ID] = conv.Clone()
	return conv.ID, nil
}

// UpdateConversation replaces a stored conversation.
func (m *MockStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = time.Now().UTC()
	}
	c := conv.Clone()
	c.CreatedAt = existing.CreatedAt
	m.conversations[conv.ID] = c
	return nil
}

// DeleteConversation removes a conversation.
func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	return nil
}

// DeleteIdleConversations removes conversations inactive since before the cutoff.
func (m *MockStore) DeleteIdleConversations(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, c := range m.conversations {
		if c.LastActivityAt.Before(before) {
			delete(m.conversations, id)
			n++
		}
	}
	return n, nil
}

// ConversationCount returns how many conversations are stored.
func (m *MockStore) ConversationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

func copyOrder(o *Order) *Order {
	out := *o
	out.Items = make([]cart.Item, len(o.Items))
	for i, it := range o.Items {
		out.Items[i] = it.Clone()
	}
	out.StageHistory = append([]StageEntry(nil), o.StageHistory...)
	return &out
}

// CreateOrder stores an order and assigns its store-scoped number.
func (m *MockStore) CreateOrder(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("inserting order %s: %w", order.ID, ErrDuplicate)
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt
	if order.CurrentStage.EnteredAt.IsZero() {
		order.CurrentStage.EnteredAt = order.CreatedAt
	}
	m.counters[order.StoreID]++
	order.Number = m.counters[order.StoreID]

	m.orders[order.ID] = copyOrder(order)
	return nil
}

// GetOrder retrieves an order by ID.
func (m *MockStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(o), nil
}

// ListOrders returns orders newest first.
func (m *MockStore) ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if filter.StoreID != "" && o.StoreID != filter.StoreID {
			continue
		}
		if filter.ActiveOnly && (o.Cancelled || o.CurrentStage.StageID >= 4) {
			continue
		}
		c := copyOrder(o)
		c.StageHistory = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Number > out[j].Number
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ApplyTransition applies a compare-and-set stage change and records the
// closed stage.
func (m *MockStore) ApplyTransition(ctx context.Context, orderID string, update StageUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if o.Cancelled || o.CurrentStage.StageID != update.FromStageID {
		return fmt.Errorf("%w: order %s is at stage %d, expected %d", ErrStageConflict, orderID, o.CurrentStage.StageID, update.FromStageID)
	}
	o.CurrentStage = update.To
	o.Cancelled = update.Cancelled
	o.CancelReason = update.CancelReason
	o.StageHistory = append(o.StageHistory, update.Closed)
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkAlertSent records a dispatched alert.
func (m *MockStore) MarkAlertSent(ctx context.Context, orderID string, stageID int, kind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s:%d:%s", orderID, stageID, kind)
	if m.alertsSent[key] {
		return false, nil
	}
	m.alertsSent[key] = true
	return true, nil
}

// CreateTask stores a pending task.
func (m *MockStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskPending
	}
	task.FireAt = ceilSecond(task.FireAt.UTC())
	t := *task
	t.Payload = append([]byte(nil), task.Payload...)
	m.tasks[t.ID] = &t
	return nil
}

// ClaimDueTasks returns pending tasks due at or before now and running tasks
// whose lease expired, marking them running.
func (m *MockStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := now.Add(-TaskLease)
	var due []*Task
	for _, t := range m.tasks {
		switch {
		case t.Status == TaskPending && !t.FireAt.After(now):
			due = append(due, t)
		case t.Status == TaskRunning && !t.UpdatedAt.After(expired):
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Task, 0, len(due))
	for _, t := range due {
		t.Status = TaskRunning
		t.Attempts++
		t.UpdatedAt = now
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

// CompleteTask marks a task as done.
func (m *MockStore) CompleteTask(ctx context.Context, id string) error {
	return m.finishTask(id, TaskDone, "")
}

// FailTask marks a task as failed.
func (m *MockStore) FailTask(ctx context.Context, id string, reason string) error {
	return m.finishTask(id, TaskFailed, reason)
}

func (m *MockStore) finishTask(id, status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.LastError = reason
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Tasks returns a snapshot of every stored task ordered by fire time.
func (m *MockStore) Tasks() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface check
var _ Store = (*MockStore)(nil)
