// ABOUTME: Tests for stage transitions, alert scheduling and alert validation
// ABOUTME: Runs the workflow over the in-memory store and the deferred queue with a fake clock

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/order-gateway/internal/cart"
	"github.com/2389/order-gateway/internal/deferred"
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

// slaMinutes maps stage id to minutes for every store.
type slaMinutes map[int]int

func (s slaMinutes) StageMinutes(ctx context.Context, storeID string, stageID int) (int, error) {
	return s[stageID], nil
}

type notification struct {
	OrderID string
	Kind    AlertKind
	Stage   Stage
	From    Stage
}

type recordingNotifier struct {
	mu      sync.Mutex
	alerts  []notification
	changes []notification
	err     error
}

func (n *recordingNotifier) NotifyAlert(ctx context.Context, order *store.Order, kind AlertKind, stage Stage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, notification{OrderID: order.ID, Kind: kind, Stage: stage})
	return nil
}

func (n *recordingNotifier) NotifyStageChange(ctx context.Context, order *store.Order, from, to Stage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, notification{OrderID: order.ID, Stage: to, From: from})
	return nil
}

func (n *recordingNotifier) Alerts() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.alerts...)
}

type harness struct {
	engine   *Engine
	store    *store.MockStore
	queue    *deferred.Queue
	clock    *clock
	notifier *recordingNotifier
}

func newHarness(t *testing.T, sla slaMinutes) *harness {
	t.Helper()
	st := store.NewMockStore()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := deferred.New(st, nil, deferred.WithClock(clk.Now))
	n := &recordingNotifier{}

	e := New(st, NewAlertScheduler(q, 0.8, nil), sla, n, nil)
	e.now = clk.Now
	q.Register(TaskKindAlert, e.HandleAlertTask)

	return &harness{engine: e, store: st, queue: q, clock: clk, notifier: n}
}

func (h *harness) placeOrder(t *testing.T) *store.Order {
	t.Helper()
	order := &store.Order{
		StoreID:        "store-1",
		CustomerKey:    "5511999990000",
		CustomerName:   "Ana",
		DeliveryOption: store.DeliveryCounter,
		PaymentMethod:  "cash",
		Items:          []cart.Item{{ProductRef: "12", Name: "Soda", UnitPrice: 590, Quantity: 2}},
	}
	require.NoError(t, h.engine.PlaceOrder(context.Background(), order))
	return order
}

func (h *harness) runDue(t *testing.T) {
	t.Helper()
	_, err := h.queue.RunDue(context.Background())
	require.NoError(t, err)
}

func TestCanTransition_OnlyForwardEdgesAndCancel(t *testing.T) {
	allowed := map[[2]Stage]bool{
		{1, 2}: true, {2, 3}: true, {3, 4}: true,
		{1, 5}: true, {2, 5}: true, {3, 5}: true,
	}
	for from := Stage(0); from <= 6; from++ {
		for to := Stage(0); to <= 6; to++ {
			assert.Equal(t, allowed[[2]Stage{from, to}], CanTransition(from, to), "%d -> %d", from, to)
		}
	}
}

func TestStage_StringAndParse(t *testing.T) {
	assert.Equal(t, "DELIVERY_ROUTE", StageDeliveryRoute.String())
	assert.Equal(t, "STAGE(9)", Stage(9).String())
	assert.True(t, StageCanceled.IsTerminal())
	assert.False(t, StageQueue.IsTerminal())

	s, err := ParseStage("preparation")
	require.NoError(t, err)
	assert.Equal(t, StagePreparation, s)
	s, err = ParseStage("4")
	require.NoError(t, err)
	assert.Equal(t, StageDelivered, s)
	_, err = ParseStage("lost")
	assert.Error(t, err)
}

type recordingTasks struct {
	at       []time.Time
	payloads []AlertPayload
}

func (r *recordingTasks) Schedule(ctx context.Context, at time.Time, kind string, payload []byte) (string, error) {
	var p AlertPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", err
	}
	r.at = append(r.at, at)
	r.payloads = append(r.payloads, p)
	return "task", nil
}

func TestAlertScheduler_ScheduleStageAlerts(t *testing.T) {
	tasks := &recordingTasks{}
	s := NewAlertScheduler(tasks, 0.8, nil)
	entered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ids, err := s.ScheduleStageAlerts(context.Background(), "o1", StageQueue, "store-1", entered, 10)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	require.Len(t, tasks.at, 2)
	assert.Equal(t, entered.Add(8*time.Minute), tasks.at[0])
	assert.Equal(t, entered.Add(10*time.Minute), tasks.at[1])
	assert.Equal(t, AlertPayload{Kind: AlertWarning, OrderID: "o1", StageID: StageQueue, StoreID: "store-1"}, tasks.payloads[0])
	assert.Equal(t, AlertOverdue, tasks.payloads[1].Kind)

	ids, err = s.ScheduleStageAlerts(context.Background(), "o1", StageDeliveryRoute, "store-1", entered, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Len(t, tasks.at, 2)
}

func TestAlertScheduler_WarningFractionFallback(t *testing.T) {
	entered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, w := range []float64{0, -1, 1, 2} {
		s := NewAlertScheduler(&recordingTasks{}, w, nil)
		warn, overdue := s.AlertTimes(entered, 10)
		assert.Equal(t, entered.Add(8*time.Minute), warn, "fraction %v", w)
		assert.Equal(t, entered.Add(10*time.Minute), overdue)
	}
	s := NewAlertScheduler(&recordingTasks{}, 0.5, nil)
	warn, _ := s.AlertTimes(entered, 10)
	assert.Equal(t, entered.Add(5*time.Minute), warn)
}

func TestEngine_WarningThenOverdueThenStale(t *testing.T) {
	h := newHarness(t, slaMinutes{1: 10, 2: 20})
	order := h.placeOrder(t)
	assert.Equal(t, int64(1), order.Number)
	assert.Equal(t, cart.Money(1180), order.Total)
	require.Len(t, h.store.Tasks(), 2)

	h.clock.Advance(7 * time.Minute)
	h.runDue(t)
	assert.Empty(t, h.notifier.Alerts())

	h.clock.Advance(time.Minute)
	h.runDue(t)
	require.Len(t, h.notifier.Alerts(), 1)
	assert.Equal(t, notification{OrderID: order.ID, Kind: AlertWarning, Stage: StageQueue}, h.notifier.Alerts()[0])

	h.clock.Advance(2 * time.Minute)
	h.runDue(t)
	require.Len(t, h.notifier.Alerts(), 2)
	assert.Equal(t, AlertOverdue, h.notifier.Alerts()[1].Kind)

	_, err := h.engine.Transition(context.Background(), TransitionRequest{
		OrderID: order.ID, From: StageQueue, To: StagePreparation, Actor: "kitchen",
	})
	require.NoError(t, err)

	// a late delivery of the stage 1 alert finds the order in stage 2
	out, err := h.engine.OnAlertFire(context.Background(), AlertPayload{
		Kind: AlertOverdue, OrderID: order.ID, StageID: StageQueue, StoreID: "store-1",
	})
	require.NoError(t, err)
	assert.Equal(t, AlertStale, out)
	assert.Len(t, h.notifier.Alerts(), 2)
}

func TestEngine_TransitionBeforeDueMakesAlertsStale(t *testing.T) {
	h := newHarness(t, slaMinutes{1: 10, 2: 20})
	order := h.placeOrder(t)

	h.clock.Advance(5 * time.Minute)
	_, err := h.engine.Transition(context.Background(), TransitionRequest{
		OrderID: order.ID, From: StageQueue, To: StagePreparation,
	})
	require.NoError(t, err)

	// stage 1 alerts come due and are dropped; stage 2 alerts are 20 minutes out
	h.clock.Advance(6 * time.Minute)
	h.runDue(t)
	assert.Empty(t, h.notifier.Alerts())

	h.clock.Advance(10 * time.Minute) // 16 minutes into stage 2
	h.runDue(t)
	require.Len(t, h.notifier.Alerts(), 1)
	assert.Equal(t, StagePreparation, h.notifier.Alerts()[0].Stage)
	assert.Equal(t, AlertWarning, h.notifier.Alerts()[0].Kind)
}

func TestEngine_DuplicateAlertDeliveryNotifiesOnce(t *testing.T) {
	h := newHarness(t, slaMinutes{1: 10})
	order := h.placeOrder(t)
	p := AlertPayload{Kind: AlertWarning, OrderID: order.ID, StageID: StageQueue, StoreID: "store-1"}

	out, err := h.engine.OnAlertFire(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, AlertSent, out)

	out, err = h.engine.OnAlertFire(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, AlertDuplicate, out)
	assert.Len(t, h.notifier.Alerts(), 1)
}

func TestEngine_AlertForMissingOrderIsDropped(t *testing.T) {
	h := newHarness(t, slaMinutes{1: 10})
	out, err := h.engine.OnAlertFire(context.Background(), AlertPayload{Kind: AlertOverdue, OrderID: "gone", StageID: StageQueue})
	require.NoError(t, err)
	assert.Equal(t, AlertMissing, out)

	_, err = h.engine.OnAlertFire(context.Background(), AlertPayload{Kind: "LATE", OrderID: "gone", StageID: StageQueue})
	assert.Error(t, err)

	assert.Error(t, h.engine.HandleAlertTask(context.Background(), []byte("{")))
}

func TestEngine_NotifierFailureIsReported(t *testing.T) {
	h := newHarness(t, slaMinutes{1: 10})
	order := h.placeOrder(t)
	h.notifier.err = errors.New("matrix down")

	out, err := h.engine.OnAlertFire(context.Background(), AlertPayload{Kind: AlertWarning, OrderID: order.ID, StageID: StageQueue, StoreID: "store-1"})
	assert.Error(t, err)
	assert.Equal(t, AlertFailed, out)
}

func TestEngine_TransitionRecordsHistory(t *testing.T) {
	h := newHarness(t, slaMinutes{1: 10, 2: 20, 3: 0})
	order := h.placeOrder(t)
	ctx := context.Background()

	h.clock.Advance(7 * time.Minute)
	got, err := h.engine.Transition(ctx, TransitionRequest{OrderID: order.ID, From: StageQueue, To: StagePreparation, Actor: "ana"})
	require.NoError(t, err)
	assert.Equal(t, int(StagePreparation), got.CurrentStage.StageID)
	assert.Equal(t, h.clock.Now(), got.CurrentStage.EnteredAt)

	_, err = h.engine.Transition(ctx, TransitionRequest{OrderID: order.ID, From: StagePreparation, To: StageDeliveryRoute, MinutesTaken: 25, Actor: "bia"})
	require.NoError(t, err)

	stored, err := h.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, stored.StageHistory, 2)
	assert.Equal(t, store.StageEntry{
		StageID: 1, EnteredAt: order.CurrentStage.EnteredAt, MinutesAllotted: 10, MinutesTaken: 7, Actor: "ana",
	}, stored.StageHistory[0])
	assert.Equal(t, 2, stored.StageHistory[1].StageID)
	assert.Equal(t, 20, stored.StageHistory[1].MinutesAllotted)
	assert.Equal(t, 25, stored.StageHistory[1].MinutesTaken)

	// stage 3 has no SLA: 2 alerts for stage 1, 2 for stage 2, none for stage 3
	assert.Len(t, h.store.Tasks(), 4)

	require.Len(t, h.notifier.changes, 2)
	assert.Equal(t, notification{OrderID: order.ID, From: StagePreparation, Stage: StageDeliveryRoute}, h.notifier.changes[1])
}

func TestEngine_InvalidEdgesLeaveOrderUnchanged(t *testing.T) {
	h := newHarness(t, slaMinutes{1: 10})
	order := h.placeOrder(t)
	ctx := context.Background()

	for _, req := range []TransitionRequest{
		{OrderID: order.ID, From: StageQueue, To: StageDeliveryRoute},
		{OrderID: order.ID, From: StageQueue, To: StageDelivered},
		{OrderID: order.ID, From: StageQueue, To: StageQueue},
		{OrderID: order.ID, From: StagePreparation, To: StageQueue},
		{OrderID: order.ID, From: StageDelivered, To: StageCanceled},
	} {
		_, err := h.engine.Transition(ctx, req)
		require.Error(t, err, "%s -> %s", req.From, req.To)
		assert.True(t, errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrTerminalStage), err.Error())
	}

	stored, err := h.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int(StageQueue), stored.CurrentStage.StageID)
	assert.Empty(t, stored.StageHistory)
}

func TestEngine_StaleClientGetsConflict(t *testing.T) {
	h := newHarness(t, slaMinutes{1: 10})
	order := h.placeOrder(t)
	ctx := context.Background()

	req := TransitionRequest{OrderID: order.ID, From: StageQueue, To: StagePreparation, Actor: "first"}
	_, err := h.engine.Transition(ctx, req)
	require.NoError(t, err)

	req.Actor = "second"
	_, err = h.engine.Transition(ctx, req)
	require.ErrorIs(t, err, ErrConflict)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StageQueue, conflict.Expected)
	assert.Equal(t, StagePreparation, conflict.Actual)

	stored, err := h.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, stored.StageHistory, 1)
}

// racingStore lets another writer move the order between read and write.
type racingStore struct {
	*store.MockStore
	once sync.Once
}

func (r *racingStore) ApplyTransition(ctx context.Context, orderID string, update store.StageUpdate) error {
	r.once.Do(func() {
		_ = r.MockStore.ApplyTransition(ctx, orderID, store.StageUpdate{
			FromStageID: update.FromStageID,
			To:          store.StageState{StageID: int(StageCanceled), EnteredAt: time.Now()},
			Cancelled:   true,
			Closed:      update.Closed,
		})
	})
	return r.MockStore.ApplyTransition(ctx, orderID, update)
}

func TestEngine_ConcurrentWriterDetected(t *testing.T) {
	mock := store.NewMockStore()
	rs := &racingStore{MockStore: mock}
	e := New(rs, NewAlertScheduler(&recordingTasks{}, 0.8, nil), slaMinutes{1: 10}, nil, nil)

	order := &store.Order{StoreID: "store-1", CustomerKey: "c"}
	require.NoError(t, e.PlaceOrder(context.Background(), order))

	_, err := e.Transition(context.Background(), TransitionRequest{OrderID: order.ID, From: StageQueue, To: StagePreparation})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StageCanceled, conflict.Actual)

	stored, err := mock.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.StageHistory)
}

// failingTransitions fails ApplyTransition until cleared.
type failingTransitions struct {
	*store.MockStore
	err error
}

func (f *failingTransitions) ApplyTransition(ctx context.Context, orderID string, update store.StageUpdate) error {
	if f.err != nil {
		return f.err
	}
	return f.MockStore.ApplyTransition(ctx, orderID, update)
}

func TestEngine_FailedTransitionLeavesOrderUntouched(t *testing.T) {
	mock := store.NewMockStore()
	fs := &failingTransitions{MockStore: mock}
	tasks := &recordingTasks{}
	n := &recordingNotifier{}
	e := New(fs, NewAlertScheduler(tasks, 0.8, nil), slaMinutes{1: 10, 2: 20}, n, nil)
	ctx := context.Background()

	order := &store.Order{StoreID: "store-1", CustomerKey: "c"}
	require.NoError(t, e.PlaceOrder(ctx, order))
	scheduled := len(tasks.at)

	fs.err = errors.New("disk full")
	_, err := e.Transition(ctx, TransitionRequest{OrderID: order.ID, From: StageQueue, To: StagePreparation, Actor: "kitchen"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)

	stored, err := mock.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int(StageQueue), stored.CurrentStage.StageID)
	assert.Empty(t, stored.StageHistory)
	assert.Len(t, tasks.at, scheduled, "no alerts for a stage never entered")
	assert.Empty(t, n.changes)

	// the same request succeeds once the store recovers
	fs.err = nil
	got, err := e.Transition(ctx, TransitionRequest{OrderID: order.ID, From: StageQueue, To: StagePreparation, Actor: "kitchen"})
	require.NoError(t, err)
	assert.Equal(t, int(StagePreparation), got.CurrentStage.StageID)

	stored, err = mock.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, stored.StageHistory, 1)
	assert.Equal(t, int(StageQueue), stored.StageHistory[0].StageID)
}

type brokenSLA struct{}

func (brokenSLA) StageMinutes(ctx context.Context, storeID string, stageID int) (int, error) {
	return 0, errors.New("catalog unavailable")
}

func TestEngine_TransitionFailsBeforeWritingWhenSLAUnavailable(t *testing.T) {
	mock := store.NewMockStore()
	e := New(mock, NewAlertScheduler(&recordingTasks{}, 0.8, nil), brokenSLA{}, nil, nil)
	ctx := context.Background()

	order := &store.Order{StoreID: "store-1", CustomerKey: "c"}
	require.NoError(t, e.PlaceOrder(ctx, order))

	_, err := e.Transition(ctx, TransitionRequest{OrderID: order.ID, From: StageQueue, To: StagePreparation})
	require.Error(t, err)

	stored, err := mock.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int(StageQueue), stored.CurrentStage.StageID)
	assert.Empty(t, stored.StageHistory)
}

func TestEngine_AlertForAnotherStoreIsStale(t *testing.T) {
	h := newHarness(t, slaMinutes{1: 10})
	order := h.placeOrder(t)

	out, err := h.engine.OnAlertFire(context.Background(), AlertPayload{
		Kind: AlertWarning, OrderID: order.ID, StageID: StageQueue, StoreID: "store-2",
	})
	require.NoError(t, err)
	assert.Equal(t, AlertStale, out)
	assert.Empty(t, h.notifier.Alerts())

	// the marker was not consumed by the mismatched delivery
	out, err = h.engine.OnAlertFire(context.Background(), AlertPayload{
		Kind: AlertWarning, OrderID: order.ID, StageID: StageQueue, StoreID: "store-1",
	})
	require.NoError(t, err)
	assert.Equal(t, AlertSent, out)
}

func TestEngine_CancelOrder(t *testing.T) {
	h := newHarness(t, slaMinutes{1: 10, 2: 20})
	order := h.placeOrder(t)
	ctx := context.Background()

	_, err := h.engine.Transition(ctx, TransitionRequest{OrderID: order.ID, From: StageQueue, To: StagePreparation})
	require.NoError(t, err)
	tasksBefore := len(h.store.Tasks())

	got, err := h.engine.CancelOrder(ctx, order.ID, "customer gave up", "ana")
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
	assert.Equal(t, int(StageCanceled), got.CurrentStage.StageID)
	assert.Equal(t, "customer gave up", got.CancelReason)
	assert.Len(t, h.store.Tasks(), tasksBefore, "no alerts after cancel")

	_, err = h.engine.CancelOrder(ctx, order.ID, "again", "ana")
	assert.ErrorIs(t, err, ErrTerminalStage)

	_, err = h.engine.Transition(ctx, TransitionRequest{OrderID: order.ID, From: StagePreparation, To: StageDeliveryRoute})
	assert.ErrorIs(t, err, ErrConflict)

	// pending stage 2 alerts now fire into a cancelled order
	h.clock.Advance(time.Hour)
	h.runDue(t)
	assert.Empty(t, h.notifier.Alerts())

	_, err = h.engine.CancelOrder(ctx, "missing", "x", "ana")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
