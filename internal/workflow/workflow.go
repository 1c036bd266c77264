// ABOUTME: WorkflowEngine moves orders through stages and validates fired alerts
// ABOUTME: Stage changes are compare-and-set against the stored stage, never blind writes

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/2389/order-gateway/internal/cart"
	"github.com/2389/order-gateway/internal/metrics"
	"github.com/2389/order-gateway/internal/store"
)

// Errors returned by the workflow engine.
var (
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrConflict          = errors.New("order stage changed by someone else")
	ErrTerminalStage     = errors.New("order is in a terminal stage")
)

// ConflictError reports a transition whose expected stage no longer matches.
type ConflictError struct {
	OrderID  string
	Expected Stage
	Actual   Stage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s: expected stage %s, found %s", e.OrderID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// AlertOutcome is what happened to a fired alert.
type AlertOutcome string

// AlertOutcome values
const (
	AlertSent      AlertOutcome = "sent"
	AlertStale     AlertOutcome = "stale"
	AlertMissing   AlertOutcome = "missing"
	AlertDuplicate AlertOutcome = "duplicate"
	AlertFailed    AlertOutcome = "failed"
)

// SLAProvider returns the minutes allotted to a stage in a store.
type SLAProvider interface {
	StageMinutes(ctx context.Context, storeID string, stageID int) (int, error)
}

// Notifier delivers workflow notifications to customers and staff.
type Notifier interface {
	NotifyAlert(ctx context.Context, order *store.Order, kind AlertKind, stage Stage) error
	NotifyStageChange(ctx context.Context, order *store.Order, from, to Stage) error
}

// TransitionRequest asks to move an order from one stage to another.
type TransitionRequest struct {
	OrderID string
	From    Stage
	To      Stage
	// MinutesTaken overrides the time spent in From. Zero computes it from the stage entry time.
	MinutesTaken int
	Actor        string
	Reason       string
}

// Engine drives orders through their stages.
type Engine struct {
	store     store.WorkflowStore
	scheduler *AlertScheduler
	sla       SLAProvider
	notifier  Notifier
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a workflow engine. A nil logger falls back to slog.Default.
func New(st store.WorkflowStore, scheduler *AlertScheduler, sla SLAProvider, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		scheduler: scheduler,
		sla:       sla,
		notifier:  notifier,
		now:       time.Now,
		logger:    logger.With("component", "workflow"),
	}
}

// PlaceOrder stores a new order in the queue stage and schedules its alerts.
// order.ID and order.Number are filled in.
func (e *Engine) PlaceOrder(ctx context.Context, order *store.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	now := e.now().UTC()
	order.CurrentStage = store.StageState{StageID: int(StageQueue), EnteredAt: now}
	order.CreatedAt = now
	order.UpdatedAt = now
	order.Total = cartTotal(order)

	if err := e.store.CreateOrder(ctx, order); err != nil {
		return fmt.Errorf("creating order: %w", err)
	}
	e.logger.Info("order placed",
		"order_id", order.ID,
		"number", order.Number,
		"store", order.StoreID,
		"total", order.Total.String())
	metrics.RecordOrderPlaced(order.PaymentMethod)

	e.InitStage(ctx, order.ID, StageQueue, order.StoreID, now)
	return nil
}

// InitStage schedules the alerts of a freshly entered stage. Failures are
// logged: the stage change already happened and alerts are advisory.
func (e *Engine) InitStage(ctx context.Context, orderID string, stage Stage, storeID string, enteredAt time.Time) {
	minutes, err := e.sla.StageMinutes(ctx, storeID, int(stage))
	if err != nil {
		e.logger.Error("loading stage SLA", "error", err, "order_id", orderID, "store", storeID, "stage", stage)
		return
	}
	if _, err := e.scheduler.ScheduleStageAlerts(ctx, orderID, stage, storeID, enteredAt, minutes); err != nil {
		e.logger.Error("scheduling stage alerts", "error", err, "order_id", orderID, "stage", stage)
	}
}

// Transition moves an order along an allowed edge. It fails with
// ErrInvalidTransition for other edges and with a *ConflictError when the
// order is no longer in req.From.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (*store.Order, error) {
	order, err := e.transition(ctx, req)
	result := "ok"
	switch {
	case errors.Is(err, ErrConflict):
		result = "conflict"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminalStage):
		result = "invalid"
	case err != nil:
		result = "error"
	}
	metrics.RecordStageTransition(req.To.String(), result)
	return order, err
}

func (e *Engine) transition(ctx context.Context, req TransitionRequest) (*store.Order, error) {
	if !CanTransition(req.From, req.To) {
		if req.From.IsTerminal() {
			return nil, fmt.Errorf("%w: %s", ErrTerminalStage, req.From)
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.From, req.To)
	}

	order, err := e.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", req.OrderID, err)
	}
	if current := Stage(order.CurrentStage.StageID); current != req.From || order.Cancelled {
		if order.Cancelled {
			current = StageCanceled
		}
		return nil, &ConflictError{OrderID: order.ID, Expected: req.From, Actual: current}
	}

	allotted, err := e.sla.StageMinutes(ctx, order.StoreID, int(req.From))
	if err != nil {
		return nil, fmt.Errorf("loading SLA for %s: %w", req.From, err)
	}

	now := e.now().UTC()
	taken := req.MinutesTaken
	if taken <= 0 {
		taken = int(math.Round(now.Sub(order.CurrentStage.EnteredAt).Minutes()))
	}

	entry := store.StageEntry{
		StageID:         int(req.From),
		EnteredAt:       order.CurrentStage.EnteredAt,
		MinutesAllotted: allotted,
		MinutesTaken:    taken,
		Actor:           req.Actor,
		Reason:          req.Reason,
	}
	update := store.StageUpdate{
		FromStageID: int(req.From),
		To:          store.StageState{StageID: int(req.To), EnteredAt: now},
		Closed:      entry,
	}
	if req.To == StageCanceled {
		update.Cancelled = true
		update.CancelReason = req.Reason
	}
	if err := e.store.ApplyTransition(ctx, order.ID, update); err != nil {
		if errors.Is(err, store.ErrStageConflict) {
			return nil, e.conflict(ctx, order.ID, req.From)
		}
		return nil, fmt.Errorf("setting stage of order %s: %w", order.ID, err)
	}

	order.CurrentStage = update.To
	order.StageHistory = append(order.StageHistory, entry)
	order.UpdatedAt = now
	if update.Cancelled {
		order.Cancelled = true
		order.CancelReason = update.CancelReason
	}

	e.logger.Info("order stage changed",
		"order_id", order.ID,
		"store", order.StoreID,
		"from", req.From,
		"to", req.To,
		"actor", req.Actor,
		"minutes_taken", taken,
		"minutes_allotted", allotted)

	if !req.To.IsTerminal() {
		e.InitStage(ctx, order.ID, req.To, order.StoreID, now)
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyStageChange(ctx, order, req.From, req.To); err != nil {
			e.logger.Warn("stage change notification failed", "error", err, "order_id", order.ID, "stage", req.To)
		}
	}
	return order, nil
}

// conflict builds a ConflictError carrying the stage the order is in now.
func (e *Engine) conflict(ctx context.Context, orderID string, expected Stage) error {
	cur, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("%w: order %s (reload failed: %v)", ErrConflict, orderID, err)
	}
	actual := Stage(cur.CurrentStage.StageID)
	if cur.Cancelled {
		actual = StageCanceled
	}
	return &ConflictError{OrderID: orderID, Expected: expected, Actual: actual}
}

// CancelOrder moves an order from its current stage to CANCELED.
func (e *Engine) CancelOrder(ctx context.Context, orderID, reason, actor string) (*store.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", orderID, err)
	}
	current := Stage(order.CurrentStage.StageID)
	if order.Cancelled || current.IsTerminal() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrTerminalStage, orderID, current)
	}
	return e.Transition(ctx, TransitionRequest{
		OrderID: orderID,
		From:    current,
		To:      StageCanceled,
		Actor:   actor,
		Reason:  reason,
	})
}

// OnAlertFire validates a fired alert against the order's current state and
// notifies when it still applies. An alert is stale when the order is
// cancelled, has left the alert's stage or belongs to another store. Missing
// orders and stale alerts are not errors.
func (e *Engine) OnAlertFire(ctx context.Context, p AlertPayload) (AlertOutcome, error) {
	outcome, err := e.onAlertFire(ctx, p)
	metrics.RecordAlert(string(p.Kind), string(outcome))
	return outcome, err
}

func (e *Engine) onAlertFire(ctx context.Context, p AlertPayload) (AlertOutcome, error) {
	if p.Kind != AlertWarning && p.Kind != AlertOverdue {
		return AlertFailed, fmt.Errorf("unknown alert kind %q", p.Kind)
	}
	logger := e.logger.With("order_id", p.OrderID, "stage", p.StageID, "kind", p.Kind)

	order, err := e.store.GetOrder(ctx, p.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("alert for unknown order dropped")
		return AlertMissing, nil
	}
	if err != nil {
		return AlertFailed, fmt.Errorf("loading order %s: %w", p.OrderID, err)
	}

	if order.Cancelled || Stage(order.CurrentStage.StageID) != p.StageID || order.StoreID != p.StoreID {
		logger.Debug("stale alert ignored",
			"current_stage", Stage(order.CurrentStage.StageID),
			"order_store", order.StoreID,
			"alert_store", p.StoreID)
		return AlertStale, nil
	}

	first, err := e.store.MarkAlertSent(ctx, order.ID, int(p.StageID), string(p.Kind))
	if err != nil {
		return AlertFailed, fmt.Errorf("recording alert: %w", err)
	}
	if !first {
		logger.Debug("duplicate alert delivery ignored")
		return AlertDuplicate, nil
	}

	if e.notifier != nil {
		if err := e.notifier.NotifyAlert(ctx, order, p.Kind, p.StageID); err != nil {
			return AlertFailed, fmt.Errorf("notifying alert: %w", err)
		}
	}
	logger.Info("stage alert sent")
	return AlertSent, nil
}

// HandleAlertTask decodes a deferred task payload and fires the alert.
func (e *Engine) HandleAlertTask(ctx context.Context, payload []byte) error {
	var p AlertPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding alert payload: %w", err)
	}
	_, err := e.OnAlertFire(ctx, p)
	return err
}

// Order returns an order by id.
func (e *Engine) Order(ctx context.Context, id string) (*store.Order, error) {
	return e.store.GetOrder(ctx, id)
}

func cartTotal(order *store.Order) cart.Money {
	c := cart.Cart{Items: order.Items}
	return c.Total()
}
