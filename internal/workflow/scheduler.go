// ABOUTME: AlertScheduler computes warning/overdue fire times for a stage
// ABOUTME: and hands them to a DeferredTaskService; no cancellation is needed

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// TaskKindAlert is the deferred task kind carrying an AlertPayload.
const TaskKindAlert = "workflow.alert"

// DefaultWarningFraction is how far into a stage's SLA the warning fires.
const DefaultWarningFraction = 0.8

// AlertKind distinguishes the two alerts of a stage.
type AlertKind string

// AlertKind values
const (
	AlertWarning AlertKind = "WARNING"
	AlertOverdue AlertKind = "OVERDUE"
)

// AlertPayload is what the deferred task hands back when an alert fires.
type AlertPayload struct {
	Kind    AlertKind `json:"type"`
	OrderID string    `json:"order_id"`
	StageID Stage     `json:"stage_id"`
	StoreID string    `json:"store_id"`
}

// DeferredTaskService runs a payload at a later time, at least once.
type DeferredTaskService interface {
	Schedule(ctx context.Context, at time.Time, kind string, payload []byte) (string, error)
}

// AlertScheduler schedules the warning and overdue alerts of a stage.
type AlertScheduler struct {
	tasks           DeferredTaskService
	warningFraction float64
	logger          *slog.Logger
}

// NewAlertScheduler creates a scheduler. A warning fraction outside (0, 1)
// falls back to DefaultWarningFraction.
func NewAlertScheduler(tasks DeferredTaskService, warningFraction float64, logger *slog.Logger) *AlertScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if warningFraction <= 0 || warningFraction >= 1 {
		warningFraction = DefaultWarningFraction
	}
	return &AlertScheduler{
		tasks:           tasks,
		warningFraction: warningFraction,
		logger:          logger.With("component", "alert_scheduler"),
	}
}

// AlertTimes returns when the warning and overdue alerts of a stage fire.
func (s *AlertScheduler) AlertTimes(enteredAt time.Time, minutes int) (warningAt, overdueAt time.Time) {
	sla := time.Duration(minutes) * time.Minute
	warningAt = enteredAt.Add(time.Duration(math.Round(float64(sla) * s.warningFraction)))
	overdueAt = enteredAt.Add(sla)
	return warningAt, overdueAt
}

// ScheduleStageAlerts schedules both alerts of stage for an order. Nothing is
// scheduled when minutes <= 0. Returns the task ids.
func (s *AlertScheduler) ScheduleStageAlerts(ctx context.Context, orderID string, stage Stage, storeID string, enteredAt time.Time, minutes int) ([]string, error) {
	if minutes <= 0 {
		s.logger.Debug("no SLA for stage, no alerts", "order_id", orderID, "stage", stage)
		return nil, nil
	}

	warningAt, overdueAt := s.AlertTimes(enteredAt, minutes)
	alerts := []struct {
		kind AlertKind
		at   time.Time
	}{
		{AlertWarning, warningAt},
		{AlertOverdue, overdueAt},
	}

	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		payload, err := json.Marshal(AlertPayload{Kind: a.kind, OrderID: orderID, StageID: stage, StoreID: storeID})
		if err != nil {
			return ids, fmt.Errorf("encoding alert payload: %w", err)
		}
		id, err := s.tasks.Schedule(ctx, a.at, TaskKindAlert, payload)
		if err != nil {
			return ids, fmt.Errorf("scheduling %s alert for order %s: %w", a.kind, orderID, err)
		}
		ids = append(ids, id)
		s.logger.Debug("alert scheduled",
			"order_id", orderID,
			"stage", stage,
			"kind", a.kind,
			"fire_at", a.at.Format(time.RFC3339))
	}
	return ids, nil
}
