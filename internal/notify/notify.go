// ABOUTME: Dispatcher delivering workflow notifications to customers and store staff
// ABOUTME: Customers get WhatsApp texts; staff events fan out to every StaffChannel

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/order-gateway/internal/messaging"
	"github.com/2389/order-gateway/internal/store"
	"github.com/2389/order-gateway/internal/workflow"
)

// EventType classifies staff events.
type EventType string

// EventType values
const (
	EventOrderPlaced  EventType = "order_placed"
	EventStageChanged EventType = "stage_changed"
	EventAlert        EventType = "alert"
)

// StaffEvent is one notification for a store's staff. Text is Markdown.
type StaffEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	StoreID     string    `json:"store_id"`
	OrderID     string    `json:"order_id"`
	OrderNumber int64     `json:"order_number"`
	Stage       string    `json:"stage"`
	From        string    `json:"from,omitempty"`
	AlertKind   string    `json:"alert_kind,omitempty"`
	Text        string    `json:"text"`
	At          time.Time `json:"at"`
}

// StaffChannel delivers staff events somewhere staff will see them.
type StaffChannel interface {
	Name() string
	Publish(ctx context.Context, ev StaffEvent) error
}

// Dispatcher implements workflow.Notifier.
type Dispatcher struct {
	sender   messaging.Sender
	channels []StaffChannel
	now      func() time.Time
	logger   *slog.Logger
}

var _ workflow.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. sender may be nil to skip customer texts.
func NewDispatcher(sender messaging.Sender, channels []StaffChannel, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:   sender,
		channels: channels,
		now:      time.Now,
		logger:   logger.With("component", "notify"),
	}
}

// NotifyOrderPlaced sends the kitchen ticket of a new order to staff.
func (d *Dispatcher) NotifyOrderPlaced(ctx context.Context, order *store.Order) error {
	return d.publish(ctx, StaffEvent{
		Type:        EventOrderPlaced,
		StoreID:     order.StoreID,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		Stage:       workflow.StageQueue.String(),
		Text:        RenderTicket(order),
	})
}

// NotifyAlert tells staff an order is close to, or past, its stage deadline.
func (d *Dispatcher) NotifyAlert(ctx context.Context, order *store.Order, kind workflow.AlertKind, stage workflow.Stage) error {
	var text string
	switch kind {
	case workflow.AlertOverdue:
		text = fmt.Sprintf("**Atrasado:** pedido #%d passou do prazo em %s.", order.Number, stageLabel(stage))
	default:
		text = fmt.Sprintf("**Atenção:** pedido #%d está perto do prazo em %s.", order.Number, stageLabel(stage))
	}
	return d.publish(ctx, StaffEvent{
		Type:        EventAlert,
		StoreID:     order.StoreID,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		Stage:       stage.String(),
		AlertKind:   string(kind),
		Text:        text,
	})
}

// NotifyStageChange tells the customer where their order is and records the
// change for staff.
func (d *Dispatcher) NotifyStageChange(ctx context.Context, order *store.Order, from, to workflow.Stage) error {
	var errs []error
	if msg := CustomerStageText(order, to); msg != "" && d.sender != nil {
		rcpt := messaging.Recipient{StoreID: order.StoreID, CustomerKey: order.CustomerKey}
		if err := d.sender.Send(ctx, rcpt, messaging.Text(msg)); err != nil {
			errs = append(errs, fmt.Errorf("notifying customer: %w", err))
		}
	}

	err := d.publish(ctx, StaffEvent{
		Type:        EventStageChanged,
		StoreID:     order.StoreID,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		Stage:       to.String(),
		From:        from.String(),
		Text:        fmt.Sprintf("Pedido #%d: %s → %s.", order.Number, stageLabel(from), stageLabel(to)),
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) publish(ctx context.Context, ev StaffEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = d.now().UTC()
	}
	var errs []error
	for _, ch := range d.channels {
		if err := ch.Publish(ctx, ev); err != nil {
			d.logger.Error("staff channel failed",
				"error", err,
				"channel", ch.Name(),
				"order_id", ev.OrderID,
				"type", ev.Type)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CustomerStageText is the WhatsApp text sent when an order enters stage.
// Empty for stages the customer is not told about.
func CustomerStageText(order *store.Order, stage workflow.Stage) string {
	switch stage {
	case workflow.StagePreparation:
		return fmt.Sprintf("Seu pedido #%d está sendo preparado.", order.Number)
	case workflow.StageDeliveryRoute:
		if order.DeliveryOption == store.DeliveryHome {
			return fmt.Sprintf("Seu pedido #%d saiu para entrega.", order.Number)
		}
		return fmt.Sprintf("Seu pedido #%d está pronto para retirada no balcão.", order.Number)
	case workflow.StageDelivered:
		return fmt.Sprintf("Pedido #%d entregue. Obrigado pela preferência!", order.Number)
	case workflow.StageCanceled:
		if order.CancelReason != "" {
			return fmt.Sprintf("Seu pedido #%d foi cancelado: %s", order.Number, order.CancelReason)
		}
		return fmt.Sprintf("Seu pedido #%d foi cancelado.", order.Number)
	}
	return ""
}

var stageLabels = map[workflow.Stage]string{
	workflow.StageQueue:         "Fila",
	workflow.StagePreparation:   "Preparo",
	workflow.StageDeliveryRoute: "Rota de entrega",
	workflow.StageDelivered:     "Entregue",
	workflow.StageCanceled:      "Cancelado",
}

func stageLabel(s workflow.Stage) string {
	if l, ok := stageLabels[s]; ok {
		return l
	}
	return s.String()
}

// LogChannel writes staff events to the log. Used when no chat channel is configured.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger.With("component", "staff_log")}
}

// Name implements StaffChannel.
func (c *LogChannel) Name() string { return "log" }

// Publish implements StaffChannel.
func (c *LogChannel) Publish(ctx context.Context, ev StaffEvent) error {
	level := slog.LevelInfo
	if ev.Type == EventAlert {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "staff event",
		"type", ev.Type,
		"store", ev.StoreID,
		"order_id", ev.OrderID,
		"number", ev.OrderNumber,
		"stage", ev.Stage,
		"alert_kind", ev.AlertKind)
	return nil
}
