// ABOUTME: Inbound handling service: dedupe, throttle, lock, run the engine, persist, send
// ABOUTME: State is written before any outbound message leaves, so a crash never outruns the store

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/order-gateway/internal/dedupe"
	"github.com/2389/order-gateway/internal/engine"
	"github.com/2389/order-gateway/internal/gate"
	"github.com/2389/order-gateway/internal/messaging"
	"github.com/2389/order-gateway/internal/metrics"
	"github.com/2389/order-gateway/internal/store"
)

// ErrNoPendingPayment is returned by ConfirmPayment when no conversation waits on that payment.
var ErrNoPendingPayment = errors.New("no conversation waiting for this payment")

// Customer-facing texts sent by the service itself.
const (
	msgTryAgain       = "Desculpe, tivemos um problema ao processar sua mensagem. Por favor, tente novamente em instantes."
	msgOrderPlaced    = "Pedido *#%d* confirmado! Total: *%s*.\nAvisaremos você a cada etapa do preparo."
	msgPaymentPending = "Para pagar com Pix, use o link abaixo. Assim que o pagamento for confirmado, seu pedido entra na fila.\n%s"
	msgPaymentManual  = "Envie o comprovante do Pix por aqui. Assim que o pagamento for confirmado, seu pedido entra na fila."
)

// DefaultIdleTimeout is how long a conversation survives without activity.
const DefaultIdleTimeout = 10 * time.Minute

// OrderPlacer turns a frozen cart into an order.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order *store.Order) error
}

// PaymentLinker creates a payment request for a conversation waiting on Pix.
type PaymentLinker interface {
	RequestPayment(ctx context.Context, conv *store.Conversation) (ref, link string, err error)
}

// Config tunes the service.
type Config struct {
	IdleTimeout time.Duration
	// RatePerSecond and RateBurst bound inbound events per customer. Zero disables throttling.
	RatePerSecond float64
	RateBurst     int
	DedupeTTL     time.Duration
	DedupeSize    int
}

// Deps are the collaborators of the service. Payments may be nil.
type Deps struct {
	Store    store.ConversationStore
	Engine   *engine.Engine
	Gate     gate.Gate
	Sender   messaging.Sender
	Orders   OrderPlacer
	Payments PaymentLinker
}

// Service handles inbound customer events end to end.
type Service struct {
	store    store.ConversationStore
	engine   *engine.Engine
	gate     gate.Gate
	sender   messaging.Sender
	orders   OrderPlacer
	payments PaymentLinker

	seen        *dedupe.Cache
	limiter     *limiter
	idleTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a service. A nil logger falls back to slog.Default.
func New(cfg Config, deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = time.Hour
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 100_000
	}
	return &Service{
		store:       deps.Store,
		engine:      deps.Engine,
		gate:        deps.Gate,
		sender:      deps.Sender,
		orders:      deps.Orders,
		payments:    deps.Payments,
		seen:        dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		limiter:     newLimiter(cfg.RatePerSecond, cfg.RateBurst),
		idleTimeout: cfg.IdleTimeout,
		now:         time.Now,
		logger:      logger.With("component", "conversation"),
	}
}

// Close releases background resources.
func (s *Service) Close() {
	s.seen.Close()
}

// HandleInbound processes one customer event. Redeliveries and throttled
// events are dropped without error; a throttled event is not remembered as
// seen, so the platform's redelivery is handled. On a collaborator failure the customer
// gets a generic apology and the error is returned.
func (s *Service) HandleInbound(ctx context.Context, ev engine.Event) error {
	kind := string(ev.Kind)
	if ev.MessageID != "" && s.seen.CheckAndMark(ev.MessageID) {
		s.logger.Debug("duplicate delivery dropped", "message_id", ev.MessageID)
		metrics.RecordInbound(kind, "duplicate")
		return nil
	}

	key := gate.Key(ev.CustomerKey, ev.StoreID)
	if !s.limiter.Allow(key) {
		s.logger.Warn("inbound event throttled", "customer", ev.CustomerKey, "store", ev.StoreID)
		metrics.RecordInbound(kind, "throttled")
		if ev.MessageID != "" {
			s.seen.Forget(ev.MessageID)
		}
		return nil
	}

	waitStart := time.Now()
	var outcome string
	err := s.gate.WithLock(ctx, key, func(ctx context.Context) error {
		metrics.RecordGateWait(time.Since(waitStart))
		var err error
		outcome, err = s.handleLocked(ctx, ev)
		return err
	})
	if err != nil {
		metrics.RecordInbound(kind, "error")
		s.logger.Error("handling inbound event",
			"error", err,
			"customer", ev.CustomerKey,
			"store", ev.StoreID,
			"message_id", ev.MessageID)
		if ev.MessageID != "" {
			s.seen.Forget(ev.MessageID)
		}
		s.apologize(ctx, ev)
		return err
	}
	metrics.RecordInbound(kind, outcome)
	return nil
}

// handleLocked runs inside the customer's critical section.
func (s *Service) handleLocked(ctx context.Context, ev engine.Event) (string, error) {
	conv, fresh, err := s.loadOrCreate(ctx, ev.CustomerKey, ev.StoreID)
	if err != nil {
		return "", err
	}

	out, err := s.engine.Handle(ctx, conv, ev)
	if err != nil {
		return "", fmt.Errorf("running engine: %w", err)
	}

	to := messaging.Recipient{StoreID: ev.StoreID, CustomerKey: ev.CustomerKey}
	if out.Ignored {
		if !fresh {
			return "ignored", nil
		}
		// a stale button on a brand-new conversation still deserves a greeting
		msgs, err := s.engine.Greeting(ctx, conv)
		if err != nil {
			return "", err
		}
		return "greeted", s.send(ctx, to, msgs)
	}

	next := out.Next
	next.LastActivityAt = s.now().UTC()
	if err := s.store.UpdateConversation(ctx, next); err != nil {
		return "", fmt.Errorf("saving conversation: %w", err)
	}
	if next.Flow != conv.Flow {
		metrics.RecordFlowTransition(string(conv.Flow), string(next.Flow))
		s.logger.Debug("flow changed",
			"customer", ev.CustomerKey,
			"store", ev.StoreID,
			"from", conv.Flow,
			"to", next.Flow)
	}

	msgs := out.Messages
	if out.Checkout != nil {
		extra, err := s.checkout(ctx, next, out.Checkout)
		if err != nil {
			return "", err
		}
		msgs = append(msgs, extra...)
	}

	if err := s.send(ctx, to, msgs); err != nil {
		return "", err
	}
	if out.Reprompted {
		return "reprompted", nil
	}
	return "handled", nil
}

// loadOrCreate returns the customer's live conversation, replacing one that
// went idle with a fresh conversation at WELCOME.
func (s *Service) loadOrCreate(ctx context.Context, customerKey, storeID string) (*store.Conversation, bool, error) {
	since := s.now().Add(-s.idleTimeout)
	conv, err := s.store.GetRecentConversation(ctx, customerKey, storeID, since)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("loading conversation: %w", err)
	}

	stale, err := s.store.GetConversation(ctx, customerKey, storeID)
	switch {
	case err == nil:
		if err := s.store.DeleteConversation(ctx, stale.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("deleting idle conversation: %w", err)
		}
		s.logger.Debug("idle conversation replaced", "customer", customerKey, "store", storeID, "flow", stale.Flow)
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("loading conversation: %w", err)
	}

	now := s.now().UTC()
	conv = &store.Conversation{
		CustomerKey:    customerKey,
		StoreID:        storeID,
		Flow:           store.FlowWelcome,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if stale != nil {
		conv.Address = stale.Address
		conv.CustomerName = stale.CustomerName
	}
	if _, err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, true, nil
}

// checkout finishes a purchase the engine asked for and returns the messages to send.
func (s *Service) checkout(ctx context.Context, conv *store.Conversation, co *engine.Checkout) ([]messaging.Message, error) {
	if !co.AwaitPayment {
		_, msgs, err := s.placeOrder(ctx, conv)
		return msgs, err
	}

	if s.payments == nil {
		return []messaging.Message{messaging.Text(msgPaymentManual)}, nil
	}
	ref, link, err := s.payments.RequestPayment(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("requesting payment: %w", err)
	}
	conv.PaymentRef = ref
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("saving payment reference: %w", err)
	}
	return []messaging.Message{messaging.Text(fmt.Sprintf(msgPaymentPending, link))}, nil
}

// placeOrder freezes the cart into an order and closes the conversation.
func (s *Service) placeOrder(ctx context.Context, conv *store.Conversation) (*store.Order, []messaging.Message, error) {
	order := OrderFromConversation(conv)
	if err := s.orders.PlaceOrder(ctx, order); err != nil {
		return nil, nil, fmt.Errorf("placing order: %w", err)
	}

	if err := s.store.DeleteConversation(ctx, conv.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		// the order exists; the idle sweep removes the leftover conversation
		s.logger.Error("deleting checked-out conversation", "error", err, "order_id", order.ID, "conversation_id", conv.ID)
	}

	s.logger.Info("checkout complete",
		"customer", conv.CustomerKey,
		"store", conv.StoreID,
		"order_id", order.ID,
		"number", order.Number,
		"payment", order.PaymentMethod)
	return order, []messaging.Message{messaging.Text(fmt.Sprintf(msgOrderPlaced, order.Number, order.Total))}, nil
}

// OrderFromConversation freezes a conversation's cart and checkout details.
func OrderFromConversation(conv *store.Conversation) *store.Order {
	frozen := conv.Cart.Clone()
	order := &store.Order{
		StoreID:        conv.StoreID,
		CustomerKey:    conv.CustomerKey,
		CustomerName:   conv.CustomerName,
		Items:          frozen.Items,
		DeliveryOption: conv.DeliveryOption,
		PaymentMethod:  conv.PaymentMethod,
		PaymentRef:     conv.PaymentRef,
		Total:          frozen.Total(),
	}
	if conv.DeliveryOption == store.DeliveryHome {
		order.Address = conv.Address
	}
	return order
}

// ConfirmPayment places the order of a conversation waiting on payment.
// paymentRef must match the reference handed out, when one was.
func (s *Service) ConfirmPayment(ctx context.Context, customerKey, storeID, paymentRef string) (*store.Order, error) {
	var placed *store.Order
	err := s.gate.WithLock(ctx, gate.Key(customerKey, storeID), func(ctx context.Context) error {
		conv, err := s.store.GetConversation(ctx, customerKey, storeID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoPendingPayment
		}
		if err != nil {
			return fmt.Errorf("loading conversation: %w", err)
		}
		if conv.Flow != store.FlowWaitingPayment {
			return fmt.Errorf("%w: conversation is at %s", ErrNoPendingPayment, conv.Flow)
		}
		if conv.PaymentRef != "" && paymentRef != conv.PaymentRef {
			return fmt.Errorf("%w: payment reference mismatch", ErrNoPendingPayment)
		}
		if conv.PaymentRef == "" {
			conv.PaymentRef = paymentRef
		}

		order, msgs, err := s.placeOrder(ctx, conv)
		if err != nil {
			return err
		}
		placed = order
		if err := s.send(ctx, messaging.Recipient{StoreID: storeID, CustomerKey: customerKey}, msgs); err != nil {
			s.logger.Warn("order confirmation not delivered", "error", err, "customer", customerKey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

// SweepIdle deletes conversations idle longer than the idle timeout.
func (s *Service) SweepIdle(ctx context.Context) (int64, error) {
	return s.store.DeleteIdleConversations(ctx, s.now().Add(-s.idleTimeout))
}

// RunSweeper calls SweepIdle every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepIdle(ctx); err != nil {
				s.logger.Error("sweeping idle conversations", "error", err)
			} else if n > 0 {
				s.logger.Debug("idle conversations swept", "count", n)
			}
			s.limiter.Sweep(s.idleTimeout)
		}
	}
}

func (s *Service) send(ctx context.Context, to messaging.Recipient, msgs []messaging.Message) error {
	for i, msg := range msgs {
		if err := s.sender.Send(ctx, to, msg); err != nil {
			return fmt.Errorf("sending message %d/%d: %w", i+1, len(msgs), err)
		}
	}
	return nil
}

func (s *Service) apologize(ctx context.Context, ev engine.Event) {
	to := messaging.Recipient{StoreID: ev.StoreID, CustomerKey: ev.CustomerKey}
	if err := s.sender.Send(ctx, to, messaging.Text(msgTryAgain)); err != nil {
		s.logger.Warn("apology not delivered", "error", err, "customer", ev.CustomerKey)
	}
}
