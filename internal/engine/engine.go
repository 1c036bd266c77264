// ABOUTME: Conversation state machine computing the next conversation and replies
// ABOUTME: Pure with respect to persistence; catalog reads are its only I/O

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/2389/order-gateway/internal/catalog"
	"github.com/2389/order-gateway/internal/messaging"
	"github.com/2389/order-gateway/internal/store"
)

// EventKind classifies an inbound event.
type EventKind string

// EventKind values
const (
	EventText   EventKind = "text"
	EventButton EventKind = "button"
	EventList   EventKind = "list"
)

// Event is one inbound customer message.
type Event struct {
	Kind        EventKind
	CustomerKey string
	StoreID     string
	MessageID   string
	Text        string
	ReplyID     string // button or list row id
	ProfileName string
	ReceivedAt  time.Time
}

// Payment methods offered at checkout.
const (
	PaymentPix  = "pix"
	PaymentCard = "card"
	PaymentCash = "cash"
)

// Checkout asks the caller to finish the purchase.
type Checkout struct {
	PaymentMethod string
	// AwaitPayment is true when the order is placed only after payment confirmation.
	AwaitPayment bool
}

// Outcome is the result of handling one event.
type Outcome struct {
	// Next is the conversation to persist. It is the input conversation when nothing changed.
	Next *store.Conversation
	// Changed reports whether Next differs from the input.
	Changed bool
	// Ignored means the event did not apply to the current flow; nothing is sent.
	Ignored bool
	// Reprompted means the input was rejected and the current screen shown again.
	Reprompted bool
	Messages   []messaging.Message
	Checkout   *Checkout
}

// Config tunes the engine.
type Config struct {
	// PageSize is the number of products per list page.
	PageSize int
	// ButtonAllowList replaces the default accepted button ids for the given flows.
	ButtonAllowList map[store.Flow][]string
}

// Engine is the conversation state machine.
type Engine struct {
	catalog  catalog.Provider
	pageSize int
	routes   []route
	allow    map[store.Flow]map[string]bool
	logger   *slog.Logger
}

// New creates an engine. A nil logger falls back to slog.Default.
func New(cfg Config, provider catalog.Provider, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 8 {
		pageSize = 8
	}

	e := &Engine{
		catalog:  provider,
		pageSize: pageSize,
		routes:   defaultRoutes(),
		logger:   logger.With("component", "engine"),
	}
	e.allow = defaultAllowList(e.routes)
	for flow, ids := range cfg.ButtonAllowList {
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		e.allow[flow] = set
	}
	return e
}

// ButtonAllowed reports whether a button id is accepted in a flow.
func (e *Engine) ButtonAllowed(flow store.Flow, id string) bool {
	return e.allow[flow][id]
}

// Handle computes the reaction to ev for conv. conv is never modified.
// Errors are returned only when a collaborator fails.
func (e *Engine) Handle(ctx context.Context, conv *store.Conversation, ev Event) (*Outcome, error) {
	st, err := e.catalog.Store(ctx, conv.StoreID)
	if err != nil {
		return nil, fmt.Errorf("loading store %s: %w", conv.StoreID, err)
	}

	t := &turn{
		e:     e,
		ctx:   ctx,
		ev:    ev,
		orig:  conv,
		conv:  conv.Clone(),
		store: st,
	}

	h, ok := e.resolve(conv.Flow, ev)
	if !ok {
		e.logger.Debug("event ignored", "flow", conv.Flow, "kind", ev.Kind, "id", ev.ReplyID)
		return &Outcome{Next: conv, Ignored: true}, nil
	}

	if err := h(t); err != nil {
		return nil, err
	}

	if t.reprompt {
		return &Outcome{Next: conv, Reprompted: true, Messages: t.msgs}, nil
	}

	return &Outcome{
		Next:     t.conv,
		Changed:  !reflect.DeepEqual(conv, t.conv),
		Messages: t.msgs,
		Checkout: t.checkout,
	}, nil
}

// Greeting renders the current screen without an event. Used after an
// idle conversation was replaced by a fresh one.
func (e *Engine) Greeting(ctx context.Context, conv *store.Conversation) ([]messaging.Message, error) {
	st, err := e.catalog.Store(ctx, conv.StoreID)
	if err != nil {
		return nil, fmt.Errorf("loading store %s: %w", conv.StoreID, err)
	}
	t := &turn{e: e, ctx: ctx, orig: conv, conv: conv.Clone(), store: st}
	if err := t.show(); err != nil {
		return nil, err
	}
	return t.msgs, nil
}

// resolve picks the handler for an event, or reports that the event is ignored.
func (e *Engine) resolve(flow store.Flow, ev Event) (handler, bool) {
	if ev.Kind == EventText && isAccountKeyword(ev.Text) {
		return handleAccount, true
	}
	if ev.Kind == EventButton && !e.ButtonAllowed(flow, ev.ReplyID) {
		return nil, false
	}
	if r := e.match(flow, ev.Kind, ev.ReplyID); r != nil {
		return r.handle, true
	}
	if ev.Kind == EventText {
		return handleRerender, true
	}
	return nil, false
}

func isAccountKeyword(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "conta", "account":
		return true
	}
	return false
}

// turn is the working state of one Handle call.
type turn struct {
	e        *Engine
	ctx      context.Context
	ev       Event
	orig     *store.Conversation
	conv     *store.Conversation
	store    *catalog.Store
	msgs     []messaging.Message
	reprompt bool
	checkout *Checkout
}

// goTo moves the conversation to flow and renders its screen.
func (t *turn) goTo(flow store.Flow) error {
	if flow == store.FlowCollectCustomerName && t.conv.CustomerName != "" {
		flow = store.FlowSelectPaymentMethod
	}
	if flow != store.FlowProductQuestions {
		t.conv.CurrentQuestionIndex = 0
	}
	t.conv.Flow = flow
	return t.show()
}

// show renders the screen of the working conversation's flow.
func (t *turn) show() error {
	msgs, err := t.screen(t.conv)
	if err != nil {
		return err
	}
	t.msgs = append(t.msgs, msgs...)
	return nil
}

// retry rejects the input: the original conversation is kept and its screen
// is shown again after hint.
func (t *turn) retry(hint string) error {
	t.reprompt = true
	t.msgs = nil
	if hint != "" {
		t.msgs = append(t.msgs, messaging.Text(hint))
	}
	msgs, err := t.screen(t.orig)
	if err != nil {
		return err
	}
	t.msgs = append(t.msgs, msgs...)
	return nil
}

// lookupFailed turns catalog ErrNotFound into a re-prompt and passes other errors up.
func (t *turn) lookupFailed(err error, hint string) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return t.retry(hint)
	}
	return err
}
