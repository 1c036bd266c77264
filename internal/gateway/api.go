// ABOUTME: Staff HTTP API for following orders and moving them through their stages
// ABOUTME: Also receives payment confirmations and externally scheduled alert callbacks

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/order-gateway/internal/auth"
	"github.com/2389/order-gateway/internal/cart"
	"github.com/2389/order-gateway/internal/conversation"
	"github.com/2389/order-gateway/internal/notify"
	"github.com/2389/order-gateway/internal/store"
	"github.com/2389/order-gateway/internal/workflow"
)

const (
	defaultOrderLimit = 50
	maxOrderLimit     = 200
	maxRequestBody    = 64 << 10
)

// StageView is one stage of an order as the API reports it.
type StageView struct {
	ID              int       `json:"id"`
	Name            string    `json:"name"`
	EnteredAt       time.Time `json:"entered_at"`
	MinutesAllotted int       `json:"minutes_allotted,omitempty"`
	MinutesTaken    int       `json:"minutes_taken,omitempty"`
	Actor           string    `json:"actor,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// OrderView is the JSON representation of an order.
type OrderView struct {
	ID             string      `json:"id"`
	Number         int64       `json:"number"`
	StoreID        string      `json:"store_id"`
	CustomerKey    string      `json:"customer_key"`
	CustomerName   string      `json:"customer_name,omitempty"`
	Items          []cart.Item `json:"items"`
	DeliveryOption string      `json:"delivery_option"`
	Address        string      `json:"address,omitempty"`
	PaymentMethod  string      `json:"payment_method"`
	PaymentRef     string      `json:"payment_ref,omitempty"`
	Total          cart.Money  `json:"total"`
	TotalDisplay   string      `json:"total_display"`
	Stage          StageView   `json:"stage"`
	History        []StageView `json:"history,omitempty"`
	Cancelled      bool        `json:"cancelled"`
	CancelReason   string      `json:"cancel_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func toOrderView(o *store.Order) OrderView {
	v := OrderView{
		ID:             o.ID,
		Number:         o.Number,
		StoreID:        o.StoreID,
		CustomerKey:    o.CustomerKey,
		CustomerName:   o.CustomerName,
		Items:          o.Items,
		DeliveryOption: string(o.DeliveryOption),
		Address:        o.Address,
		PaymentMethod:  o.PaymentMethod,
		PaymentRef:     o.PaymentRef,
		Total:          o.Total,
		TotalDisplay:   o.Total.String(),
		Stage: StageView{
			ID:        o.CurrentStage.StageID,
			Name:      workflow.Stage(o.CurrentStage.StageID).String(),
			EnteredAt: o.CurrentStage.EnteredAt,
		},
		Cancelled:    o.Cancelled,
		CancelReason: o.CancelReason,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	for _, h := range o.StageHistory {
		v.History = append(v.History, StageView{
			ID:              h.StageID,
			Name:            workflow.Stage(h.StageID).String(),
			EnteredAt:       h.EnteredAt,
			MinutesAllotted: h.MinutesAllotted,
			MinutesTaken:    h.MinutesTaken,
			Actor:           h.Actor,
			Reason:          h.Reason,
		})
	}
	return v
}

// TransitionRequest is the body of POST /api/orders/{id}/transition.
type TransitionRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	MinutesTaken int    `json:"minutes_taken,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// CancelRequest is the body of POST /api/orders/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ConfirmPaymentRequest is the body of POST /api/payments/confirm.
type ConfirmPaymentRequest struct {
	StoreID     string `json:"store_id"`
	CustomerKey string `json:"customer_key"`
	PaymentRef  string `json:"payment_ref"`
}

// handleListOrders handles GET /api/orders?store=&active=&limit=
func (g *Gateway) handleListOrders(w http.ResponseWriter, r *http.Request) {
	staff := auth.FromContext(r.Context())
	q := r.URL.Query()

	storeID := q.Get("store")
	if storeID == "" {
		storeID = staff.StoreID
	}
	if storeID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "store is required")
		return
	}
	if !staff.CanAccess(storeID) {
		g.sendJSONError(w, http.StatusForbidden, "no access to store")
		return
	}

	limit := defaultOrderLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxOrderLimit)
	}

	orders, err := g.store.ListOrders(r.Context(), store.OrderFilter{
		StoreID:    storeID,
		ActiveOnly: q.Get("active") == "true",
		Limit:      limit,
	})
	if err != nil {
		g.logger.Error("listing orders", "error", err, "store", storeID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, toOrderView(o))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

// loadOrder fetches the order named in the path and checks the caller may
// see it. It writes the error response itself and returns nil on failure.
func (g *Gateway) loadOrder(w http.ResponseWriter, r *http.Request) *store.Order {
	id := r.PathValue("id")
	order, err := g.workflow.Order(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "order not found")
		return nil
	}
	if err != nil {
		g.logger.Error("loading order", "error", err, "order_id", id)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}
	// Orders of other stores are reported as missing
	if !auth.FromContext(r.Context()).CanAccess(order.StoreID) {
		g.sendJSONError(w, http.StatusNotFound, "order not found")
		return nil
	}
	return order
}

// handleGetOrder handles GET /api/orders/{id}
func (g *Gateway) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order := g.loadOrder(w, r)
	if order == nil {
		return
	}
	g.writeJSON(w, http.StatusOK, toOrderView(order))
}

// handleTicket handles GET /api/orders/{id}/ticket, a printable kitchen ticket.
func (g *Gateway) handleTicket(w http.ResponseWriter, r *http.Request) {
	order := g.loadOrder(w, r)
	if order == nil {
		return
	}
	page, err := notify.RenderTicketHTML(order)
	if err != nil {
		g.logger.Error("rendering ticket", "error", err, "order_id", order.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, page)
}

// handleTransition handles POST /api/orders/{id}/transition
func (g *Gateway) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := workflow.ParseStage(req.From)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := workflow.ParseStage(req.To)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if req.MinutesTaken < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "minutes_taken must not be negative")
		return
	}

	order := g.loadOrder(w, r)
	if order == nil {
		return
	}

	updated, err := g.workflow.Transition(r.Context(), workflow.TransitionRequest{
		OrderID:      order.ID,
		From:         from,
		To:           to,
		MinutesTaken: req.MinutesTaken,
		Actor:        auth.FromContext(r.Context()).Subject,
		Reason:       req.Reason,
	})
	if err != nil {
		g.writeWorkflowError(w, order.ID, err)
		return
	}
	g.recordAudit(r, &store.AuditEntry{
		StoreID:    order.StoreID,
		Action:     store.AuditTransitionStage,
		TargetType: "order",
		TargetID:   order.ID,
		Detail:     map[string]any{"from": from.String(), "to": to.String(), "minutes_taken": req.MinutesTaken},
	})
	g.writeJSON(w, http.StatusOK, toOrderView(updated))
}

// handleCancel handles POST /api/orders/{id}/cancel
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	order := g.loadOrder(w, r)
	if order == nil {
		return
	}

	updated, err := g.workflow.CancelOrder(r.Context(), order.ID, req.Reason, auth.FromContext(r.Context()).Subject)
	if err != nil {
		g.writeWorkflowError(w, order.ID, err)
		return
	}
	g.recordAudit(r, &store.AuditEntry{
		StoreID:    order.StoreID,
		Action:     store.AuditCancelOrder,
		TargetType: "order",
		TargetID:   order.ID,
		Detail:     map[string]any{"reason": req.Reason},
	})
	g.writeJSON(w, http.StatusOK, toOrderView(updated))
}

// writeWorkflowError maps stage workflow failures to HTTP statuses.
func (g *Gateway) writeWorkflowError(w http.ResponseWriter, orderID string, err error) {
	var conflict *workflow.ConflictError
	switch {
	case errors.As(err, &conflict):
		g.writeJSON(w, http.StatusConflict, map[string]any{
			"error":    "order stage changed",
			"expected": conflict.Expected.String(),
			"actual":   conflict.Actual.String(),
		})
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, workflow.ErrTerminalStage):
		g.sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "order not found")
	default:
		g.logger.Error("stage transition failed", "error", err, "order_id", orderID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleConfirmPayment handles POST /api/payments/confirm. The payment
// provider callback (or a staff member) reports a paid Pix charge.
func (g *Gateway) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req ConfirmPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.StoreID == "" || req.CustomerKey == "" {
		g.sendJSONError(w, http.StatusBadRequest, "store_id and customer_key are required")
		return
	}
	if !auth.FromContext(r.Context()).CanAccess(req.StoreID) {
		g.sendJSONError(w, http.StatusForbidden, "no access to store")
		return
	}

	order, err := g.convo.ConfirmPayment(r.Context(), req.CustomerKey, req.StoreID, req.PaymentRef)
	if errors.Is(err, conversation.ErrNoPendingPayment) {
		g.sendJSONError(w, http.StatusNotFound, "no pending payment")
		return
	}
	if err != nil {
		g.logger.Error("confirming payment", "error", err, "store", req.StoreID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.recordAudit(r, &store.AuditEntry{
		StoreID:    req.StoreID,
		Action:     store.AuditConfirmPayment,
		TargetType: "order",
		TargetID:   order.ID,
		Detail:     map[string]any{"customer_key": req.CustomerKey, "payment_ref": req.PaymentRef},
	})
	g.writeJSON(w, http.StatusCreated, toOrderView(order))
}

// handleAlertTask handles POST /api/tasks/alert, the callback of an external
// task scheduler firing a stage alert.
func (g *Gateway) handleAlertTask(w http.ResponseWriter, r *http.Request) {
	var p workflow.AlertPayload
	if err := decodeJSON(r, &p); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.OrderID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "order_id is required")
		return
	}
	if !auth.FromContext(r.Context()).CanAccess(p.StoreID) {
		g.sendJSONError(w, http.StatusForbidden, "no access to store")
		return
	}

	outcome, err := g.workflow.OnAlertFire(r.Context(), p)
	if err != nil {
		g.logger.Error("alert callback failed", "error", err, "order_id", p.OrderID)
		g.sendJSONError(w, http.StatusInternalServerError, "alert failed")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// handleCatalogReload handles POST /api/catalog/reload. Only unscoped staff
// may reload, since the file covers every store.
func (g *Gateway) handleCatalogReload(w http.ResponseWriter, r *http.Request) {
	if auth.FromContext(r.Context()).StoreID != "" {
		g.sendJSONError(w, http.StatusForbidden, "catalog reload needs an unscoped token")
		return
	}
	if err := g.catalog.Reload(); err != nil {
		g.logger.Error("catalog reload failed", "error", err)
		g.sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	g.logger.Info("catalog reloaded", "path", g.config.Catalog.Path)
	g.recordAudit(r, &store.AuditEntry{
		Action:     store.AuditReloadCatalog,
		TargetType: "catalog",
		TargetID:   g.config.Catalog.Path,
	})
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
