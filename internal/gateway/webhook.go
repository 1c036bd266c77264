// ABOUTME: WhatsApp Cloud API webhook endpoints: subscription handshake and message delivery
// ABOUTME: Verifies payload signatures, resolves the store and hands each message to the conversation service

package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/order-gateway/internal/catalog"
	"github.com/2389/order-gateway/internal/engine"
	"github.com/2389/order-gateway/internal/messaging"
	"github.com/2389/order-gateway/internal/metrics"
)

const (
	// maxWebhookBody bounds a single webhook delivery.
	maxWebhookBody = 1 << 20
	// inboundTimeout bounds the processing of one delivery.
	inboundTimeout = 30 * time.Second
)

// handleWebhookVerify answers the subscription handshake by echoing
// hub.challenge when hub.verify_token matches.
func (g *Gateway) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != g.config.WhatsApp.VerifyToken || g.config.WhatsApp.VerifyToken == "" {
		g.logger.Warn("webhook verification rejected", "mode", q.Get("hub.mode"))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// handleWebhook processes a message delivery. Once the signature checks out
// the response is always 200: failures are answered to the customer, and a
// non-200 would only make Meta redeliver the whole batch.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := messaging.VerifySignature(g.config.WhatsApp.AppSecret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		g.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		g.sendJSONError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	inbound, err := messaging.ParseWebhook(body)
	if err != nil {
		g.logger.Warn("unparseable webhook payload", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), inboundTimeout)
	defer cancel()
	for _, in := range inbound {
		g.dispatchInbound(ctx, in)
	}
	w.WriteHeader(http.StatusOK)
}

// dispatchInbound routes one customer message to its store's conversation.
func (g *Gateway) dispatchInbound(ctx context.Context, in messaging.Inbound) {
	logger := g.logger.With("message_id", in.MessageID, "phone_number_id", in.PhoneNumberID)

	ev, ok := toEvent(in)
	if !ok {
		metrics.RecordInbound(string(in.Kind), "unsupported")
		logger.Debug("unsupported message type ignored")
		return
	}

	st, err := g.catalog.StoreByPhoneNumberID(ctx, in.PhoneNumberID)
	if errors.Is(err, catalog.ErrNotFound) {
		metrics.RecordInbound(string(ev.Kind), "unknown_store")
		logger.Warn("message for unknown phone number dropped")
		return
	}
	if err != nil {
		logger.Error("resolving store", "error", err)
		return
	}
	ev.StoreID = st.ID

	if err := g.convo.HandleInbound(ctx, ev); err != nil {
		logger.Error("handling inbound message", "error", err, "store", st.ID)
	}
}

// toEvent converts a webhook message into an engine event.
func toEvent(in messaging.Inbound) (engine.Event, bool) {
	var kind engine.EventKind
	switch in.Kind {
	case messaging.InboundText:
		kind = engine.EventText
	case messaging.InboundButton:
		kind = engine.EventButton
	case messaging.InboundList:
		kind = engine.EventList
	default:
		return engine.Event{}, false
	}
	return engine.Event{
		Kind:        kind,
		CustomerKey: in.From,
		MessageID:   in.MessageID,
		Text:        in.Text,
		ReplyID:     in.ReplyID,
		ProfileName: in.ProfileName,
		ReceivedAt:  in.Timestamp,
	}, true
}
