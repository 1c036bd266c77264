// ABOUTME: Server-sent event stream of staff events for one store
// ABOUTME: Lets kitchen screens follow new orders, stage changes and alerts live

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/order-gateway/internal/auth"
)

// sseKeepAlive is how often an idle stream gets a comment line.
const sseKeepAlive = 20 * time.Second

// handleStoreEvents handles GET /api/stores/{store}/events
func (g *Gateway) handleStoreEvents(w http.ResponseWriter, r *http.Request) {
	storeID := r.PathValue("store")
	if !auth.FromContext(r.Context()).CanAccess(storeID) {
		g.sendJSONError(w, http.StatusForbidden, "no access to store")
		return
	}

	// Check streaming support before subscribing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := g.stream.Subscribe(r.Context(), storeID)
	logger := g.logger.With("store", storeID, "subscription", subID)
	logger.Debug("staff stream opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "ready", map[string]string{"store_id": storeID})
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			logger.Debug("staff stream closed")
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}
