// ABOUTME: Staff audit trail for the gateway's mutating API calls
// ABOUTME: Serves GET /api/audit filtered to the stores the caller can see

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/2389/order-gateway/internal/auth"
	"github.com/2389/order-gateway/internal/store"
)

// AuditView is the JSON representation of an audit entry.
type AuditView struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	StoreID    string         `json:"store_id,omitempty"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// recordAudit appends an entry attributed to the calling staff member.
// A failed append is logged and does not fail the request, which already
// took effect.
func (g *Gateway) recordAudit(r *http.Request, e *store.AuditEntry) {
	e.Actor = auth.FromContext(r.Context()).Subject
	if err := g.store.AppendAuditLog(r.Context(), e); err != nil {
		g.logger.Warn("failed to record audit entry",
			"error", err,
			"action", e.Action,
			"target_id", e.TargetID,
		)
	}
}

// handleListAudit handles GET /api/audit?store=&actor=&action=&order=&since=&limit=
// Store scoped tokens only see their own store.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	staff := auth.FromContext(r.Context())
	q := r.URL.Query()

	var f store.AuditFilter
	storeID := q.Get("store")
	if staff.StoreID != "" {
		if storeID != "" && storeID != staff.StoreID {
			g.sendJSONError(w, http.StatusForbidden, "no access to store")
			return
		}
		storeID = staff.StoreID
	}
	if storeID != "" {
		f.StoreID = &storeID
	}
	if actor := q.Get("actor"); actor != "" {
		f.Actor = &actor
	}
	if action := q.Get("action"); action != "" {
		a := store.AuditAction(action)
		f.Action = &a
	}
	if orderID := q.Get("order"); orderID != "" {
		f.TargetID = &orderID
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = &since
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	entries, err := g.store.ListAuditLog(r.Context(), f)
	if err != nil {
		g.logger.Error("listing audit log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]AuditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, AuditView{
			ID:         e.ID,
			Actor:      e.Actor,
			StoreID:    e.StoreID,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp,
			Detail:     e.Detail,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}
