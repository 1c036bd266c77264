// ABOUTME: WhatsApp Cloud API sender rendering abstract messages to Graph API JSON
// ABOUTME: Truncates titles and rows to the platform limits before sending

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/order-gateway/internal/catalog"
)

// MaxListRows is the most rows the platform accepts in one list message.
const MaxListRows = 10

// Platform limits for interactive messages.
const (
	maxButtons       = 3
	maxRowTitle      = 24
	maxRowDesc       = 72
	maxButtonTitle   = 20
	maxHeader        = 60
	maxListButton    = 20
	maxInteractive   = 1024
	maxTextBody      = 4096
	defaultGraphBase = "https://graph.facebook.com/v19.0"
)

// StoreDirectory resolves the WhatsApp phone number a store sends from.
type StoreDirectory interface {
	Store(ctx context.Context, storeID string) (*catalog.Store, error)
}

// CloudConfig configures a CloudSender.
type CloudConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// CloudSender sends messages through the WhatsApp Cloud API.
type CloudSender struct {
	baseURL string
	token   string
	client  *http.Client
	stores  StoreDirectory
	logger  *slog.Logger
}

// NewCloudSender creates a sender. A nil logger falls back to slog.Default.
func NewCloudSender(cfg CloudConfig, stores StoreDirectory, logger *slog.Logger) *CloudSender {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultGraphBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CloudSender{
		baseURL: base,
		token:   cfg.AccessToken,
		client:  &http.Client{Timeout: timeout},
		stores:  stores,
		logger:  logger.With("component", "whatsapp"),
	}
}

// Send implements Sender.
func (s *CloudSender) Send(ctx context.Context, to Recipient, msg Message) error {
	store, err := s.stores.Store(ctx, to.StoreID)
	if err != nil {
		return fmt.Errorf("resolving store phone number: %w", err)
	}
	if store.PhoneNumberID == "" {
		return fmt.Errorf("store %s has no phone_number_id", to.StoreID)
	}

	if msg.Kind == KindList && len(msg.Rows) > MaxListRows {
		s.logger.Warn("list rows beyond the platform limit dropped",
			"store", to.StoreID, "rows", len(msg.Rows), "limit", MaxListRows)
	}
	payload, err := json.Marshal(RenderCloudPayload(to.CustomerKey, msg))
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", s.baseURL, store.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	s.logger.Debug("message sent", "store", to.StoreID, "customer", to.CustomerKey, "kind", msg.Kind)
	return nil
}

// RenderCloudPayload converts a Message to the Cloud API request body.
func RenderCloudPayload(to string, msg Message) map[string]any {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}

	switch msg.Kind {
	case KindList:
		rows := msg.Rows
		if len(rows) > MaxListRows {
			rows = rows[:MaxListRows]
		}
		apiRows := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			row := map[string]any{"id": r.ID, "title": truncate(r.Title, maxRowTitle)}
			if r.Description != "" {
				row["description"] = truncate(r.Description, maxRowDesc)
			}
			apiRows = append(apiRows, row)
		}
		label := msg.ButtonLabel
		if label == "" {
			label = "Ver opções"
		}
		interactive := map[string]any{
			"type": "list",
			"body": map[string]any{"text": truncate(msg.Body, maxInteractive)},
			"action": map[string]any{
				"button": truncate(label, maxListButton),
				"sections": []map[string]any{{
					"title": truncate(firstNonEmpty(msg.Header, label), maxRowTitle),
					"rows":  apiRows,
				}},
			},
		}
		addHeaderFooter(interactive, msg)
		payload["type"] = "interactive"
		payload["interactive"] = interactive

	case KindButtons:
		buttons := msg.Buttons
		if len(buttons) > maxButtons {
			buttons = buttons[:maxButtons]
		}
		apiButtons := make([]map[string]any, 0, len(buttons))
		for _, b := range buttons {
			apiButtons = append(apiButtons, map[string]any{
				"type":  "reply",
				"reply": map[string]any{"id": b.ID, "title": truncate(b.Title, maxButtonTitle)},
			})
		}
		interactive := map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": truncate(msg.Body, maxInteractive)},
			"action": map[string]any{"buttons": apiButtons},
		}
		addHeaderFooter(interactive, msg)
		payload["type"] = "interactive"
		payload["interactive"] = interactive

	default:
		payload["type"] = "text"
		payload["text"] = map[string]any{"body": truncate(msg.Body, maxTextBody), "preview_url": false}
	}
	return payload
}

func addHeaderFooter(interactive map[string]any, msg Message) {
	if msg.Header != "" {
		interactive["header"] = map[string]any{"type": "text", "text": truncate(msg.Header, maxHeader)}
	}
	if msg.Footer != "" {
		interactive["footer"] = map[string]any{"text": truncate(msg.Footer, maxHeader)}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

var _ Sender = (*CloudSender)(nil)
