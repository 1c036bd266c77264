// ABOUTME: Tests for the Gateway wiring, webhook endpoints and health checks
// ABOUTME: Builds a real gateway over a temp sqlite database and catalog in dry-run mode

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/order-gateway/internal/auth"
	"github.com/2389/order-gateway/internal/cart"
	"github.com/2389/order-gateway/internal/catalog"
	"github.com/2389/order-gateway/internal/config"
	"github.com/2389/order-gateway/internal/messaging"
	"github.com/2389/order-gateway/internal/store"
)

const (
	testJWTSecret = "0123456789abcdef0123456789abcdef"
	testAppSecret = "app-secret"
)

const testCatalog = `
[[stores]]
id = "store-1"
name = "Lanchonete Central"
phone_number_id = "1099"

[stores.sla]
queue = 10
preparation = 20

[[stores.categories]]
id = "3"
name = "Drinks"

[[stores.products]]
id = "12"
category_id = "3"
name = "Soda"
price = 5.90

[[stores]]
id = "store-2"
name = "Pizzaria Norte"
phone_number_id = "2099"

[[stores.categories]]
id = "1"
name = "Pizzas"

[[stores.products]]
id = "30"
category_id = "1"
name = "Margherita"
price = 42.00
`

// testConfig creates a dry-run config over temp files.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	catalogPath := filepath.Join(dir, "catalog.toml")
	if err := os.WriteFile(catalogPath, []byte(testCatalog), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}

	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "orders.db")},
		Auth:     config.AuthConfig{JWTSecret: testJWTSecret},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
		WhatsApp: config.WhatsAppConfig{
			AppSecret:   testAppSecret,
			VerifyToken: "verify-me",
			DryRun:      true,
		},
		Catalog: config.CatalogConfig{Path: catalogPath},
		Conversation: config.ConversationConfig{
			IdleTimeout:   10 * time.Minute,
			SweepInterval: time.Minute,
			PageSize:      8,
		},
		Workflow: config.WorkflowConfig{WarningFraction: 0.8, PollInterval: time.Second},
		Gate:     config.GateConfig{Backend: "memory"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	gw, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

// staffToken mints a token for subject, optionally scoped to a store.
func staffToken(t *testing.T, storeID string) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	tok, err := v.Generate("kitchen", storeID, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return tok
}

// placeTestOrder places a queued order the way checkout does.
func placeTestOrder(t *testing.T, gw *Gateway, storeID string) *store.Order {
	t.Helper()
	order := &store.Order{
		StoreID:        storeID,
		CustomerKey:    "5511999990000",
		CustomerName:   "Ana",
		DeliveryOption: store.DeliveryCounter,
		PaymentMethod:  "cash",
		Items: []cart.Item{
			{ProductRef: "12", Name: "Soda", UnitPrice: 590, Quantity: 2},
		},
	}
	if err := gw.orders.PlaceOrder(context.Background(), order); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return order
}

func sentMessages(t *testing.T, gw *Gateway) []messaging.Sent {
	t.Helper()
	ls, ok := gw.sender.(*messaging.LogSender)
	if !ok {
		t.Fatalf("sender is %T, want dry-run LogSender", gw.sender)
	}
	return ls.Sent()
}

func TestGatewayNew(t *testing.T) {
	gw := newTestGateway(t)

	if gw.convo == nil || gw.workflow == nil || gw.queue == nil {
		t.Fatal("gateway components should be wired")
	}
	if gw.httpServer.ReadHeaderTimeout != 10*time.Second {
		t.Errorf("ReadHeaderTimeout = %v", gw.httpServer.ReadHeaderTimeout)
	}
}

func TestGatewayNew_BadCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "missing.toml")

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("New() should fail without a catalog")
	}
}

func TestHealthEndpoints(t *testing.T) {
	gw := newTestGateway(t)

	for _, path := range []string{"/health", "/health/ready"} {
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, body = %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output should include the default collectors")
	}
}

func TestWebhookVerify(t *testing.T) {
	gw := newTestGateway(t)

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func webhookBody(phoneNumberID, messageID, text string) string {
	return `{"object":"whatsapp_business_account","entry":[{"id":"WABA","changes":[{"field":"messages","value":{` +
		`"messaging_product":"whatsapp","metadata":{"phone_number_id":"` + phoneNumberID + `"},` +
		`"contacts":[{"profile":{"name":"Ana"},"wa_id":"5511999990000"}],` +
		`"messages":[{"from":"5511999990000","id":"` + messageID + `","timestamp":"1760000000","type":"text","text":{"body":"` + text + `"}}]}}]}]}`
}

func postWebhook(t *testing.T, gw *Gateway, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signature)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	gw := newTestGateway(t)

	body := webhookBody("1099", "wamid.1", "oi")
	rec := postWebhook(t, gw, body, messaging.Sign("other-secret", []byte(body)))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if len(sentMessages(t, gw)) != 0 {
		t.Error("nothing should be sent for an unsigned delivery")
	}
}

func TestWebhook_GreetsNewCustomer(t *testing.T) {
	gw := newTestGateway(t)

	body := webhookBody("1099", "wamid.1", "oi")
	rec := postWebhook(t, gw, body, messaging.Sign(testAppSecret, []byte(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	sent := sentMessages(t, gw)
	if len(sent) == 0 {
		t.Fatal("expected a greeting")
	}
	if sent[0].To.StoreID != "store-1" || sent[0].To.CustomerKey != "5511999990000" {
		t.Errorf("recipient = %+v", sent[0].To)
	}

	conv, err := gw.store.GetConversation(context.Background(), "5511999990000", "store-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Flow != store.FlowWelcome {
		t.Errorf("Flow = %s, want WELCOME", conv.Flow)
	}
	if !strings.Contains(sent[0].Message.Body, "Ana") {
		t.Errorf("greeting %q should use the profile name", sent[0].Message.Body)
	}

	// Meta redelivers the same message id; nothing new goes out
	before := len(sent)
	postWebhook(t, gw, body, messaging.Sign(testAppSecret, []byte(body)))
	if got := len(sentMessages(t, gw)); got != before {
		t.Errorf("redelivery sent %d more messages", got-before)
	}
}

func TestWebhook_UnknownPhoneNumberIsDropped(t *testing.T) {
	gw := newTestGateway(t)

	body := webhookBody("7777", "wamid.1", "oi")
	rec := postWebhook(t, gw, body, messaging.Sign(testAppSecret, []byte(body)))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if len(sentMessages(t, gw)) != 0 {
		t.Error("no store should answer")
	}
}

func TestWebhook_StoresAreSeparateConversations(t *testing.T) {
	gw := newTestGateway(t)

	for i, phone := range []string{"1099", "2099"} {
		body := webhookBody(phone, "wamid.s"+phone, "oi")
		postWebhook(t, gw, body, messaging.Sign(testAppSecret, []byte(body)))
		if _, err := gw.store.GetConversation(context.Background(), "5511999990000", []string{"store-1", "store-2"}[i]); err != nil {
			t.Errorf("conversation for phone %s: %v", phone, err)
		}
	}
}

func TestRunAndShutdown(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	if got, err := resolveTailscaleAuthKey("tskey-config"); err != nil || got != "tskey-config" {
		t.Errorf("configured key: got %q, %v", got, err)
	}

	t.Setenv("TS_AUTHKEY", "tskey-env")
	if got, err := resolveTailscaleAuthKey(""); err != nil || got != "tskey-env" {
		t.Errorf("env key: got %q, %v", got, err)
	}

	t.Setenv("TS_AUTHKEY", "")
	if _, err := resolveTailscaleAuthKey(""); err == nil {
		t.Error("missing key should fail")
	}
}

func TestButtonAllowList(t *testing.T) {
	got := buttonAllowList(map[string][]string{"ORDER_SUMMARY": {"checkout"}})
	if ids := got[store.FlowOrderSummary]; len(ids) != 1 || ids[0] != "checkout" {
		t.Errorf("buttonAllowList = %v", got)
	}
	if buttonAllowList(nil) != nil {
		t.Error("empty config should keep engine defaults")
	}
}

func TestStaffRooms(t *testing.T) {
	stores := []catalog.Store{
		{ID: "store-1", StaffRoom: "!kitchen1:example.org"},
		{ID: "store-2", StaffRoom: "!kitchen2:example.org"},
		{ID: "store-3"},
	}
	rooms := staffRooms(stores, map[string]string{"store-2": "!override:example.org"})

	if rooms["store-1"] != "!kitchen1:example.org" {
		t.Errorf("store-1 room = %q", rooms["store-1"])
	}
	if rooms["store-2"] != "!override:example.org" {
		t.Errorf("store-2 room = %q, config should win", rooms["store-2"])
	}
	if _, ok := rooms["store-3"]; ok {
		t.Error("store-3 has no room")
	}
}
