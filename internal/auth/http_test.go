// ABOUTME: Tests for HTTP authentication middleware and staff context
// ABOUTME: Covers token extraction, validation, expiry and store scoping

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serveWithAuth(t *testing.T, header string) (*httptest.ResponseRecorder, *Staff) {
	t.Helper()
	var got *Staff
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	HTTPAuthMiddleware(newTestVerifier(t))(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	token, _ := newTestVerifier(t).Generate("ana", "store-1", time.Hour)

	rec, staff := serveWithAuth(t, "Bearer "+token)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if staff == nil {
		t.Fatal("expected Staff in context")
	}
	if staff.Subject != "ana" || staff.StoreID != "store-1" {
		t.Errorf("unexpected staff %+v", staff)
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	expired, _ := newTestVerifier(t).Generate("ana", "", -time.Minute)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{name: "missing header", header: "", wantMsg: "missing authorization header"},
		{name: "basic auth", header: "Basic YW5hOnB3", wantMsg: "invalid authorization header format"},
		{name: "empty bearer", header: "Bearer ", wantMsg: "empty token"},
		{name: "garbage", header: "Bearer nope", wantMsg: "invalid token"},
		{name: "expired", header: "Bearer " + expired, wantMsg: "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, staff := serveWithAuth(t, tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if staff != nil {
				t.Error("handler must not run")
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.wantMsg)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestAllowAll(t *testing.T) {
	var got *Staff
	handler := AllowAll("local")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got == nil || got.Subject != "local" || !got.CanAccess("any-store") {
		t.Errorf("unexpected staff %+v", got)
	}
}

func TestStaff_CanAccess(t *testing.T) {
	scoped := &Staff{Subject: "ana", StoreID: "store-1"}
	if !scoped.CanAccess("store-1") {
		t.Error("scoped staff must access own store")
	}
	if scoped.CanAccess("store-2") {
		t.Error("scoped staff must not access other stores")
	}
	if !(&Staff{Subject: "ops"}).CanAccess("store-2") {
		t.Error("unscoped staff accesses every store")
	}
}

func TestFromContext_Missing(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Error("expected nil without WithStaff")
	}
}
