package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware(t *testing.T) {
	var got Caller
	var reqID string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		reqID = RequestID(r.Context())
	}))

	req := httptest.NewRequest("POST", "/v1/generate", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("Authorization", "Bearer sk-secret")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if got.UserID != "alice" {
		t.Errorf("Expected user alice, got %s", got.UserID)
	}
	if got.IP != "203.0.113.7" {
		t.Errorf("Expected ip 203.0.113.7, got %s", got.IP)
	}
	if got.APIKey != Fingerprint("sk-secret") || got.APIKey == "sk-secret" {
		t.Errorf("Expected fingerprinted api key, got %s", got.APIKey)
	}
	if len(got.APIKey) != 16 {
		t.Errorf("Expected 16 char fingerprint, got %d", len(got.APIKey))
	}
	if reqID == "" || rr.Header().Get("X-Request-ID") != reqID {
		t.Errorf("Expected request id to be set and echoed, got %q / %q", reqID, rr.Header().Get("X-Request-ID"))
	}
}

func TestMiddleware_Anonymous(t *testing.T) {
	var got Caller
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got.UserID != AnonymousUser {
		t.Errorf("Expected anonymous user, got %s", got.UserID)
	}
	if got.APIKey != "" {
		t.Errorf("Expected no api key, got %s", got.APIKey)
	}
	if rr.Header().Get("X-Request-ID") != "req-1" {
		t.Errorf("Expected inbound request id to be kept")
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()).UserID != AnonymousUser {
		t.Error("Expected anonymous caller for empty context")
	}
}
