// Package identity attaches the caller's identity to a request context.
// Identities are taken at face value; nothing is verified here.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const AnonymousUser = "anonymous"

type Caller struct {
	UserID string `json:"user_id"`
	// APIKey is a fingerprint of the bearer key, never the key itself.
	APIKey string `json:"api_key,omitempty"`
	IP     string `json:"ip,omitempty"`
}

type contextKey string

const (
	callerKey    contextKey = "caller"
	requestIDKey contextKey = "request_id"
)

// Fingerprint returns a short stable identifier for an API key.
func Fingerprint(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Middleware reads X-User-ID, the Authorization bearer key and the remote
// address. It should run after chi's RealIP so RemoteAddr reflects proxies.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx = WithRequestID(ctx, requestID)
		w.Header().Set("X-Request-ID", requestID)

		caller := Caller{
			UserID: strings.TrimSpace(r.Header.Get("X-User-ID")),
			IP:     remoteIP(r.RemoteAddr),
		}
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			if key := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); key != "" {
				caller.APIKey = Fingerprint(key)
			}
		}
		if caller.UserID == "" {
			caller.UserID = AnonymousUser
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
	})
}

func remoteIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func FromContext(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey).(Caller); ok {
		return c
	}
	return Caller{UserID: AnonymousUser}
}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
