package http

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/paygate-mcp/paygate/internal/ctxkey"
	"github.com/paygate-mcp/paygate/internal/domain/ipaccess"
	"github.com/paygate-mcp/paygate/internal/service"
)

// HeaderRequestID carries the per-request correlation id in both directions.
const HeaderRequestID = "X-Request-Id"

// requestIDPattern is the only inbound id shape the gateway echoes back.
// Anything else is replaced so upstream log correlation stays trustworthy.
var requestIDPattern = regexp.MustCompile(`^req_[0-9a-f]{16}$`)

// newRequestID mints a fresh identifier: "req_" + 16 hex chars (64 bits).
func newRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// The clock is a weaker id source but keeps requests traceable.
		binary.BigEndian.PutUint64(b[:], uint64(time.Now().UnixNano()))
	}
	return "req_" + hex.EncodeToString(b[:])
}

// RequestIDMiddleware assigns each request its id: the inbound X-Request-Id
// when it is well-formed, a fresh one otherwise. The id is stored in context
// along with a logger enriched with it, and set on the response for
// correlation.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderRequestID)
			if !requestIDPattern.MatchString(requestID) {
				requestID = newRequestID()
			}

			enriched := logger.With("request_id", requestID)
			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)

			w.Header().Set(HeaderRequestID, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext retrieves the request id, or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxkey.RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// securityHeaders is the fixed set stamped on every response. The surface
// is a machine API: nothing is framed, scripted, cached, or referred.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"X-XSS-Protection":        "0",
	"Referrer-Policy":         "strict-origin-when-cross-origin",
	"Cache-Control":           "no-store",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
}

// SecurityHeadersMiddleware stamps the fixed header set before the handler
// runs, so every path out of the mux carries it.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for name, value := range securityHeaders {
			h.Set(name, value)
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIPMiddleware resolves the caller's address through the configured
// proxy depth and stores it in context for the gate's IP checks.
func ClientIPMiddleware(trustedProxyDepth int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ipaccess.ResolveClientIP(
				r.Header.Get("X-Forwarded-For"),
				r.Header.Get("X-Real-Ip"),
				r.RemoteAddr,
				trustedProxyDepth,
			)
			ctx := context.WithValue(r.Context(), ctxkey.ClientIPKey{}, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromContext retrieves the resolved client IP, or "" outside a
// request.
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(ctxkey.ClientIPKey{}).(string); ok {
		return ip
	}
	return ""
}

// MaintenanceGate refuses metered traffic with 503 while the switch is on.
// A nil switch disables the gate.
func MaintenanceGate(maint *service.Maintenance) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maint == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maint.On() {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(maint.RetryAfter().Seconds())))
				writeJSONError(w, http.StatusServiceUnavailable, "maintenance")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
