package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/paygate-mcp/paygate/internal/service"
)

const (
	// HeaderAPIKey authenticates the metered surface. Header lookup is
	// case-insensitive per net/http canonicalization.
	HeaderAPIKey = "X-API-Key"

	// HeaderSignature carries the optional per-request HMAC signature.
	HeaderSignature = "X-Signature"

	// maxRequestBodySize is the maximum allowed request body size (1 MB).
	maxRequestBodySize = 1 << 20
)

// Dispatcher is the slice of the dispatch service the transport drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, in service.Inbound) service.Outcome
}

// mcpHandler serves POST /mcp: it collects the transport facts the gate
// needs, hands the raw payload to the dispatcher, and writes whatever
// envelope comes back. JSON-RPC level failures ride HTTP 200; only
// transport-level refusals use other status codes.
func mcpHandler(dispatcher Dispatcher, metrics *Metrics, countryHeader string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed")
			return
		}
		// Declared oversize is refused before any body byte is read.
		if r.ContentLength > maxRequestBodySize {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "bad_request")
			return
		}

		in := service.Inbound{
			Body:            body,
			APIKey:          r.Header.Get(HeaderAPIKey),
			ClientIP:        ClientIPFromContext(r.Context()),
			SignatureHeader: r.Header.Get(HeaderSignature),
			HTTPMethod:      r.Method,
			Path:            r.URL.Path,
			RequestID:       RequestIDFromContext(r.Context()),
		}
		if countryHeader != "" {
			in.Country = r.Header.Get(countryHeader)
		}

		out := dispatcher.Dispatch(r.Context(), in)
		if metrics != nil {
			metrics.ObserveOutcome(out)
		}

		if out.Notification {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.Body)
	})
}

// writeJSONError emits a transport-level refusal. Tokens stay within the
// curated set; nothing internal leaks through this path.
func writeJSONError(w http.ResponseWriter, status int, token string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": token})
}

// notFoundHandler answers unrouted paths with a JSON 404 instead of the
// stdlib text page, keeping the surface uniform.
func notFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found")
	})
}
