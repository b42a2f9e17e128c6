// Package paygate provides a Go client SDK for calling MCP tools through a
// PayGate gateway.
//
// The client speaks JSON-RPC 2.0 over HTTP to the gateway's metered endpoint,
// authenticating with an API key and optionally signing each request with a
// shared HMAC secret. Billing denials (insufficient credits, rate limits,
// spending caps) surface as typed errors so callers can distinguish "pay up"
// from "broken".
//
// Basic usage:
//
//	client := paygate.NewClient(
//		paygate.WithServerAddr("http://localhost:8080"),
//		paygate.WithAPIKey("pg_..."),
//	)
//
//	result, err := client.CallTool(ctx, "search", map[string]any{"query": "golang"})
//	if err != nil {
//		var denied *paygate.DeniedError
//		if errors.As(err, &denied) && denied.Reason == paygate.ReasonInsufficientCredits {
//			// top up and retry
//		}
//		return err
//	}
//
// The SDK is designed to be vendored into agent codebases: it uses only the
// Go standard library and has zero external dependencies.
package paygate

import "encoding/json"

// Deny reason tokens carried in DeniedError.Reason. The gateway emits these
// verbatim in the error message of code -32402 responses.
const (
	// ReasonInvalidAPIKey means the X-API-Key header was missing or unknown.
	ReasonInvalidAPIKey = "invalid_api_key"

	// ReasonKeyExpired means the API key exists but is past its expiry time.
	ReasonKeyExpired = "api_key_expired"

	// ReasonKeyRevoked means the API key has been permanently revoked.
	ReasonKeyRevoked = "api_key_revoked"

	// ReasonKeySuspended means the API key is temporarily suspended, either
	// manually or by an automatic spending-cap breach.
	ReasonKeySuspended = "api_key_suspended"

	// ReasonToolNotAllowed means the key's allowlist does not include the tool.
	ReasonToolNotAllowed = "tool_not_allowed"

	// ReasonToolDenied means the key's denylist blocks the tool.
	ReasonToolDenied = "tool_denied"

	// ReasonCountryBlocked means a geo restriction rejected the caller.
	ReasonCountryBlocked = "country_blocked"

	// ReasonInsufficientCredits means the key's balance cannot cover the call.
	ReasonInsufficientCredits = "insufficient_credits"

	// ReasonSpendingLimitExceeded means a per-key spending cap was hit.
	ReasonSpendingLimitExceeded = "spending_limit_exceeded"

	// ReasonRateLimited means a per-tool or global rate limit rejected the
	// call. Retrying after a short backoff usually succeeds.
	ReasonRateLimited = "rate_limited"
)

// HTTP header names used by the gateway.
const (
	headerAPIKey    = "X-API-Key"
	headerSignature = "X-Signature"
	headerRequestID = "X-Request-Id"
)

// paymentRequiredPrefix is stripped from -32402 error messages to recover
// the bare deny reason token.
const paymentRequiredPrefix = "Payment required: "

// codePaymentRequired is the JSON-RPC error code the gateway uses for all
// billing and access-control denials.
const codePaymentRequired = -32402

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is the JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is the JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// toolCallParams is the params shape for the MCP tools/call method.
type toolCallParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// HealthStatus is the response from the gateway's unauthenticated /health
// endpoint.
type HealthStatus struct {
	// Status is "healthy" or "unhealthy".
	Status string `json:"status"`
	// Checks maps component names to their individual check results.
	Checks map[string]string `json:"checks"`
	// Version is the gateway build version, when reported.
	Version string `json:"version,omitempty"`
}

// Healthy reports whether the gateway considers itself healthy.
func (h *HealthStatus) Healthy() bool {
	return h.Status == "healthy"
}
