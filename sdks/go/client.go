package paygate

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// mcpPath is the gateway's metered JSON-RPC endpoint.
const mcpPath = "/mcp"

// Client is the PayGate SDK client. It calls MCP tools through a PayGate
// gateway, which authenticates the API key, meters credits, and forwards
// allowed calls to the backend MCP server.
//
// A Client is safe for concurrent use by multiple goroutines.
type Client struct {
	serverAddr    string
	apiKey        string
	signingSecret string
	timeout       time.Duration
	httpClient    *http.Client
	logger        *slog.Logger

	reqID atomic.Int64
}

// NewClient creates a new PayGate SDK client.
// It reads configuration from PAYGATE_* environment variables by default.
// Options can be used to override the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:    os.Getenv("PAYGATE_SERVER_ADDR"),
		apiKey:        os.Getenv("PAYGATE_API_KEY"),
		signingSecret: os.Getenv("PAYGATE_SIGNING_SECRET"),
		timeout:       parseDurationEnv("PAYGATE_TIMEOUT", 60*time.Second),
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// CallTool invokes the named tool through the gateway and returns the raw
// JSON-RPC result from the backend. args is marshaled as the tool arguments
// object; pass nil for tools that take none.
//
// On a billing or access denial it returns a *DeniedError. On backend errors
// it returns an *RPCError carrying the backend's error code.
func (c *Client) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	return c.Call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
}

// ListTools returns the backend's tool catalog. Listing is a free method:
// the gateway authenticates the key but does not charge credits for it.
func (c *Client) ListTools(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "tools/list", nil)
}

// Call sends an arbitrary JSON-RPC method through the gateway and returns
// the raw result. Most callers want CallTool instead.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	}

	resp, requestID, err := c.doRPC(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, mapRPCError(resp.Error, requestID)
	}
	return resp.Result, nil
}

// Notify sends a JSON-RPC notification (a request without an id) through the
// gateway. Notifications are forwarded to the backend without billing and
// produce no response body.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
	_, _, err := c.doRPC(ctx, req)
	return err
}

// Health queries the gateway's unauthenticated /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	endpoint := strings.TrimRight(c.serverAddr, "/") + "/health"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ServerUnreachableError{Cause: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// /health answers 200 when healthy and 503 when not, with the same
	// JSON body in both cases.
	var status HealthStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, &HTTPError{StatusCode: httpResp.StatusCode, Body: string(body)}
	}
	return &status, nil
}

// doRPC posts one JSON-RPC envelope to the gateway's /mcp endpoint and
// decodes the response. For notifications (no id) the gateway answers
// 202 Accepted with an empty body and doRPC returns a nil response.
func (c *Client) doRPC(ctx context.Context, req rpcRequest) (*rpcResponse, string, error) {
	endpoint := strings.TrimRight(c.serverAddr, "/") + mcpPath

	body, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(headerAPIKey, c.apiKey)
	}
	if c.signingSecret != "" {
		sig, err := c.sign(httpReq.URL, body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to sign request: %w", err)
		}
		httpReq.Header.Set(headerSignature, sig)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", &ServerUnreachableError{Cause: err}
	}
	defer httpResp.Body.Close()

	requestID := httpResp.Header.Get(headerRequestID)

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, requestID, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("gateway call",
		"method", req.Method,
		"status", httpResp.StatusCode,
		"request_id", requestID,
	)

	switch {
	case httpResp.StatusCode == http.StatusAccepted:
		// Notification accepted, nothing to decode.
		return nil, requestID, nil

	case httpResp.StatusCode == http.StatusServiceUnavailable:
		return nil, requestID, &MaintenanceError{
			RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
		}

	case httpResp.StatusCode != http.StatusOK:
		return nil, requestID, &HTTPError{
			StatusCode: httpResp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	var resp rpcResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, requestID, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, requestID, nil
}

// sign computes the X-Signature header value for a request body. The scheme
// matches the gateway's verifier: an HMAC-SHA-256 over
// "<unix-ms>.<nonce>.<METHOD>.<path>.<sha256-hex(body)>" keyed with the
// shared secret, carried as "t=<unix-ms>,n=<nonce>,s=<hex>".
func (c *Client) sign(u *url.URL, body []byte) (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(nonceBytes)

	ts := time.Now().UnixMilli()
	bodyHash := sha256.Sum256(body)
	payload := strconv.FormatInt(ts, 10) + "." + nonce + "." + http.MethodPost + "." +
		u.Path + "." + hex.EncodeToString(bodyHash[:])

	mac := hmac.New(sha256.New, []byte(c.signingSecret))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("t=%d,n=%s,s=%s", ts, nonce, sig), nil
}

// mapRPCError converts a JSON-RPC error object into a typed SDK error.
func mapRPCError(rpcErr *rpcError, requestID string) error {
	if rpcErr.Code == codePaymentRequired {
		reason := strings.TrimPrefix(rpcErr.Message, paymentRequiredPrefix)
		return &DeniedError{
			Reason:    reason,
			Message:   rpcErr.Message,
			RequestID: requestID,
		}
	}
	return &RPCError{
		Code:    rpcErr.Code,
		Message: rpcErr.Message,
	}
}

// parseRetryAfter parses a Retry-After header expressed in seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// parseDurationEnv reads a duration from the environment, accepting either
// a bare integer (seconds) or a Go duration string.
func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

// IsDenied reports whether err is a gateway denial, and if so returns the
// deny reason token.
func IsDenied(err error) (string, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}
