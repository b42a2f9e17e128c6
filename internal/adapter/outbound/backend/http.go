package backend

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paygate-mcp/paygate/internal/port/outbound"
	"github.com/paygate-mcp/paygate/pkg/mcp"
)

// sessionHeader carries the backend's session across calls, per the MCP
// streamable HTTP transport.
const sessionHeader = "Mcp-Session-Id"

// errorBodySnippet caps how much of a non-2xx body ends up in the error.
const errorBodySnippet = 4 * 1024

// HTTPClient reaches the MCP server over streamable HTTP: one POST per
// call, answered either as a single JSON body or as an SSE stream carrying
// the matching response. The session id handed out by the backend is
// captured and echoed on subsequent calls.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	maxBody    int64

	mu        sync.Mutex
	sessionID string
	closed    bool

	seq atomic.Int64
}

// Compile-time check that HTTPClient implements the Backend port.
var _ outbound.Backend = (*HTTPClient)(nil)

// ClientOption is a functional option for configuring HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = client
	}
}

// WithTimeout sets the request timeout for the HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// NewHTTPClient creates a client for the given MCP server endpoint.
// A nil logger falls back to slog.Default().
func NewHTTPClient(endpoint string, logger *slog.Logger, opts ...ClientOption) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := &HTTPClient{
		endpoint: endpoint,
		logger:   logger,
		maxBody:  maxResponseSize,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Call sends one request as an HTTP POST and returns the backend's result.
// A JSON-RPC error envelope from the backend is returned as *mcp.RPCError.
func (c *HTTPClient) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	wireID := strconv.FormatInt(c.seq.Add(1), 10)
	body, err := json.Marshal(mcp.Request{
		JSONRPC: mcp.Version,
		ID:      json.RawMessage(wireID),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	rpcResp, err := c.decodeResponse(resp, wireID)
	if err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// Notify sends a notification. Streamable HTTP backends acknowledge these
// with an empty 2xx, typically 202.
func (c *HTTPClient) Notify(ctx context.Context, method string, params json.RawMessage) error {
	if c.isClosed() {
		return ErrClosed
	}

	body, err := json.Marshal(mcp.Request{
		JSONRPC: mcp.Version,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodySnippet))
	return nil
}

// Alive reports whether the client can still carry calls. HTTP is
// connectionless, so this only goes false after Close.
func (c *HTTPClient) Alive() bool {
	return !c.isClosed()
}

// Close marks the client unusable and lets the backend drop the session.
// It is idempotent.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID != "" {
		c.endSession(sessionID)
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

// post executes the HTTP POST and handles session and status bookkeeping.
// The response body is left open for the caller on success.
func (c *HTTPClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid := c.session(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.setSession(sid)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodySnippet))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("backend status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return resp, nil
}

// decodeResponse extracts the JSON-RPC response matching wireID from either
// a plain JSON body or an SSE stream, per the response content type.
func (c *HTTPClient) decodeResponse(resp *http.Response, wireID string) (*mcp.Response, error) {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	limited := io.LimitReader(resp.Body, c.maxBody+1)

	if mediaType == "text/event-stream" {
		return readEventStream(limited, wireID, c.maxBody)
	}

	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("backend response exceeds %d bytes", c.maxBody)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("backend returned an empty response body")
	}

	var rpcResp mcp.Response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if got := string(rpcResp.ID); got != wireID {
		c.logger.Warn("backend response id mismatch", "want", wireID, "got", got)
	}
	return &rpcResp, nil
}

// endSession tells the backend the session is over. Best effort; failures
// only get logged.
func (c *HTTPClient) endSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set(sessionHeader, sessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("session delete failed", "error", err)
		return
	}
	_ = resp.Body.Close()
}

func (c *HTTPClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *HTTPClient) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *HTTPClient) setSession(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sid
}

// readEventStream scans SSE events off r until it finds the JSON-RPC
// response whose id is wantID. Backends may interleave notifications and
// server-side requests on the stream; those are skipped. The final event
// of a well-formed stream is the response itself.
func readEventStream(r io.Reader, wantID string, maxEvent int64) (*mcp.Response, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, int(maxEvent))

	var data bytes.Buffer
	flush := func() (*mcp.Response, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		payload := append([]byte(nil), data.Bytes()...)
		data.Reset()

		var resp mcp.Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, false
		}
		if string(resp.ID) != wantID {
			return nil, false
		}
		return &resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, ":"):
			// SSE comment, typically a keep-alive.
		default:
			if value, ok := strings.CutPrefix(line, "data:"); ok {
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(value, " "))
			}
			// Other fields (event:, id:, retry:) don't affect correlation.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, errors.New("event stream ended without a matching response")
}
