// Package http provides the client-facing HTTP transport for PayGate.
//
// It exposes the metered JSON-RPC surface and the operational endpoints,
// and owns everything transport-level: request ids, security headers,
// client-IP resolution, body size limits, Prometheus metrics, and graceful
// shutdown. Billing semantics live behind the Dispatcher; this package
// never inspects JSON-RPC payloads beyond handing the raw bytes over.
//
// # Usage
//
// Create and start a server:
//
//	srv := http.NewServer(dispatcher,
//	    http.WithAddr("127.0.0.1:8402"),
//	    http.WithLogger(logger),
//	    http.WithAdminHandler(adminMux),
//	    http.WithHealth(checker),
//	)
//	err := srv.Start(ctx)
//
// # Endpoints
//
//	POST /mcp      - JSON-RPC request or notification
//	GET  /health   - component health, 200 or 503
//	GET  /metrics  - Prometheus exposition
//	/admin/...     - mounted admin REST surface (optional)
//
// # Request headers
//
//	X-API-Key:    <key>        - client API key
//	X-Signature:  t=..,n=..,s=.. - optional request signature
//	X-Request-Id: req_<16 hex> - echoed when well-formed, else regenerated
//
// JSON-RPC responses always ride HTTP 200; billing denials use code -32402
// inside the envelope. Transport-level refusals (oversized body, bad
// method, maintenance mode) use plain HTTP status codes with a small JSON
// body. Notifications are acknowledged with 202 and no body.
//
// # Middleware chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - duration and status, outermost
//  2. RequestIDMiddleware - request id + enriched logger into context
//  3. SecurityHeadersMiddleware - the fixed response header set
//  4. ClientIPMiddleware - x-forwarded-for resolution into context
//  5. mux - endpoint routing
//
// Maintenance mode gates only POST /mcp; health, metrics, and admin stay
// reachable so the window can be ended remotely.
package http
