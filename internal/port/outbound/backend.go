// Package outbound defines the outbound port for reaching the MCP server
// behind the gateway.
package outbound

import (
	"context"
	"encoding/json"
)

// Backend forwards JSON-RPC calls to the MCP server. Adapters implement it
// for the stdio child process and streamable HTTP transports. Transports
// assign their own wire ids; the caller's JSON-RPC id never reaches the
// backend, and neither do gateway credentials.
type Backend interface {
	// Call sends one request and blocks until the matching response
	// arrives, ctx expires, or the transport fails. A JSON-RPC error
	// envelope from the backend is returned as *mcp.RPCError.
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

	// Notify sends a notification. No response is awaited.
	Notify(ctx context.Context, method string, params json.RawMessage) error

	// Close tears down the transport. For the stdio transport this
	// terminates the child process.
	Close() error
}
