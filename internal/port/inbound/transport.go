// Package inbound defines the inbound port for the gateway's client-facing
// transports. The CLI drives each transport through this interface.
package inbound

import (
	"context"
)

// Transport is a client-facing listener (the HTTP server). Start blocks
// until the context is cancelled or the listener fails; Close releases
// whatever Start holds.
type Transport interface {
	// Start begins accepting client traffic. Returns nil on graceful
	// shutdown, the listener's error otherwise.
	Start(ctx context.Context) error

	// Close gracefully drains and shuts the transport down.
	Close() error
}
