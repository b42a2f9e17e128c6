package service

import (
	"sync/atomic"
	"time"
)

// DefaultMaintenanceRetryAfter is advertised when no window length is given.
const DefaultMaintenanceRetryAfter = 300 * time.Second

// Maintenance is the gateway-wide maintenance switch. While on, the client
// surface answers 503 with a Retry-After hint; admin and health endpoints
// stay reachable so the window can be ended remotely.
type Maintenance struct {
	on         atomic.Bool
	retryAfter atomic.Int64 // seconds
}

// NewMaintenance returns the switch in the off position.
func NewMaintenance() *Maintenance {
	m := &Maintenance{}
	m.retryAfter.Store(int64(DefaultMaintenanceRetryAfter / time.Second))
	return m
}

// Set flips the switch. retryAfter hints how long clients should back off;
// non-positive values keep the previous hint.
func (m *Maintenance) Set(on bool, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		m.retryAfter.Store(secs)
	}
	m.on.Store(on)
}

// On reports whether maintenance mode is active.
func (m *Maintenance) On() bool {
	return m.on.Load()
}

// RetryAfter returns the advertised back-off for 503 responses.
func (m *Maintenance) RetryAfter() time.Duration {
	return time.Duration(m.retryAfter.Load()) * time.Second
}
