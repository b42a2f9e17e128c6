// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/paygate-mcp/paygate/internal/domain/audit"
)

// defaultAuditCap bounds the retained events when no capacity is configured.
const defaultAuditCap = 1000

// AuditStore implements audit.Store in memory. It is the sink used when no
// audit directory is configured: events land in a bounded buffer instead of
// JSONL segments, with the oldest dropped once capacity is reached.
type AuditStore struct {
	mu     sync.Mutex
	events []audit.Event
	cap    int
	closed bool
}

var _ audit.Store = (*AuditStore)(nil)

// NewAuditStore creates a store retaining at most capacity events
// (defaultAuditCap when non-positive).
func NewAuditStore(capacity int) *AuditStore {
	if capacity <= 0 {
		capacity = defaultAuditCap
	}
	return &AuditStore{
		events: make([]audit.Event, 0, capacity),
		cap:    capacity,
	}
}

// Append buffers events, evicting the oldest past capacity.
func (s *AuditStore) Append(_ context.Context, events ...audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("audit memory store is closed")
	}

	for _, ev := range events {
		if len(s.events) >= s.cap {
			copy(s.events, s.events[1:])
			s.events[len(s.events)-1] = ev
		} else {
			s.events = append(s.events, ev)
		}
	}
	return nil
}

// Flush is a no-op; nothing is pending.
func (s *AuditStore) Flush(_ context.Context) error {
	return nil
}

// Close marks the store closed. Further appends fail.
func (s *AuditStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Recent returns the n most recent events, newest first.
func (s *AuditStore) Recent(n int) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.events)
	if n > total {
		n = total
	}
	if n <= 0 {
		return nil
	}
	out := make([]audit.Event, n)
	for i := 0; i < n; i++ {
		out[i] = s.events[total-1-i]
	}
	return out
}

// Len returns the number of retained events.
func (s *AuditStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
