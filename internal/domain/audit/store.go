package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity bounds the in-memory ring when no capacity is configured.
const DefaultCapacity = 10_000

// Store persists audit events beyond the in-memory ring. Implementations
// handle batching and async writes.
type Store interface {
	// Append stores events. Must be non-blocking from the caller's
	// perspective.
	Append(ctx context.Context, events ...Event) error

	// Flush forces pending events to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Filter narrows Recent queries. Zero values match everything.
type Filter struct {
	Type  string
	Actor string
	Since time.Time
	Limit int
}

// Log is the bounded in-memory audit trail. Recording overwrites the
// oldest entry once capacity is reached. Safe for concurrent use.
type Log struct {
	mu     sync.RWMutex
	buf    []Event
	next   int
	count  int
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewLog creates a ring with the given capacity (DefaultCapacity when
// non-positive).
func NewLog(capacity int, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		buf:    make([]Event, capacity),
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Record sanitizes and appends an event, returning the stored form.
// Metadata maps pass through RedactSensitive before serialization.
func (l *Log) Record(eventType, actor, message string, metadata any) Event {
	if m, ok := metadata.(map[string]any); ok {
		metadata = RedactSensitive(m)
	}
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: l.nowFn(),
		Type:      eventType,
		Actor:     actor,
		Message:   CapMessage(message),
		Metadata:  SanitizeMetadata(metadata),
	}

	l.mu.Lock()
	l.buf[l.next] = ev
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
	l.mu.Unlock()
	return ev
}

// Recent returns matching events, newest first.
func (l *Log) Recent(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = l.count
	}

	out := make([]Event, 0, min(limit, l.count))
	for i := 0; i < l.count && len(out) < limit; i++ {
		ev := l.buf[(l.next-1-i+2*len(l.buf))%len(l.buf)]
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if f.Actor != "" && ev.Actor != f.Actor {
			continue
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
