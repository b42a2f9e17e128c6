// Package usage implements the append-only usage-event log: a bounded ring
// buffer with on-demand summary projections. Projections recompute on every
// read, which keeps recording O(1) and avoids aggregate drift.
package usage

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the ring buffer when no capacity is configured.
const DefaultCapacity = 100_000

// Event is one immutable usage record. The key is stored pre-masked; the
// full credential never reaches the log.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	KeyPrefix  string    `json:"keyPrefix"`
	KeyName    string    `json:"keyName,omitempty"`
	Tool       string    `json:"tool"`
	Credits    int64     `json:"credits"`
	Allowed    bool      `json:"allowed"`
	DenyReason string    `json:"denyReason,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Namespace  string    `json:"namespace"`
	RequestID  string    `json:"requestId,omitempty"`
}

// Filter narrows event queries. Zero values match everything.
type Filter struct {
	Since     time.Time
	Namespace string
	KeyPrefix string
	Tool      string
	Limit     int
}

// ToolStats aggregates per-tool usage inside a Summary.
type ToolStats struct {
	Calls   int64 `json:"calls"`
	Credits int64 `json:"credits"`
	Denied  int64 `json:"denied"`
	TotalMs int64 `json:"totalMs"`
	AvgMs   int64 `json:"avgMs"`
}

// Summary is the on-demand projection over the buffered events.
type Summary struct {
	TotalCalls   int64                `json:"totalCalls"`
	AllowedCalls int64                `json:"allowedCalls"`
	DeniedCalls  int64                `json:"deniedCalls"`
	TotalCredits int64                `json:"totalCredits"`
	UniqueKeys   int                  `json:"uniqueKeys"`
	ByTool       map[string]ToolStats `json:"byTool"`
	ByReason     map[string]int64     `json:"byReason"`
}

// Meter is the bounded in-memory usage log. Record overwrites the oldest
// event once the buffer is full.
type Meter struct {
	mu    sync.RWMutex
	buf   []Event
	next  int // index of the next write
	count int // number of valid events, <= len(buf)
}

// NewMeter creates a meter holding at most capacity events.
// Non-positive capacity falls back to DefaultCapacity.
func NewMeter(capacity int) *Meter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Meter{buf: make([]Event, capacity)}
}

// Record appends one event, evicting the oldest when full. O(1).
func (m *Meter) Record(ev Event) {
	m.mu.Lock()
	m.buf[m.next] = ev
	m.next = (m.next + 1) % len(m.buf)
	if m.count < len(m.buf) {
		m.count++
	}
	m.mu.Unlock()
}

// Len returns the number of buffered events.
func (m *Meter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Events returns matching events, newest first. Limit <= 0 returns all
// matches.
func (m *Meter) Events(f Filter) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	m.scanLocked(func(ev *Event) bool {
		if !matches(ev, f) {
			return true
		}
		out = append(out, *ev)
		return f.Limit <= 0 || len(out) < f.Limit
	})
	return out
}

// Summary computes the aggregate projection over matching events.
func (m *Meter) Summary(f Filter) Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := Summary{
		ByTool:   make(map[string]ToolStats),
		ByReason: make(map[string]int64),
	}
	keys := make(map[string]struct{})

	m.scanLocked(func(ev *Event) bool {
		if !matches(ev, f) {
			return true
		}
		sum.TotalCalls++
		if ev.Allowed {
			sum.AllowedCalls++
			sum.TotalCredits += ev.Credits
		} else {
			sum.DeniedCalls++
			sum.ByReason[ev.DenyReason]++
		}
		keys[ev.KeyPrefix] = struct{}{}

		ts := sum.ByTool[ev.Tool]
		ts.Calls++
		if ev.Allowed {
			ts.Credits += ev.Credits
		} else {
			ts.Denied++
		}
		ts.TotalMs += ev.DurationMs
		sum.ByTool[ev.Tool] = ts
		return true
	})

	sum.UniqueKeys = len(keys)
	for tool, ts := range sum.ByTool {
		if ts.Calls > 0 {
			ts.AvgMs = ts.TotalMs / ts.Calls
		}
		sum.ByTool[tool] = ts
	}
	return sum
}

// scanLocked visits buffered events newest first until fn returns false.
func (m *Meter) scanLocked(fn func(*Event) bool) {
	for i := 0; i < m.count; i++ {
		idx := (m.next - 1 - i + len(m.buf)*2) % len(m.buf)
		if !fn(&m.buf[idx]) {
			return
		}
	}
}

func matches(ev *Event, f Filter) bool {
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if f.Namespace != "" && ev.Namespace != f.Namespace {
		return false
	}
	if f.KeyPrefix != "" && ev.KeyPrefix != f.KeyPrefix {
		return false
	}
	if f.Tool != "" && ev.Tool != f.Tool {
		return false
	}
	return true
}
