package usage

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func event(keyPrefix, tool string, credits int64, allowed bool, reason string) Event {
	return Event{
		Timestamp:  time.Now().UTC(),
		KeyPrefix:  keyPrefix,
		Tool:       tool,
		Credits:    credits,
		Allowed:    allowed,
		DenyReason: reason,
		Namespace:  "default",
	}
}

func TestRecordAndQuery(t *testing.T) {
	t.Parallel()
	m := NewMeter(100)

	m.Record(event("pg_aaa...", "math", 10, true, ""))
	m.Record(event("pg_bbb...", "math", 0, false, "rate_limited"))
	m.Record(event("pg_aaa...", "weather", 5, true, ""))

	if m.Len() != 3 {
		t.Fatalf("Len = %d, want 3", m.Len())
	}

	all := m.Events(Filter{})
	if len(all) != 3 {
		t.Fatalf("Events returned %d, want 3", len(all))
	}
	// Newest first.
	if all[0].Tool != "weather" || all[2].Tool != "math" {
		t.Errorf("events out of order: %v, %v", all[0].Tool, all[2].Tool)
	}

	byKey := m.Events(Filter{KeyPrefix: "pg_aaa..."})
	if len(byKey) != 2 {
		t.Errorf("KeyPrefix filter returned %d, want 2", len(byKey))
	}
	byTool := m.Events(Filter{Tool: "math"})
	if len(byTool) != 2 {
		t.Errorf("Tool filter returned %d, want 2", len(byTool))
	}
	limited := m.Events(Filter{Limit: 1})
	if len(limited) != 1 || limited[0].Tool != "weather" {
		t.Errorf("Limit filter = %v", limited)
	}
}

func TestRingEviction(t *testing.T) {
	t.Parallel()
	m := NewMeter(5)

	for i := 0; i < 12; i++ {
		ev := event("pg_k...", fmt.Sprintf("tool-%d", i), 1, true, "")
		m.Record(ev)
	}
	if m.Len() != 5 {
		t.Fatalf("Len = %d, want 5", m.Len())
	}
	events := m.Events(Filter{})
	if events[0].Tool != "tool-11" {
		t.Errorf("newest = %q, want tool-11", events[0].Tool)
	}
	if events[4].Tool != "tool-7" {
		t.Errorf("oldest survivor = %q, want tool-7", events[4].Tool)
	}
}

func TestSummaryAggregates(t *testing.T) {
	t.Parallel()
	m := NewMeter(100)

	m.Record(event("pg_a...", "math", 10, true, ""))
	m.Record(event("pg_a...", "math", 10, true, ""))
	m.Record(event("pg_b...", "math", 0, false, "insufficient_credits"))
	m.Record(event("pg_b...", "weather", 7, true, ""))
	m.Record(event("pg_c...", "weather", 0, false, "rate_limited"))
	m.Record(event("pg_c...", "weather", 0, false, "rate_limited"))

	sum := m.Summary(Filter{})
	if sum.TotalCalls != 6 || sum.AllowedCalls != 3 || sum.DeniedCalls != 3 {
		t.Errorf("counts = %d/%d/%d, want 6/3/3",
			sum.TotalCalls, sum.AllowedCalls, sum.DeniedCalls)
	}
	if sum.TotalCredits != 27 {
		t.Errorf("TotalCredits = %d, want 27", sum.TotalCredits)
	}
	if sum.UniqueKeys != 3 {
		t.Errorf("UniqueKeys = %d, want 3", sum.UniqueKeys)
	}
	if sum.ByReason["rate_limited"] != 2 || sum.ByReason["insufficient_credits"] != 1 {
		t.Errorf("ByReason = %v", sum.ByReason)
	}
	math := sum.ByTool["math"]
	if math.Calls != 3 || math.Credits != 20 || math.Denied != 1 {
		t.Errorf("math stats = %+v", math)
	}
}

func TestSummarySinceFilter(t *testing.T) {
	t.Parallel()
	m := NewMeter(100)

	old := event("pg_a...", "math", 10, true, "")
	old.Timestamp = time.Now().UTC().Add(-2 * time.Hour)
	m.Record(old)
	m.Record(event("pg_a...", "math", 10, true, ""))

	sum := m.Summary(Filter{Since: time.Now().UTC().Add(-time.Hour)})
	if sum.TotalCalls != 1 {
		t.Errorf("TotalCalls = %d, want 1 (old event excluded)", sum.TotalCalls)
	}
}

func TestConcurrentRecording(t *testing.T) {
	t.Parallel()
	m := NewMeter(1000)

	const workers = 8
	const perWorker = 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m.Record(event(fmt.Sprintf("pg_%d...", id), "math", 1, true, ""))
			}
		}(w)
	}
	wg.Wait()

	if m.Len() != 1000 {
		t.Errorf("Len = %d, want 1000 (buffer full)", m.Len())
	}
	sum := m.Summary(Filter{})
	if sum.TotalCalls != 1000 {
		t.Errorf("TotalCalls = %d, want 1000", sum.TotalCalls)
	}
	if sum.TotalCredits != 1000 {
		t.Errorf("TotalCredits = %d, want 1000", sum.TotalCredits)
	}
}

func TestZeroCapacityFallsBack(t *testing.T) {
	t.Parallel()
	m := NewMeter(0)
	m.Record(event("pg_a...", "t", 1, true, ""))
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}
