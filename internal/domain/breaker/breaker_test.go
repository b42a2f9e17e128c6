package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func failN(t *testing.T, m *Manager, tool string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := m.Do(tool, func() error { return errBackend })
		if !errors.Is(err, errBackend) {
			t.Fatalf("failure %d: err = %v, want backend error", i, err)
		}
	}
}

func TestDisabledBreakerAlwaysAdmits(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{Threshold: 0}, nil)

	failN(t, m, "flaky", 50)
	if !m.Allow("flaky") {
		t.Error("disabled breaker should always allow")
	}
	if got := m.State("flaky"); got != StateClosed {
		t.Errorf("State = %q, want %q", got, StateClosed)
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{Threshold: 3, Cooldown: time.Hour}, nil)

	failN(t, m, "flaky", 3)

	if m.Allow("flaky") {
		t.Error("circuit should be open after threshold failures")
	}
	if got := m.State("flaky"); got != StateOpen {
		t.Errorf("State = %q, want %q", got, StateOpen)
	}

	err := m.Do("flaky", func() error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Do on open circuit err = %v, want ErrOpen", err)
	}
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{Threshold: 3, Cooldown: time.Hour}, nil)

	failN(t, m, "tool", 2)
	if err := m.Do("tool", func() error { return nil }); err != nil {
		t.Fatalf("success call failed: %v", err)
	}
	failN(t, m, "tool", 2)

	if !m.Allow("tool") {
		t.Error("circuit opened despite interleaved success")
	}
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{Threshold: 1, Cooldown: 30 * time.Millisecond}, nil)

	failN(t, m, "tool", 1)
	if m.Allow("tool") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(50 * time.Millisecond)

	if !m.Allow("tool") {
		t.Fatal("circuit should admit a probe after cooldown")
	}
	if err := m.Do("tool", func() error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if got := m.State("tool"); got != StateClosed {
		t.Errorf("State after successful probe = %q, want %q", got, StateClosed)
	}
}

func TestHalfOpenProbeReopensOnFailure(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{Threshold: 1, Cooldown: 30 * time.Millisecond}, nil)

	failN(t, m, "tool", 1)
	time.Sleep(50 * time.Millisecond)

	err := m.Do("tool", func() error { return errBackend })
	if !errors.Is(err, errBackend) {
		t.Fatalf("probe err = %v, want backend error", err)
	}
	if got := m.State("tool"); got != StateOpen {
		t.Errorf("State after failed probe = %q, want %q", got, StateOpen)
	}
}

func TestToolsAreIsolated(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{Threshold: 2, Cooldown: time.Hour}, nil)

	failN(t, m, "bad", 2)

	if m.Allow("bad") {
		t.Error("bad tool should be open")
	}
	if !m.Allow("good") {
		t.Error("good tool should remain closed")
	}
	if err := m.Do("good", func() error { return nil }); err != nil {
		t.Errorf("good tool call failed: %v", err)
	}
}

func TestStateChangeHook(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions []string
	m := NewManager(Config{Threshold: 1, Cooldown: time.Hour}, nil,
		WithStateChangeHook(func(tool, from, to string) {
			mu.Lock()
			transitions = append(transitions, tool+":"+from+"->"+to)
			mu.Unlock()
		}))

	failN(t, m, "tool", 1)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != "tool:closed->open" {
		t.Errorf("transitions = %v, want [tool:closed->open]", transitions)
	}
}

func TestConcurrentCallsObserveConsistentState(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{Threshold: 5, Cooldown: time.Hour}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(fail bool) {
			defer wg.Done()
			_ = m.Do("tool", func() error {
				if fail {
					return errBackend
				}
				return nil
			})
		}(i%2 == 0)
	}
	wg.Wait()

	// State must be one of the defined labels; no torn reads.
	got := m.State("tool")
	if got != StateClosed && got != StateOpen && got != StateHalfOpen {
		t.Errorf("State = %q, not a defined label", got)
	}
}
