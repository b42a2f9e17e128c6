package webhook

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type capturedSnapshot struct {
	mu      sync.Mutex
	calls   int
	pending []Entry
	dead    []Entry
}

func (c *capturedSnapshot) PersistWebhooks(pending, dead []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.pending = pending
	c.dead = dead
	return nil
}

func newTestQueue(t *testing.T, retry RetryConfig, opts ...Option) (*Queue, *time.Time) {
	t.Helper()
	q := NewQueue(retry, nil, opts...)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.nowFn = func() time.Time { return now }
	return q, &now
}

func TestEnqueueDequeueOrder(t *testing.T) {
	t.Parallel()
	q, now := newTestQueue(t, RetryConfig{})

	first, err := q.Enqueue("https://hooks.example.com/a", EventGateDenied, []byte(`{"n":1}`), 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	*now = now.Add(time.Second)
	second, err := q.Enqueue("https://hooks.example.com/b", EventGateDenied, []byte(`{"n":2}`), 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if first.Attempts != 0 || !first.NextAttemptAt.Equal(first.CreatedAt) {
		t.Errorf("fresh entry should be immediately ready: %+v", first)
	}
	if first.MaxAttempts != DefaultRetryConfig().MaxAttempts {
		t.Errorf("maxAttempts = %d, want default %d", first.MaxAttempts, DefaultRetryConfig().MaxAttempts)
	}

	got, ok := q.Dequeue()
	if !ok || got.ID != first.ID {
		t.Fatalf("expected oldest entry %s first, got %+v ok=%v", first.ID, got, ok)
	}
	got, ok = q.Dequeue()
	if !ok || got.ID != second.ID {
		t.Fatalf("expected %s second, got %+v ok=%v", second.ID, got, ok)
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("empty queue should not dequeue")
	}
}

func TestDequeueHonorsSchedule(t *testing.T) {
	t.Parallel()
	q, now := newTestQueue(t, RetryConfig{InitialDelay: 10 * time.Second})

	e, _ := q.Enqueue("https://hooks.example.com", EventKeyExpiring, nil, 0)
	if _, ok := q.Dequeue(); !ok {
		t.Fatal("fresh entry should be ready")
	}
	if _, err := q.MarkFailed(e.ID, errors.New("503")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if _, ok := q.Dequeue(); ok {
		t.Error("rescheduled entry should not be ready before its backoff")
	}
	wait, ok := q.NextAttemptIn()
	if !ok || wait != 10*time.Second {
		t.Errorf("NextAttemptIn = %v, %v; want 10s, true", wait, ok)
	}

	*now = now.Add(10 * time.Second)
	if _, ok := q.Dequeue(); !ok {
		t.Error("entry should be ready once the backoff elapses")
	}
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	q, now := newTestQueue(t, RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
	})

	e, _ := q.Enqueue("https://hooks.example.com", EventGateDenied, nil, 0)
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range wantDelays {
		*now = now.Add(time.Hour) // make the entry ready regardless of prior backoff
		if _, ok := q.Dequeue(); !ok {
			t.Fatalf("attempt %d: entry not ready", i+1)
		}
		state, err := q.MarkFailed(e.ID, errors.New("timeout"))
		if err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if state != StatePending {
			t.Fatalf("attempt %d: state = %s, want pending", i+1, state)
		}
		wait, _ := q.NextAttemptIn()
		if wait != want {
			t.Errorf("attempt %d: backoff = %v, want %v", i+1, wait, want)
		}
	}

	// Fifth failure exhausts the budget.
	*now = now.Add(time.Hour)
	if _, ok := q.Dequeue(); !ok {
		t.Fatal("final attempt: entry not ready")
	}
	state, err := q.MarkFailed(e.ID, errors.New("timeout"))
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if state != StateDead {
		t.Fatalf("state = %s, want dead", state)
	}

	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].ID != e.ID || dead[0].Attempts != 5 {
		t.Errorf("dead letters = %+v", dead)
	}
	if dead[0].LastError != "timeout" {
		t.Errorf("lastError = %q", dead[0].LastError)
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("dead entries must not dequeue")
	}
}

func TestBackoffCappedAtMaxDelay(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, RetryConfig{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   10,
	})
	if d := q.backoff(1); d != time.Second {
		t.Errorf("backoff(1) = %v, want 1s", d)
	}
	if d := q.backoff(3); d != 5*time.Second {
		t.Errorf("backoff(3) = %v, want capped 5s", d)
	}
	if d := q.backoff(50); d != 5*time.Second {
		t.Errorf("backoff(50) = %v, want capped 5s (no overflow)", d)
	}
}

func TestMarkDelivered(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, RetryConfig{})

	e, _ := q.Enqueue("https://hooks.example.com", EventKeyCreated, []byte(`{}`), 0)
	if _, ok := q.Dequeue(); !ok {
		t.Fatal("expected dequeue")
	}
	if err := q.MarkDelivered(e.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	d := q.Depth()
	if d.Pending != 0 || d.InFlight != 0 || d.Delivered != 1 {
		t.Errorf("depth = %+v", d)
	}

	if err := q.MarkDelivered(e.ID); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("second MarkDelivered err = %v, want ErrNotInFlight", err)
	}
	if _, err := q.MarkFailed(e.ID, nil); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("MarkFailed after delivery err = %v, want ErrNotInFlight", err)
	}
}

func TestRetryDeadAndDrop(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, RetryConfig{MaxAttempts: 1})

	a, _ := q.Enqueue("https://hooks.example.com/a", EventGateDenied, nil, 0)
	b, _ := q.Enqueue("https://hooks.example.com/b", EventGateDenied, nil, 0)
	for i := 0; i < 2; i++ {
		if _, ok := q.Dequeue(); !ok {
			t.Fatal("expected dequeue")
		}
	}
	q.MarkFailed(a.ID, errors.New("410"))
	q.MarkFailed(b.ID, errors.New("410"))
	if d := q.Depth(); d.Dead != 2 {
		t.Fatalf("dead = %d, want 2", d.Dead)
	}

	revived, ok := q.RetryDead(a.ID)
	if !ok {
		t.Fatal("RetryDead should find the entry")
	}
	if revived.Attempts != 0 {
		t.Errorf("revived attempts = %d, want 0", revived.Attempts)
	}
	if got, ok := q.Dequeue(); !ok || got.ID != a.ID {
		t.Errorf("revived entry should be ready, got %+v ok=%v", got, ok)
	}

	if !q.DropDead(b.ID) {
		t.Error("DropDead should remove the entry")
	}
	if q.DropDead(b.ID) {
		t.Error("second DropDead should report missing")
	}
	if _, ok := q.RetryDead("wh_missing"); ok {
		t.Error("RetryDead on unknown id should report missing")
	}
}

func TestQueueCapacity(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, RetryConfig{}, WithMaxPending(2))

	q.Enqueue("https://hooks.example.com", EventGateDenied, nil, 0)
	q.Enqueue("https://hooks.example.com", EventGateDenied, nil, 0)
	if _, err := q.Enqueue("https://hooks.example.com", EventGateDenied, nil, 0); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}

	// In-flight entries still count against the cap.
	q.Dequeue()
	if _, err := q.Enqueue("https://hooks.example.com", EventGateDenied, nil, 0); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull while in flight", err)
	}
}

func TestExportLoadRoundTrip(t *testing.T) {
	t.Parallel()
	q, now := newTestQueue(t, RetryConfig{MaxAttempts: 1})

	a, _ := q.Enqueue("https://hooks.example.com/a", EventGateDenied, []byte(`{"n":1}`), 0)
	*now = now.Add(time.Second)
	b, _ := q.Enqueue("https://hooks.example.com/b", EventKeyRevoked, []byte(`{"n":2}`), 0)
	*now = now.Add(time.Second)
	c, _ := q.Enqueue("https://hooks.example.com/c", EventGateDenied, nil, 0)

	// a stays pending, b goes in flight, c dies.
	if got, _ := q.Dequeue(); got.ID != a.ID {
		t.Fatalf("expected to dequeue a, got %s", got.ID)
	}
	q.MarkDelivered(a.ID)
	if got, _ := q.Dequeue(); got.ID != b.ID {
		t.Fatalf("expected to dequeue b, got %s", got.ID)
	}
	if got, _ := q.Dequeue(); got.ID != c.ID {
		t.Fatalf("expected to dequeue c, got %s", got.ID)
	}
	q.MarkFailed(c.ID, errors.New("404"))

	pending, dead := q.Export()
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("pending export = %+v, want in-flight b", pending)
	}
	if len(dead) != 1 || dead[0].ID != c.ID {
		t.Fatalf("dead export = %+v, want c", dead)
	}

	restored, _ := newTestQueue(t, RetryConfig{})
	restored.Load(pending, dead)
	d := restored.Depth()
	if d.Pending != 1 || d.Dead != 1 || d.InFlight != 0 {
		t.Errorf("restored depth = %+v", d)
	}
	if got, ok := restored.Dequeue(); !ok || got.ID != b.ID || string(got.Payload) != `{"n":2}` {
		t.Errorf("restored dequeue = %+v ok=%v", got, ok)
	}
}

func TestLoadSkipsInvalidEntries(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, RetryConfig{})
	q.Load([]Entry{
		{ID: "", URL: "https://hooks.example.com"},
		{ID: "wh_1", URL: ""},
		{ID: "wh_2", URL: "https://hooks.example.com", EventType: EventGateDenied},
	}, nil)
	if d := q.Depth(); d.Pending != 1 {
		t.Errorf("pending = %d, want 1", d.Pending)
	}
}

func TestPersisterCalledOnMutations(t *testing.T) {
	t.Parallel()
	sink := &capturedSnapshot{}
	q, _ := newTestQueue(t, RetryConfig{}, WithPersister(sink))

	e, _ := q.Enqueue("https://hooks.example.com", EventGateDenied, nil, 0)
	q.Dequeue()
	q.MarkFailed(e.ID, errors.New("503"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 2 {
		t.Errorf("persist calls = %d, want 2 (enqueue, markFailed)", sink.calls)
	}
	if len(sink.pending) != 1 || sink.pending[0].Attempts != 1 {
		t.Errorf("persisted pending = %+v", sink.pending)
	}
}
