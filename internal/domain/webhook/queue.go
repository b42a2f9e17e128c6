// Package webhook implements the outbound notification queue: entries retry
// on an exponential backoff schedule and land in a dead-letter partition
// once their attempt budget is spent. A separate delivery worker consumes
// the queue; producers only enqueue.
package webhook

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry states as reported by MarkFailed.
const (
	StatePending = "pending"
	StateDead    = "dead"
)

// DefaultMaxPending bounds the queue when no cap is configured.
const DefaultMaxPending = 1000

var (
	// ErrQueueFull is returned by Enqueue when the pending partition is at
	// capacity. The event is dropped, never blocks the caller.
	ErrQueueFull = errors.New("webhook queue full")

	// ErrNotInFlight is returned when marking an entry that was never
	// dequeued or has already been settled.
	ErrNotInFlight = errors.New("webhook entry not in flight")
)

// RetryConfig controls the backoff schedule and the per-attempt budget.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration
}

// DefaultRetryConfig returns the stock schedule: five attempts starting at
// one second, doubling up to five minutes, ten seconds per attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialDelay:   time.Second,
		MaxDelay:       5 * time.Minute,
		Multiplier:     2.0,
		AttemptTimeout: 10 * time.Second,
	}
}

// Entry is one queued delivery.
type Entry struct {
	ID            string          `json:"id"`
	URL           string          `json:"url"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	Secret        string          `json:"secret,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastAttemptAt time.Time       `json:"lastAttemptAt,omitempty"`
}

func (e Entry) clone() Entry {
	out := e
	out.Payload = append(json.RawMessage(nil), e.Payload...)
	return out
}

// Persister stores queue snapshots. Implementations must be safe for
// concurrent use; the queue never calls them while holding its lock.
type Persister interface {
	PersistWebhooks(pending, dead []Entry) error
}

// Depth is a point-in-time census of the queue.
type Depth struct {
	Pending   int
	InFlight  int
	Dead      int
	Delivered uint64
}

// Queue is the in-memory retry queue. Safe for concurrent use.
type Queue struct {
	mu         sync.Mutex
	pending    []*Entry // ordered by CreatedAt
	inflight   map[string]*Entry
	dead       []*Entry
	delivered  uint64
	retry      RetryConfig
	maxPending int
	persist    Persister
	logger     *slog.Logger
	nowFn      func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithPersister wires snapshot persistence into queue mutations.
func WithPersister(p Persister) Option {
	return func(q *Queue) { q.persist = p }
}

// WithMaxPending overrides the pending-partition cap.
func WithMaxPending(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxPending = n
		}
	}
}

// NewQueue creates a queue with the given retry schedule. Zero-value fields
// in retry fall back to the defaults.
func NewQueue(retry RetryConfig, logger *slog.Logger, opts ...Option) *Queue {
	def := DefaultRetryConfig()
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = def.MaxAttempts
	}
	if retry.InitialDelay <= 0 {
		retry.InitialDelay = def.InitialDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = def.MaxDelay
	}
	if retry.Multiplier <= 1 {
		retry.Multiplier = def.Multiplier
	}
	if retry.AttemptTimeout <= 0 {
		retry.AttemptTimeout = def.AttemptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		inflight:   make(map[string]*Entry),
		retry:      retry,
		maxPending: DefaultMaxPending,
		logger:     logger,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Retry exposes the effective schedule (the worker needs AttemptTimeout).
func (q *Queue) Retry() RetryConfig { return q.retry }

// Enqueue adds a pending delivery with nextAttemptAt = now. A non-positive
// maxAttempts falls back to the configured schedule.
func (q *Queue) Enqueue(url, eventType string, payload []byte, maxAttempts int) (Entry, error) {
	if maxAttempts <= 0 {
		maxAttempts = q.retry.MaxAttempts
	}
	now := q.nowFn()
	e := &Entry{
		ID:            uuid.NewString(),
		URL:           url,
		EventType:     eventType,
		Payload:       append(json.RawMessage(nil), payload...),
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		NextAttemptAt: now,
	}

	q.mu.Lock()
	if len(q.pending)+len(q.inflight) >= q.maxPending {
		q.mu.Unlock()
		q.logger.Warn("webhook queue full, dropping event", "eventType", eventType, "url", url)
		return Entry{}, ErrQueueFull
	}
	q.pending = append(q.pending, e)
	out := e.clone()
	q.mu.Unlock()

	q.persistSnapshot()
	return out, nil
}

// EnqueueSigned is Enqueue with a per-entry HMAC secret the worker uses to
// sign the delivery.
func (q *Queue) EnqueueSigned(url, eventType string, payload []byte, maxAttempts int, secret string) (Entry, error) {
	e, err := q.Enqueue(url, eventType, payload, maxAttempts)
	if err != nil || secret == "" {
		return e, err
	}
	q.mu.Lock()
	for _, p := range q.pending {
		if p.ID == e.ID {
			p.Secret = secret
			e.Secret = secret
			break
		}
	}
	q.mu.Unlock()
	return e, nil
}

// Dequeue returns the oldest pending entry whose nextAttemptAt has passed
// and moves it in flight. The caller must settle it with MarkDelivered or
// MarkFailed.
func (q *Queue) Dequeue() (Entry, bool) {
	now := q.nowFn()
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.pending {
		if e.NextAttemptAt.After(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.inflight[e.ID] = e
		return e.clone(), true
	}
	return Entry{}, false
}

// NextAttemptIn reports how long until the earliest pending entry becomes
// ready. ok is false when the pending partition is empty.
func (q *Queue) NextAttemptIn() (time.Duration, bool) {
	now := q.nowFn()
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return 0, false
	}
	wait := time.Duration(math.MaxInt64)
	for _, e := range q.pending {
		d := e.NextAttemptAt.Sub(now)
		if d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// MarkDelivered settles an in-flight entry as delivered.
func (q *Queue) MarkDelivered(id string) error {
	q.mu.Lock()
	if _, ok := q.inflight[id]; !ok {
		q.mu.Unlock()
		return ErrNotInFlight
	}
	delete(q.inflight, id)
	q.delivered++
	q.mu.Unlock()

	q.persistSnapshot()
	return nil
}

// MarkFailed settles an in-flight entry as failed: it is rescheduled with
// backoff, or moved to the dead-letter partition once attempts reach the
// budget. The returned state is StatePending or StateDead.
func (q *Queue) MarkFailed(id string, cause error) (string, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := q.nowFn()

	q.mu.Lock()
	e, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return "", ErrNotInFlight
	}
	delete(q.inflight, id)

	e.Attempts++
	e.LastError = msg
	e.LastAttemptAt = now

	state := StatePending
	if e.Attempts >= e.MaxAttempts {
		state = StateDead
		q.dead = append(q.dead, e)
	} else {
		e.NextAttemptAt = now.Add(q.backoff(e.Attempts))
		q.pending = q.insertByAge(q.pending, e)
	}
	q.mu.Unlock()

	if state == StateDead {
		q.logger.Warn("webhook moved to dead letter",
			"id", id, "eventType", e.EventType, "attempts", e.Attempts, "lastError", msg)
	}
	q.persistSnapshot()
	return state, nil
}

// RetryDead moves a dead-letter entry back to pending with a fresh attempt
// budget.
func (q *Queue) RetryDead(id string) (Entry, bool) {
	now := q.nowFn()
	q.mu.Lock()
	var out Entry
	found := false
	for i, e := range q.dead {
		if e.ID != id {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		e.Attempts = 0
		e.NextAttemptAt = now
		q.pending = q.insertByAge(q.pending, e)
		out = e.clone()
		found = true
		break
	}
	q.mu.Unlock()

	if found {
		q.persistSnapshot()
	}
	return out, found
}

// DropDead removes a dead-letter entry permanently.
func (q *Queue) DropDead(id string) bool {
	q.mu.Lock()
	found := false
	for i, e := range q.dead {
		if e.ID == id {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			found = true
			break
		}
	}
	q.mu.Unlock()

	if found {
		q.persistSnapshot()
	}
	return found
}

// DeadLetters returns copies of the dead-letter partition, oldest first.
func (q *Queue) DeadLetters() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.dead))
	for _, e := range q.dead {
		out = append(out, e.clone())
	}
	return out
}

// Depth reports the queue census.
func (q *Queue) Depth() Depth {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Depth{
		Pending:   len(q.pending),
		InFlight:  len(q.inflight),
		Dead:      len(q.dead),
		Delivered: q.delivered,
	}
}

// Export snapshots both partitions for persistence. In-flight entries are
// exported as pending so an interrupted delivery is retried after restart.
func (q *Queue) Export() (pending, dead []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exportLocked()
}

func (q *Queue) exportLocked() (pending, dead []Entry) {
	pending = make([]Entry, 0, len(q.pending)+len(q.inflight))
	for _, e := range q.pending {
		pending = append(pending, e.clone())
	}
	for _, e := range q.inflight {
		pending = append(pending, e.clone())
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	dead = make([]Entry, 0, len(q.dead))
	for _, e := range q.dead {
		dead = append(dead, e.clone())
	}
	return pending, dead
}

// Load replaces the queue contents from a persisted snapshot. Entries
// without an ID or URL are skipped.
func (q *Queue) Load(pending, dead []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = q.pending[:0]
	q.dead = q.dead[:0]
	q.inflight = make(map[string]*Entry)

	for _, e := range pending {
		if e.ID == "" || e.URL == "" {
			q.logger.Warn("skipping invalid webhook entry on load", "id", e.ID)
			continue
		}
		c := e.clone()
		q.pending = append(q.pending, &c)
	}
	sort.Slice(q.pending, func(i, j int) bool { return q.pending[i].CreatedAt.Before(q.pending[j].CreatedAt) })

	for _, e := range dead {
		if e.ID == "" || e.URL == "" {
			q.logger.Warn("skipping invalid webhook entry on load", "id", e.ID)
			continue
		}
		c := e.clone()
		q.dead = append(q.dead, &c)
	}
}

// backoff computes the delay before the given attempt count retries:
// min(initial * multiplier^(attempts-1), max).
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(q.retry.InitialDelay) * math.Pow(q.retry.Multiplier, float64(attempts-1)))
	if d > q.retry.MaxDelay || d <= 0 {
		d = q.retry.MaxDelay
	}
	return d
}

// insertByAge keeps the pending slice ordered by CreatedAt so Dequeue
// returns the oldest ready entry.
func (q *Queue) insertByAge(list []*Entry, e *Entry) []*Entry {
	i := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(e.CreatedAt) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func (q *Queue) persistSnapshot() {
	if q.persist == nil {
		return
	}
	q.mu.Lock()
	pending, dead := q.exportLocked()
	q.mu.Unlock()
	if err := q.persist.PersistWebhooks(pending, dead); err != nil {
		q.logger.Error("failed to persist webhook queue", "error", err)
	}
}
