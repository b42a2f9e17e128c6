package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/webhook"
)

// Delivery headers attached to every webhook POST.
const (
	HeaderWebhookEvent     = "X-PayGate-Event"
	HeaderWebhookDelivery  = "X-PayGate-Delivery"
	HeaderWebhookSignature = "X-PayGate-Signature"
)

// DefaultPollInterval bounds how long the worker sleeps when the queue is
// empty; a shorter NextAttemptIn wakes it earlier.
const DefaultPollInterval = time.Second

// minPollInterval keeps a racing Dequeue from turning into a hot loop.
const minPollInterval = 10 * time.Millisecond

const deliveryUserAgent = "paygate-webhook"

// WebhookWorker drains the delivery queue: one POST per attempt under the
// schedule's attempt timeout, 2xx settles the entry, anything else reschedules
// it with backoff until the attempt budget moves it to the dead letter.
type WebhookWorker struct {
	queue        *webhook.Queue
	client       *http.Client
	pollInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WorkerOption configures a WebhookWorker.
type WorkerOption func(*WebhookWorker)

// WithPollInterval overrides the empty-queue sleep.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *WebhookWorker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithHTTPClient substitutes the delivery client. The per-attempt deadline
// still comes from the queue's retry schedule.
func WithHTTPClient(c *http.Client) WorkerOption {
	return func(w *WebhookWorker) {
		if c != nil {
			w.client = c
		}
	}
}

// NewWebhookWorker creates a worker over the queue.
func NewWebhookWorker(queue *webhook.Queue, logger *slog.Logger, opts ...WorkerOption) *WebhookWorker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &WebhookWorker{
		queue:        queue,
		client:       &http.Client{},
		pollInterval: DefaultPollInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the delivery loop.
func (w *WebhookWorker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		cancel()
		return
	}
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(runCtx)
}

// Stop halts the loop and waits for any in-flight attempt to settle. An
// attempt interrupted mid-POST is marked failed and retried on the normal
// schedule. Safe to call multiple times and before Start.
func (w *WebhookWorker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *WebhookWorker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		entry, ok := w.queue.Dequeue()
		if !ok {
			select {
			case <-time.After(w.idleWait()):
			case <-ctx.Done():
				return
			}
			continue
		}
		w.deliver(ctx, entry)
	}
}

// idleWait picks the sleep until the next entry could be ready: the queue's
// own schedule when it is shorter than the poll interval, clamped so a racing
// consumer cannot spin us.
func (w *WebhookWorker) idleWait() time.Duration {
	wait := w.pollInterval
	if d, ok := w.queue.NextAttemptIn(); ok && d < wait {
		wait = d
	}
	if wait < minPollInterval {
		wait = minPollInterval
	}
	return wait
}

// deliver runs one attempt and settles the entry.
func (w *WebhookWorker) deliver(ctx context.Context, e webhook.Entry) {
	attemptCtx, cancel := context.WithTimeout(ctx, w.queue.Retry().AttemptTimeout)
	start := time.Now()
	err := w.post(attemptCtx, e)
	cancel()

	if err == nil {
		if merr := w.queue.MarkDelivered(e.ID); merr != nil {
			w.logger.Error("failed to settle delivered webhook", "id", e.ID, "error", merr)
			return
		}
		w.logger.Info("webhook delivered",
			"id", e.ID,
			"eventType", e.EventType,
			"attempts", e.Attempts+1,
			"duration", time.Since(start).Round(time.Millisecond))
		return
	}

	state, merr := w.queue.MarkFailed(e.ID, err)
	if merr != nil {
		w.logger.Error("failed to settle failed webhook", "id", e.ID, "error", merr)
		return
	}
	w.logger.Warn("webhook delivery failed",
		"id", e.ID,
		"eventType", e.EventType,
		"attempts", e.Attempts+1,
		"state", state,
		"error", err)
}

// post sends the entry. Only a 2xx response counts as delivered.
func (w *WebhookWorker) post(ctx context.Context, e webhook.Entry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(e.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", deliveryUserAgent)
	req.Header.Set(HeaderWebhookEvent, e.EventType)
	req.Header.Set(HeaderWebhookDelivery, e.ID)
	if e.Secret != "" {
		req.Header.Set(HeaderWebhookSignature, SignWebhookPayload(e.Secret, e.Payload))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	// Drain a little so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// SignWebhookPayload computes the delivery signature receivers verify:
// "sha256=" + hex(HMAC-SHA-256(payload, secret)).
func SignWebhookPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
