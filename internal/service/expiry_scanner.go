package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/key"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
)

// Expiry scan defaults. The interval never drops below MinScanInterval; a
// full sweep walks every key, so sub-minute schedules buy nothing.
const (
	DefaultScanInterval = time.Hour
	MinScanInterval     = time.Minute
)

// DefaultExpiryThresholds are the warning horizons, largest first.
var DefaultExpiryThresholds = []time.Duration{
	7 * 24 * time.Hour,
	24 * time.Hour,
	time.Hour,
}

// ExpiryNotice describes one key approaching its expiry instant.
type ExpiryNotice struct {
	KeyPrefix string
	KeyName   string
	Namespace string
	ExpiresAt time.Time
	Remaining time.Duration
	Threshold time.Duration
}

// ExpiryNotifier receives notices. Errors are logged and never interrupt
// the sweep; a failed notice is not re-sent for the same threshold.
type ExpiryNotifier func(ExpiryNotice) error

// ExpiryScanner periodically sweeps the key store for keys whose expiresAt
// falls within a warning threshold. Each (key, threshold) pair fires at most
// once: the largest matching threshold fires first, and later sweeps escalate
// to the smaller ones as the deadline approaches.
type ExpiryScanner struct {
	keys       *key.Store
	notify     ExpiryNotifier
	thresholds []time.Duration // sorted descending
	interval   time.Duration
	logger     *slog.Logger
	nowFn      func() time.Time

	mu       sync.Mutex
	notified map[string]struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// ScannerOption configures an ExpiryScanner.
type ScannerOption func(*ExpiryScanner)

// WithScanInterval overrides the sweep cadence, clamped to MinScanInterval.
func WithScanInterval(d time.Duration) ScannerOption {
	return func(s *ExpiryScanner) {
		if d < MinScanInterval {
			d = MinScanInterval
		}
		s.interval = d
	}
}

// WithExpiryThresholds replaces the warning horizons. Non-positive entries
// are dropped; the rest are sorted largest-first.
func WithExpiryThresholds(ds []time.Duration) ScannerOption {
	return func(s *ExpiryScanner) {
		kept := make([]time.Duration, 0, len(ds))
		for _, d := range ds {
			if d > 0 {
				kept = append(kept, d)
			}
		}
		if len(kept) == 0 {
			return
		}
		sort.Slice(kept, func(i, j int) bool { return kept[i] > kept[j] })
		s.thresholds = kept
	}
}

// NewExpiryScanner creates a scanner over the key store. notify may be nil,
// in which case sweeps only log.
func NewExpiryScanner(keys *key.Store, notify ExpiryNotifier, logger *slog.Logger, opts ...ScannerOption) *ExpiryScanner {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ExpiryScanner{
		keys:       keys,
		notify:     notify,
		thresholds: append([]time.Duration(nil), DefaultExpiryThresholds...),
		interval:   DefaultScanInterval,
		logger:     logger,
		nowFn:      func() time.Time { return time.Now().UTC() },
		notified:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the periodic sweep. An immediate sweep runs first so keys
// already inside a threshold are flagged without waiting a full interval.
func (s *ExpiryScanner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx)
}

// Stop halts the sweep loop and waits for it to exit. Safe to call multiple
// times and before Start.
func (s *ExpiryScanner) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *ExpiryScanner) run(ctx context.Context) {
	defer s.wg.Done()

	s.Scan()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Scan()
		case <-ctx.Done():
			return
		}
	}
}

// Scan runs one sweep and returns the number of notices emitted. Exported so
// admin handlers can force a sweep outside the schedule.
func (s *ExpiryScanner) Scan() int {
	now := s.nowFn()
	emitted := 0

	for _, rec := range s.keys.Export() {
		if rec.ExpiresAt == nil || rec.State(now) != key.StateActive {
			continue
		}
		remaining := rec.ExpiresAt.Sub(now)
		if remaining <= 0 {
			continue
		}

		for _, th := range s.thresholds {
			if remaining > th {
				continue
			}
			if !s.markNotified(rec.Key, th) {
				// This horizon already fired; a smaller one may be due.
				continue
			}

			notice := ExpiryNotice{
				KeyPrefix: key.MaskKey(rec.Key),
				KeyName:   rec.Name,
				Namespace: rec.Namespace,
				ExpiresAt: *rec.ExpiresAt,
				Remaining: remaining,
				Threshold: th,
			}
			s.logger.Info("key approaching expiry",
				"keyPrefix", notice.KeyPrefix,
				"expiresAt", notice.ExpiresAt,
				"remaining", remaining.Round(time.Second),
				"threshold", th)
			if s.notify != nil {
				if err := s.notify(notice); err != nil {
					s.logger.Warn("expiry notification failed",
						"keyPrefix", notice.KeyPrefix, "error", err)
				}
			}
			emitted++
			break
		}
	}
	return emitted
}

// ClearNotified resets the de-dup set so every threshold may fire again.
// Returns the number of entries cleared.
func (s *ExpiryScanner) ClearNotified() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.notified)
	s.notified = make(map[string]struct{})
	return n
}

// markNotified records the (key, threshold) pair, reporting whether it was
// previously unseen.
func (s *ExpiryScanner) markNotified(keyID string, th time.Duration) bool {
	k := keyID + "|" + th.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.notified[k]; seen {
		return false
	}
	s.notified[k] = struct{}{}
	return true
}

// ExpiryEventNotifier builds the production notifier: each notice becomes an
// audit entry and a key.expiring webhook event. Any of audits, filters, or
// queue may be nil to disable that sink.
func ExpiryEventNotifier(audits *AuditService, filters *webhook.Registry, queue *webhook.Queue, logger *slog.Logger) ExpiryNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return func(n ExpiryNotice) error {
		if audits != nil {
			audits.Record(webhook.EventKeyExpiring, "system", "api key approaching expiry", map[string]any{
				"keyPrefix": n.KeyPrefix,
				"expiresAt": n.ExpiresAt,
				"remaining": n.Remaining.String(),
				"threshold": n.Threshold.String(),
			})
		}
		publishEvent(filters, queue, logger, webhook.Event{
			Type:      webhook.EventKeyExpiring,
			Timestamp: time.Now().UTC(),
			KeyPrefix: n.KeyPrefix,
			KeyName:   n.KeyName,
			Namespace: n.Namespace,
			Detail: map[string]any{
				"expiresAt": n.ExpiresAt,
				"remaining": n.Remaining.String(),
				"threshold": n.Threshold.String(),
			},
		})
		return nil
	}
}
