// Package service wires the domain packages into the gateway's request and
// background flows.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/audit"
)

// AuditService records administrative events into the in-memory ring and
// persists them asynchronously through a buffered channel and background
// worker, so recording never blocks the admission hot path.
type AuditService struct {
	log       *audit.Log
	store     audit.Store
	eventChan chan audit.Event
	wg        sync.WaitGroup
	logger    *slog.Logger

	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately when full
	dropCount   atomic.Int64

	warningThreshold int          // channel depth percent that triggers a warning
	lastWarning      atomic.Int64 // rate-limits warning logs, unix nanos
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of events batched before a store write.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		s.batchSize = size
	}
}

// WithFlushInterval sets the interval at which partial batches are flushed.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		s.flushInterval = interval
	}
}

// WithChannelSize sets the buffer between recording and the worker.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		s.eventChan = make(chan audit.Event, size)
		s.channelSize = size
	}
}

// WithSendTimeout sets how long Record blocks when the channel is full
// before dropping the event. Zero drops immediately.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel depth percentage (0-100) above
// which a capacity warning is logged.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		s.warningThreshold = percent
	}
}

// NewAuditService creates the service. log must be non-nil; store may be
// any audit.Store (file-backed in production, memory in tests).
func NewAuditService(log *audit.Log, store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	const defaultChannelSize = 1000
	s := &AuditService{
		log:              log,
		store:            store,
		eventChan:        make(chan audit.Event, defaultChannelSize),
		logger:           logger,
		batchSize:        100,
		flushInterval:    time.Second,
		channelSize:      defaultChannelSize,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background worker that batches and persists events.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record sanitizes and stores an event in the ring, then hands it to the
// persistence worker. The ring write is synchronous so admin queries see
// the event immediately; persistence applies backpressure and drops under
// sustained overload rather than stalling the caller.
func (s *AuditService) Record(eventType, actor, message string, metadata any) audit.Event {
	ev := s.log.Record(eventType, actor, message, metadata)
	s.enqueue(ev)
	return ev
}

// Recent returns matching ring events, newest first.
func (s *AuditService) Recent(f audit.Filter) []audit.Event {
	return s.log.Recent(f)
}

func (s *AuditService) enqueue(ev audit.Event) {
	if s.warningThreshold > 0 {
		depth := len(s.eventChan)
		if depth >= s.channelSize*s.warningThreshold/100 {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.eventChan <- ev:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(ev)
		return
	}

	select {
	case s.eventChan <- ev:
	case <-time.After(s.sendTimeout):
		s.recordDrop(ev)
	}
}

func (s *AuditService) recordDrop(ev audit.Event) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("audit event dropped",
		"type", ev.Type,
		"actor", ev.Actor,
		"total_drops", drops,
	)
}

// warnChannelDepth logs a capacity warning at most once per second.
func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedEvents returns the total number of events dropped under overload.
func (s *AuditService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns the current channel usage.
func (s *AuditService) ChannelDepth() int {
	return len(s.eventChan)
}

// ChannelCapacity returns the channel buffer size.
func (s *AuditService) ChannelCapacity() int {
	return s.channelSize
}

// Stop closes the channel and waits for the worker to flush what remains.
func (s *AuditService) Stop() {
	close(s.eventChan)
	s.wg.Wait()
}

func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.eventChan:
			if !ok {
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					s.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever producers managed to enqueue, then flush with
			// a bounded deadline.
		drain:
			for {
				select {
				case ev, ok := <-s.eventChan:
					if !ok {
						break drain
					}
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

// flush writes a batch to the store. Errors are logged, never propagated:
// audit persistence must not fail gateway operations.
func (s *AuditService) flush(ctx context.Context, batch []audit.Event) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
	}
}
