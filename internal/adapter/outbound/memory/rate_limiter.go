// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/paygate-mcp/paygate/internal/domain/ratelimit"
)

// shardCount spreads limiter keys across locks to keep contention low when
// many keys are active at once. Must be a power of two.
const shardCount = 16

// SlidingWindowLimiter implements ratelimit.Limiter with per-key timestamp
// logs. Thread-safe. A background sweep evicts keys whose timestamps have
// all left the window.
type SlidingWindowLimiter struct {
	shards        [shardCount]limiterShard
	window        time.Duration
	sweepInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
	once          sync.Once
	nowFn         func() time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewSlidingWindowLimiter creates a limiter with the standard 60-second
// window and a 60-second sweep interval.
func NewSlidingWindowLimiter() *SlidingWindowLimiter {
	return NewSlidingWindowLimiterWithConfig(ratelimit.Window, time.Minute)
}

// NewSlidingWindowLimiterWithConfig creates a limiter with a custom window
// and sweep interval. Intended for tests; production uses the defaults.
func NewSlidingWindowLimiterWithConfig(window, sweepInterval time.Duration) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		window:        window,
		sweepInterval: sweepInterval,
		stopChan:      make(chan struct{}),
		nowFn:         time.Now,
	}
	for i := range l.shards {
		l.shards[i].entries = make(map[string][]time.Time)
	}
	return l
}

func (l *SlidingWindowLimiter) shard(key string) *limiterShard {
	return &l.shards[xxhash.Sum64String(key)&(shardCount-1)]
}

// Check reports whether one more call fits under maxPerMin. It evicts
// timestamps that have left the window but never inserts one; recording is
// a separate step taken only when the pipeline admits the call.
func (l *SlidingWindowLimiter) Check(ctx context.Context, key string, maxPerMin int) (ratelimit.Result, error) {
	if maxPerMin <= 0 {
		return ratelimit.Result{Allowed: true, Remaining: ratelimit.UnlimitedRemaining}, nil
	}

	sh := l.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := l.nowFn()
	stamps := evictOld(sh.entries[key], now.Add(-l.window))
	if len(stamps) == 0 {
		delete(sh.entries, key)
	} else {
		sh.entries[key] = stamps
	}

	if len(stamps) >= maxPerMin {
		return ratelimit.Result{
			Allowed: false,
			ResetIn: stamps[0].Add(l.window).Sub(now),
		}, nil
	}
	return ratelimit.Result{
		Allowed:   true,
		Remaining: maxPerMin - len(stamps),
	}, nil
}

// Record appends a call timestamp for key.
func (l *SlidingWindowLimiter) Record(ctx context.Context, key string) error {
	sh := l.shard(key)
	sh.mu.Lock()
	sh.entries[key] = append(sh.entries[key], l.nowFn())
	sh.mu.Unlock()
	return nil
}

// evictOld drops timestamps at or before cutoff. Timestamps are appended in
// order, so the slice stays sorted and a prefix scan suffices.
func evictOld(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}

// StartSweep starts the background eviction goroutine. It removes keys with
// no timestamps in the active window. Purely a memory-hygiene concern; it
// never affects admission. Stops when ctx is cancelled or Stop is called.
func (l *SlidingWindowLimiter) StartSweep(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

func (l *SlidingWindowLimiter) sweep() {
	cutoff := l.nowFn().Add(-l.window)
	swept := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, stamps := range sh.entries {
			live := evictOld(stamps, cutoff)
			if len(live) == 0 {
				delete(sh.entries, key)
				swept++
			} else {
				sh.entries[key] = live
			}
		}
		sh.mu.Unlock()
	}

	if swept > 0 {
		slog.Debug("rate limiter sweep completed", "evicted_keys", swept)
	}
}

// Stop gracefully stops the sweep goroutine and waits for it to exit.
// Safe to call multiple times.
func (l *SlidingWindowLimiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Size returns the current number of tracked keys.
// Useful for testing and monitoring memory usage.
func (l *SlidingWindowLimiter) Size() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*SlidingWindowLimiter)(nil)
