// Package cache implements the content-addressed response cache: entries
// are keyed by (tool, hash of canonicalized arguments), evicted LRU on a
// count cap and lazily on TTL, and misses for the same key coalesce through
// a single flight so the backend resolver runs exactly once.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxEntries bounds the cache when no cap is configured.
const DefaultMaxEntries = 1000

// Config carries the cache limits.
type Config struct {
	MaxEntries int
	DefaultTTL time.Duration
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
	elem      *list.Element
}

// ResponseCache is the in-memory LRU+TTL store. Safe for concurrent use.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used
	cfg     Config
	flight  singleflight.Group
	nowFn   func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewResponseCache creates a cache with the given limits.
func NewResponseCache(cfg Config) *ResponseCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	return &ResponseCache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		cfg:     cfg,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// Key derives the cache key for a tool call: the tool name joined with the
// SHA-256 of the RFC 8785 canonical form of the arguments, so argument maps
// hash identically regardless of member order. Nil arguments canonicalize
// as JSON null.
func Key(tool string, args []byte) (string, error) {
	if len(args) == 0 {
		args = []byte("null")
	}
	canonical, err := jcs.Transform(args)
	if err != nil {
		return "", fmt.Errorf("canonicalize arguments: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return tool + ":" + hex.EncodeToString(sum[:]), nil
}

// Lookup returns the cached value for key if present and unexpired, touching
// its recency. Expired entries are removed on access.
func (c *ResponseCache) Lookup(key string) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	if !e.expiresAt.After(c.nowFn()) {
		c.removeLocked(e)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	val := make([]byte, len(e.value))
	copy(val, e.value)
	c.mu.Unlock()

	c.hits.Add(1)
	return val, true
}

// Populate stores value under key with the given TTL, evicting the least
// recently used entry when the cap is reached. Non-positive TTL is a no-op.
func (c *ResponseCache) Populate(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = stored
		e.expiresAt = c.nowFn().Add(ttl)
		c.lru.MoveToFront(e.elem)
		return
	}
	for len(c.entries) >= c.cfg.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
		c.evictions.Add(1)
	}
	e := &entry{key: key, value: stored, expiresAt: c.nowFn().Add(ttl)}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
}

// Fetch is the single-flight read path: a hit returns immediately; on miss,
// concurrent callers for the same key share one invocation of resolve, and
// its value (or error) fans out to all of them. Errors are never cached.
// The hit return is true only when the value came from the store.
func (c *ResponseCache) Fetch(key string, ttl time.Duration, resolve func() ([]byte, error)) ([]byte, bool, error) {
	if ttl <= 0 {
		val, err := resolve()
		return val, false, err
	}
	if val, ok := c.Lookup(key); ok {
		return val, true, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// Another flight may have populated between Lookup and Do.
		if val, ok := c.peek(key); ok {
			return val, nil
		}
		val, err := resolve()
		if err != nil {
			return nil, err
		}
		c.Populate(key, val, ttl)
		return val, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// peek is Lookup without counter side effects, for the re-check inside a
// flight.
func (c *ResponseCache) peek(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.expiresAt.After(c.nowFn()) {
		return nil, false
	}
	val := make([]byte, len(e.value))
	copy(val, e.value)
	return val, true
}

// Invalidate removes every entry belonging to the tool and returns the
// number removed.
func (c *ResponseCache) Invalidate(tool string) int {
	prefix := tool + ":"
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.lru.Init()
}

// Len returns the number of stored entries, including any not yet lazily
// expired.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the hit/miss/eviction counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   n,
	}
}

// removeLocked unlinks e from both indexes. Caller holds the lock.
func (c *ResponseCache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
}
