package admin

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultRateLimit is the per-IP request budget per minute on the admin
// surface. It exists to slow credential guessing, not to shape load.
const DefaultRateLimit = 60

// rateLimitEntry tracks the request count for one address.
type rateLimitEntry struct {
	count   int
	resetAt time.Time
}

// rateLimiter is a fixed-window per-IP counter. The admin surface sees a
// handful of requests a minute from a handful of operators; a map with lazy
// expiry is all it needs.
type rateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	max     int
	window  time.Duration
	nowFn   func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		entries: make(map[string]*rateLimitEntry),
		max:     max,
		window:  window,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// allow consumes one slot for ip, returning whether the request may proceed
// and, if not, the seconds until the window resets.
func (rl *rateLimiter) allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	for k, e := range rl.entries {
		if now.After(e.resetAt) {
			delete(rl.entries, k)
		}
	}

	entry, ok := rl.entries[ip]
	if !ok || now.After(entry.resetAt) {
		rl.entries[ip] = &rateLimitEntry{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}

	if entry.count >= rl.max {
		retryAfter := int(entry.resetAt.Sub(now).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}
	entry.count++
	return true, 0
}

// rateLimitMiddleware throttles remote callers per IP. Loopback requests are
// exempt so local tooling never trips the guessing defense; they still carry
// the credential.
func rateLimitMiddleware(max int, window time.Duration, next http.Handler) http.Handler {
	limiter := newRateLimiter(max, window)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLocalhost(r) {
			next.ServeHTTP(w, r)
			return
		}

		allowed, retryAfter := limiter.allow(clientIP(r))
		if !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
