package ratelimit

import "context"

// Limiter is the interface for sliding-window call counting.
//
// Admission and recording are deliberately split: Check never consumes a
// slot, so a call that is denied later in the pipeline (insufficient
// credits, quota, spend cap) leaves the window untouched. Callers invoke
// Record only after the overall pipeline admits the call.
//
// The interface is storage-agnostic; the in-memory implementation lives in
// the memory adapter package.
type Limiter interface {
	// Check reports whether one more call for key fits under maxPerMin
	// within the active window. maxPerMin = 0 means unlimited.
	Check(ctx context.Context, key string, maxPerMin int) (Result, error)

	// Record appends a call timestamp for key. Only admitted calls are
	// recorded.
	Record(ctx context.Context, key string) error
}
