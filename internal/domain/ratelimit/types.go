// Package ratelimit provides sliding-window rate limiting domain types.
package ratelimit

import (
	"time"
)

// Window is the fixed sliding-window width for per-minute limits.
const Window = time.Minute

// UnlimitedRemaining is reported when no limit applies.
const UnlimitedRemaining = -1

// Result contains the outcome of a rate limit check.
type Result struct {
	// Allowed indicates whether one more call fits in the window.
	Allowed bool

	// Remaining is the number of calls left in the current window,
	// or UnlimitedRemaining when no limit applies.
	Remaining int

	// ResetIn is the duration until the oldest recorded call leaves the
	// window, freeing one slot. Only meaningful when Allowed is false.
	ResetIn time.Duration
}

// ToolKey builds the composite key used for per-tool limits.
// Format: "<apiKey>:tool:<toolName>".
func ToolKey(apiKey, tool string) string {
	return apiKey + ":tool:" + tool
}
