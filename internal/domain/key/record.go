// Package key implements the authoritative API-key store: record lifecycle,
// credit accounting, and masked projections for the admin surface.
package key

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// KeyPrefix is the fixed prefix of every API-key identifier.
const KeyPrefix = "pg_"

// keyRandomBytes is the entropy of a generated identifier (128 bits minimum).
const keyRandomBytes = 16

const (
	maxNameLength      = 256
	maxTagLength       = 256
	maxNamespaceLength = 50
	maskVisibleChars   = 10
)

// DefaultNamespace is assigned when a key carries no tenant tag.
const DefaultNamespace = "default"

// QuotaLimits configures per-key temporal limits. Zero means unlimited.
type QuotaLimits struct {
	DailyCalls     int64 `json:"dailyCalls"`
	MonthlyCalls   int64 `json:"monthlyCalls"`
	DailyCredits   int64 `json:"dailyCredits"`
	MonthlyCredits int64 `json:"monthlyCredits"`
}

// QuotaCounters are the rolling usage counters carried on the key record.
// Reset markers are UTC calendar strings ("2006-01-02" and "2006-01").
type QuotaCounters struct {
	DailyCalls     int64  `json:"dailyCalls"`
	DailyCredits   int64  `json:"dailyCredits"`
	MonthlyCalls   int64  `json:"monthlyCalls"`
	MonthlyCredits int64  `json:"monthlyCredits"`
	LastResetDay   string `json:"lastResetDay"`
	LastResetMonth string `json:"lastResetMonth"`
}

// AutoTopup refills a key when its balance drops below a threshold.
type AutoTopup struct {
	Enabled   bool  `json:"enabled"`
	Threshold int64 `json:"threshold"`
	Amount    int64 `json:"amount"`
}

// Record is one API key with its policy overrides and usage counters.
// The Key field is both the identifier and the bearer credential.
type Record struct {
	Key              string            `json:"key"`
	Name             string            `json:"name,omitempty"`
	Credits          int64             `json:"credits"`
	TotalSpent       int64             `json:"totalSpent"`
	TotalCalls       int64             `json:"totalCalls"`
	CreatedAt        time.Time         `json:"createdAt"`
	LastUsedAt       time.Time         `json:"lastUsedAt,omitempty"`
	Active           bool              `json:"active"`
	Suspended        bool              `json:"suspended"`
	Revoked          bool              `json:"revoked"`
	ExpiresAt        *time.Time        `json:"expiresAt,omitempty"`
	SpendingLimit    int64             `json:"spendingLimit"`
	AllowedTools     []string          `json:"allowedTools,omitempty"`
	DeniedTools      []string          `json:"deniedTools,omitempty"`
	RateLimitPerMin  *int64            `json:"rateLimitPerMin,omitempty"`
	IPAllowlist      []string          `json:"ipAllowlist,omitempty"`
	Quota            *QuotaLimits      `json:"quota,omitempty"`
	Counters         QuotaCounters     `json:"counters"`
	Tags             map[string]string `json:"tags,omitempty"`
	GroupID          string            `json:"groupId,omitempty"`
	Namespace        string            `json:"namespace"`
	AllowedCountries []string          `json:"allowedCountries,omitempty"`
	BlockedCountries []string          `json:"blockedCountries,omitempty"`
	AutoTopup        *AutoTopup        `json:"autoTopup,omitempty"`
}

// State labels for admin projections.
const (
	StateActive    = "active"
	StateSuspended = "suspended"
	StateRevoked   = "revoked"
	StateExpired   = "expired"
	StateInactive  = "inactive"
)

// IsExpired reports whether the record's expiry instant has passed.
func (r *Record) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Usable reports whether the key may pass admission: it must be active,
// not suspended, not revoked, and not expired. Revocation is terminal;
// expiry can be lifted by moving ExpiresAt forward.
func (r *Record) Usable(now time.Time) bool {
	return r.Active && !r.Suspended && !r.Revoked && !r.IsExpired(now)
}

// State derives the display state from the independent flags.
// Revoked wins over everything; expiry over suspension.
func (r *Record) State(now time.Time) string {
	switch {
	case r.Revoked:
		return StateRevoked
	case r.IsExpired(now):
		return StateExpired
	case r.Suspended:
		return StateSuspended
	case !r.Active:
		return StateInactive
	default:
		return StateActive
	}
}

// clone deep-copies the record so callers can never mutate store internals.
func (r *Record) clone() *Record {
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.RateLimitPerMin != nil {
		v := *r.RateLimitPerMin
		c.RateLimitPerMin = &v
	}
	if r.Quota != nil {
		q := *r.Quota
		c.Quota = &q
	}
	if r.AutoTopup != nil {
		a := *r.AutoTopup
		c.AutoTopup = &a
	}
	c.AllowedTools = cloneSlice(r.AllowedTools)
	c.DeniedTools = cloneSlice(r.DeniedTools)
	c.IPAllowlist = cloneSlice(r.IPAllowlist)
	c.AllowedCountries = cloneSlice(r.AllowedCountries)
	c.BlockedCountries = cloneSlice(r.BlockedCountries)
	if r.Tags != nil {
		c.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			c.Tags[k] = v
		}
	}
	return &c
}

func cloneSlice(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// Masked is the admin-listing projection: the credential is reduced to a
// prefix and the expired flag is computed at read time.
type Masked struct {
	KeyPrefix     string            `json:"keyPrefix"`
	Name          string            `json:"name,omitempty"`
	Credits       int64             `json:"credits"`
	TotalSpent    int64             `json:"totalSpent"`
	TotalCalls    int64             `json:"totalCalls"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastUsedAt    time.Time         `json:"lastUsedAt,omitempty"`
	State         string            `json:"state"`
	Expired       bool              `json:"expired"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"`
	SpendingLimit int64             `json:"spendingLimit"`
	GroupID       string            `json:"groupId,omitempty"`
	Namespace     string            `json:"namespace"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Mask produces the admin projection of a record.
func (r *Record) Mask(now time.Time) Masked {
	return Masked{
		KeyPrefix:     MaskKey(r.Key),
		Name:          r.Name,
		Credits:       r.Credits,
		TotalSpent:    r.TotalSpent,
		TotalCalls:    r.TotalCalls,
		CreatedAt:     r.CreatedAt,
		LastUsedAt:    r.LastUsedAt,
		State:         r.State(now),
		Expired:       r.IsExpired(now),
		ExpiresAt:     r.ExpiresAt,
		SpendingLimit: r.SpendingLimit,
		GroupID:       r.GroupID,
		Namespace:     r.Namespace,
		Tags:          r.Tags,
	}
}

// MaskKey reduces a credential to its first ten characters for display.
func MaskKey(k string) string {
	if len(k) <= maskVisibleChars {
		return k
	}
	return k[:maskVisibleChars] + "..."
}

// GenerateKeyID mints a fresh identifier: "pg_" + 32 hex chars (128 bits).
func GenerateKeyID() (string, error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// SanitizeNamespace lowercases, strips non-alphanumerics, caps the length,
// and falls back to the default namespace when nothing survives.
func SanitizeNamespace(ns string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ns) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxNamespaceLength {
		out = out[:maxNamespaceLength]
	}
	if out == "" {
		return DefaultNamespace
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
