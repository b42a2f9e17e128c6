// Package quota enforces per-key daily and monthly call and credit limits.
// Counters live on the key record; rollover happens lazily on first touch
// after a UTC calendar boundary, under the key store's lock.
package quota

import (
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/key"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Deny reason tokens reported by Check.
const (
	ReasonDailyCalls     = "daily_calls"
	ReasonMonthlyCalls   = "monthly_calls"
	ReasonDailyCredits   = "daily_credits"
	ReasonMonthlyCredits = "monthly_credits"
)

// Store is the slice of the key store the tracker needs: counter access
// under the store's own lock.
type Store interface {
	MutateCounters(id string, fn func(*key.QuotaCounters)) error
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed bool
	Reason  string
}

// Tracker tests and advances quota counters against resolved limits.
// Limit resolution (key vs. group vs. server default) is the caller's
// concern; the tracker only sees the effective limits.
type Tracker struct {
	store Store
	nowFn func() time.Time
}

// NewTracker returns a tracker backed by the given counter store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, nowFn: time.Now}
}

// Check rolls counters over if a calendar boundary was crossed, then tests
// whether one more call costing credits fits under limits. Counters are not
// advanced; call Commit once the full pipeline admits the call.
func (t *Tracker) Check(id string, limits key.QuotaLimits, credits int64) (Result, error) {
	day, month := t.calendar()

	var c key.QuotaCounters
	err := t.store.MutateCounters(id, func(qc *key.QuotaCounters) {
		rollover(qc, day, month)
		c = *qc
	})
	if err != nil {
		return Result{}, err
	}

	switch {
	case limits.DailyCalls > 0 && c.DailyCalls+1 > limits.DailyCalls:
		return Result{Reason: ReasonDailyCalls}, nil
	case limits.MonthlyCalls > 0 && c.MonthlyCalls+1 > limits.MonthlyCalls:
		return Result{Reason: ReasonMonthlyCalls}, nil
	case limits.DailyCredits > 0 && c.DailyCredits+credits > limits.DailyCredits:
		return Result{Reason: ReasonDailyCredits}, nil
	case limits.MonthlyCredits > 0 && c.MonthlyCredits+credits > limits.MonthlyCredits:
		return Result{Reason: ReasonMonthlyCredits}, nil
	}
	return Result{Allowed: true}, nil
}

// Commit records one admitted call costing credits.
func (t *Tracker) Commit(id string, credits int64) error {
	day, month := t.calendar()
	return t.store.MutateCounters(id, func(qc *key.QuotaCounters) {
		rollover(qc, day, month)
		qc.DailyCalls++
		qc.MonthlyCalls++
		qc.DailyCredits += credits
		qc.MonthlyCredits += credits
	})
}

// Rollback returns refunded credits to the credit counters. Call counters
// are left alone: the backend call did happen, only its charge came back.
func (t *Tracker) Rollback(id string, credits int64) error {
	day, month := t.calendar()
	return t.store.MutateCounters(id, func(qc *key.QuotaCounters) {
		rollover(qc, day, month)
		qc.DailyCredits = max(0, qc.DailyCredits-credits)
		qc.MonthlyCredits = max(0, qc.MonthlyCredits-credits)
	})
}

// Usage returns the counters as of now, rolling them over first so admin
// reads never show stale pre-boundary values.
func (t *Tracker) Usage(id string) (key.QuotaCounters, error) {
	day, month := t.calendar()
	var c key.QuotaCounters
	err := t.store.MutateCounters(id, func(qc *key.QuotaCounters) {
		rollover(qc, day, month)
		c = *qc
	})
	return c, err
}

func (t *Tracker) calendar() (day, month string) {
	now := t.nowFn().UTC()
	return now.Format(dayLayout), now.Format(monthLayout)
}

func rollover(c *key.QuotaCounters, day, month string) {
	if c.LastResetDay != day {
		c.DailyCalls = 0
		c.DailyCredits = 0
		c.LastResetDay = day
	}
	if c.LastResetMonth != month {
		c.MonthlyCalls = 0
		c.MonthlyCredits = 0
		c.LastResetMonth = month
	}
}
