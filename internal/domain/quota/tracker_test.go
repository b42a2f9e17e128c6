package quota

import (
	"testing"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/key"
)

func newTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	store := key.NewStore(nil)
	rec, err := store.Create(key.CreateParams{Name: "quota-test", Credits: 1000})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return NewTracker(store), rec.Key
}

func TestCheckUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	tracker, id := newTracker(t)
	for i := 0; i < 100; i++ {
		res, err := tracker.Check(id, key.QuotaLimits{}, 50)
		if err != nil {
			t.Fatalf("Check() error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("check %d denied with zero limits, reason %q", i, res.Reason)
		}
		if err := tracker.Commit(id, 50); err != nil {
			t.Fatalf("Commit() error: %v", err)
		}
	}
}

func TestDailyCallLimit(t *testing.T) {
	t.Parallel()

	tracker, id := newTracker(t)
	limits := key.QuotaLimits{DailyCalls: 2}

	for i := 0; i < 2; i++ {
		res, err := tracker.Check(id, limits, 1)
		if err != nil {
			t.Fatalf("Check() error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d denied, want allowed", i+1)
		}
		if err := tracker.Commit(id, 1); err != nil {
			t.Fatalf("Commit() error: %v", err)
		}
	}

	res, err := tracker.Check(id, limits, 1)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if res.Allowed {
		t.Fatal("third call allowed past DailyCalls=2")
	}
	if res.Reason != ReasonDailyCalls {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonDailyCalls)
	}
}

func TestMonthlyCreditLimit(t *testing.T) {
	t.Parallel()

	tracker, id := newTracker(t)
	limits := key.QuotaLimits{MonthlyCredits: 100}

	if err := tracker.Commit(id, 90); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	res, _ := tracker.Check(id, limits, 10)
	if !res.Allowed {
		t.Fatalf("90+10 should fit exactly under 100, got reason %q", res.Reason)
	}
	res, _ = tracker.Check(id, limits, 11)
	if res.Allowed {
		t.Fatal("90+11 allowed past MonthlyCredits=100")
	}
	if res.Reason != ReasonMonthlyCredits {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonMonthlyCredits)
	}
}

func TestDenyReasonOrder(t *testing.T) {
	t.Parallel()

	// When several dimensions are breached at once the first in pipeline
	// order wins: daily calls, monthly calls, daily credits, monthly credits.
	tracker, id := newTracker(t)
	if err := tracker.Commit(id, 500); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	limits := key.QuotaLimits{DailyCalls: 1, MonthlyCalls: 1, DailyCredits: 100, MonthlyCredits: 100}
	res, _ := tracker.Check(id, limits, 1)
	if res.Reason != ReasonDailyCalls {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonDailyCalls)
	}

	limits.DailyCalls = 0
	res, _ = tracker.Check(id, limits, 1)
	if res.Reason != ReasonMonthlyCalls {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonMonthlyCalls)
	}

	limits.MonthlyCalls = 0
	res, _ = tracker.Check(id, limits, 1)
	if res.Reason != ReasonDailyCredits {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonDailyCredits)
	}

	limits.DailyCredits = 0
	res, _ = tracker.Check(id, limits, 1)
	if res.Reason != ReasonMonthlyCredits {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonMonthlyCredits)
	}
}

func TestDailyRolloverAtUTCMidnight(t *testing.T) {
	t.Parallel()

	tracker, id := newTracker(t)
	now := time.Date(2026, 5, 14, 23, 59, 59, 0, time.UTC)
	tracker.nowFn = func() time.Time { return now }

	limits := key.QuotaLimits{DailyCalls: 1}
	if err := tracker.Commit(id, 5); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	res, _ := tracker.Check(id, limits, 1)
	if res.Allowed {
		t.Fatal("daily limit should be exhausted before midnight")
	}

	// Two seconds later it is a new UTC day: daily counters reset,
	// monthly counters carry over.
	now = time.Date(2026, 5, 15, 0, 0, 1, 0, time.UTC)
	res, _ = tracker.Check(id, limits, 1)
	if !res.Allowed {
		t.Fatalf("daily counter did not reset at midnight, reason %q", res.Reason)
	}

	usage, err := tracker.Usage(id)
	if err != nil {
		t.Fatalf("Usage() error: %v", err)
	}
	if usage.DailyCalls != 0 || usage.DailyCredits != 0 {
		t.Errorf("daily counters = %d/%d, want 0/0", usage.DailyCalls, usage.DailyCredits)
	}
	if usage.MonthlyCalls != 1 || usage.MonthlyCredits != 5 {
		t.Errorf("monthly counters = %d/%d, want 1/5", usage.MonthlyCalls, usage.MonthlyCredits)
	}
	if usage.LastResetDay != "2026-05-15" {
		t.Errorf("LastResetDay = %q, want 2026-05-15", usage.LastResetDay)
	}
}

func TestMonthlyRollover(t *testing.T) {
	t.Parallel()

	tracker, id := newTracker(t)
	now := time.Date(2026, 5, 31, 12, 0, 0, 0, time.UTC)
	tracker.nowFn = func() time.Time { return now }

	if err := tracker.Commit(id, 40); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	now = time.Date(2026, 6, 1, 0, 0, 1, 0, time.UTC)
	usage, err := tracker.Usage(id)
	if err != nil {
		t.Fatalf("Usage() error: %v", err)
	}
	if usage.MonthlyCalls != 0 || usage.MonthlyCredits != 0 {
		t.Errorf("monthly counters = %d/%d after month boundary, want 0/0",
			usage.MonthlyCalls, usage.MonthlyCredits)
	}
	if usage.LastResetMonth != "2026-06" {
		t.Errorf("LastResetMonth = %q, want 2026-06", usage.LastResetMonth)
	}
}

func TestRollbackRestoresCreditsOnly(t *testing.T) {
	t.Parallel()

	tracker, id := newTracker(t)
	if err := tracker.Commit(id, 30); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if err := tracker.Rollback(id, 30); err != nil {
		t.Fatalf("Rollback() error: %v", err)
	}

	usage, err := tracker.Usage(id)
	if err != nil {
		t.Fatalf("Usage() error: %v", err)
	}
	if usage.DailyCredits != 0 || usage.MonthlyCredits != 0 {
		t.Errorf("credit counters = %d/%d after rollback, want 0/0",
			usage.DailyCredits, usage.MonthlyCredits)
	}
	if usage.DailyCalls != 1 || usage.MonthlyCalls != 1 {
		t.Errorf("call counters = %d/%d, want 1/1; the call itself is not refunded",
			usage.DailyCalls, usage.MonthlyCalls)
	}
}

func TestRollbackFloorsAtZero(t *testing.T) {
	t.Parallel()

	tracker, id := newTracker(t)
	if err := tracker.Commit(id, 10); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if err := tracker.Rollback(id, 500); err != nil {
		t.Fatalf("Rollback() error: %v", err)
	}

	usage, _ := tracker.Usage(id)
	if usage.DailyCredits != 0 || usage.MonthlyCredits != 0 {
		t.Errorf("credit counters = %d/%d, want floor at 0",
			usage.DailyCredits, usage.MonthlyCredits)
	}
}

func TestCheckUnknownKey(t *testing.T) {
	t.Parallel()

	tracker, _ := newTracker(t)
	if _, err := tracker.Check("pg_missing", key.QuotaLimits{}, 1); err == nil {
		t.Fatal("Check() on unknown key returned nil error")
	}
}
