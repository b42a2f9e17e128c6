package key

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(nil)
}

func TestCreateDefaults(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	rec, err := s.Create(CreateParams{Name: "billing-bot", Credits: 100})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(rec.Key, KeyPrefix) {
		t.Errorf("key %q missing prefix %q", rec.Key, KeyPrefix)
	}
	if len(rec.Key) != len(KeyPrefix)+2*keyRandomBytes {
		t.Errorf("key length = %d, want %d", len(rec.Key), len(KeyPrefix)+2*keyRandomBytes)
	}
	if rec.Namespace != DefaultNamespace {
		t.Errorf("namespace = %q, want %q", rec.Namespace, DefaultNamespace)
	}
	if !rec.Active || rec.Suspended || rec.Revoked {
		t.Errorf("unexpected lifecycle flags: active=%v suspended=%v revoked=%v",
			rec.Active, rec.Suspended, rec.Revoked)
	}
	if rec.Credits != 100 || rec.TotalSpent != 0 || rec.TotalCalls != 0 {
		t.Errorf("unexpected counters: credits=%d spent=%d calls=%d",
			rec.Credits, rec.TotalSpent, rec.TotalCalls)
	}
	if rec.Tags == nil {
		t.Error("tags should default to an empty map")
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.Create(CreateParams{Credits: -1}); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("negative credits: got %v, want ErrInvalidParams", err)
	}
	if _, err := s.Create(CreateParams{SpendingLimit: -5}); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("negative spending limit: got %v, want ErrInvalidParams", err)
	}

	if _, err := s.Create(CreateParams{Name: "dup"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.Create(CreateParams{Name: "dup"}); !errors.Is(err, ErrAliasTaken) {
		t.Errorf("duplicate alias: got %v, want ErrAliasTaken", err)
	}
}

func TestNamespaceSanitization(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	rec, err := s.Create(CreateParams{Namespace: "  Acme-Corp/EU!  "})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.Namespace != "acmecorpeu" {
		t.Errorf("namespace = %q, want %q", rec.Namespace, "acmecorpeu")
	}

	rec2, err := s.Create(CreateParams{Namespace: "!!!"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec2.Namespace != DefaultNamespace {
		t.Errorf("all-symbol namespace = %q, want default", rec2.Namespace)
	}

	long := strings.Repeat("a", 80)
	rec3, err := s.Create(CreateParams{Namespace: long})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(rec3.Namespace) != maxNamespaceLength {
		t.Errorf("namespace length = %d, want %d", len(rec3.Namespace), maxNamespaceLength)
	}
}

func TestGetFiltersTerminalStates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	rec, _ := s.Create(CreateParams{Credits: 10})
	if _, err := s.Get(rec.Key); err != nil {
		t.Fatalf("Get active key: %v", err)
	}

	if err := s.Revoke(rec.Key); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := s.Get(rec.Key); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get revoked key: got %v, want ErrKeyNotFound", err)
	}
	if _, err := s.GetRaw(rec.Key); err != nil {
		t.Errorf("GetRaw revoked key should succeed: %v", err)
	}
}

func TestExpiryLiftable(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	past := time.Now().UTC().Add(-time.Second)
	rec, _ := s.Create(CreateParams{Credits: 10, ExpiresAt: &past})

	if _, err := s.Get(rec.Key); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expired key should not resolve via Get: %v", err)
	}
	got, err := s.GetRaw(rec.Key)
	if err != nil {
		t.Fatalf("GetRaw: %v", err)
	}
	if !got.IsExpired(time.Now().UTC()) {
		t.Error("record should report expired")
	}

	future := time.Now().UTC().Add(time.Hour)
	if err := s.SetExpiry(rec.Key, &future); err != nil {
		t.Fatalf("SetExpiry: %v", err)
	}
	if _, err := s.Get(rec.Key); err != nil {
		t.Errorf("key should be usable after expiry extension: %v", err)
	}
}

func TestRevocationIsSticky(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	rec, _ := s.Create(CreateParams{})
	if err := s.Revoke(rec.Key); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := s.Resume(rec.Key); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("Resume on revoked: got %v, want ErrKeyRevoked", err)
	}
	if err := s.Suspend(rec.Key); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("Suspend on revoked: got %v, want ErrKeyRevoked", err)
	}
	if _, err := s.RotateKey(rec.Key); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("RotateKey on revoked: got %v, want ErrKeyRevoked", err)
	}
}

func TestChargeAndRefundConservation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	rec, _ := s.Create(CreateParams{Credits: 100})
	if err := s.Charge(rec.Key, 30); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	got, _ := s.GetRaw(rec.Key)
	if got.Credits != 70 || got.TotalSpent != 30 || got.TotalCalls != 1 {
		t.Errorf("after charge: credits=%d spent=%d calls=%d", got.Credits, got.TotalSpent, got.TotalCalls)
	}

	if err := s.Refund(rec.Key, 30); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	got, _ = s.GetRaw(rec.Key)
	if got.Credits != 100 || got.TotalSpent != 0 {
		t.Errorf("after refund: credits=%d spent=%d", got.Credits, got.TotalSpent)
	}
	if got.TotalCalls != 1 {
		t.Errorf("refund must not reduce totalCalls: got %d", got.TotalCalls)
	}

	if err := s.Charge(rec.Key, 101); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("overcharge: got %v, want ErrInsufficientCredits", err)
	}
}

func TestReserveEnforcesSpendingLimit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	rec, _ := s.Create(CreateParams{Credits: 1000})
	if _, err := s.Reserve(rec.Key, 60, 100); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := s.Reserve(rec.Key, 60, 100); !errors.Is(err, ErrSpendingLimitExceeded) {
		t.Errorf("second reserve: got %v, want ErrSpendingLimitExceeded", err)
	}
	// Zero limit means unlimited.
	if _, err := s.Reserve(rec.Key, 60, 0); err != nil {
		t.Errorf("unlimited reserve: %v", err)
	}
}

func TestReserveNoOverspendUnderConcurrency(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	const credits, cost, workers = 100, 10, 50
	rec, _ := s.Create(CreateParams{Credits: credits})

	var wg sync.WaitGroup
	admitted := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Reserve(rec.Key, cost, 0); err == nil {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	var n int
	for range admitted {
		n++
	}
	if n != credits/cost {
		t.Errorf("admitted %d reservations, want exactly %d", n, credits/cost)
	}
	got, _ := s.GetRaw(rec.Key)
	if got.Credits != 0 {
		t.Errorf("final balance = %d, want 0", got.Credits)
	}
	if got.TotalSpent != credits {
		t.Errorf("totalSpent = %d, want %d", got.TotalSpent, credits)
	}
}

func TestReserveAutoTopup(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	rec, _ := s.Create(CreateParams{
		Credits:   20,
		AutoTopup: &AutoTopup{Enabled: true, Threshold: 15, Amount: 100},
	})
	res, err := s.Reserve(rec.Key, 10, 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.AutoTopup != 100 {
		t.Errorf("autoTopup = %d, want 100", res.AutoTopup)
	}
	if res.Remaining != 110 {
		t.Errorf("remaining = %d, want 110", res.Remaining)
	}
}

func TestChargeUpToBounds(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	rec, _ := s.Create(CreateParams{Credits: 5})
	if charged := s.ChargeUpTo(rec.Key, 12); charged != 5 {
		t.Errorf("charged = %d, want 5", charged)
	}
	got, _ := s.GetRaw(rec.Key)
	if got.Credits != 0 {
		t.Errorf("balance = %d, want 0", got.Credits)
	}
	if charged := s.ChargeUpTo(rec.Key, 1); charged != 0 {
		t.Errorf("charge on empty balance = %d, want 0", charged)
	}
}

func TestRotateKeyPreservesRecord(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	rec, _ := s.Create(CreateParams{Name: "rotator", Credits: 42})
	rotated, err := s.RotateKey(rec.Key)
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if rotated.Key == rec.Key {
		t.Error("rotation must mint a new identifier")
	}
	if rotated.Credits != 42 || rotated.Name != "rotator" {
		t.Errorf("record fields lost on rotation: %+v", rotated)
	}
	if _, err := s.Get(rec.Key); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("old identifier should stop resolving: %v", err)
	}
	if _, err := s.Get(rotated.Key); err != nil {
		t.Errorf("new identifier should resolve: %v", err)
	}
}

func TestListMaskingAndPagination(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := s.Create(CreateParams{Namespace: "tenant1", Credits: int64(i)}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := s.Create(CreateParams{Namespace: "tenant2"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	page, total := s.List(ListFilter{Namespace: "tenant1", Limit: 2, Offset: 1})
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	for _, m := range page {
		if !strings.HasSuffix(m.KeyPrefix, "...") {
			t.Errorf("key prefix %q not masked", m.KeyPrefix)
		}
		if len(m.KeyPrefix) != maskVisibleChars+3 {
			t.Errorf("mask length = %d, want %d", len(m.KeyPrefix), maskVisibleChars+3)
		}
	}
}

func TestNamespaceAggregation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	a, _ := s.Create(CreateParams{Namespace: "alpha", Credits: 10})
	if _, err := s.Create(CreateParams{Namespace: "alpha", Credits: 5}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Suspend(a.Key); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	sums := s.Namespaces()
	if len(sums) != 1 {
		t.Fatalf("namespaces = %d, want 1", len(sums))
	}
	got := sums[0]
	if got.KeyCount != 2 || got.ActiveKeys != 1 || got.TotalCredits != 15 {
		t.Errorf("summary = %+v", got)
	}
}

func TestLoadSanitizes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	s.Load([]Record{
		{Key: "pg_aaaa", Namespace: "UPPER case!", Credits: -7, Counters: QuotaCounters{DailyCalls: -1}},
		{Key: "bogus_bbbb"},
		{Key: "pg_cccc", Name: "same"},
		{Key: "pg_dddd", Name: "same"},
	})

	if s.Count() != 3 {
		t.Fatalf("count = %d, want 3 (invalid prefix skipped)", s.Count())
	}
	rec, err := s.GetRaw("pg_aaaa")
	if err != nil {
		t.Fatalf("GetRaw: %v", err)
	}
	if rec.Namespace != "uppercase" {
		t.Errorf("namespace = %q, want %q", rec.Namespace, "uppercase")
	}
	if rec.Credits != 0 || rec.Counters.DailyCalls != 0 {
		t.Errorf("negative numerics not zeroed: credits=%d dailyCalls=%d", rec.Credits, rec.Counters.DailyCalls)
	}

	// The duplicate alias must be cleared on the later record.
	d, _ := s.GetRaw("pg_dddd")
	if d.Name != "" {
		t.Errorf("duplicate alias should be cleared, got %q", d.Name)
	}
}

type captivePersister struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (p *captivePersister) PersistKeys(records []Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestPersistFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	p := &captivePersister{fail: true}
	s := NewStore(nil, WithPersister(p))

	rec, err := s.Create(CreateParams{Credits: 9})
	if err != nil {
		t.Fatalf("Create should succeed despite persist failure: %v", err)
	}
	if err := s.Charge(rec.Key, 3); err != nil {
		t.Fatalf("Charge should succeed despite persist failure: %v", err)
	}
	got, _ := s.GetRaw(rec.Key)
	if got.Credits != 6 {
		t.Errorf("in-memory state lost: credits=%d, want 6", got.Credits)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls < 2 {
		t.Errorf("persister calls = %d, want >= 2", p.calls)
	}
}

func TestUpdatePolicy(t *testing.T) {
	t.Parallel()
	s := NewStore(nil)
	rec, err := s.Create(CreateParams{Name: "svc", Credits: 100, DeniedTools: []string{"risky"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	limit := int64(500)
	rate := int64(30)
	name := "svc-renamed"
	err = s.UpdatePolicy(rec.Key, PolicyParams{
		Name:            &name,
		SpendingLimit:   &limit,
		AllowedTools:    []string{"safe"},
		RateLimitPerMin: &rate,
		Quota:           &QuotaLimits{DailyCalls: 10},
	})
	if err != nil {
		t.Fatalf("UpdatePolicy: %v", err)
	}

	got, _ := s.GetRaw(rec.Key)
	if got.Name != "svc-renamed" || got.SpendingLimit != 500 {
		t.Errorf("got name=%q limit=%d", got.Name, got.SpendingLimit)
	}
	if len(got.AllowedTools) != 1 || got.AllowedTools[0] != "safe" {
		t.Errorf("allowedTools = %v", got.AllowedTools)
	}
	if len(got.DeniedTools) != 1 || got.DeniedTools[0] != "risky" {
		t.Errorf("deniedTools should be untouched, got %v", got.DeniedTools)
	}
	if got.RateLimitPerMin == nil || *got.RateLimitPerMin != 30 {
		t.Errorf("rateLimitPerMin = %v", got.RateLimitPerMin)
	}
	if got.Quota == nil || got.Quota.DailyCalls != 10 {
		t.Errorf("quota = %+v", got.Quota)
	}

	// Zero rate clears the override; zero-value quota clears the quota.
	zero := int64(0)
	if err := s.UpdatePolicy(rec.Key, PolicyParams{RateLimitPerMin: &zero, Quota: &QuotaLimits{}}); err != nil {
		t.Fatalf("UpdatePolicy clear: %v", err)
	}
	got, _ = s.GetRaw(rec.Key)
	if got.RateLimitPerMin != nil || got.Quota != nil {
		t.Errorf("clears did not apply: rate=%v quota=%+v", got.RateLimitPerMin, got.Quota)
	}

	// Renaming onto an existing alias is rejected.
	other, _ := s.Create(CreateParams{Name: "taken", Credits: 1})
	to := "svc-renamed"
	if err := s.UpdatePolicy(other.Key, PolicyParams{Name: &to}); !errors.Is(err, ErrAliasTaken) {
		t.Errorf("err = %v, want ErrAliasTaken", err)
	}

	if err := s.UpdatePolicy("pg_missing", PolicyParams{}); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}
}
