package key

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Error types for key store operations.
var (
	ErrKeyNotFound           = errors.New("api key not found")
	ErrAliasTaken            = errors.New("key name already in use")
	ErrKeyRevoked            = errors.New("api key is revoked")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrSpendingLimitExceeded = errors.New("spending limit exceeded")
	ErrInvalidParams         = errors.New("invalid key parameters")
)

// Persister receives the full record set after every mutation. Implementations
// must be safe for concurrent use; the store never calls it under its own lock.
type Persister interface {
	PersistKeys(records []Record) error
}

// CreateParams are the caller-supplied fields for a new key. Zero values get
// defaults: namespace "default", empty tags, counters zeroed, active true.
type CreateParams struct {
	Name             string
	Credits          int64
	ExpiresAt        *time.Time
	SpendingLimit    int64
	AllowedTools     []string
	DeniedTools      []string
	RateLimitPerMin  *int64
	IPAllowlist      []string
	Quota            *QuotaLimits
	Tags             map[string]string
	GroupID          string
	Namespace        string
	AllowedCountries []string
	BlockedCountries []string
	AutoTopup        *AutoTopup
}

// ListFilter narrows and pages the masked listing.
type ListFilter struct {
	Namespace string
	GroupID   string
	State     string // one of the State* labels, empty = all
	Limit     int
	Offset    int
}

// NamespaceSummary aggregates per-tenant key statistics.
type NamespaceSummary struct {
	Namespace    string `json:"namespace"`
	KeyCount     int    `json:"keyCount"`
	ActiveKeys   int    `json:"activeKeys"`
	TotalCredits int64  `json:"totalCredits"`
}

// ReserveResult reports the outcome of an atomic credit reservation.
type ReserveResult struct {
	Remaining int64 // balance after the deduction (and any auto-topup)
	AutoTopup int64 // credits added by auto-topup, 0 when none fired
}

// Store is the authoritative in-memory map of API keys. All mutations are
// serialized by a single writer lock and snapshotted through the Persister;
// persistence failures are logged and the store continues in memory.
type Store struct {
	mu      sync.RWMutex
	keys    map[string]*Record
	names   map[string]string // alias -> key id, uniqueness index
	persist Persister
	logger  *slog.Logger
	nowFn   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPersister wires the snapshot sink called after every mutation.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// NewStore creates an empty key store.
func NewStore(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		keys:   make(map[string]*Record),
		names:  make(map[string]string),
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load seeds the store from persisted records, sanitizing each one.
// Invalid entries are skipped with a warning; loading never fails.
func (s *Store) Load(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range records {
		rec := records[i]
		if !strings.HasPrefix(rec.Key, KeyPrefix) {
			s.logger.Warn("skipping key with invalid identifier", "prefix", MaskKey(rec.Key))
			continue
		}
		sanitizeRecord(&rec)
		if rec.Name != "" {
			if _, taken := s.names[rec.Name]; taken {
				s.logger.Warn("duplicate key name on load, clearing alias", "name", rec.Name)
				rec.Name = ""
			} else {
				s.names[rec.Name] = rec.Key
			}
		}
		s.keys[rec.Key] = rec.clone()
	}
}

// sanitizeRecord applies the load-time defaults: namespace normalization,
// non-negative counters, capped name and tag lengths.
func sanitizeRecord(rec *Record) {
	rec.Namespace = SanitizeNamespace(rec.Namespace)
	rec.Name = truncate(rec.Name, maxNameLength)
	if rec.Credits < 0 {
		rec.Credits = 0
	}
	if rec.TotalSpent < 0 {
		rec.TotalSpent = 0
	}
	if rec.TotalCalls < 0 {
		rec.TotalCalls = 0
	}
	if rec.SpendingLimit < 0 {
		rec.SpendingLimit = 0
	}
	c := &rec.Counters
	for _, n := range []*int64{&c.DailyCalls, &c.DailyCredits, &c.MonthlyCalls, &c.MonthlyCredits} {
		if *n < 0 {
			*n = 0
		}
	}
	if rec.Tags != nil {
		clean := make(map[string]string, len(rec.Tags))
		for k, v := range rec.Tags {
			clean[truncate(k, maxTagLength)] = truncate(v, maxTagLength)
		}
		rec.Tags = clean
	}
}

// Export returns a deep copy of every record for snapshotting.
func (s *Store) Export() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exportLocked()
}

func (s *Store) exportLocked() []Record {
	out := make([]Record, 0, len(s.keys))
	for _, rec := range s.keys {
		out = append(out, *rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// snapshot persists the current record set, logging failures. Callers must
// not hold the store lock.
func (s *Store) snapshot() {
	if s.persist == nil {
		return
	}
	if err := s.persist.PersistKeys(s.Export()); err != nil {
		s.logger.Error("key snapshot failed, continuing in memory", "error", err)
	}
}

// Create allocates a fresh identifier and stores the record.
func (s *Store) Create(p CreateParams) (*Record, error) {
	if p.Credits < 0 {
		return nil, fmt.Errorf("%w: credits must be non-negative", ErrInvalidParams)
	}
	if p.SpendingLimit < 0 {
		return nil, fmt.Errorf("%w: spendingLimit must be non-negative", ErrInvalidParams)
	}
	if p.Quota != nil {
		q := p.Quota
		if q.DailyCalls < 0 || q.MonthlyCalls < 0 || q.DailyCredits < 0 || q.MonthlyCredits < 0 {
			return nil, fmt.Errorf("%w: quota limits must be non-negative", ErrInvalidParams)
		}
	}

	id, err := GenerateKeyID()
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	rec := &Record{
		Key:              id,
		Name:             truncate(p.Name, maxNameLength),
		Credits:          p.Credits,
		CreatedAt:        now,
		Active:           true,
		ExpiresAt:        p.ExpiresAt,
		SpendingLimit:    p.SpendingLimit,
		AllowedTools:     cloneSlice(p.AllowedTools),
		DeniedTools:      cloneSlice(p.DeniedTools),
		RateLimitPerMin:  p.RateLimitPerMin,
		IPAllowlist:      cloneSlice(p.IPAllowlist),
		Quota:            p.Quota,
		Tags:             map[string]string{},
		GroupID:          p.GroupID,
		Namespace:        SanitizeNamespace(p.Namespace),
		AllowedCountries: cloneSlice(p.AllowedCountries),
		BlockedCountries: cloneSlice(p.BlockedCountries),
		AutoTopup:        p.AutoTopup,
	}
	for k, v := range p.Tags {
		rec.Tags[truncate(k, maxTagLength)] = truncate(v, maxTagLength)
	}

	s.mu.Lock()
	if rec.Name != "" {
		if _, taken := s.names[rec.Name]; taken {
			s.mu.Unlock()
			return nil, ErrAliasTaken
		}
		s.names[rec.Name] = rec.Key
	}
	s.keys[rec.Key] = rec
	out := rec.clone()
	s.mu.Unlock()

	s.snapshot()
	return out, nil
}

// ImportKey stores a record under a caller-supplied identifier. Intended for
// migration and tests; the identifier must carry the standard prefix.
func (s *Store) ImportKey(rec Record) error {
	if !strings.HasPrefix(rec.Key, KeyPrefix) {
		return fmt.Errorf("%w: identifier must start with %q", ErrInvalidParams, KeyPrefix)
	}
	sanitizeRecord(&rec)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.nowFn()
	}

	s.mu.Lock()
	if _, exists := s.keys[rec.Key]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: identifier already present", ErrInvalidParams)
	}
	if rec.Name != "" {
		if _, taken := s.names[rec.Name]; taken {
			s.mu.Unlock()
			return ErrAliasTaken
		}
		s.names[rec.Name] = rec.Key
	}
	s.keys[rec.Key] = rec.clone()
	s.mu.Unlock()

	s.snapshot()
	return nil
}

// Get returns a copy of the record unless it is in a terminal state
// (revoked or expired) or absent.
func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[id]
	if !ok || rec.Revoked || rec.IsExpired(s.nowFn()) {
		return nil, ErrKeyNotFound
	}
	return rec.clone(), nil
}

// GetRaw returns a copy of the record regardless of lifecycle state.
func (s *Store) GetRaw(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return rec.clone(), nil
}

// HasCredits reports whether the key holds at least n credits. n may be zero.
func (s *Store) HasCredits(id string, n int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[id]
	return ok && rec.Credits >= n
}

// Charge deducts n credits and updates the spend and call totals.
// Fails without side effects when the balance is short.
func (s *Store) Charge(id string, n int64) error {
	s.mu.Lock()
	rec, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return ErrKeyNotFound
	}
	if rec.Credits < n {
		s.mu.Unlock()
		return ErrInsufficientCredits
	}
	rec.Credits -= n
	rec.TotalSpent += n
	rec.TotalCalls++
	rec.LastUsedAt = s.nowFn()
	s.mu.Unlock()

	s.snapshot()
	return nil
}

// Reserve is the pipeline's single serializable commit point: it checks the
// balance and the effective spending limit, then deducts, all under one lock.
// spendLimit <= 0 means unlimited. Auto-topup fires inside the same critical
// section when the post-deduction balance drops below the key's threshold.
func (s *Store) Reserve(id string, n int64, spendLimit int64) (ReserveResult, error) {
	s.mu.Lock()
	rec, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return ReserveResult{}, ErrKeyNotFound
	}
	if rec.Credits < n {
		s.mu.Unlock()
		return ReserveResult{}, ErrInsufficientCredits
	}
	if spendLimit > 0 && rec.TotalSpent+n > spendLimit {
		s.mu.Unlock()
		return ReserveResult{}, ErrSpendingLimitExceeded
	}
	rec.Credits -= n
	rec.TotalSpent += n
	rec.TotalCalls++
	rec.LastUsedAt = s.nowFn()

	res := ReserveResult{Remaining: rec.Credits}
	if t := rec.AutoTopup; t != nil && t.Enabled && t.Amount > 0 && rec.Credits < t.Threshold {
		rec.Credits += t.Amount
		res.AutoTopup = t.Amount
		res.Remaining = rec.Credits
	}
	s.mu.Unlock()

	s.snapshot()
	return res, nil
}

// ChargeUpTo deducts at most n credits, bounded by the available balance,
// and returns the amount actually charged. Used for post-call surcharges
// that may consume remaining credits but never deny.
func (s *Store) ChargeUpTo(id string, n int64) int64 {
	if n <= 0 {
		return 0
	}
	s.mu.Lock()
	rec, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	charged := n
	if rec.Credits < charged {
		charged = rec.Credits
	}
	rec.Credits -= charged
	rec.TotalSpent += charged
	s.mu.Unlock()

	if charged > 0 {
		s.snapshot()
	}
	return charged
}

// Refund restores n credits and reduces the spend total. Call totals are
// never reduced.
func (s *Store) Refund(id string, n int64) error {
	s.mu.Lock()
	rec, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return ErrKeyNotFound
	}
	rec.Credits += n
	rec.TotalSpent -= n
	if rec.TotalSpent < 0 {
		rec.TotalSpent = 0
	}
	s.mu.Unlock()

	s.snapshot()
	return nil
}

// AddCredits tops up the balance and returns the new total.
func (s *Store) AddCredits(id string, n int64) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: top-up must be non-negative", ErrInvalidParams)
	}
	s.mu.Lock()
	rec, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return 0, ErrKeyNotFound
	}
	rec.Credits += n
	total := rec.Credits
	s.mu.Unlock()

	s.snapshot()
	return total, nil
}

// SetExpiry replaces the expiry instant; nil clears it. Extending the expiry
// of an expired (but not revoked) key makes it usable again.
func (s *Store) SetExpiry(id string, expiresAt *time.Time) error {
	return s.update(id, func(rec *Record) error {
		rec.ExpiresAt = expiresAt
		return nil
	})
}

// Suspend marks the key suspended. Suspension is reversible.
func (s *Store) Suspend(id string) error {
	return s.update(id, func(rec *Record) error {
		if rec.Revoked {
			return ErrKeyRevoked
		}
		rec.Suspended = true
		return nil
	})
}

// Resume clears the suspended flag.
func (s *Store) Resume(id string) error {
	return s.update(id, func(rec *Record) error {
		if rec.Revoked {
			return ErrKeyRevoked
		}
		rec.Suspended = false
		return nil
	})
}

// Revoke marks the key revoked. Revocation is terminal and idempotent.
func (s *Store) Revoke(id string) error {
	return s.update(id, func(rec *Record) error {
		rec.Revoked = true
		rec.Active = false
		return nil
	})
}

// SetTags replaces the tag map, applying length caps.
func (s *Store) SetTags(id string, tags map[string]string) error {
	return s.update(id, func(rec *Record) error {
		clean := make(map[string]string, len(tags))
		for k, v := range tags {
			clean[truncate(k, maxTagLength)] = truncate(v, maxTagLength)
		}
		rec.Tags = clean
		return nil
	})
}

// SetGroup binds the key to a group; empty id clears the binding.
func (s *Store) SetGroup(id, groupID string) error {
	return s.update(id, func(rec *Record) error {
		rec.GroupID = groupID
		return nil
	})
}

// PolicyParams carries the mutable policy fields for UpdatePolicy. Nil
// fields keep their current values; non-nil slices replace wholesale.
type PolicyParams struct {
	Name             *string
	SpendingLimit    *int64
	AllowedTools     []string
	DeniedTools      []string
	RateLimitPerMin  *int64
	IPAllowlist      []string
	Quota            *QuotaLimits
	AllowedCountries []string
	BlockedCountries []string
	AutoTopup        *AutoTopup
}

// UpdatePolicy rewrites the key's policy fields. A RateLimitPerMin of zero
// clears the per-key override; a zero-value Quota clears the quota.
func (s *Store) UpdatePolicy(id string, p PolicyParams) error {
	if p.SpendingLimit != nil && *p.SpendingLimit < 0 {
		return fmt.Errorf("%w: spendingLimit must be non-negative", ErrInvalidParams)
	}
	return s.update(id, func(rec *Record) error {
		if p.Name != nil {
			name := strings.TrimSpace(*p.Name)
			if name == "" {
				return fmt.Errorf("%w: name must not be empty", ErrInvalidParams)
			}
			if existing, taken := s.names[name]; taken && existing != id {
				return ErrAliasTaken
			}
			delete(s.names, rec.Name)
			rec.Name = name
			s.names[name] = id
		}
		if p.SpendingLimit != nil {
			rec.SpendingLimit = *p.SpendingLimit
		}
		if p.AllowedTools != nil {
			rec.AllowedTools = append([]string(nil), p.AllowedTools...)
		}
		if p.DeniedTools != nil {
			rec.DeniedTools = append([]string(nil), p.DeniedTools...)
		}
		if p.RateLimitPerMin != nil {
			if *p.RateLimitPerMin <= 0 {
				rec.RateLimitPerMin = nil
			} else {
				v := *p.RateLimitPerMin
				rec.RateLimitPerMin = &v
			}
		}
		if p.IPAllowlist != nil {
			rec.IPAllowlist = append([]string(nil), p.IPAllowlist...)
		}
		if p.Quota != nil {
			if (*p.Quota == QuotaLimits{}) {
				rec.Quota = nil
			} else {
				q := *p.Quota
				rec.Quota = &q
			}
		}
		if p.AllowedCountries != nil {
			rec.AllowedCountries = append([]string(nil), p.AllowedCountries...)
		}
		if p.BlockedCountries != nil {
			rec.BlockedCountries = append([]string(nil), p.BlockedCountries...)
		}
		if p.AutoTopup != nil {
			t := *p.AutoTopup
			rec.AutoTopup = &t
		}
		return nil
	})
}

// RotateKey mints a fresh identifier for the record. The old identifier
// stops resolving immediately; counters and policy carry over.
func (s *Store) RotateKey(id string) (*Record, error) {
	newID, err := GenerateKeyID()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	rec, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrKeyNotFound
	}
	if rec.Revoked {
		s.mu.Unlock()
		return nil, ErrKeyRevoked
	}
	delete(s.keys, id)
	rec.Key = newID
	s.keys[newID] = rec
	if rec.Name != "" {
		s.names[rec.Name] = newID
	}
	out := rec.clone()
	s.mu.Unlock()

	s.snapshot()
	return out, nil
}

// MutateCounters applies fn to the key's quota counters under the store lock.
// Used by the quota tracker for rollover, commit, and rollback.
func (s *Store) MutateCounters(id string, fn func(*QuotaCounters)) error {
	s.mu.Lock()
	rec, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return ErrKeyNotFound
	}
	fn(&rec.Counters)
	s.mu.Unlock()

	s.snapshot()
	return nil
}

// update runs fn on the live record under the write lock and snapshots after.
func (s *Store) update(id string, fn func(*Record) error) error {
	s.mu.Lock()
	rec, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return ErrKeyNotFound
	}
	if err := fn(rec); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.snapshot()
	return nil
}

// List returns masked records matching the filter, newest first, and the
// total match count before pagination.
func (s *Store) List(f ListFilter) ([]Masked, int) {
	now := s.nowFn()

	s.mu.RLock()
	matched := make([]*Record, 0, len(s.keys))
	for _, rec := range s.keys {
		if f.Namespace != "" && rec.Namespace != f.Namespace {
			continue
		}
		if f.GroupID != "" && rec.GroupID != f.GroupID {
			continue
		}
		if f.State != "" && rec.State(now) != f.State {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Key < matched[j].Key
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= total {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	out := make([]Masked, len(matched))
	for i, rec := range matched {
		out[i] = rec.Mask(now)
	}
	s.mu.RUnlock()

	return out, total
}

// Namespaces aggregates key counts and credit totals per tenant tag.
func (s *Store) Namespaces() []NamespaceSummary {
	now := s.nowFn()

	s.mu.RLock()
	agg := make(map[string]*NamespaceSummary)
	for _, rec := range s.keys {
		sum, ok := agg[rec.Namespace]
		if !ok {
			sum = &NamespaceSummary{Namespace: rec.Namespace}
			agg[rec.Namespace] = sum
		}
		sum.KeyCount++
		if rec.Usable(now) {
			sum.ActiveKeys++
		}
		sum.TotalCredits += rec.Credits
	}
	s.mu.RUnlock()

	out := make([]NamespaceSummary, 0, len(agg))
	for _, sum := range agg {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out
}

// Count returns the number of stored keys including terminal ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
