// Package spendcap enforces the server-wide daily caps and the per-key
// hourly caps, and owns the auto-suspend lifecycle triggered by hourly
// breaches.
package spendcap

import (
	"log/slog"
	"sync"
	"time"
)

const (
	dayLayout  = "2006-01-02"
	hourLayout = "2006-01-02T15"
)

// Deny reason tokens reported by the check methods.
const (
	ReasonServerDailyCredits = "server_daily_credit_cap"
	ReasonServerDailyCalls   = "server_daily_call_cap"
	ReasonHourlyCalls        = "hourly_call_cap"
	ReasonHourlyCredits      = "hourly_credit_cap"
)

// Breach actions for per-key hourly cap violations.
const (
	BreachDeny    = "deny"
	BreachSuspend = "suspend"
)

// Config carries the cap thresholds. Zero disables the corresponding cap.
type Config struct {
	DailyCreditCap    int64
	DailyCallCap      int64
	HourlyCallLimit   int64
	HourlyCreditLimit int64
	BreachAction      string
	AutoResumeAfter   time.Duration
}

// State is the persistable slice of the manager: the server-wide day
// counters and the auto-suspend table. Hourly buckets are ephemeral.
type State struct {
	Day       string               `json:"day"`
	Calls     int64                `json:"calls"`
	Credits   int64                `json:"credits"`
	Suspended map[string]time.Time `json:"suspended,omitempty"`
}

// Persister saves the manager state. Called outside the manager's lock.
type Persister interface {
	PersistServerCaps(s State) error
}

// Result is the outcome of one cap check.
type Result struct {
	Allowed bool
	Reason  string
}

type hourBucket struct {
	hour    string
	calls   int64
	credits int64
}

// Manager tracks server-wide daily usage and per-key hourly buckets.
// Day counters reset at UTC midnight; an hourly bucket is replaced on
// the first touch of a new hour.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	day        string
	dayCalls   int64
	dayCredits int64
	hourly     map[string]*hourBucket
	suspended  map[string]time.Time

	onAutoSuspend func(apiKey, reason string)
	onAutoResume  func(apiKey string)
	persist       Persister
	logger        *slog.Logger
	nowFn         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithPersister sets the snapshot target for cap state.
func WithPersister(p Persister) Option {
	return func(m *Manager) { m.persist = p }
}

// WithAutoSuspendHook registers the callback fired when an hourly breach
// suspends a key.
func WithAutoSuspendHook(fn func(apiKey, reason string)) Option {
	return func(m *Manager) { m.onAutoSuspend = fn }
}

// WithAutoResumeHook registers the callback fired when a suspended key's
// cooldown elapses.
func WithAutoResumeHook(fn func(apiKey string)) Option {
	return func(m *Manager) { m.onAutoResume = fn }
}

// NewManager returns a cap manager for the given thresholds.
func NewManager(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BreachAction == "" {
		cfg.BreachAction = BreachDeny
	}
	m := &Manager{
		cfg:       cfg,
		hourly:    make(map[string]*hourBucket),
		suspended: make(map[string]time.Time),
		logger:    logger,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load restores persisted day counters and the auto-suspend table.
// A stale day marker is discarded rather than carried into today.
func (m *Manager) Load(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := m.nowFn().UTC().Format(dayLayout)
	if s.Day == today {
		m.day = s.Day
		m.dayCalls = max(0, s.Calls)
		m.dayCredits = max(0, s.Credits)
	}
	for k, at := range s.Suspended {
		m.suspended[k] = at
	}
}

// Export returns the persistable state.
func (m *Manager) Export() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exportLocked()
}

func (m *Manager) exportLocked() State {
	s := State{Day: m.day, Calls: m.dayCalls, Credits: m.dayCredits}
	if len(m.suspended) > 0 {
		s.Suspended = make(map[string]time.Time, len(m.suspended))
		for k, at := range m.suspended {
			s.Suspended[k] = at
		}
	}
	return s
}

func (m *Manager) snapshot() {
	if m.persist == nil {
		return
	}
	m.mu.Lock()
	s := m.exportLocked()
	m.mu.Unlock()
	if err := m.persist.PersistServerCaps(s); err != nil {
		m.logger.Warn("cap snapshot failed, continuing in memory", "error", err)
	}
}

// CheckServerCap tests whether one more call charging credits fits under
// the server-wide daily caps. Counters advance only via Commit.
func (m *Manager) CheckServerCap(credits int64) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverDayLocked()
	if m.cfg.DailyCreditCap > 0 && m.dayCredits+credits > m.cfg.DailyCreditCap {
		return Result{Reason: ReasonServerDailyCredits}
	}
	if m.cfg.DailyCallCap > 0 && m.dayCalls+1 > m.cfg.DailyCallCap {
		return Result{Reason: ReasonServerDailyCalls}
	}
	return Result{Allowed: true}
}

// CheckHourly tests the per-key hourly bucket. On a breach with the
// suspend action configured, the key is auto-suspended and the hook fires.
func (m *Manager) CheckHourly(apiKey string, credits int64) Result {
	m.mu.Lock()
	b := m.bucketLocked(apiKey)

	var reason string
	switch {
	case m.cfg.HourlyCallLimit > 0 && b.calls+1 > m.cfg.HourlyCallLimit:
		reason = ReasonHourlyCalls
	case m.cfg.HourlyCreditLimit > 0 && b.credits+credits > m.cfg.HourlyCreditLimit:
		reason = ReasonHourlyCredits
	default:
		m.mu.Unlock()
		return Result{Allowed: true}
	}

	suspend := m.cfg.BreachAction == BreachSuspend
	if suspend {
		if _, already := m.suspended[apiKey]; !already {
			m.suspended[apiKey] = m.nowFn()
		} else {
			suspend = false
		}
	}
	m.mu.Unlock()

	if suspend {
		m.logger.Warn("hourly cap breach, key auto-suspended", "key", apiKey, "reason", reason)
		if m.onAutoSuspend != nil {
			m.onAutoSuspend(apiKey, reason)
		}
		m.snapshot()
	}
	return Result{Reason: reason}
}

// Commit advances the day counters and the key's hourly bucket for one
// admitted call charging credits.
func (m *Manager) Commit(apiKey string, credits int64) {
	m.mu.Lock()
	m.rolloverDayLocked()
	m.dayCalls++
	m.dayCredits += credits
	b := m.bucketLocked(apiKey)
	b.calls++
	b.credits += credits
	m.mu.Unlock()

	m.snapshot()
}

// Rollback returns refunded credits to the day and hourly counters.
// Call counts stay: the call happened, only its charge came back.
func (m *Manager) Rollback(apiKey string, credits int64) {
	m.mu.Lock()
	m.rolloverDayLocked()
	m.dayCredits = max(0, m.dayCredits-credits)
	b := m.bucketLocked(apiKey)
	b.credits = max(0, b.credits-credits)
	m.mu.Unlock()

	m.snapshot()
}

// IsAutoSuspended reports whether the key is under an hourly-breach
// suspension. When the configured cooldown has elapsed the suspension is
// lifted here and the resume hook fires.
func (m *Manager) IsAutoSuspended(apiKey string) bool {
	m.mu.Lock()
	at, ok := m.suspended[apiKey]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if m.cfg.AutoResumeAfter > 0 && m.nowFn().Sub(at) >= m.cfg.AutoResumeAfter {
		delete(m.suspended, apiKey)
		m.mu.Unlock()
		m.logger.Info("auto-suspend cooldown elapsed, key resumed", "key", apiKey)
		if m.onAutoResume != nil {
			m.onAutoResume(apiKey)
		}
		m.snapshot()
		return false
	}
	m.mu.Unlock()
	return true
}

// ClearAutoSuspend lifts a suspension manually. Reports whether one existed.
func (m *Manager) ClearAutoSuspend(apiKey string) bool {
	m.mu.Lock()
	_, ok := m.suspended[apiKey]
	delete(m.suspended, apiKey)
	m.mu.Unlock()

	if ok {
		m.snapshot()
	}
	return ok
}

// ServerUsage returns today's counters for the admin surface.
func (m *Manager) ServerUsage() (calls, credits int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverDayLocked()
	return m.dayCalls, m.dayCredits
}

func (m *Manager) rolloverDayLocked() {
	today := m.nowFn().UTC().Format(dayLayout)
	if m.day != today {
		m.day = today
		m.dayCalls = 0
		m.dayCredits = 0
	}
}

// bucketLocked returns the key's bucket for the current hour, replacing a
// stale one in place.
func (m *Manager) bucketLocked(apiKey string) *hourBucket {
	hour := m.nowFn().UTC().Format(hourLayout)
	b, ok := m.hourly[apiKey]
	if !ok || b.hour != hour {
		b = &hourBucket{hour: hour}
		m.hourly[apiKey] = b
	}
	return b
}
