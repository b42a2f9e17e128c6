// Package ipaccess enforces IP allow/deny policy, tracks repeat violators,
// and manages temporary blocks with expiry.
package ipaccess

import (
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"
)

// ReasonBlocked is the deny token for every IP-layer refusal.
const ReasonBlocked = "ip_blocked"

// Detail tokens narrowing the deny cause.
const (
	DetailAutoBlocked      = "auto_blocked"
	DetailDenyList         = "deny_list"
	DetailAllowlistMiss    = "allowlist_miss"
	DetailKeyAllowlistMiss = "key_allowlist_miss"
)

// maxViolationIPs soft-caps the violations table; the oldest entries are
// pruned when it is exceeded.
const maxViolationIPs = 50_000

// defaultViolationWindow is the rolling window for counting violations
// toward the auto-block threshold.
const defaultViolationWindow = 10 * time.Minute

// Config carries the IP policy. AutoBlockThreshold = 0 disables
// auto-blocking; an empty AllowList imposes no global allow requirement.
type Config struct {
	Enabled            bool
	AllowList          []string
	DenyList           []string
	AutoBlockThreshold int
	AutoBlockDuration  time.Duration
	ViolationWindow    time.Duration
}

// Block is one temporary block entry, manual or automatic.
type Block struct {
	IP        string    `json:"ip"`
	ExpiresAt time.Time `json:"expiresAt"`
	Auto      bool      `json:"auto"`
}

// Persister saves the block table. Called outside the controller's lock.
type Persister interface {
	PersistIPBlocks(blocks []Block) error
}

// Result is the outcome of one IP check.
type Result struct {
	Allowed bool
	Reason  string
	Detail  string
}

var allowResult = Result{Allowed: true}

// Controller applies the layered IP decision: block table, deny list,
// global allow list, then the key's own binding.
type Controller struct {
	mu         sync.Mutex
	cfg        Config
	allow      []pattern
	deny       []pattern
	blocks     map[string]Block
	violations map[string][]time.Time

	persist Persister
	logger  *slog.Logger
	nowFn   func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithPersister sets the snapshot target for the block table.
func WithPersister(p Persister) Option {
	return func(c *Controller) { c.persist = p }
}

// NewController compiles the configured lists. Patterns that do not parse
// as an address or CIDR are skipped with a warning rather than failing
// startup.
func NewController(cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ViolationWindow <= 0 {
		cfg.ViolationWindow = defaultViolationWindow
	}
	c := &Controller{
		cfg:        cfg,
		allow:      compile(cfg.AllowList, logger),
		deny:       compile(cfg.DenyList, logger),
		blocks:     make(map[string]Block),
		violations: make(map[string][]time.Time),
		logger:     logger,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load restores persisted blocks, dropping any that have already expired.
func (c *Controller) Load(blocks []Block) {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range blocks {
		if b.ExpiresAt.After(now) {
			c.blocks[b.IP] = b
		}
	}
}

// Reconfigure swaps the policy lists and thresholds for a config reload.
// The block table and violation history are kept: reloading the lists must
// not unblock an auto-blocked attacker.
func (c *Controller) Reconfigure(cfg Config) {
	if cfg.ViolationWindow <= 0 {
		cfg.ViolationWindow = defaultViolationWindow
	}
	allow := compile(cfg.AllowList, c.logger)
	deny := compile(cfg.DenyList, c.logger)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.allow = allow
	c.deny = deny
}

// Check applies the decision layers in order for ip, with keyAllowlist the
// resolved per-key binding (may be empty). A disabled controller allows
// everything, key bindings included. Denials at the list layers count
// toward auto-blocking; an existing block does not re-count.
func (c *Controller) Check(ip string, keyAllowlist []string) Result {
	// Snapshot the policy under the lock; Reconfigure may swap it
	// concurrently.
	c.mu.Lock()
	enabled := c.cfg.Enabled
	allow, deny := c.allow, c.deny
	c.mu.Unlock()

	if !enabled {
		return allowResult
	}
	addr, ok := parseAddr(ip)
	if !ok {
		// An unparseable client IP cannot be matched against policy.
		// Treat it as a violation of the strictest layer.
		return c.violation(ip, DetailDenyList)
	}

	c.mu.Lock()
	if b, blocked := c.blocks[ip]; blocked {
		if b.ExpiresAt.After(c.nowFn()) {
			c.mu.Unlock()
			return Result{Reason: ReasonBlocked, Detail: DetailAutoBlocked}
		}
		delete(c.blocks, ip)
	}
	c.mu.Unlock()

	if matchAny(deny, addr) {
		return c.violation(ip, DetailDenyList)
	}
	if len(allow) > 0 && !matchAny(allow, addr) {
		return c.violation(ip, DetailAllowlistMiss)
	}
	if len(keyAllowlist) > 0 {
		bound := compile(keyAllowlist, c.logger)
		if !matchAny(bound, addr) {
			return c.violation(ip, DetailKeyAllowlistMiss)
		}
	}
	return allowResult
}

// violation records a denial against ip and auto-blocks it once the
// threshold is reached within the rolling window.
func (c *Controller) violation(ip, detail string) Result {
	now := c.nowFn()
	var blocked bool

	c.mu.Lock()
	stamps := append(pruneStamps(c.violations[ip], now.Add(-c.cfg.ViolationWindow)), now)
	c.violations[ip] = stamps
	if c.cfg.AutoBlockThreshold > 0 && len(stamps) >= c.cfg.AutoBlockThreshold {
		c.blocks[ip] = Block{IP: ip, ExpiresAt: now.Add(c.cfg.AutoBlockDuration), Auto: true}
		delete(c.violations, ip)
		blocked = true
	}
	c.pruneViolationsLocked(now)
	c.mu.Unlock()

	if blocked {
		c.logger.Warn("ip auto-blocked after repeated violations",
			"ip", ip, "threshold", c.cfg.AutoBlockThreshold)
		c.snapshot()
	}
	return Result{Reason: ReasonBlocked, Detail: detail}
}

// BlockManually adds or extends a block for ip until now+d.
func (c *Controller) BlockManually(ip string, d time.Duration) Block {
	b := Block{IP: ip, ExpiresAt: c.nowFn().Add(d)}
	c.mu.Lock()
	c.blocks[ip] = b
	c.mu.Unlock()
	c.snapshot()
	return b
}

// Unblock removes a block. Reports whether one existed.
func (c *Controller) Unblock(ip string) bool {
	c.mu.Lock()
	_, ok := c.blocks[ip]
	delete(c.blocks, ip)
	c.mu.Unlock()
	if ok {
		c.snapshot()
	}
	return ok
}

// Blocks lists live block entries sorted by IP, pruning expired ones.
func (c *Controller) Blocks() []Block {
	now := c.nowFn()
	c.mu.Lock()
	out := make([]Block, 0, len(c.blocks))
	for ip, b := range c.blocks {
		if !b.ExpiresAt.After(now) {
			delete(c.blocks, ip)
			continue
		}
		out = append(out, b)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

func (c *Controller) snapshot() {
	if c.persist == nil {
		return
	}
	if err := c.persist.PersistIPBlocks(c.Blocks()); err != nil {
		c.logger.Warn("ip block snapshot failed, continuing in memory", "error", err)
	}
}

// pruneViolationsLocked bounds the violations table. IPs whose newest
// violation left the window go first; if the table is still over the cap
// the stalest remainder is dropped.
func (c *Controller) pruneViolationsLocked(now time.Time) {
	if len(c.violations) <= maxViolationIPs {
		return
	}
	cutoff := now.Add(-c.cfg.ViolationWindow)
	for ip, stamps := range c.violations {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(c.violations, ip)
		}
	}
	if len(c.violations) <= maxViolationIPs {
		return
	}
	type aged struct {
		ip     string
		newest time.Time
	}
	entries := make([]aged, 0, len(c.violations))
	for ip, stamps := range c.violations {
		entries = append(entries, aged{ip, stamps[len(stamps)-1]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].newest.Before(entries[j].newest) })
	for _, e := range entries[:len(entries)-maxViolationIPs] {
		delete(c.violations, e.ip)
	}
}

func pruneStamps(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}

// pattern is one compiled allow/deny entry: a CIDR prefix or an exact
// address.
type pattern struct {
	prefix   netip.Prefix
	addr     netip.Addr
	isPrefix bool
}

func compile(raw []string, logger *slog.Logger) []pattern {
	out := make([]pattern, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				logger.Warn("skipping invalid CIDR pattern", "pattern", s, "error", err)
				continue
			}
			if p.Addr().Is4In6() && p.Bits() >= 96 {
				p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
			}
			out = append(out, pattern{prefix: p.Masked(), isPrefix: true})
			continue
		}
		a, ok := parseAddr(s)
		if !ok {
			logger.Warn("skipping invalid IP pattern", "pattern", s)
			continue
		}
		out = append(out, pattern{addr: a})
	}
	return out
}

func matchAny(patterns []pattern, addr netip.Addr) bool {
	for _, p := range patterns {
		if p.isPrefix {
			if p.prefix.Contains(addr) {
				return true
			}
			continue
		}
		if p.addr == addr {
			return true
		}
	}
	return false
}

// parseAddr parses an address, normalizing IPv4-mapped IPv6
// (::ffff:a.b.c.d) to its IPv4 form.
func parseAddr(s string) (netip.Addr, bool) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
