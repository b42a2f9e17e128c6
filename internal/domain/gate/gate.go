// Package gate implements the admission pipeline: a fixed sequence of
// checks that short-circuits on the first denial, followed by an atomic
// credit reservation that is the only binding commit point. Settlement
// after the backend call refunds failures and applies the output
// surcharge on success.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/breaker"
	"github.com/paygate-mcp/paygate/internal/domain/group"
	"github.com/paygate-mcp/paygate/internal/domain/ipaccess"
	"github.com/paygate-mcp/paygate/internal/domain/key"
	"github.com/paygate-mcp/paygate/internal/domain/quota"
	"github.com/paygate-mcp/paygate/internal/domain/ratelimit"
	"github.com/paygate-mcp/paygate/internal/domain/signing"
	"github.com/paygate-mcp/paygate/internal/domain/spendcap"
)

// Denial reasons owned by the pipeline itself. The remaining tokens come
// from the component that issues them (signing, ipaccess, quota, spendcap,
// breaker).
const (
	ReasonInvalidKey          = "invalid_api_key"
	ReasonKeyExpired          = "api_key_expired"
	ReasonKeyRevoked          = "api_key_revoked"
	ReasonKeySuspended        = "api_key_suspended"
	ReasonToolNotAllowed      = "tool_not_allowed"
	ReasonToolDenied          = "tool_denied"
	ReasonCountryBlocked      = "country_blocked"
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonSpendingLimit       = "spending_limit_exceeded"
	ReasonRateLimited         = "rate_limited"
)

// ShadowPrefix marks decisions that would have been denied but were
// admitted because shadow mode is on.
const ShadowPrefix = "shadow:"

// ToolPricing is the per-tool static configuration consulted when the
// key's group does not price the tool itself.
type ToolPricing struct {
	CreditsPerCall  int64
	RateLimitPerMin int
}

// Config carries the billing and throttling knobs.
type Config struct {
	ShadowMode            bool
	RefundOnFailure       bool
	DefaultCreditsPerCall int64
	CreditsPerKbInput     int64
	CreditsPerKbOutput    int64
	GlobalRateLimitPerMin int
	ToolPricing           map[string]ToolPricing
	DefaultQuota          *key.QuotaLimits
}

// Request is one tool call to admit.
type Request struct {
	APIKey          string
	ClientIP        string
	Country         string
	SignatureHeader string
	Method          string
	Path            string
	Body            []byte
	Tool            string
	InputBytes      int
	RequestID       string
}

// Decision is the pipeline outcome. For shadow admissions, Reason keeps
// the original denial under the shadow prefix and no credits are charged.
type Decision struct {
	Allowed          bool
	Shadow           bool
	Reason           string
	Tool             string
	KeyID            string
	KeyPrefix        string
	KeyName          string
	Namespace        string
	GroupID          string
	CreditsRequired  int64
	CreditsCharged   int64
	RemainingCredits int64
	AutoTopup        int64
	RetryAfter       time.Duration
	EvaluatedAt      time.Time
}

// DeniedReason returns the denial token with any shadow prefix stripped,
// or "" for plain admissions.
func (d Decision) DeniedReason() string {
	if d.Shadow {
		return strings.TrimPrefix(d.Reason, ShadowPrefix)
	}
	if d.Allowed {
		return ""
	}
	return d.Reason
}

// Settlement reports what the post-call accounting did.
type Settlement struct {
	Refunded  int64
	Surcharge int64
}

// Deps are the components the pipeline consults, in admission order.
type Deps struct {
	Keys    *key.Store
	Groups  *group.Manager
	Signer  *signing.Verifier
	IP      *ipaccess.Controller
	Quotas  *quota.Tracker
	Caps    *spendcap.Manager
	Limiter ratelimit.Limiter
	Breaker *breaker.Manager
}

// Gate evaluates admission and settles outcomes. Safe for concurrent use;
// it holds no locks of its own and relies on each component's internal
// synchronization, with the credit reservation as the single serializable
// commit point.
type Gate struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewGate wires the pipeline.
func NewGate(cfg Config, deps Deps, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate runs the admission pipeline for one tool call. The checks run
// in a fixed order and the first refusal wins; nothing is charged or
// counted unless the final reservation succeeds.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	now := g.nowFn()
	d := Decision{Tool: req.Tool, EvaluatedAt: now}

	// Signature first: replayed or forged requests are rejected before any
	// state is consulted.
	if res := g.deps.Signer.Verify(req.APIKey, req.SignatureHeader, req.Method, req.Path, req.Body); !res.Allowed {
		return g.deny(&d, res.Reason)
	}

	rec, err := g.deps.Keys.GetRaw(req.APIKey)
	if err != nil {
		return g.deny(&d, ReasonInvalidKey)
	}
	d.KeyID = rec.Key
	d.KeyPrefix = key.MaskKey(rec.Key)
	d.KeyName = rec.Name
	d.Namespace = rec.Namespace
	d.RemainingCredits = rec.Credits

	switch {
	case rec.Revoked:
		return g.deny(&d, ReasonKeyRevoked)
	case rec.IsExpired(now):
		return g.deny(&d, ReasonKeyExpired)
	case rec.Suspended, !rec.Active, g.deps.Caps.IsAutoSuspended(rec.Key):
		return g.deny(&d, ReasonKeySuspended)
	}

	pol, detached := g.deps.Groups.Resolve(rec)
	if detached {
		// The group was deleted; drop the stale binding and continue with
		// the key's own policy.
		if err := g.deps.Keys.SetGroup(rec.Key, ""); err != nil {
			g.logger.Warn("failed to detach key from deleted group",
				"key", d.KeyPrefix, "group", rec.GroupID, "error", err)
		} else {
			g.logger.Info("detached key from deleted group",
				"key", d.KeyPrefix, "group", rec.GroupID)
		}
	}
	d.GroupID = pol.GroupID

	required := g.price(req.Tool, pol.ToolPricing, req.InputBytes)
	d.CreditsRequired = required

	if res := g.deps.IP.Check(req.ClientIP, pol.IPAllowlist); !res.Allowed {
		return g.deny(&d, res.Reason)
	}

	if len(pol.AllowedTools) > 0 && !containsString(pol.AllowedTools, req.Tool) {
		return g.deny(&d, ReasonToolNotAllowed)
	}
	if containsString(pol.DeniedTools, req.Tool) {
		return g.deny(&d, ReasonToolDenied)
	}

	if countryBlocked(rec, req.Country) {
		return g.deny(&d, ReasonCountryBlocked)
	}

	if !g.deps.Breaker.Allow(req.Tool) {
		return g.deny(&d, breaker.ReasonOpen)
	}

	if res := g.deps.Caps.CheckServerCap(required); !res.Allowed {
		return g.deny(&d, res.Reason)
	}
	if res := g.deps.Caps.CheckHourly(rec.Key, required); !res.Allowed {
		return g.deny(&d, res.Reason)
	}

	if res, err := g.deps.Quotas.Check(rec.Key, g.quotaLimits(pol), required); err != nil {
		return g.deny(&d, ReasonInvalidKey)
	} else if !res.Allowed {
		return g.deny(&d, res.Reason)
	}

	if retryIn, ok := g.rateCheck(ctx, rec.Key, req.Tool, pol.RateLimitPerMin); !ok {
		d.RetryAfter = retryIn
		return g.deny(&d, ReasonRateLimited)
	}

	// Reservation is the commit point: balance and spending limit are
	// checked and deducted under one lock, so two concurrent calls can
	// never both spend the last credits.
	resv, err := g.deps.Keys.Reserve(rec.Key, required, pol.SpendingLimit)
	switch {
	case err == nil:
	case errors.Is(err, key.ErrInsufficientCredits):
		return g.deny(&d, ReasonInsufficientCredits)
	case errors.Is(err, key.ErrSpendingLimitExceeded):
		return g.deny(&d, ReasonSpendingLimit)
	default:
		return g.deny(&d, ReasonInvalidKey)
	}

	d.Allowed = true
	d.CreditsCharged = required
	d.RemainingCredits = resv.Remaining
	d.AutoTopup = resv.AutoTopup

	if err := g.deps.Quotas.Commit(rec.Key, required); err != nil {
		g.logger.Warn("quota commit failed", "key", d.KeyPrefix, "error", err)
	}
	g.deps.Caps.Commit(rec.Key, required)
	g.recordRate(ctx, rec.Key, req.Tool, pol.RateLimitPerMin)

	if resv.AutoTopup > 0 {
		g.logger.Info("auto top-up applied",
			"key", d.KeyPrefix, "amount", resv.AutoTopup, "remaining", resv.Remaining)
	}
	return d
}

// Settle applies post-call accounting. On success the output surcharge is
// charged up to the available balance and never denies; on failure the
// reservation is refunded and the quota and cap counters are rolled back
// when refunds are enabled. Shadow and denied decisions settle to nothing.
func (g *Gate) Settle(d Decision, success bool, outputBytes int) Settlement {
	var s Settlement
	if !d.Allowed || d.Shadow || d.KeyID == "" {
		return s
	}

	if success {
		if want := ceilKB(outputBytes) * g.cfg.CreditsPerKbOutput; want > 0 {
			s.Surcharge = g.deps.Keys.ChargeUpTo(d.KeyID, want)
		}
		return s
	}

	if d.CreditsCharged > 0 && g.cfg.RefundOnFailure {
		if err := g.deps.Keys.Refund(d.KeyID, d.CreditsCharged); err != nil {
			g.logger.Warn("refund failed", "key", d.KeyPrefix, "error", err)
			return s
		}
		if err := g.deps.Quotas.Rollback(d.KeyID, d.CreditsCharged); err != nil {
			g.logger.Warn("quota rollback failed", "key", d.KeyPrefix, "error", err)
		}
		g.deps.Caps.Rollback(d.KeyID, d.CreditsCharged)
		s.Refunded = d.CreditsCharged
	}
	return s
}

// Price exposes the effective cost of a call for reporting endpoints.
func (g *Gate) Price(tool string, groupPricing map[string]group.ToolPricing, inputBytes int) int64 {
	return g.price(tool, groupPricing, inputBytes)
}

// deny finalizes a refusal, converting it to a shadow admission when
// shadow mode is on.
func (g *Gate) deny(d *Decision, reason string) Decision {
	if g.cfg.ShadowMode {
		d.Allowed = true
		d.Shadow = true
		d.Reason = ShadowPrefix + reason
		return *d
	}
	d.Allowed = false
	d.Reason = reason
	return *d
}

// price computes creditsRequired: the group's pricing map wins over the
// static tool pricing, which wins over the global default; the per-call
// floor is 1 credit, plus the input-size surcharge.
func (g *Gate) price(tool string, groupPricing map[string]group.ToolPricing, inputBytes int) int64 {
	perCall := g.cfg.DefaultCreditsPerCall
	if tp, ok := g.cfg.ToolPricing[tool]; ok && tp.CreditsPerCall > 0 {
		perCall = tp.CreditsPerCall
	}
	if gp, ok := groupPricing[tool]; ok && gp.CreditsPerCall > 0 {
		perCall = gp.CreditsPerCall
	}
	if perCall < 1 {
		perCall = 1
	}
	return perCall + ceilKB(inputBytes)*g.cfg.CreditsPerKbInput
}

func (g *Gate) quotaLimits(pol group.Policy) key.QuotaLimits {
	if pol.Quota != nil {
		return *pol.Quota
	}
	if g.cfg.DefaultQuota != nil {
		return *g.cfg.DefaultQuota
	}
	return key.QuotaLimits{}
}

// rateCheck applies the key's effective per-minute rate, falling back to
// the server-wide default, then the per-tool rate when configured. Limiter
// failures admit with a warning rather than deny.
func (g *Gate) rateCheck(ctx context.Context, apiKey, tool string, polRate int64) (time.Duration, bool) {
	limit := int(polRate)
	if limit <= 0 {
		limit = g.cfg.GlobalRateLimitPerMin
	}
	if limit > 0 {
		res, err := g.deps.Limiter.Check(ctx, apiKey, limit)
		if err != nil {
			g.logger.Warn("rate limiter check failed", "error", err)
		} else if !res.Allowed {
			return res.ResetIn, false
		}
	}
	if tp, ok := g.cfg.ToolPricing[tool]; ok && tp.RateLimitPerMin > 0 {
		res, err := g.deps.Limiter.Check(ctx, ratelimit.ToolKey(apiKey, tool), tp.RateLimitPerMin)
		if err != nil {
			g.logger.Warn("rate limiter check failed", "tool", tool, "error", err)
		} else if !res.Allowed {
			return res.ResetIn, false
		}
	}
	return 0, true
}

// recordRate consumes rate slots after admission so denied requests never
// count against the window.
func (g *Gate) recordRate(ctx context.Context, apiKey, tool string, polRate int64) {
	limit := int(polRate)
	if limit <= 0 {
		limit = g.cfg.GlobalRateLimitPerMin
	}
	if limit > 0 {
		if err := g.deps.Limiter.Record(ctx, apiKey); err != nil {
			g.logger.Warn("rate limiter record failed", "error", err)
		}
	}
	if tp, ok := g.cfg.ToolPricing[tool]; ok && tp.RateLimitPerMin > 0 {
		if err := g.deps.Limiter.Record(ctx, ratelimit.ToolKey(apiKey, tool)); err != nil {
			g.logger.Warn("rate limiter record failed", "tool", tool, "error", err)
		}
	}
}

func countryBlocked(rec *key.Record, country string) bool {
	c := strings.ToUpper(strings.TrimSpace(country))
	if len(rec.AllowedCountries) > 0 {
		if c == "" || !containsFold(rec.AllowedCountries, c) {
			return true
		}
	}
	return c != "" && containsFold(rec.BlockedCountries, c)
}

// ceilKB rounds a byte count up to whole kilobytes.
func ceilKB(n int) int64 {
	if n <= 0 {
		return 0
	}
	return int64((n + 1023) / 1024)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsFold(list []string, upper string) bool {
	for _, v := range list {
		if strings.ToUpper(strings.TrimSpace(v)) == upper {
			return true
		}
	}
	return false
}
