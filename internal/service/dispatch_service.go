package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/paygate-mcp/paygate/internal/ctxkey"
	"github.com/paygate-mcp/paygate/internal/domain/breaker"
	"github.com/paygate-mcp/paygate/internal/domain/cache"
	"github.com/paygate-mcp/paygate/internal/domain/gate"
	"github.com/paygate-mcp/paygate/internal/domain/spendcap"
	"github.com/paygate-mcp/paygate/internal/domain/usage"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
	"github.com/paygate-mcp/paygate/internal/port/outbound"
	"github.com/paygate-mcp/paygate/pkg/mcp"
)

// Downstream failure tokens reported in usage events and client errors.
const (
	ReasonBackendTimeout = "backend_timeout"
	ReasonBackendError   = "backend_error"
)

// DefaultToolTimeout bounds a backend call when no timeout is configured.
const DefaultToolTimeout = 30 * time.Second

// DefaultFreeMethods are the protocol methods that bypass billing: the
// handshake and listing surface a client needs before it holds credits.
var DefaultFreeMethods = []string{
	"initialize",
	"ping",
	"tools/list",
	"resources/list",
	"prompts/list",
}

// DispatchConfig carries the dispatcher's knobs.
type DispatchConfig struct {
	// FreeMethods bypass the gate: no auth, no billing, no cache. They
	// still pass the transport and circuit breaker.
	FreeMethods []string

	// ToolTimeout is the per-call backend deadline; ToolTimeouts overrides
	// it per tool.
	ToolTimeout  time.Duration
	ToolTimeouts map[string]time.Duration

	// CacheTTL is the default response TTL for tool calls; zero disables
	// caching. CacheTTLs overrides per tool (a zero entry opts the tool
	// out).
	CacheTTL  time.Duration
	CacheTTLs map[string]time.Duration

	// CreditsLowThreshold emits a credits.low webhook event when a charge
	// leaves the key below it. Zero disables the event.
	CreditsLowThreshold int64
}

// DispatchDeps are the components the dispatcher drives. Audit, Filters and
// Queue may be nil (disabled); the rest are required.
type DispatchDeps struct {
	Gate    *gate.Gate
	Backend outbound.Backend
	Cache   *cache.ResponseCache
	Breaker *breaker.Manager
	Meter   *usage.Meter
	Filters *webhook.Registry
	Queue   *webhook.Queue
	Audit   *AuditService
}

// Inbound is one client request as the transport hands it over: body bytes
// plus the already-extracted credentials and addressing.
type Inbound struct {
	Body            []byte
	APIKey          string
	ClientIP        string
	Country         string
	SignatureHeader string
	HTTPMethod      string
	Path            string
	RequestID       string
}

// Outcome is what the transport writes back. Body is a complete JSON-RPC
// envelope, nil for notifications (202, empty body). Decision is the zero
// value when the call never reached the gate; Settlement is zero unless the
// call was admitted and settled.
type Outcome struct {
	Body         []byte
	Notification bool
	Decision     gate.Decision
	Settlement   gate.Settlement
	Duration     time.Duration
}

// DispatchService runs the per-request sequence: parse, admit, forward,
// settle, record, reply. Replies always carry the server-generated request
// id; the client's JSON-RPC id never crosses the gateway in either
// direction.
type DispatchService struct {
	cfg    DispatchConfig
	deps   DispatchDeps
	free   map[string]struct{}
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewDispatchService wires the dispatcher.
func NewDispatchService(cfg DispatchConfig, deps DispatchDeps, logger *slog.Logger) *DispatchService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	methods := cfg.FreeMethods
	if methods == nil {
		methods = DefaultFreeMethods
	}
	free := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		free[m] = struct{}{}
	}
	return &DispatchService{
		cfg:    cfg,
		deps:   deps,
		free:   free,
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch handles one inbound JSON-RPC payload end to end.
func (s *DispatchService) Dispatch(ctx context.Context, in Inbound) Outcome {
	start := time.Now()
	logger := s.requestLogger(ctx)
	replyID, _ := json.Marshal(in.RequestID)

	call, err := mcp.ParseCall(in.Body)
	if err != nil {
		return s.malformed(logger, replyID, err, start)
	}

	if call.IsNotification() {
		s.notify(ctx, logger, call)
		return Outcome{Notification: true, Duration: time.Since(start)}
	}

	tool := call.Method
	if call.IsToolCall() {
		tool = call.ToolName()
		if tool == "" {
			return Outcome{
				Body:     mcp.NewError(replyID, mcp.CodeInvalidRequest, "Invalid Request"),
				Duration: time.Since(start),
			}
		}
	}
	params := call.ScrubbedParams()

	if s.isFree(call.Method) {
		result, callErr := s.forward(ctx, call.Method, tool, params)
		return Outcome{
			Body:     s.reply(replyID, result, callErr),
			Duration: time.Since(start),
		}
	}

	dec := s.deps.Gate.Evaluate(ctx, gate.Request{
		APIKey:          in.APIKey,
		ClientIP:        in.ClientIP,
		Country:         in.Country,
		SignatureHeader: in.SignatureHeader,
		Method:          in.HTTPMethod,
		Path:            in.Path,
		Body:            in.Body,
		Tool:            tool,
		InputBytes:      len(call.ToolArguments()),
		RequestID:       in.RequestID,
	})
	if !dec.Allowed {
		s.recordDenied(in, tool, dec, time.Since(start))
		return Outcome{
			Body:     mcp.NewPaymentRequired(replyID, dec.Reason),
			Decision: dec,
			Duration: time.Since(start),
		}
	}

	result, cacheHit, callErr := s.execute(ctx, call, tool, params)

	settle := s.deps.Gate.Settle(dec, callErr == nil, len(result))
	s.recordOutcome(in, tool, dec, settle, callErr, time.Since(start))

	if callErr != nil {
		logger.Warn("backend call failed",
			"tool", tool, "cache_hit", cacheHit, "error", callErr)
	}
	return Outcome{
		Body:       s.reply(replyID, result, callErr),
		Decision:   dec,
		Settlement: settle,
		Duration:   time.Since(start),
	}
}

// execute forwards the admitted call, routing cacheable tool calls through
// the single-flight cache. Pricing already happened: a hit saves the backend
// round trip, never the charge.
func (s *DispatchService) execute(ctx context.Context, call *mcp.Call, tool string, params json.RawMessage) ([]byte, bool, error) {
	if !call.IsToolCall() {
		result, err := s.forward(ctx, call.Method, tool, params)
		return result, false, err
	}
	ttl := s.cacheTTL(tool)
	if ttl <= 0 {
		result, err := s.forward(ctx, call.Method, tool, params)
		return result, false, err
	}

	key, err := cache.Key(tool, call.ToolArguments())
	if err != nil {
		// Arguments that defeat canonicalization are still forwardable;
		// they just never cache.
		s.logger.Debug("cache key derivation failed", "tool", tool, "error", err)
		result, ferr := s.forward(ctx, call.Method, tool, params)
		return result, false, ferr
	}
	return s.deps.Cache.Fetch(key, ttl, func() ([]byte, error) {
		return s.forward(ctx, call.Method, tool, params)
	})
}

// forward sends one call to the backend under the per-tool deadline, with
// the outcome feeding the tool's circuit.
func (s *DispatchService) forward(ctx context.Context, method, tool string, params json.RawMessage) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.toolTimeout(tool))
	defer cancel()

	var result json.RawMessage
	err := s.deps.Breaker.Do(tool, func() error {
		r, err := s.deps.Backend.Call(callCtx, method, params)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// notify relays a notification. Nothing is billed, cached, or metered;
// failures are logged and swallowed since there is no reply to carry them.
func (s *DispatchService) notify(ctx context.Context, logger *slog.Logger, call *mcp.Call) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ToolTimeout)
	defer cancel()

	if err := s.deps.Backend.Notify(callCtx, call.Method, call.ScrubbedParams()); err != nil {
		logger.Warn("notification relay failed", "method", call.Method, "error", err)
	}
}

// malformed maps parse failures onto well-formed JSON-RPC errors.
func (s *DispatchService) malformed(logger *slog.Logger, replyID json.RawMessage, err error, start time.Time) Outcome {
	code := int64(mcp.CodeInvalidRequest)
	message := "Invalid Request"
	if errors.Is(err, mcp.ErrParse) {
		code = mcp.CodeParseError
		message = "Parse error"
	}
	logger.Debug("rejected malformed payload", "code", code, "error", err)
	return Outcome{
		Body:     mcp.NewError(replyID, code, message),
		Duration: time.Since(start),
	}
}

// reply serializes the terminal envelope for an admitted call.
func (s *DispatchService) reply(replyID json.RawMessage, result json.RawMessage, callErr error) []byte {
	if callErr == nil {
		body, err := mcp.NewResult(replyID, result)
		if err != nil {
			s.logger.Error("failed to encode result envelope", "error", err)
			return mcp.NewError(replyID, mcp.CodeInternalError, ReasonBackendError)
		}
		return body
	}

	if errors.Is(callErr, breaker.ErrOpen) {
		return mcp.NewPaymentRequired(replyID, breaker.ReasonOpen)
	}
	if errors.Is(callErr, context.DeadlineExceeded) {
		return mcp.NewError(replyID, mcp.CodeInternalError, ReasonBackendTimeout)
	}
	var rpcErr *mcp.RPCError
	if errors.As(callErr, &rpcErr) {
		// The backend refused the call itself; its code and message pass
		// through under the gateway's reply id.
		return mcp.NewError(replyID, rpcErr.Code, rpcErr.Message)
	}
	return mcp.NewError(replyID, mcp.CodeInternalError, ReasonBackendError)
}

// recordDenied logs the usage event, audit entry, and webhook events for an
// admission refusal.
func (s *DispatchService) recordDenied(in Inbound, tool string, dec gate.Decision, elapsed time.Duration) {
	s.deps.Meter.Record(usage.Event{
		Timestamp:  dec.EvaluatedAt,
		KeyPrefix:  dec.KeyPrefix,
		KeyName:    dec.KeyName,
		Tool:       tool,
		Credits:    0,
		Allowed:    false,
		DenyReason: dec.Reason,
		DurationMs: elapsed.Milliseconds(),
		Namespace:  dec.Namespace,
		RequestID:  in.RequestID,
	})

	if s.deps.Audit != nil {
		s.deps.Audit.Record(webhook.EventGateDenied, auditActor(dec), "tool call denied", map[string]any{
			"tool":   tool,
			"reason": dec.Reason,
			"ip":     in.ClientIP,
		})
	}

	s.publish(webhook.Event{
		Type:      webhook.EventGateDenied,
		Timestamp: dec.EvaluatedAt,
		KeyPrefix: dec.KeyPrefix,
		KeyName:   dec.KeyName,
		Namespace: dec.Namespace,
		Tool:      tool,
		Reason:    dec.Reason,
	})
	if capBreach(dec.Reason) {
		s.publish(webhook.Event{
			Type:      webhook.EventCapBreached,
			Timestamp: dec.EvaluatedAt,
			KeyPrefix: dec.KeyPrefix,
			KeyName:   dec.KeyName,
			Namespace: dec.Namespace,
			Tool:      tool,
			Reason:    dec.Reason,
		})
	}
}

// recordOutcome logs the usage event and webhook events for a forwarded
// call. Shadow admissions report the policy outcome: allowed=false with the
// original denial reason and zero credits.
func (s *DispatchService) recordOutcome(in Inbound, tool string, dec gate.Decision, settle gate.Settlement, callErr error, elapsed time.Duration) {
	credits := dec.CreditsCharged + settle.Surcharge - settle.Refunded
	allowed := !dec.Shadow
	reason := dec.DeniedReason()
	if reason == "" && callErr != nil {
		reason = failureToken(callErr)
	}

	s.deps.Meter.Record(usage.Event{
		Timestamp:  dec.EvaluatedAt,
		KeyPrefix:  dec.KeyPrefix,
		KeyName:    dec.KeyName,
		Tool:       tool,
		Credits:    credits,
		Allowed:    allowed,
		DenyReason: reason,
		DurationMs: elapsed.Milliseconds(),
		Namespace:  dec.Namespace,
		RequestID:  in.RequestID,
	})

	evType := webhook.EventGateAllowed
	if dec.Shadow {
		evType = webhook.EventGateDenied
	}
	s.publish(webhook.Event{
		Type:      evType,
		Timestamp: dec.EvaluatedAt,
		KeyPrefix: dec.KeyPrefix,
		KeyName:   dec.KeyName,
		Namespace: dec.Namespace,
		Tool:      tool,
		Reason:    reason,
		Credits:   credits,
	})

	if t := s.cfg.CreditsLowThreshold; t > 0 && !dec.Shadow && dec.RemainingCredits < t {
		s.publish(webhook.Event{
			Type:      webhook.EventCreditsLow,
			Timestamp: dec.EvaluatedAt,
			KeyPrefix: dec.KeyPrefix,
			KeyName:   dec.KeyName,
			Namespace: dec.Namespace,
			Credits:   dec.RemainingCredits,
			Detail: map[string]any{
				"remaining": dec.RemainingCredits,
				"threshold": t,
			},
		})
	}
}

func (s *DispatchService) publish(ev webhook.Event) {
	publishEvent(s.deps.Filters, s.deps.Queue, s.logger, ev)
}

// publishEvent enqueues the event for every matching filter. Queue-full
// drops are already logged by the queue. Either a nil registry or a nil
// queue disables publication.
func publishEvent(filters *webhook.Registry, queue *webhook.Queue, logger *slog.Logger, ev webhook.Event) {
	if filters == nil || queue == nil {
		return
	}
	matches := filters.Match(ev)
	if len(matches) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("failed to serialize webhook event", "type", ev.Type, "error", err)
		return
	}
	for _, f := range matches {
		if _, err := queue.EnqueueSigned(f.URL, ev.Type, payload, 0, f.Secret); err != nil {
			logger.Warn("webhook enqueue failed",
				"type", ev.Type, "filter", f.ID, "error", err)
		}
	}
}

func (s *DispatchService) isFree(method string) bool {
	_, ok := s.free[method]
	return ok
}

func (s *DispatchService) toolTimeout(tool string) time.Duration {
	if d, ok := s.cfg.ToolTimeouts[tool]; ok && d > 0 {
		return d
	}
	return s.cfg.ToolTimeout
}

func (s *DispatchService) cacheTTL(tool string) time.Duration {
	if ttl, ok := s.cfg.CacheTTLs[tool]; ok {
		return ttl
	}
	return s.cfg.CacheTTL
}

// requestLogger returns the middleware-enriched logger when present.
func (s *DispatchService) requestLogger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return s.logger
}

// failureToken maps a forwarding error onto its reason token.
func failureToken(err error) string {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		return breaker.ReasonOpen
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonBackendTimeout
	default:
		return ReasonBackendError
	}
}

// capBreach reports whether a denial came from the hourly or server-wide
// cap family.
func capBreach(reason string) bool {
	switch reason {
	case spendcap.ReasonHourlyCalls, spendcap.ReasonHourlyCredits,
		spendcap.ReasonServerDailyCalls, spendcap.ReasonServerDailyCredits:
		return true
	}
	return false
}

func auditActor(dec gate.Decision) string {
	if dec.KeyPrefix != "" {
		return dec.KeyPrefix
	}
	return "system"
}
