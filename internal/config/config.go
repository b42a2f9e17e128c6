// Package config provides the configuration schema for PayGate.
//
// The file maps one section per runtime concern: the HTTP listener, the
// admin surface, the backend MCP server, billing defaults, quotas, spend
// caps, IP access, request signing, the response cache, the circuit
// breaker, usage retention, audit persistence, webhook delivery, and the
// expiry scanner. Durations are YAML strings in Go syntax ("30s", "5m");
// they are validated at load time and parsed at boot.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration for PayGate.
type Config struct {
	// Server configures the HTTP listener clients talk to.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Admin configures the operator surface mounted under /admin/.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Backend configures the MCP server calls are forwarded to.
	// Exactly one of http or command must be set (command may also be
	// supplied on the CLI after "--").
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Billing sets the pricing defaults applied when neither the key's
	// group nor the tools section prices a call.
	Billing BillingConfig `yaml:"billing" mapstructure:"billing"`

	// Quota is the global default per-key quota, used only when a key has
	// no quota of its own and its group provides none.
	Quota QuotaConfig `yaml:"quota" mapstructure:"quota"`

	// Caps are the server-wide daily caps and the per-key hourly caps.
	Caps CapsConfig `yaml:"caps" mapstructure:"caps"`

	// IPAccess configures the global IP allow/deny lists and auto-blocking.
	IPAccess IPAccessConfig `yaml:"ip_access" mapstructure:"ip_access"`

	// Signing configures HMAC request-signature verification.
	Signing SigningConfig `yaml:"signing" mapstructure:"signing"`

	// Cache configures the tool-response cache.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Breaker configures the per-tool circuit breaker.
	Breaker BreakerConfig `yaml:"breaker" mapstructure:"breaker"`

	// Usage configures the in-memory usage event retention.
	Usage UsageConfig `yaml:"usage" mapstructure:"usage"`

	// Audit configures the audit ring and the durable JSONL store.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Webhooks configures the delivery queue and its retry schedule.
	Webhooks WebhookConfig `yaml:"webhooks" mapstructure:"webhooks"`

	// Expiry configures the key-expiry warning scanner.
	Expiry ExpiryConfig `yaml:"expiry" mapstructure:"expiry"`

	// Tools carries per-tool overrides: price, rate limit, timeout, and
	// cache TTL, keyed by tool name.
	Tools map[string]ToolConfig `yaml:"tools" mapstructure:"tools" validate:"omitempty,dive"`

	// DevMode relaxes the admin-key requirement and forces debug logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the client-facing HTTP listener.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8402"
	// (localhost only); set ":8402" or "0.0.0.0:8402" for network access.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	// Defaults to "info". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// StatePath is where the state.json snapshot lives. Defaults to
	// "./state.json"; the --state flag overrides it.
	StatePath string `yaml:"state_path" mapstructure:"state_path"`

	// TLSCert and TLSKey enable TLS when both are set. Empty means plain
	// HTTP (terminate TLS at a reverse proxy instead).
	TLSCert string `yaml:"tls_cert" mapstructure:"tls_cert"`
	TLSKey  string `yaml:"tls_key" mapstructure:"tls_key"`

	// TrustedProxyDepth is how many X-Forwarded-For hops were appended by
	// infrastructure this deployment trusts. 0 means the header is not
	// trusted at all. Clamped to [0, 10].
	TrustedProxyDepth int `yaml:"trusted_proxy_depth" mapstructure:"trusted_proxy_depth" validate:"min=0,max=10"`

	// CountryHeader names the edge-supplied geo header consulted for
	// country ACLs (e.g. "CF-IPCountry"). Empty disables country checks.
	CountryHeader string `yaml:"country_header" mapstructure:"country_header"`
}

// AdminConfig configures the operator REST surface.
type AdminConfig struct {
	// Key guards every /admin/ endpoint via the X-Admin-Key header. Store
	// an argon2id hash (generate one with "paygate keygen --admin") or, in
	// development, a plaintext value. Required unless dev_mode is on.
	Key string `yaml:"key" mapstructure:"key"`

	// RateLimitPerMin caps admin requests per client IP per minute before
	// the credential is even checked. Defaults to 60; loopback is exempt.
	RateLimitPerMin int `yaml:"rate_limit_per_min" mapstructure:"rate_limit_per_min" validate:"omitempty,min=1"`
}

// BackendConfig configures the upstream MCP server.
type BackendConfig struct {
	// HTTP is the URL of a streamable-HTTP MCP server
	// (e.g. "http://localhost:3000/mcp").
	HTTP string `yaml:"http" mapstructure:"http" validate:"omitempty,url"`

	// Command is an MCP server executable to spawn as a child process,
	// speaking one JSON-RPC envelope per line over stdin/stdout.
	Command string `yaml:"command" mapstructure:"command"`

	// Args are passed to the child process.
	Args []string `yaml:"args" mapstructure:"args"`

	// HTTPTimeout bounds each HTTP request to the backend. Default "30s".
	HTTPTimeout string `yaml:"http_timeout" mapstructure:"http_timeout" validate:"omitempty,duration"`

	// ToolTimeout is the default per-call deadline; the tools section can
	// override it per tool. Default "30s".
	ToolTimeout string `yaml:"tool_timeout" mapstructure:"tool_timeout" validate:"omitempty,duration"`

	// FreeMethods bypass billing entirely. Empty means the protocol
	// defaults: initialize, ping, tools/list, resources/list, prompts/list.
	FreeMethods []string `yaml:"free_methods" mapstructure:"free_methods"`
}

// BillingConfig sets the pricing and throttling defaults.
type BillingConfig struct {
	// DefaultCreditsPerCall prices tools with no explicit entry. Minimum
	// effective price is always 1 credit. Default 1.
	DefaultCreditsPerCall int64 `yaml:"default_credits_per_call" mapstructure:"default_credits_per_call" validate:"omitempty,min=0"`

	// CreditsPerKbInput adds a surcharge per KiB of call arguments.
	CreditsPerKbInput int64 `yaml:"credits_per_kb_input" mapstructure:"credits_per_kb_input" validate:"omitempty,min=0"`

	// CreditsPerKbOutput adds a surcharge per KiB of successful response,
	// bounded by the key's remaining balance.
	CreditsPerKbOutput int64 `yaml:"credits_per_kb_output" mapstructure:"credits_per_kb_output" validate:"omitempty,min=0"`

	// RefundOnFailure returns the reserved credits when the backend call
	// fails. Default true.
	RefundOnFailure bool `yaml:"refund_on_failure" mapstructure:"refund_on_failure"`

	// ShadowMode converts every denial into an admission annotated with
	// the original reason, charging nothing. For observing a policy
	// before enforcing it.
	ShadowMode bool `yaml:"shadow_mode" mapstructure:"shadow_mode"`

	// RateLimitPerMin is the server-wide default per-key rate limit,
	// used when neither the key nor its group sets one. 0 = unlimited.
	RateLimitPerMin int `yaml:"rate_limit_per_min" mapstructure:"rate_limit_per_min" validate:"omitempty,min=0"`

	// CreditsLowThreshold emits a credits.low webhook event when a charge
	// leaves a key below it. 0 disables the event.
	CreditsLowThreshold int64 `yaml:"credits_low_threshold" mapstructure:"credits_low_threshold" validate:"omitempty,min=0"`
}

// QuotaConfig is the global default per-key quota. 0 = unlimited.
type QuotaConfig struct {
	DailyCalls     int64 `yaml:"daily_calls" mapstructure:"daily_calls" validate:"omitempty,min=0"`
	DailyCredits   int64 `yaml:"daily_credits" mapstructure:"daily_credits" validate:"omitempty,min=0"`
	MonthlyCalls   int64 `yaml:"monthly_calls" mapstructure:"monthly_calls" validate:"omitempty,min=0"`
	MonthlyCredits int64 `yaml:"monthly_credits" mapstructure:"monthly_credits" validate:"omitempty,min=0"`
}

// CapsConfig carries the server-wide daily caps and per-key hourly caps.
// 0 disables the corresponding cap.
type CapsConfig struct {
	DailyCallCap      int64 `yaml:"daily_call_cap" mapstructure:"daily_call_cap" validate:"omitempty,min=0"`
	DailyCreditCap    int64 `yaml:"daily_credit_cap" mapstructure:"daily_credit_cap" validate:"omitempty,min=0"`
	HourlyCallLimit   int64 `yaml:"hourly_call_limit" mapstructure:"hourly_call_limit" validate:"omitempty,min=0"`
	HourlyCreditLimit int64 `yaml:"hourly_credit_limit" mapstructure:"hourly_credit_limit" validate:"omitempty,min=0"`

	// BreachAction is what a per-key hourly breach does: "deny" the one
	// call, or "suspend" the key until an admin resumes it (or the
	// auto-resume cooldown passes).
	BreachAction string `yaml:"breach_action" mapstructure:"breach_action" validate:"omitempty,oneof=deny suspend"`

	// AutoResumeAfter lifts an auto-suspension after this long. "0s" means
	// suspensions stick until cleared manually.
	AutoResumeAfter string `yaml:"auto_resume_after" mapstructure:"auto_resume_after" validate:"omitempty,duration"`
}

// IPAccessConfig configures the layered IP decision.
type IPAccessConfig struct {
	// Enabled turns IP checking on. Default true: with empty lists the
	// check is a no-op, but manual blocks from the admin surface apply.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// AllowList, when non-empty, denies every IP that matches no entry.
	// Entries are bare IPs or CIDR blocks.
	AllowList []string `yaml:"allow_list" mapstructure:"allow_list" validate:"omitempty,dive,ip_or_cidr"`

	// DenyList denies matching IPs outright.
	DenyList []string `yaml:"deny_list" mapstructure:"deny_list" validate:"omitempty,dive,ip_or_cidr"`

	// AutoBlockThreshold is how many violations inside the window earn an
	// automatic block. 0 disables auto-blocking.
	AutoBlockThreshold int `yaml:"auto_block_threshold" mapstructure:"auto_block_threshold" validate:"omitempty,min=0"`

	// AutoBlockDuration is how long an automatic block lasts. Default "1h".
	AutoBlockDuration string `yaml:"auto_block_duration" mapstructure:"auto_block_duration" validate:"omitempty,duration"`

	// ViolationWindow is the rolling window violations are counted in.
	// Default "10m".
	ViolationWindow string `yaml:"violation_window" mapstructure:"violation_window" validate:"omitempty,duration"`
}

// SigningConfig configures HMAC request-signature verification. Signing is
// opt-in per key: keys without a registered secret are never required to
// sign even when verification is enabled globally.
type SigningConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Tolerance is the allowed clock skew on the signed timestamp.
	// Default "5m".
	Tolerance string `yaml:"tolerance" mapstructure:"tolerance" validate:"omitempty,duration"`

	// NonceWindow is how long observed nonces are remembered. Values below
	// the tolerance are widened to twice the tolerance.
	NonceWindow string `yaml:"nonce_window" mapstructure:"nonce_window" validate:"omitempty,duration"`

	// MaxNonces caps the replay table. Default 100000.
	MaxNonces int `yaml:"max_nonces" mapstructure:"max_nonces" validate:"omitempty,min=1"`
}

// CacheConfig configures the tool-response cache.
type CacheConfig struct {
	// MaxEntries is the LRU size cap. Default 1000.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries" validate:"omitempty,min=1"`

	// DefaultTTL caches every tool response for this long. "0s" (the
	// default) caches nothing unless a tools entry sets a per-tool TTL.
	DefaultTTL string `yaml:"default_ttl" mapstructure:"default_ttl" validate:"omitempty,duration"`
}

// BreakerConfig configures the per-tool circuit breaker.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens the circuit.
	// 0 disables breaking. Default 5.
	Threshold int `yaml:"threshold" mapstructure:"threshold" validate:"omitempty,min=0"`

	// Cooldown is how long an open circuit waits before the single
	// half-open probe. Default "30s".
	Cooldown string `yaml:"cooldown" mapstructure:"cooldown" validate:"omitempty,duration"`
}

// UsageConfig configures in-memory usage event retention.
type UsageConfig struct {
	// BufferSize is the usage ring capacity. Default 100000.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
}

// AuditConfig configures the audit ring and the durable JSONL store.
type AuditConfig struct {
	// BufferSize is the in-memory ring capacity backing GET /admin/audit.
	// Default 1000.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`

	// Dir is where JSONL segments are written. Empty keeps audit events
	// in memory only.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// RetentionDays is how many days of segments to keep. Default 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB rotates a segment past this size. Default 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// ChannelSize buffers events between the recorder and the persistence
	// worker. Default 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is how many events the worker writes per flush. Default 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval forces a flush of a partial batch. Default "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`
}

// WebhookConfig configures the delivery queue and worker.
type WebhookConfig struct {
	// Enabled starts the delivery worker. Default true; filters are still
	// managed via the admin surface either way, but nothing is delivered
	// while disabled.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// MaxAttempts before an entry is parked in the dead-letter partition.
	// Default 5.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"omitempty,min=1"`

	// InitialDelay is the first retry delay; each retry multiplies it by
	// Multiplier up to MaxDelay. Defaults "1s", "5m", 2.0.
	InitialDelay string  `yaml:"initial_delay" mapstructure:"initial_delay" validate:"omitempty,duration"`
	MaxDelay     string  `yaml:"max_delay" mapstructure:"max_delay" validate:"omitempty,duration"`
	Multiplier   float64 `yaml:"multiplier" mapstructure:"multiplier" validate:"omitempty,gte=1"`

	// AttemptTimeout bounds each delivery POST. Default "10s".
	AttemptTimeout string `yaml:"attempt_timeout" mapstructure:"attempt_timeout" validate:"omitempty,duration"`

	// MaxPending caps pending+in-flight entries; enqueues past the cap are
	// dropped. Default 1000.
	MaxPending int `yaml:"max_pending" mapstructure:"max_pending" validate:"omitempty,min=1"`
}

// ExpiryConfig configures the key-expiry warning scanner.
type ExpiryConfig struct {
	// ScanInterval is the sweep cadence, minimum "1m". Default "1h".
	ScanInterval string `yaml:"scan_interval" mapstructure:"scan_interval" validate:"omitempty,duration"`
}

// ToolConfig is one per-tool override entry.
type ToolConfig struct {
	// CreditsPerCall prices this tool; 0 falls back to the billing default.
	CreditsPerCall int64 `yaml:"credits_per_call" mapstructure:"credits_per_call" validate:"omitempty,min=0"`

	// RateLimitPerMin adds a per-key-per-tool sliding window on top of the
	// key's own limit. 0 = no per-tool limit.
	RateLimitPerMin int `yaml:"rate_limit_per_min" mapstructure:"rate_limit_per_min" validate:"omitempty,min=0"`

	// Timeout overrides the backend deadline for this tool.
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// CacheTTL caches this tool's responses. "0s" opts the tool out even
	// when a global default TTL is set.
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"omitempty,duration"`
}

// SetDevDefaults applies permissive defaults for development mode. They are
// applied before validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	// A well-known plaintext admin key so the admin surface works without
	// setup. The guard compares plaintext in constant time when the stored
	// value is not an argon2id hash.
	if c.Admin.Key == "" {
		c.Admin.Key = "dev-admin-key"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults — bind to localhost only; network access must be an
	// explicit choice.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8402"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.StatePath == "" {
		c.Server.StatePath = "./state.json"
	}

	if c.Admin.RateLimitPerMin == 0 {
		c.Admin.RateLimitPerMin = 60
	}

	if c.Backend.HTTPTimeout == "" {
		c.Backend.HTTPTimeout = "30s"
	}
	if c.Backend.ToolTimeout == "" {
		c.Backend.ToolTimeout = "30s"
	}

	// Billing defaults. refund_on_failure defaults to true; viper.IsSet
	// distinguishes "not set" (zero value) from an explicit false.
	if c.Billing.DefaultCreditsPerCall == 0 {
		c.Billing.DefaultCreditsPerCall = 1
	}
	if !viper.IsSet("billing.refund_on_failure") {
		c.Billing.RefundOnFailure = true
	}

	if c.Caps.BreachAction == "" {
		c.Caps.BreachAction = "deny"
	}

	// IP access is on by default: empty lists make the check a no-op, but
	// admin-issued blocks still take effect.
	if !viper.IsSet("ip_access.enabled") {
		c.IPAccess.Enabled = true
	}
	if c.IPAccess.AutoBlockDuration == "" {
		c.IPAccess.AutoBlockDuration = "1h"
	}
	if c.IPAccess.ViolationWindow == "" {
		c.IPAccess.ViolationWindow = "10m"
	}

	if c.Signing.Tolerance == "" {
		c.Signing.Tolerance = "5m"
	}
	if c.Signing.MaxNonces == 0 {
		c.Signing.MaxNonces = 100_000
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 1000
	}

	if c.Breaker.Threshold == 0 && !viper.IsSet("breaker.threshold") {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Cooldown == "" {
		c.Breaker.Cooldown = "30s"
	}

	if c.Usage.BufferSize == 0 {
		c.Usage.BufferSize = 100_000
	}

	// Audit defaults
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}

	// Webhook defaults — delivery on unless explicitly disabled.
	if !viper.IsSet("webhooks.enabled") {
		c.Webhooks.Enabled = true
	}
	if c.Webhooks.MaxAttempts == 0 {
		c.Webhooks.MaxAttempts = 5
	}
	if c.Webhooks.InitialDelay == "" {
		c.Webhooks.InitialDelay = "1s"
	}
	if c.Webhooks.MaxDelay == "" {
		c.Webhooks.MaxDelay = "5m"
	}
	if c.Webhooks.Multiplier == 0 {
		c.Webhooks.Multiplier = 2.0
	}
	if c.Webhooks.AttemptTimeout == "" {
		c.Webhooks.AttemptTimeout = "10s"
	}
	if c.Webhooks.MaxPending == 0 {
		c.Webhooks.MaxPending = 1000
	}

	if c.Expiry.ScanInterval == "" {
		c.Expiry.ScanInterval = "1h"
	}
}
