package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/paygate-mcp/paygate/internal/adapter/inbound/admin"
	"github.com/paygate-mcp/paygate/internal/adapter/inbound/http"
	auditfile "github.com/paygate-mcp/paygate/internal/adapter/outbound/audit"
	"github.com/paygate-mcp/paygate/internal/adapter/outbound/backend"
	"github.com/paygate-mcp/paygate/internal/adapter/outbound/cel"
	"github.com/paygate-mcp/paygate/internal/adapter/outbound/memory"
	"github.com/paygate-mcp/paygate/internal/adapter/outbound/state"
	"github.com/paygate-mcp/paygate/internal/config"
	"github.com/paygate-mcp/paygate/internal/domain/audit"
	"github.com/paygate-mcp/paygate/internal/domain/breaker"
	"github.com/paygate-mcp/paygate/internal/domain/cache"
	"github.com/paygate-mcp/paygate/internal/domain/gate"
	"github.com/paygate-mcp/paygate/internal/domain/group"
	"github.com/paygate-mcp/paygate/internal/domain/ipaccess"
	"github.com/paygate-mcp/paygate/internal/domain/key"
	"github.com/paygate-mcp/paygate/internal/domain/quota"
	"github.com/paygate-mcp/paygate/internal/domain/signing"
	"github.com/paygate-mcp/paygate/internal/domain/spendcap"
	"github.com/paygate-mcp/paygate/internal/domain/usage"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
	"github.com/paygate-mcp/paygate/internal/port/outbound"
	"github.com/paygate-mcp/paygate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start [-- command [args...]]",
	Short: "Start the gateway",
	Long: `Start the PayGate gateway.

The backend MCP server can be reached in two ways:

1. HTTP mode: connect to a remote streamable-HTTP MCP server.
   Configure backend.http in your config file.

2. Stdio mode: spawn an MCP server as a child process.
   Configure backend.command in your config file, or pass the command
   after --.

Clients always talk to the gateway over HTTP: POST /mcp with the
X-API-Key header.

Examples:
  # Start with config file settings
  paygate start

  # Start in front of a specific MCP server command
  paygate start -- npx @modelcontextprotocol/server-filesystem /tmp

  # Start with a specific config file
  paygate --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, well-known admin key)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override dev mode from CLI flag
	if devMode {
		cfg.DevMode = true
	}

	// Override backend command from args if provided
	if len(args) > 0 {
		cfg.Backend.Command = args[0]
		if len(args) > 1 {
			cfg.Backend.Args = args[1:]
		} else {
			cfg.Backend.Args = nil
		}
	}

	// Apply dev defaults (fills the admin key in dev mode)
	cfg.SetDevDefaults()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if !cfg.HasBackend() {
		return fmt.Errorf("no backend configured: set backend.http or backend.command, or pass a command after \"--\"")
	}

	// Resolve state file path: CLI flag > env var > config > default
	statePath := stateFilePath
	if statePath == "" {
		statePath = os.Getenv("PAYGATE_STATE_PATH")
	}
	if statePath == "" {
		statePath = cfg.Server.StatePath
	}
	if statePath == "" {
		statePath = "./state.json"
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	// Setup logger to stderr (stdout stays clean for shell pipelines).
	// Priority: DevMode=true -> debug, otherwise use configured log_level
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug // DevMode always forces debug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	// Log config file used if any
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "paygate stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	// Run the gateway
	if err := run(ctx, cfg, statePath, logger); err != nil {
		return err
	}

	logger.Info("paygate stopped")
	return nil
}

// run is the main orchestration function that wires all components together:
// state snapshot, domain stores, gate, dispatcher, workers, and the HTTP
// transport with its admin surface.
func run(ctx context.Context, cfg *config.Config, statePath string, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("dev mode enabled: debug logging and a well-known admin key; do not use in production")
	}

	// ===== Load/create state.json =====
	stateStore := state.NewStore(statePath, logger)
	appState := stateStore.Load()
	// Save immediately to create the file if it didn't exist.
	if err := stateStore.Save(appState); err != nil {
		return fmt.Errorf("failed to save initial state: %w", err)
	}
	logger.Info("state loaded",
		"path", statePath,
		"keys", len(appState.Keys),
		"groups", len(appState.Groups),
		"signingSecrets", len(appState.SigningSecrets),
		"ipBlocks", len(appState.IPBlocks),
		"pendingWebhooks", len(appState.Webhooks.Pending),
	)
	snap := state.NewSnapshotter(stateStore, appState, logger)

	// ===== Metrics registry =====
	// Created before the breaker so state transitions feed the gauge from
	// the first call.
	reg := prometheus.NewRegistry()
	metrics := http.NewMetrics(reg)

	// ===== Domain stores, seeded from the snapshot =====
	keys := key.NewStore(logger, key.WithPersister(snap))
	keys.Load(appState.Keys)

	groups := group.NewManager(logger, group.WithPersister(snap))
	groups.Load(appState.Groups)

	signer := signing.NewVerifier(signingConfigFrom(cfg, logger), logger, signing.WithPersister(snap))
	signer.Load(appState.SigningSecrets)

	ipctl := ipaccess.NewController(ipaccessConfigFrom(cfg, logger), logger, ipaccess.WithPersister(snap))
	ipctl.Load(appState.IPBlocks)

	// ===== Webhook queue and filter registry =====
	retry := webhook.RetryConfig{
		MaxAttempts:    cfg.Webhooks.MaxAttempts,
		InitialDelay:   parseDurationOr(logger, "webhooks.initial_delay", cfg.Webhooks.InitialDelay, time.Second),
		MaxDelay:       parseDurationOr(logger, "webhooks.max_delay", cfg.Webhooks.MaxDelay, 5*time.Minute),
		Multiplier:     cfg.Webhooks.Multiplier,
		AttemptTimeout: parseDurationOr(logger, "webhooks.attempt_timeout", cfg.Webhooks.AttemptTimeout, 10*time.Second),
	}
	queue := webhook.NewQueue(retry, logger,
		webhook.WithPersister(snap),
		webhook.WithMaxPending(cfg.Webhooks.MaxPending),
	)
	queue.Load(appState.Webhooks.Pending, appState.Webhooks.Dead)

	compiler, err := cel.NewCompiler()
	if err != nil {
		return fmt.Errorf("failed to create filter expression compiler: %w", err)
	}
	filters := webhook.NewRegistry(compiler, logger)

	// ===== Audit pipeline: in-memory ring + durable store =====
	ring := audit.NewLog(cfg.Audit.BufferSize, logger)
	var auditStore audit.Store
	if cfg.Audit.Dir != "" {
		fs, err := auditfile.NewFileStore(auditfile.Config{
			Dir:           cfg.Audit.Dir,
			RetentionDays: cfg.Audit.RetentionDays,
			MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create audit file store: %w", err)
		}
		auditStore = fs
		logger.Info("audit output: file", "dir", cfg.Audit.Dir, "retention_days", cfg.Audit.RetentionDays)
	} else {
		auditStore = memory.NewAuditStore(cfg.Audit.BufferSize)
		logger.Debug("audit output: memory", "buffer_size", cfg.Audit.BufferSize)
	}
	defer func() { _ = auditStore.Close() }()

	audits := service.NewAuditService(ring, auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(parseDurationOr(logger, "audit.flush_interval", cfg.Audit.FlushInterval, time.Second)),
	)
	audits.Start(ctx)
	defer audits.Stop()

	// ===== Spend caps =====
	// The auto-suspend hooks only audit; the dispatcher publishes the
	// caps.breached webhook event on the denial itself.
	caps := spendcap.NewManager(spendcap.Config{
		DailyCreditCap:    cfg.Caps.DailyCreditCap,
		DailyCallCap:      cfg.Caps.DailyCallCap,
		HourlyCallLimit:   cfg.Caps.HourlyCallLimit,
		HourlyCreditLimit: cfg.Caps.HourlyCreditLimit,
		BreachAction:      cfg.Caps.BreachAction,
		AutoResumeAfter:   parseDurationOr(logger, "caps.auto_resume_after", cfg.Caps.AutoResumeAfter, 0),
	}, logger,
		spendcap.WithPersister(snap),
		spendcap.WithAutoSuspendHook(func(apiKey, reason string) {
			audits.Record(audit.EventCapAutoSuspend, audit.ActorSystem,
				"key auto-suspended on hourly cap breach",
				map[string]any{"keyPrefix": key.MaskKey(apiKey), "reason": reason})
		}),
		spendcap.WithAutoResumeHook(func(apiKey string) {
			audits.Record(audit.EventCapAutoResume, audit.ActorSystem,
				"auto-suspension lifted",
				map[string]any{"keyPrefix": key.MaskKey(apiKey)})
		}),
	)
	caps.Load(appState.ServerCaps)

	// ===== Quotas, rate limiter, breaker, cache, meter =====
	quotas := quota.NewTracker(keys)

	limiter := memory.NewSlidingWindowLimiter()
	limiter.StartSweep(ctx)
	defer limiter.Stop()

	brk := breaker.NewManager(breaker.Config{
		Threshold: cfg.Breaker.Threshold,
		Cooldown:  parseDurationOr(logger, "breaker.cooldown", cfg.Breaker.Cooldown, 30*time.Second),
	}, logger, breaker.WithStateChangeHook(metrics.BreakerStateHook()))

	respCache := cache.NewResponseCache(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: parseDurationOr(logger, "cache.default_ttl", cfg.Cache.DefaultTTL, 0),
	})

	meter := usage.NewMeter(cfg.Usage.BufferSize)

	// ===== Admission gate =====
	g := gate.NewGate(gate.Config{
		ShadowMode:            cfg.Billing.ShadowMode,
		RefundOnFailure:       cfg.Billing.RefundOnFailure,
		DefaultCreditsPerCall: cfg.Billing.DefaultCreditsPerCall,
		CreditsPerKbInput:     cfg.Billing.CreditsPerKbInput,
		CreditsPerKbOutput:    cfg.Billing.CreditsPerKbOutput,
		GlobalRateLimitPerMin: cfg.Billing.RateLimitPerMin,
		ToolPricing:           toolPricingFrom(cfg.Tools),
		DefaultQuota:          defaultQuotaFrom(cfg.Quota),
	}, gate.Deps{
		Keys:    keys,
		Groups:  groups,
		Signer:  signer,
		IP:      ipctl,
		Quotas:  quotas,
		Caps:    caps,
		Limiter: limiter,
		Breaker: brk,
	}, logger)

	if cfg.Billing.ShadowMode {
		logger.Warn("shadow mode enabled: denials are logged but every call is admitted")
	}

	// ===== Backend transport =====
	var be outbound.Backend
	var beStatus http.BackendStatus
	if cfg.Backend.Command != "" {
		sc := backend.NewStdioClient(cfg.Backend.Command, cfg.Backend.Args, logger)
		if err := sc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start backend process: %w", err)
		}
		be, beStatus = sc, sc
		logger.Info("backend mode: stdio", "command", cfg.Backend.Command, "args", cfg.Backend.Args)
	} else {
		httpTimeout := parseDurationOr(logger, "backend.http_timeout", cfg.Backend.HTTPTimeout, 30*time.Second)
		hc := backend.NewHTTPClient(cfg.Backend.HTTP, logger, backend.WithTimeout(httpTimeout))
		be, beStatus = hc, hc
		logger.Info("backend mode: HTTP", "endpoint", cfg.Backend.HTTP, "timeout", httpTimeout)
	}
	defer func() { _ = be.Close() }()

	// ===== Dispatcher =====
	toolTimeouts, cacheTTLs := toolOverridesFrom(cfg.Tools, logger)
	dispatcher := service.NewDispatchService(service.DispatchConfig{
		FreeMethods:         cfg.Backend.FreeMethods,
		ToolTimeout:         parseDurationOr(logger, "backend.tool_timeout", cfg.Backend.ToolTimeout, service.DefaultToolTimeout),
		ToolTimeouts:        toolTimeouts,
		CacheTTL:            parseDurationOr(logger, "cache.default_ttl", cfg.Cache.DefaultTTL, 0),
		CacheTTLs:           cacheTTLs,
		CreditsLowThreshold: cfg.Billing.CreditsLowThreshold,
	}, service.DispatchDeps{
		Gate:    g,
		Backend: be,
		Cache:   respCache,
		Breaker: brk,
		Meter:   meter,
		Filters: filters,
		Queue:   queue,
		Audit:   audits,
	}, logger)

	// ===== Background workers =====
	if cfg.Webhooks.Enabled {
		worker := service.NewWebhookWorker(queue, logger)
		worker.Start(ctx)
		defer worker.Stop()
	} else {
		logger.Info("webhook delivery disabled")
	}

	notifier := service.ExpiryEventNotifier(audits, filters, queue, logger)
	scanner := service.NewExpiryScanner(keys, notifier, logger,
		service.WithScanInterval(parseDurationOr(logger, "expiry.scan_interval", cfg.Expiry.ScanInterval, time.Hour)),
	)
	scanner.Start(ctx)
	defer scanner.Stop()

	maint := service.NewMaintenance()

	// ===== Admin surface =====
	adminOpts := []admin.Option{
		admin.WithKeys(keys),
		admin.WithGroups(groups),
		admin.WithUsage(meter),
		admin.WithAudits(audits),
		admin.WithWebhooks(filters, queue),
		admin.WithSigning(signer),
		admin.WithIPControl(ipctl),
		admin.WithMaintenance(maint),
		admin.WithExpiryScanner(scanner),
		admin.WithBuildInfo(admin.BuildInfo{
			Version:   Version,
			Commit:    Commit,
			BuildDate: BuildDate,
		}),
		admin.WithLogger(logger),
		admin.WithRateLimit(cfg.Admin.RateLimitPerMin),
	}

	// Config reload only makes sense when a config file is in play; the
	// hook re-reads it and applies the reloadable subset (IP access lists
	// and signing thresholds). Everything else needs a restart.
	if config.ConfigFileUsed() != "" {
		devFlag := cfg.DevMode
		adminOpts = append(adminOpts, admin.WithReloader(func() error {
			fresh, err := config.LoadConfigRaw()
			if err != nil {
				return err
			}
			if devFlag {
				fresh.DevMode = true
			}
			fresh.SetDevDefaults()
			if err := fresh.Validate(); err != nil {
				return err
			}
			ipctl.Reconfigure(ipaccessConfigFrom(fresh, logger))
			signer.Reconfigure(signingConfigFrom(fresh, logger))
			logger.Info("reloadable config applied", "sections", "ip_access, signing")
			return nil
		}))
	}

	adminHandler := admin.NewHandler(admin.NewGuard(cfg.Admin.Key), adminOpts...)

	// ===== HTTP transport =====
	health := http.NewHealthChecker(beStatus, audits, queue, meter, Version)
	http.RegisterComponentCollectors(reg, queue, audits, meter, respCache)

	serverOpts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithAdminHandler(adminHandler.Routes()),
		http.WithHealth(health),
		http.WithTrustedProxyDepth(cfg.Server.TrustedProxyDepth),
		http.WithMaintenance(maint),
		http.WithMetrics(metrics, reg),
	}
	if cfg.Server.CountryHeader != "" {
		serverOpts = append(serverOpts, http.WithCountryHeader(cfg.Server.CountryHeader))
	}
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		serverOpts = append(serverOpts, http.WithTLS(cfg.Server.TLSCert, cfg.Server.TLSKey))
		logger.Info("TLS enabled", "cert", cfg.Server.TLSCert)
	}

	logger.Info("paygate starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"keys", len(appState.Keys),
		"groups", len(appState.Groups),
		"shadow_mode", cfg.Billing.ShadowMode,
		"signing", cfg.Signing.Enabled,
		"state_file", statePath,
	)

	// Print startup banner to stderr.
	printBanner(Version, cfg.Server.HTTPAddr, cfg.DevMode, cfg.Billing.ShadowMode, len(appState.Keys), len(appState.Groups))

	server := http.NewServer(dispatcher, serverOpts...)
	logger.Info("transport mode: HTTP", "addr", cfg.Server.HTTPAddr)
	return server.Start(ctx)
}

// parseDurationOr parses a config duration string, falling back to def on
// empty or invalid values. Invalid values warn; empty ones are simply unset.
func parseDurationOr(logger *slog.Logger, field, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("invalid "+field+", using default", "value", value, "default", def.String())
		return def
	}
	return d
}

// signingConfigFrom maps the config section onto the verifier's config,
// parsing duration strings.
func signingConfigFrom(cfg *config.Config, logger *slog.Logger) signing.Config {
	return signing.Config{
		Enabled:     cfg.Signing.Enabled,
		Tolerance:   parseDurationOr(logger, "signing.tolerance", cfg.Signing.Tolerance, 5*time.Minute),
		NonceWindow: parseDurationOr(logger, "signing.nonce_window", cfg.Signing.NonceWindow, 0),
		MaxNonces:   cfg.Signing.MaxNonces,
	}
}

// ipaccessConfigFrom maps the config section onto the controller's config,
// parsing duration strings.
func ipaccessConfigFrom(cfg *config.Config, logger *slog.Logger) ipaccess.Config {
	return ipaccess.Config{
		Enabled:            cfg.IPAccess.Enabled,
		AllowList:          cfg.IPAccess.AllowList,
		DenyList:           cfg.IPAccess.DenyList,
		AutoBlockThreshold: cfg.IPAccess.AutoBlockThreshold,
		AutoBlockDuration:  parseDurationOr(logger, "ip_access.auto_block_duration", cfg.IPAccess.AutoBlockDuration, time.Hour),
		ViolationWindow:    parseDurationOr(logger, "ip_access.violation_window", cfg.IPAccess.ViolationWindow, 10*time.Minute),
	}
}

// toolPricingFrom collects the per-tool price and rate-limit overrides.
// Tools with neither knob set are omitted so the gate falls back to the
// billing defaults.
func toolPricingFrom(tools map[string]config.ToolConfig) map[string]gate.ToolPricing {
	var out map[string]gate.ToolPricing
	for name, tc := range tools {
		if tc.CreditsPerCall == 0 && tc.RateLimitPerMin == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]gate.ToolPricing, len(tools))
		}
		out[name] = gate.ToolPricing{
			CreditsPerCall:  tc.CreditsPerCall,
			RateLimitPerMin: tc.RateLimitPerMin,
		}
	}
	return out
}

// defaultQuotaFrom returns the server default quota, or nil when no quota
// limit is configured at all.
func defaultQuotaFrom(q config.QuotaConfig) *key.QuotaLimits {
	if q.DailyCalls == 0 && q.DailyCredits == 0 && q.MonthlyCalls == 0 && q.MonthlyCredits == 0 {
		return nil
	}
	return &key.QuotaLimits{
		DailyCalls:     q.DailyCalls,
		DailyCredits:   q.DailyCredits,
		MonthlyCalls:   q.MonthlyCalls,
		MonthlyCredits: q.MonthlyCredits,
	}
}

// toolOverridesFrom collects the per-tool timeout and cache-TTL overrides.
// Only explicitly set values become entries: a "0s" cache TTL is a real
// entry that opts the tool out of caching.
func toolOverridesFrom(tools map[string]config.ToolConfig, logger *slog.Logger) (map[string]time.Duration, map[string]time.Duration) {
	var timeouts, ttls map[string]time.Duration
	for name, tc := range tools {
		if tc.Timeout != "" {
			if timeouts == nil {
				timeouts = make(map[string]time.Duration)
			}
			timeouts[name] = parseDurationOr(logger, "tools."+name+".timeout", tc.Timeout, 0)
		}
		if tc.CacheTTL != "" {
			if ttls == nil {
				ttls = make(map[string]time.Duration)
			}
			ttls[name] = parseDurationOr(logger, "tools."+name+".cache_ttl", tc.CacheTTL, 0)
		}
	}
	return timeouts, ttls
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a formatted startup banner to stderr with version,
// addresses, mode, and resource counts.
func printBanner(version, httpAddr string, devMode, shadowMode bool, keyCount, groupCount int) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	host := httpAddr
	if strings.HasPrefix(httpAddr, ":") {
		host = "localhost" + httpAddr
	}
	mcpURL := fmt.Sprintf("http://%s/mcp", host)
	adminURL := fmt.Sprintf("http://%s/admin", host)

	modeStr := green + "production" + reset
	if devMode {
		modeStr = yellow + "development" + reset + dim + " (well-known admin key)" + reset
	}

	billingStr := green + "enforcing" + reset
	if shadowMode {
		billingStr = yellow + "shadow" + reset + dim + " (log only)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s PayGate %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "MCP:", mcpURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Admin API:", adminURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Billing:", billingStr)
	fmt.Fprintf(os.Stderr, "  %-14s %d keys / %d groups\n", "Loaded:", keyCount, groupCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// pidFilePath returns the standard location for the PayGate PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".paygate", "server.pid")
	}
	return filepath.Join(os.TempDir(), "paygate-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
