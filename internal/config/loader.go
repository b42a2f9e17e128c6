package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for paygate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("paygate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: PAYGATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("PAYGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Bind nested keys for env var support
	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a paygate config file with
// an explicit YAML extension (.yaml or .yml). This prevents Viper from
// matching the binary "paygate" (no extension) in the current directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".paygate"),
	}
	if runtime.GOOS == "windows" {
		// %ProgramData%\paygate (typically C:\ProgramData\paygate)
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "paygate"))
		}
	} else {
		paths = append(paths, "/etc/paygate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for paygate.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "paygate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment variable support.
// Example: PAYGATE_SERVER_HTTP_ADDR overrides server.http_addr
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.state_path")
	_ = viper.BindEnv("server.tls_cert")
	_ = viper.BindEnv("server.tls_key")
	_ = viper.BindEnv("server.trusted_proxy_depth")
	_ = viper.BindEnv("server.country_header")

	// Admin config
	_ = viper.BindEnv("admin.key")
	_ = viper.BindEnv("admin.rate_limit_per_min")

	// Backend config (mutually exclusive: http OR command)
	_ = viper.BindEnv("backend.http")
	_ = viper.BindEnv("backend.command")
	_ = viper.BindEnv("backend.http_timeout")
	_ = viper.BindEnv("backend.tool_timeout")
	// Note: backend.args and backend.free_methods are arrays, config-file-only

	// Billing config
	_ = viper.BindEnv("billing.default_credits_per_call")
	_ = viper.BindEnv("billing.credits_per_kb_input")
	_ = viper.BindEnv("billing.credits_per_kb_output")
	_ = viper.BindEnv("billing.refund_on_failure")
	_ = viper.BindEnv("billing.shadow_mode")
	_ = viper.BindEnv("billing.rate_limit_per_min")
	_ = viper.BindEnv("billing.credits_low_threshold")

	// Quota config
	_ = viper.BindEnv("quota.daily_calls")
	_ = viper.BindEnv("quota.daily_credits")
	_ = viper.BindEnv("quota.monthly_calls")
	_ = viper.BindEnv("quota.monthly_credits")

	// Caps config
	_ = viper.BindEnv("caps.daily_call_cap")
	_ = viper.BindEnv("caps.daily_credit_cap")
	_ = viper.BindEnv("caps.hourly_call_limit")
	_ = viper.BindEnv("caps.hourly_credit_limit")
	_ = viper.BindEnv("caps.breach_action")
	_ = viper.BindEnv("caps.auto_resume_after")

	// IP access config
	_ = viper.BindEnv("ip_access.enabled")
	_ = viper.BindEnv("ip_access.auto_block_threshold")
	_ = viper.BindEnv("ip_access.auto_block_duration")
	_ = viper.BindEnv("ip_access.violation_window")
	// Note: ip_access.allow_list and deny_list are arrays, config-file-only

	// Signing config
	_ = viper.BindEnv("signing.enabled")
	_ = viper.BindEnv("signing.tolerance")
	_ = viper.BindEnv("signing.nonce_window")
	_ = viper.BindEnv("signing.max_nonces")

	// Cache config
	_ = viper.BindEnv("cache.max_entries")
	_ = viper.BindEnv("cache.default_ttl")

	// Breaker config
	_ = viper.BindEnv("breaker.threshold")
	_ = viper.BindEnv("breaker.cooldown")

	// Usage config
	_ = viper.BindEnv("usage.buffer_size")

	// Audit config
	_ = viper.BindEnv("audit.buffer_size")
	_ = viper.BindEnv("audit.dir")
	_ = viper.BindEnv("audit.retention_days")
	_ = viper.BindEnv("audit.max_file_size_mb")
	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")

	// Webhook config
	_ = viper.BindEnv("webhooks.enabled")
	_ = viper.BindEnv("webhooks.max_attempts")
	_ = viper.BindEnv("webhooks.initial_delay")
	_ = viper.BindEnv("webhooks.max_delay")
	_ = viper.BindEnv("webhooks.multiplier")
	_ = viper.BindEnv("webhooks.attempt_timeout")
	_ = viper.BindEnv("webhooks.max_pending")

	// Expiry config
	_ = viper.BindEnv("expiry.scan_interval")

	// Note: tools is a map, complex to override via env
	// Users should use the config file for per-tool overrides

	// Dev mode
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config.
// Note: Caller should apply any CLI flag overrides (e.g. --dev), then call
// cfg.SetDevDefaults() and cfg.Validate() to complete initialization.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
		// This allows running with pure environment variable configuration
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply default values for optional fields
	cfg.SetDefaults()

	// In dev mode, apply permissive defaults before validation
	cfg.SetDevDefaults()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode or the backend before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
