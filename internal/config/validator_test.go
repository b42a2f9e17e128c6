package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	return &Config{
		Admin:   AdminConfig{Key: "test-admin-key"},
		Backend: BackendConfig{HTTP: "http://localhost:3000/mcp"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_NoBackend(t *testing.T) {
	t.Parallel()

	// No backend in YAML is valid at this layer -- the start command may
	// inject one from CLI args and rejects a still-empty backend itself.
	cfg := minimalValidConfig()
	cfg.Backend.HTTP = ""
	cfg.Backend.Command = ""

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with no backend unexpected error: %v", err)
	}
}

func TestValidate_BothBackends(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Backend.HTTP = "http://localhost:3000/mcp"
	cfg.Backend.Command = "/usr/bin/mcp-server"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "not both") {
		t.Errorf("error = %q, want to contain 'not both'", err.Error())
	}
}

func TestValidate_ArgsWithoutCommand(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Backend.Args = []string{"--port", "3000"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for args without command, got nil")
	}
	if !strings.Contains(err.Error(), "args") {
		t.Errorf("error = %q, want to contain 'args'", err.Error())
	}
}

func TestValidate_CommandBackend(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Backend.HTTP = ""
	cfg.Backend.Command = "/usr/bin/mcp-server"
	cfg.Backend.Args = []string{"--port", "3000"}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with command backend unexpected error: %v", err)
	}
}

func TestHasBackend(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if cfg.HasBackend() {
		t.Error("HasBackend() = true, want false for empty config")
	}

	cfg.Backend.HTTP = "http://localhost:3000/mcp"
	if !cfg.HasBackend() {
		t.Error("HasBackend() = false, want true with HTTP set")
	}

	cfg.Backend.HTTP = ""
	cfg.Backend.Command = "/usr/bin/mcp-server"
	if !cfg.HasBackend() {
		t.Error("HasBackend() = false, want true with Command set")
	}
}

func TestValidate_MissingAdminKey(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Admin.Key = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing admin key, got nil")
	}
	if !strings.Contains(err.Error(), "admin.key") {
		t.Errorf("error = %q, want to contain 'admin.key'", err.Error())
	}
}

func TestValidate_MissingAdminKeyDevMode(t *testing.T) {
	t.Parallel()

	// Dev mode seeds the key before validation in normal flow; even
	// without seeding, an empty key is accepted when DevMode is set.
	cfg := minimalValidConfig()
	cfg.Admin.Key = ""
	cfg.DevMode = true

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() dev mode without admin key unexpected error: %v", err)
	}
}

func TestValidate_InvalidBackendURL(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Backend.HTTP = "not a url"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid backend URL, got nil")
	}
	if !strings.Contains(err.Error(), "Backend.HTTP") {
		t.Errorf("error = %q, want to contain 'Backend.HTTP'", err.Error())
	}
}

func TestValidate_InvalidHTTPAddr(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.HTTPAddr = "no-port-here"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid http_addr, got nil")
	}
	if !strings.Contains(err.Error(), "Server.HTTPAddr") {
		t.Errorf("error = %q, want to contain 'Server.HTTPAddr'", err.Error())
	}
}

func TestValidate_InvalidDuration(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Breaker.Cooldown = "fast"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid duration, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "Breaker.Cooldown") || !strings.Contains(errStr, "duration") {
		t.Errorf("error = %q, want to mention 'Breaker.Cooldown' and 'duration'", errStr)
	}
}

func TestValidate_NegativeDuration(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Signing.Tolerance = "-5m"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for negative duration, got nil")
	}
	if !strings.Contains(err.Error(), "Signing.Tolerance") {
		t.Errorf("error = %q, want to contain 'Signing.Tolerance'", err.Error())
	}
}

func TestValidate_ZeroDuration(t *testing.T) {
	t.Parallel()

	// "0s" is valid and means disabled wherever a duration is optional.
	cfg := minimalValidConfig()
	cfg.Cache.DefaultTTL = "0s"
	cfg.Caps.AutoResumeAfter = "0s"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with zero durations unexpected error: %v", err)
	}
}

func TestValidate_IPOrCIDR(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.IPAccess.AllowList = []string{"203.0.113.7", "10.0.0.0/8", "2001:db8::/32"}
	cfg.IPAccess.DenyList = []string{"198.51.100.99"}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with valid IP lists unexpected error: %v", err)
	}
}

func TestValidate_InvalidIPEntry(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.IPAccess.DenyList = []string{"not-an-ip"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid IP entry, got nil")
	}
	if !strings.Contains(err.Error(), "CIDR") {
		t.Errorf("error = %q, want to mention 'CIDR'", err.Error())
	}
}

func TestValidate_InvalidCIDR(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.IPAccess.AllowList = []string{"10.0.0.0/99"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid CIDR, got nil")
	}
}

func TestValidate_InvalidBreachAction(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Caps.BreachAction = "explode"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid breach action, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "BreachAction") || !strings.Contains(errStr, "deny suspend") {
		t.Errorf("error = %q, want to contain 'BreachAction' and 'deny suspend'", errStr)
	}
}

func TestValidate_TrustedProxyDepthTooDeep(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.TrustedProxyDepth = 11

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for proxy depth > 10, got nil")
	}
	if !strings.Contains(err.Error(), "TrustedProxyDepth") {
		t.Errorf("error = %q, want to contain 'TrustedProxyDepth'", err.Error())
	}
}

func TestValidate_WebhookMultiplierBelowOne(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Webhooks.Multiplier = 0.5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for multiplier < 1, got nil")
	}
	if !strings.Contains(err.Error(), "Multiplier") {
		t.Errorf("error = %q, want to contain 'Multiplier'", err.Error())
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "LogLevel") {
		t.Errorf("error = %q, want to contain 'LogLevel'", err.Error())
	}
}

func TestValidate_ToolOverrides(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Tools = map[string]ToolConfig{
		"expensive_tool": {CreditsPerCall: 25, RateLimitPerMin: 10, Timeout: "2m", CacheTTL: "30s"},
		"free_ride":      {},
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with tool overrides unexpected error: %v", err)
	}
}

func TestValidate_InvalidToolTimeout(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Tools = map[string]ToolConfig{
		"expensive_tool": {Timeout: "soon"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid tool timeout, got nil")
	}
}

func TestValidate_ZeroConfigDevMode(t *testing.T) {
	t.Parallel()

	// Simulate "paygate start --dev some-mcp-server" with no config file:
	// defaults plus dev seeding must validate.
	cfg := &Config{DevMode: true}
	cfg.SetDefaults()
	cfg.Backend.Command = "some-mcp-server"
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() zero-config dev mode unexpected error: %v", err)
	}
	if cfg.Admin.Key != "dev-admin-key" {
		t.Errorf("dev Admin.Key = %q, want %q", cfg.Admin.Key, "dev-admin-key")
	}
}
