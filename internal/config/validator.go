package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers PayGate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("ip_or_cidr", validateIPOrCIDR); err != nil {
		return fmt.Errorf("failed to register ip_or_cidr validator: %w", err)
	}
	return nil
}

// validateDuration validates a Go duration string ("30s", "5m"). Negative
// durations are rejected; zero is allowed and means "disabled" everywhere
// a duration is optional.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// validateIPOrCIDR accepts a bare IP ("203.0.113.7") or a CIDR block
// ("10.0.0.0/8"), v4 or v6.
func validateIPOrCIDR(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	// Run struct validation (tags)
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field validation: backend mutual exclusion
	if err := c.validateBackendMutualExclusion(); err != nil {
		return err
	}

	// The admin surface fails closed on an empty key, so catch the
	// misconfiguration at startup rather than on first admin request.
	if c.Admin.Key == "" && !c.DevMode {
		return errors.New("admin.key is required: set an argon2id hash from 'paygate keygen --admin', or run with --dev for development")
	}

	return nil
}

// validateBackendMutualExclusion ensures at most one of HTTP or Command is set.
// Both empty is OK here -- the start command injects a CLI-supplied command
// before validation and rejects a still-empty backend itself.
func (c *Config) validateBackendMutualExclusion() error {
	hasHTTP := c.Backend.HTTP != ""
	hasCommand := c.Backend.Command != ""

	if hasHTTP && hasCommand {
		return errors.New("backend: specify http OR command, not both")
	}

	if !hasCommand && len(c.Backend.Args) > 0 {
		return errors.New("backend: args given without a command")
	}

	return nil
}

// HasBackend returns true if the config names an upstream MCP server.
func (c *Config) HasBackend() bool {
	return c.Backend.HTTP != "" || c.Backend.Command != ""
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			msg := formatSingleValidationError(e)
			messages = append(messages, msg)
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a non-negative duration like \"30s\" or \"5m\"", field)
	case "ip_or_cidr":
		return fmt.Sprintf("%s must be an IP address or CIDR block", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
