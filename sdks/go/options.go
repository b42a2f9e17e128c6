package paygate

import (
	"log/slog"
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the PayGate gateway address, e.g. "http://localhost:8080".
// If not set, defaults to the PAYGATE_SERVER_ADDR environment variable.
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithAPIKey sets the API key sent in the X-API-Key header.
// If not set, defaults to the PAYGATE_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithSigningSecret sets the shared HMAC secret used to sign request bodies.
// When set, every request carries an X-Signature header. If not set, defaults
// to the PAYGATE_SIGNING_SECRET environment variable; empty disables signing.
func WithSigningSecret(secret string) Option {
	return func(c *Client) {
		c.signingSecret = secret
	}
}

// WithTimeout sets the HTTP request timeout. Tool calls block until the
// backend answers, so this should comfortably exceed the slowest tool.
// If not set, defaults to the PAYGATE_TIMEOUT environment variable or 60 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom http.Client for making requests.
// This is useful for testing, proxying, or custom transport configurations.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used for client diagnostics.
// If not set, defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}
