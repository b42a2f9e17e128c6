package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paygate-mcp/paygate/internal/port/inbound"
	"github.com/paygate-mcp/paygate/internal/service"
)

// shutdownGrace bounds how long in-flight requests may drain on shutdown.
const shutdownGrace = 10 * time.Second

// Server is the inbound adapter that exposes the gateway to HTTP clients.
// It implements the inbound.Transport interface.
type Server struct {
	dispatcher        Dispatcher
	server            *http.Server
	addr              string
	certFile          string
	keyFile           string
	trustedProxyDepth int
	countryHeader     string
	maintenance       *service.Maintenance
	adminHandler      http.Handler
	health            *HealthChecker
	registry          *prometheus.Registry
	metrics           *Metrics
	logger            *slog.Logger
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAdminHandler mounts the admin REST surface under /admin/. The admin
// surface stays reachable during maintenance mode.
func WithAdminHandler(h http.Handler) Option {
	return func(s *Server) {
		s.adminHandler = h
	}
}

// WithHealth sets the health checker for the /health endpoint.
func WithHealth(hc *HealthChecker) Option {
	return func(s *Server) {
		s.health = hc
	}
}

// WithTrustedProxyDepth sets how many x-forwarded-for hops were appended
// by infrastructure this deployment trusts.
func WithTrustedProxyDepth(depth int) Option {
	return func(s *Server) {
		s.trustedProxyDepth = depth
	}
}

// WithCountryHeader names the edge-supplied geo header consulted for
// country ACLs. Empty disables country extraction.
func WithCountryHeader(name string) Option {
	return func(s *Server) {
		s.countryHeader = name
	}
}

// WithMaintenance wires the maintenance switch that gates POST /mcp.
func WithMaintenance(m *service.Maintenance) Option {
	return func(s *Server) {
		s.maintenance = m
	}
}

// WithMetrics injects an externally built metric set and its registry, so
// other components (breaker hooks, collectors) can share the families.
// When absent the server builds a private registry on Start.
func WithMetrics(m *Metrics, reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.metrics = m
		s.registry = reg
	}
}

// NewServer creates the HTTP transport around the given dispatcher.
func NewServer(dispatcher Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher: dispatcher,
		addr:       "127.0.0.1:8080",
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// buildHandler assembles the mux and middleware chain. Called once per
// server; a missing registry or metric set is built here.
func (s *Server) buildHandler() http.Handler {
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(s.registry)
	}

	mux := http.NewServeMux()
	if s.adminHandler != nil {
		mux.Handle("/admin/", s.adminHandler)
		mux.Handle("/admin", s.adminHandler)
	}
	if s.health != nil {
		mux.Handle("/health", s.health.Handler())
	} else {
		mux.Handle("/health", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	metered := MaintenanceGate(s.maintenance)(mcpHandler(s.dispatcher, s.metrics, s.countryHeader))
	mux.Handle("/mcp", metered)
	mux.Handle("/mcp/", metered)
	mux.Handle("/", notFoundHandler())

	// Middleware chain, outermost first:
	// 1. Metrics - duration and status for the whole request
	// 2. RequestID - correlation id + enriched logger into context
	// 3. SecurityHeaders - fixed header set on every response
	// 4. ClientIP - resolved caller address into context
	// 5. mux - endpoint routing
	var handler http.Handler = mux
	handler = ClientIPMiddleware(s.trustedProxyDepth)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)
	return handler
}

// Handler returns the fully assembled HTTP handler without starting a
// listener, for embedding the transport in tests or a parent mux.
func (s *Server) Handler() http.Handler {
	return s.buildHandler()
}

// Start begins accepting HTTP connections. It blocks until the context is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.buildHandler(),
	}

	if s.certFile != "" && s.keyFile != "" {
		s.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)

	go func() {
		var err error
		if s.certFile != "" && s.keyFile != "" {
			s.logger.Info("starting HTTPS server", "addr", s.addr)
			err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP server", "addr", s.addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests within the grace window.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}

// Metrics returns the server's metric set, available after Start (or
// immediately when injected via WithMetrics).
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Compile-time check that Server implements the Transport port.
var _ inbound.Transport = (*Server)(nil)
