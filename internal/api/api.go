// Package api provides the HTTP REST API server.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazecatch/internal/api/health"
	"github.com/good-yellow-bee/blazecatch/internal/api/middleware"
	"github.com/good-yellow-bee/blazecatch/internal/api/sessions"
	"github.com/good-yellow-bee/blazecatch/internal/session"
)

// Config contains HTTP API server configuration.
type Config struct {
	Address         string
	JWTSecret       []byte // Empty disables authentication
	HTTPTLSEnabled  bool
	HTTPTLSCertFile string
	HTTPTLSKeyFile  string
	CaptureRate     int // Capture requests per minute per client
	Stream          sessions.StreamConfig
	ShutdownTimeout time.Duration
	Version         string
	Verbose         bool
}

// SetDefaults applies default values for missing configuration.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.CaptureRate == 0 {
		c.CaptureRate = 6000
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Version == "" {
		c.Version = "dev"
	}
}

// Server is the HTTP API server.
type Server struct {
	config        *Config
	manager       *session.Manager
	healthHandler *health.Handler
	limiter       *middleware.RateLimiter
	server        *http.Server
	logger        *zap.Logger
}

// New creates a new API server.
func New(cfg *Config, m *session.Manager, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if m == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.SetDefaults()

	s := &Server{
		config:        cfg,
		manager:       m,
		healthHandler: health.NewHandler(cfg.Version),
		limiter:       middleware.NewRateLimiter(cfg.CaptureRate),
		logger:        logger.With(zap.String("component", "http")),
	}
	if len(cfg.JWTSecret) == 0 {
		s.logger.Warn("API authentication disabled; set api.jwt_secret to enable it")
	}

	s.server = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.setupRouter(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: notice streams stay open for StreamConfig.MaxDuration.
		IdleTimeout: 60 * time.Second,
		ErrorLog:    zap.NewStdLog(s.logger),
	}
	if cfg.HTTPTLSEnabled {
		s.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13}
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run starts the HTTP server and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.limiter.Stop()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", zap.String("address", ln.Addr().String()), zap.Bool("tls", s.config.HTTPTLSEnabled))
		var err error
		if s.config.HTTPTLSEnabled {
			err = s.server.ServeTLS(ln, s.config.HTTPTLSCertFile, s.config.HTTPTLSKeyFile)
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// RegisterHealthChecker adds a readiness checker.
func (s *Server) RegisterHealthChecker(c health.Checker) {
	s.healthHandler.RegisterChecker(c)
}
