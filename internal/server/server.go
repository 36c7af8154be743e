// Package server owns the TCP layer: listeners in three modes,
// per-connection buffering and timeouts, and the mid-session TLS
// upgrade STARTTLS needs. The SMTP protocol itself lives above it in a
// ConnectionHandler.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/perchmail/perchd/internal/config"
	"github.com/perchmail/perchd/internal/logging"
)

// Server runs the configured listeners and fans connections into one
// handler.
type Server struct {
	cfg       *config.Config
	tlsConfig *tls.Config
	logger    *slog.Logger
	handler   ConnectionHandler

	listeners []*Listener
	mu        sync.Mutex
}

// New creates a Server, loading the TLS keypair when one is configured.
func New(cfg *config.Config) (*Server, error) {
	logger := logging.NewLogger(cfg.LogLevel)

	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion))
	}

	return s, nil
}

// SetHandler installs the session handler. Must be called before Run.
func (s *Server) SetHandler(handler ConnectionHandler) {
	s.handler = handler
}

// Run starts every configured listener and blocks until ctx is
// cancelled and all sessions have drained.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.handler == nil {
		s.handler = s.logOnlyHandler
	}

	for _, lc := range s.cfg.Listeners() {
		tlsCfg, err := s.listenerTLS(lc)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.listeners = append(s.listeners, NewListener(ListenerConfig{
			Address:        lc.Address,
			Mode:           lc.Mode,
			TLSConfig:      tlsCfg,
			IdleTimeout:    s.cfg.Timeouts.ConnectionTimeout(),
			DataTimeout:    s.cfg.Timeouts.DataTimeout(),
			LogTransaction: s.cfg.LogLevel == "debug",
			Logger:         s.logger,
			Handler:        s.handler,
		}))
	}
	s.mu.Unlock()

	s.logger.Info("starting server",
		slog.String("hostname", s.cfg.Hostname),
		slog.Int("listener_count", len(s.listeners)))

	var wg sync.WaitGroup
	errChan := make(chan error, len(s.listeners))
	for _, l := range s.listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	<-ctx.Done()
	s.logger.Info("server shutting down")
	wg.Wait()

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("server stopped")
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// listenerTLS resolves the TLS configuration one listener should use.
// smtps cannot run without a keypair; plaintext modes get the keypair
// for STARTTLS when one is loaded.
func (s *Server) listenerTLS(lc config.Listener) (*tls.Config, error) {
	if lc.Mode == config.ModeSmtps && s.tlsConfig == nil {
		return nil, fmt.Errorf("listener %s: TLS required for SMTPS mode but not configured", lc.Address)
	}
	return s.tlsConfig, nil
}

// Shutdown closes all listeners. Sessions already accepted finish
// through the usual drain.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// TLSConfig returns the loaded TLS configuration, if any.
func (s *Server) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// Config returns the server's configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// logOnlyHandler stands in when no handler was installed, which only
// happens in tests that exercise the TCP layer alone.
func (s *Server) logOnlyHandler(ctx context.Context, conn *Connection) {
	logger := logging.FromContext(ctx)
	logger.Info("no session handler installed, closing connection")
}
