package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perchmail/perchd/internal/config"
	"github.com/perchmail/perchd/internal/logging"
)

// ConnectionHandler runs one SMTP session over an accepted connection.
// It returns when the session ends; the listener closes the connection.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// Listener accepts connections on one address in one mode (smtp,
// submission or smtps) and hands each to the handler.
type Listener struct {
	address   string
	mode      config.ListenerMode
	tlsConfig *tls.Config
	connCfg   ConnectionConfig
	handler   ConnectionHandler
	logger    *slog.Logger

	listener net.Listener
	active   atomic.Int64
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// ListenerConfig holds configuration for creating a new Listener.
type ListenerConfig struct {
	Address        string
	Mode           config.ListenerMode
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	DataTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Handler        ConnectionHandler
}

// NewListener creates a Listener from the given configuration.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{
		address:   cfg.Address,
		mode:      cfg.Mode,
		tlsConfig: cfg.TLSConfig,
		connCfg: ConnectionConfig{
			IdleTimeout:    cfg.IdleTimeout,
			DataTimeout:    cfg.DataTimeout,
			LogTransaction: cfg.LogTransaction,
			Logger:         logger,
		},
		handler: cfg.Handler,
		logger:  logging.WithListener(logger, cfg.Address, string(cfg.Mode)),
	}
}

// Start listens and accepts until ctx is cancelled, then drains:
// accepted sessions run to completion before Start returns.
func (l *Listener) Start(ctx context.Context) error {
	var ln net.Listener
	var err error

	// smtps wraps TLS around the socket before the banner. The other
	// modes stay plaintext and upgrade via STARTTLS.
	if l.mode == config.ModeSmtps {
		if l.tlsConfig == nil {
			return errors.New("TLS configuration required for SMTPS mode")
		}
		ln, err = tls.Listen("tcp", l.address, l.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", l.address)
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.Info("listener started")

	go l.acceptLoop(ctx)

	<-ctx.Done()

	l.logger.Info("listener draining", slog.Int64("active", l.active.Load()))

	if err := l.Close(); err != nil {
		l.logger.Debug("error closing listener", slog.String("error", err.Error()))
	}
	l.wg.Wait()

	l.logger.Info("listener stopped")
	return ctx.Err()
}

// acceptLoop accepts until the listener closes. Transient accept
// errors back off exponentially so a file-descriptor squeeze does not
// turn into a busy loop.
func (l *Listener) acceptLoop(ctx context.Context) {
	backoff := 5 * time.Millisecond
	const maxBackoff = time.Second

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.logger.Warn("transient accept error",
					slog.String("error", err.Error()),
					slog.Duration("backoff", backoff))
				time.Sleep(backoff)
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			l.logger.Error("accept error", slog.String("error", err.Error()))
			return
		}
		backoff = 5 * time.Millisecond

		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection wraps the socket, starts the idle monitor and runs
// the session handler.
func (l *Listener) handleConnection(ctx context.Context, netConn net.Conn) {
	defer l.wg.Done()
	l.active.Add(1)
	defer l.active.Add(-1)

	conn := NewConnection(netConn, l.connCfg)
	conn.Logger().Info("connection accepted")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	connCtx = logging.NewContext(connCtx, conn.Logger())

	if err := conn.ResetIdleTimeout(); err != nil {
		conn.Logger().Error("failed to arm idle timeout", slog.String("error", err.Error()))
		_ = conn.Close()
		return
	}
	go conn.IdleMonitor(connCtx)

	if l.handler != nil {
		l.handler(connCtx, conn)
	}

	_ = conn.Close()
	conn.Logger().Info("connection closed")
}

// Close stops accepting. Safe to call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// ActiveConnections reports how many sessions are currently running.
func (l *Listener) ActiveConnections() int64 {
	return l.active.Load()
}

// Address returns the listener's address.
func (l *Listener) Address() string {
	return l.address
}

// Mode returns the listener's mode.
func (l *Listener) Mode() config.ListenerMode {
	return l.mode
}

// TLSConfig returns the TLS configuration used for SMTPS or STARTTLS.
func (l *Listener) TLSConfig() *tls.Config {
	return l.tlsConfig
}
