package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/perchmail/perchd/internal/logging"
)

// Connection wraps an accepted socket with buffered I/O, the idle and
// DATA deadlines, and the mid-session TLS upgrade. One Connection
// corresponds to one SMTP session.
type Connection struct {
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	logger      *slog.Logger
	idleTimeout time.Duration
	dataTimeout time.Duration
	logTx       bool

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// ConnectionConfig holds configuration for a new connection.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	DataTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// NewConnection wraps conn. The logger gains a conn_id and the remote
// address so every line of the session can be correlated.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connLogger := logging.WithConnection(logger, conn.RemoteAddr().String())

	c := &Connection{
		conn:         conn,
		logger:       connLogger,
		idleTimeout:  cfg.IdleTimeout,
		dataTimeout:  cfg.DataTimeout,
		logTx:        cfg.LogTransaction,
		lastActivity: time.Now(),
	}
	c.rebuildBuffers(conn)
	return c
}

// rebuildBuffers points the buffered reader and writer at rw, wrapping
// them in transaction loggers when enabled. Called on creation and
// again after a TLS upgrade replaces the socket.
func (c *Connection) rebuildBuffers(rw io.ReadWriter) {
	var r io.Reader = rw
	var w io.Writer = rw
	if c.logTx {
		r = logging.NewTransactionReader(rw, c.logger, "recv")
		w = logging.NewTransactionWriter(rw, c.logger, "send")
	}
	c.reader = bufio.NewReader(r)
	c.writer = bufio.NewWriter(w)
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Reader returns the buffered reader for the connection.
func (c *Connection) Reader() *bufio.Reader {
	return c.reader
}

// Writer returns the buffered writer for the connection.
func (c *Connection) Writer() *bufio.Writer {
	return c.writer
}

// Flush flushes the write buffer.
func (c *Connection) Flush() error {
	return c.writer.Flush()
}

// SetDeadline sets the read and write deadlines.
func (c *Connection) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// ResetIdleTimeout re-arms the idle deadline. The session loop calls
// this after every completed command.
func (c *Connection) ResetIdleTimeout() error {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if c.idleTimeout > 0 {
		return c.conn.SetDeadline(time.Now().Add(c.idleTimeout))
	}
	return nil
}

// SetDataTimeout sets the extended deadline used while receiving
// message content, which may legitimately take much longer than a
// single command exchange.
func (c *Connection) SetDataTimeout() error {
	if c.dataTimeout > 0 {
		return c.conn.SetDeadline(time.Now().Add(c.dataTimeout))
	}
	return nil
}

// StartTLS upgrades the connection to TLS as a server and replaces the
// buffered reader and writer. Any buffered plaintext is discarded, so
// the caller must flush its final response first.
func (c *Connection) StartTLS(cfg *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.conn.(*tls.Conn); ok {
		return errors.New("server: TLS already active")
	}

	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("server: TLS handshake: %w", err)
	}
	c.conn = tlsConn
	c.rebuildBuffers(tlsConn)
	c.lastActivity = time.Now()
	return nil
}

// TLSState returns the TLS connection state when the connection is
// encrypted.
func (c *Connection) TLSState() (tls.ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		return tlsConn.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Debug("connection closed")
	return c.conn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Underlying returns the underlying net.Conn.
// Use with caution; prefer the Connection methods.
func (c *Connection) Underlying() net.Conn {
	return c.conn
}

// IsTLS returns true if the connection is encrypted with TLS.
func (c *Connection) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// IdleMonitor closes the connection once it has been idle past the
// configured timeout. It returns when the context is cancelled or the
// connection closes. Run it in its own goroutine.
func (c *Connection) IdleMonitor(ctx context.Context) {
	if c.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(c.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()

			if idle >= c.idleTimeout {
				c.logger.Info("closing idle connection",
					slog.Duration("idle_time", idle),
				)
				if err := c.Close(); err != nil {
					c.logger.Debug("error closing idle connection",
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}
