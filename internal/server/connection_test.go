package server

import (
	"context"
	"net"
	"testing"
	"time"
)

// mockConn implements net.Conn for testing.
type mockConn struct {
	readData      []byte
	readPos       int
	writeData     []byte
	localAddr     net.Addr
	remoteAddr    net.Addr
	closed        bool
	deadline      time.Time
	readDeadline  time.Time
	writeDeadline time.Time
}

func newMockConn() *mockConn {
	return &mockConn{
		localAddr:  &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 25},
		remoteAddr: &net.TCPAddr{IP: net.ParseIP("192.168.1.100"), Port: 54321},
	}
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	if m.readPos >= len(m.readData) {
		return 0, nil
	}
	n = copy(b, m.readData[m.readPos:])
	m.readPos += n
	return n, nil
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	m.writeData = append(m.writeData, b...)
	return len(b), nil
}

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr  { return m.localAddr }
func (m *mockConn) RemoteAddr() net.Addr { return m.remoteAddr }

func (m *mockConn) SetDeadline(t time.Time) error {
	m.deadline = t
	return nil
}

func (m *mockConn) SetReadDeadline(t time.Time) error {
	m.readDeadline = t
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error {
	m.writeDeadline = t
	return nil
}

func TestNewConnection(t *testing.T) {
	mc := newMockConn()
	conn := NewConnection(mc, ConnectionConfig{
		IdleTimeout: 5 * time.Minute,
		DataTimeout: 1 * time.Minute,
		Logger:      quietLogger(),
	})

	if got := conn.RemoteAddr().String(); got != mc.remoteAddr.String() {
		t.Errorf("RemoteAddr() = %s, want %s", got, mc.remoteAddr)
	}
	if got := conn.LocalAddr().String(); got != mc.localAddr.String() {
		t.Errorf("LocalAddr() = %s, want %s", got, mc.localAddr)
	}
	if conn.Logger() == nil {
		t.Error("connection should carry a logger")
	}
	if conn.IsTLS() {
		t.Error("plain connection must not report TLS")
	}
	if _, ok := conn.TLSState(); ok {
		t.Error("plain connection must not report a TLS state")
	}
}

func TestConnectionReadWrite(t *testing.T) {
	mc := newMockConn()
	mc.readData = []byte("EHLO client.example.org\r\n")
	conn := NewConnection(mc, ConnectionConfig{})

	line, err := conn.Reader().ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() = %v", err)
	}
	if line != "EHLO client.example.org\r\n" {
		t.Errorf("read %q, want the EHLO line", line)
	}

	if _, err := conn.Writer().WriteString("250 OK\r\n"); err != nil {
		t.Fatalf("WriteString() = %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if got := string(mc.writeData); got != "250 OK\r\n" {
		t.Errorf("wire bytes = %q, want 250 OK", got)
	}
}

func TestConnectionClose(t *testing.T) {
	mc := newMockConn()
	conn := NewConnection(mc, ConnectionConfig{})

	if conn.IsClosed() {
		t.Error("fresh connection reports closed")
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if !conn.IsClosed() || !mc.closed {
		t.Error("Close() must close both the wrapper and the socket")
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("double close should not error: %v", err)
	}
}

func TestConnectionTimeouts(t *testing.T) {
	mc := newMockConn()
	conn := NewConnection(mc, ConnectionConfig{
		IdleTimeout: 5 * time.Minute,
		DataTimeout: 1 * time.Minute,
	})

	if err := conn.ResetIdleTimeout(); err != nil {
		t.Fatalf("ResetIdleTimeout() = %v", err)
	}
	idleDeadline := mc.deadline
	if idleDeadline.IsZero() {
		t.Fatal("idle deadline not armed")
	}

	if err := conn.SetDataTimeout(); err != nil {
		t.Fatalf("SetDataTimeout() = %v", err)
	}
	if mc.deadline.IsZero() {
		t.Fatal("data deadline not armed")
	}
	// DATA allows less time than idling between commands.
	if !mc.deadline.Before(idleDeadline) {
		t.Error("data deadline should be tighter than the idle deadline")
	}
}

func TestConnectionIdleMonitorClosesIdleConnection(t *testing.T) {
	mc := newMockConn()
	conn := NewConnection(mc, ConnectionConfig{
		IdleTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.IdleMonitor(ctx)

	time.Sleep(100 * time.Millisecond)

	if !conn.IsClosed() {
		t.Error("idle connection was not closed by the monitor")
	}
}

func TestConnectionIdleMonitorCancellation(t *testing.T) {
	mc := newMockConn()
	conn := NewConnection(mc, ConnectionConfig{
		IdleTimeout: 5 * time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		conn.IdleMonitor(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("idle monitor should exit on context cancellation")
	}
	if conn.IsClosed() {
		t.Error("cancellation must not close the connection")
	}
}

func TestConnectionTransactionLogging(t *testing.T) {
	mc := newMockConn()
	mc.readData = []byte("NOOP\r\n")
	conn := NewConnection(mc, ConnectionConfig{
		LogTransaction: true,
		Logger:         quietLogger(),
	})

	// The wrappers must stay transparent to the protocol.
	line, err := conn.Reader().ReadString('\n')
	if err != nil || line != "NOOP\r\n" {
		t.Errorf("read through transaction wrapper = %q, %v", line, err)
	}
	if _, err := conn.Writer().WriteString("250 OK\r\n"); err != nil {
		t.Errorf("write through transaction wrapper = %v", err)
	}
}

func TestConnectionUnderlying(t *testing.T) {
	mc := newMockConn()
	conn := NewConnection(mc, ConnectionConfig{})

	if conn.Underlying() != mc {
		t.Error("Underlying() should expose the wrapped socket")
	}
}
