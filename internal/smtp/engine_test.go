package smtp

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/perchmail/perchd/internal/auth"
	"github.com/perchmail/perchd/internal/config"
	"github.com/perchmail/perchd/internal/dnsx"
	"github.com/perchmail/perchd/internal/logging"
	"github.com/perchmail/perchd/internal/queue"
	"github.com/perchmail/perchd/internal/ratelimit"
	"github.com/perchmail/perchd/internal/server"
	"github.com/perchmail/perchd/internal/store"
	"github.com/perchmail/perchd/internal/testutil"
)

// mockConn implements net.Conn for testing.
type mockConn struct {
	readData   []byte
	readPos    int
	writeData  bytes.Buffer
	localAddr  net.Addr
	remoteAddr net.Addr
	closed     bool
}

func newMockConn(remoteIP string) *mockConn {
	return &mockConn{
		localAddr:  &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 25},
		remoteAddr: &net.TCPAddr{IP: net.ParseIP(remoteIP), Port: 54321},
	}
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	if m.readPos >= len(m.readData) {
		return 0, io.EOF
	}
	n = copy(b, m.readData[m.readPos:])
	m.readPos += n
	return n, nil
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	return m.writeData.Write(b)
}

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr                { return m.localAddr }
func (m *mockConn) RemoteAddr() net.Addr               { return m.remoteAddr }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	engine *Engine
	store  *store.Store
	queue  *queue.Queue
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Default()
	cfg.Hostname = "mail.example.com"
	cfg.Domain = "example.com"
	cfg.Auth.Methods = []string{"PLAIN", "LOGIN", "CRAM-MD5"}
	cfg.TLS.Enabled = false
	cfg.SPF.Checking = false
	cfg.DMARC.Checking = false
	cfg.Spam.EnableBlacklistCheck = false
	cfg.Spam.EnableGreylisting = false

	limiter := ratelimit.New(rdb, ratelimit.Config{
		MaxConnectionRate:  cfg.Limits.MaxConnectionRate,
		MaxMessagesPerHour: cfg.Limits.MaxMessagesPerHour,
		MaxMessagesPerDay:  cfg.Limits.MaxMessagesPerDay,
		MaxAuthAttempts:    cfg.Limits.MaxAuthAttempts,
	})
	q := queue.New(rdb)

	engine := NewEngine(EngineConfig{
		Config:   &cfg,
		Store:    st,
		Limiter:  limiter,
		Queue:    q,
		Resolver: dnsx.NewClient(nil),
		Auth:     auth.NewHandler(st, cfg.Hostname, testLogger()),
	})

	return &testEnv{engine: engine, store: st, queue: q, cfg: &cfg}
}

// createAccount provisions an active local domain and user.
func createAccount(t *testing.T, st *store.Store, username, domain, password string) *store.User {
	t.Helper()
	return testutil.SeedUser(t, st, username, domain, password)
}

// runSession feeds a scripted client transcript through the engine and
// returns everything the server wrote.
func runSession(t *testing.T, env *testEnv, remoteIP, input string) string {
	t.Helper()

	mc := newMockConn(remoteIP)
	mc.readData = []byte(input)
	conn := server.NewConnection(mc, server.ConnectionConfig{
		IdleTimeout: time.Minute,
		DataTimeout: time.Minute,
		Logger:      testLogger(),
	})
	ctx := logging.NewContext(context.Background(), testLogger())

	env.engine.handle(ctx, conn)
	return mc.writeData.String()
}

func script(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestGreetingAndQuit(t *testing.T) {
	env := newTestEnv(t)

	out := runSession(t, env, "192.0.2.10", script("QUIT"))

	if !strings.HasPrefix(out, "220 mail.example.com ESMTP Service ready\r\n") {
		t.Errorf("expected greeting, got %q", out)
	}
	if !strings.Contains(out, "221 Goodbye") {
		t.Errorf("expected goodbye, got %q", out)
	}
}

func TestEHLOCapabilities(t *testing.T) {
	env := newTestEnv(t)

	out := runSession(t, env, "192.0.2.10", script("EHLO client.example.org", "QUIT"))

	if !strings.Contains(out, "250-mail.example.com Hello client.example.org [192.0.2.10]") {
		t.Errorf("expected EHLO banner line, got %q", out)
	}
	if !strings.Contains(out, "250-SIZE 26214400") {
		t.Errorf("expected SIZE capability, got %q", out)
	}
	if !strings.Contains(out, "8BITMIME") {
		t.Errorf("expected 8BITMIME capability, got %q", out)
	}
	// Plaintext mechanisms must not be offered on an unencrypted remote
	// connection; CRAM-MD5 still is.
	if strings.Contains(out, "PLAIN") || strings.Contains(out, "LOGIN") {
		t.Errorf("plaintext auth advertised without TLS: %q", out)
	}
	if !strings.Contains(out, "AUTH CRAM-MD5") {
		t.Errorf("expected CRAM-MD5 to be advertised, got %q", out)
	}
}

func TestEHLOAdvertisesPlaintextAuthOnLocalhost(t *testing.T) {
	env := newTestEnv(t)

	out := runSession(t, env, "127.0.0.1", script("EHLO localhost", "QUIT"))

	if !strings.Contains(out, "AUTH PLAIN LOGIN CRAM-MD5") {
		t.Errorf("expected full AUTH list on localhost, got %q", out)
	}
}

func TestMailBeforeGreetingRejected(t *testing.T) {
	env := newTestEnv(t)

	out := runSession(t, env, "192.0.2.10", script("MAIL FROM:<a@b.test>", "QUIT"))

	if !strings.Contains(out, "503 Bad sequence of commands") {
		t.Errorf("expected 503, got %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	env := newTestEnv(t)

	out := runSession(t, env, "192.0.2.10", script("EHLO x", "FOOBAR", "QUIT"))

	if !strings.Contains(out, "500 Syntax error, command unrecognized") {
		t.Errorf("expected 500, got %q", out)
	}
}

func TestRelayDeniedWithoutAuth(t *testing.T) {
	env := newTestEnv(t)

	out := runSession(t, env, "192.0.2.10", script(
		"EHLO client.example.org",
		"MAIL FROM:<sender@remote.test>",
		"RCPT TO:<someone@elsewhere.test>",
		"QUIT",
	))

	if !strings.Contains(out, "530 Authentication required") {
		t.Errorf("expected relay denial, got %q", out)
	}
}

func TestRcptUnknownLocalUser(t *testing.T) {
	env := newTestEnv(t)
	createAccount(t, env.store, "alice", "example.com", "hunter2")

	out := runSession(t, env, "192.0.2.10", script(
		"EHLO client.example.org",
		"MAIL FROM:<sender@remote.test>",
		"RCPT TO:<nobody@example.com>",
		"QUIT",
	))

	if !strings.Contains(out, "550 User unknown") {
		t.Errorf("expected 550 for unknown local user, got %q", out)
	}
}

func TestInboundMessageAccepted(t *testing.T) {
	env := newTestEnv(t)
	createAccount(t, env.store, "alice", "example.com", "hunter2")

	out := runSession(t, env, "192.0.2.10", script(
		"EHLO client.example.org",
		"MAIL FROM:<sender@remote.test>",
		"RCPT TO:<alice@example.com>",
		"DATA",
		"Message-ID: <test-1@remote.test>",
		"Date: Mon, 25 Aug 2026 10:00:00 +0000",
		"From: sender@remote.test",
		"Subject: Meeting notes",
		"",
		"See you tomorrow at ten.",
		".",
		"QUIT",
	))

	if !strings.Contains(out, "354 Start mail input") {
		t.Errorf("expected 354, got %q", out)
	}
	if !strings.Contains(out, "250 Message accepted for delivery") {
		t.Errorf("expected acceptance, got %q", out)
	}

	m, err := env.store.MessageByID("<test-1@remote.test>")
	if err != nil {
		t.Fatalf("MessageByID() = %v", err)
	}
	if m.Status != store.StatusQueued {
		t.Errorf("message status = %q, want queued", m.Status)
	}
	if m.MailFrom != "sender@remote.test" {
		t.Errorf("mail from = %q", m.MailFrom)
	}
	if m.Subject != "Meeting notes" {
		t.Errorf("subject = %q", m.Subject)
	}

	ids, err := env.queue.Dequeue(context.Background(), 1)
	if err != nil || len(ids) != 1 || ids[0] != "<test-1@remote.test>" {
		t.Errorf("Dequeue() = %v, %v; want the accepted message", ids, err)
	}
}

func TestSpamMessageRejected(t *testing.T) {
	env := newTestEnv(t)
	createAccount(t, env.store, "alice", "example.com", "hunter2")

	out := runSession(t, env, "192.0.2.10", script(
		"EHLO client.example.org",
		"MAIL FROM:<sender@remote.test>",
		"RCPT TO:<alice@example.com>",
		"DATA",
		"Subject: FREE VIAGRA CASINO WINNER PRIZE!!!!",
		"",
		".",
		"QUIT",
	))

	if !strings.Contains(out, "550 Message rejected as spam") {
		t.Errorf("expected spam rejection, got %q", out)
	}
}

func TestMessageTooLarge(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Limits.MaxMessageSize = 64
	createAccount(t, env.store, "alice", "example.com", "hunter2")

	out := runSession(t, env, "192.0.2.10", script(
		"EHLO client.example.org",
		"MAIL FROM:<sender@remote.test>",
		"RCPT TO:<alice@example.com>",
		"DATA",
		strings.Repeat("x", 200),
		".",
		"QUIT",
	))

	if !strings.Contains(out, "552 Message too large") {
		t.Errorf("expected 552, got %q", out)
	}
	// Session must stay usable after the oversized message is drained.
	if !strings.Contains(out, "221 Goodbye") {
		t.Errorf("expected session to survive, got %q", out)
	}
}

func TestMailSizeParameterRejectedEarly(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Limits.MaxMessageSize = 1024

	out := runSession(t, env, "192.0.2.10", script(
		"EHLO client.example.org",
		"MAIL FROM:<sender@remote.test> SIZE=999999",
		"QUIT",
	))

	if !strings.Contains(out, "552 Message too large") {
		t.Errorf("expected early 552 from SIZE parameter, got %q", out)
	}
}

func TestAuthPlainAndRelay(t *testing.T) {
	env := newTestEnv(t)
	createAccount(t, env.store, "alice", "example.com", "hunter2")

	out := runSession(t, env, "127.0.0.1", script(
		"EHLO localhost",
		"AUTH PLAIN "+b64("\x00alice\x00hunter2"),
		"MAIL FROM:<alice@example.com>",
		"RCPT TO:<someone@elsewhere.test>",
		"QUIT",
	))

	if !strings.Contains(out, "235 Authentication successful") {
		t.Errorf("expected auth success, got %q", out)
	}
	if strings.Contains(out, "530 ") {
		t.Errorf("authenticated relay should be allowed, got %q", out)
	}
}

func TestAuthLoginMultiTurn(t *testing.T) {
	env := newTestEnv(t)
	createAccount(t, env.store, "alice", "example.com", "hunter2")

	out := runSession(t, env, "127.0.0.1", script(
		"EHLO localhost",
		"AUTH LOGIN",
		b64("alice"),
		b64("hunter2"),
		"QUIT",
	))

	if !strings.Contains(out, "334 "+b64("Username:")) {
		t.Errorf("expected username prompt, got %q", out)
	}
	if !strings.Contains(out, "334 "+b64("Password:")) {
		t.Errorf("expected password prompt, got %q", out)
	}
	if !strings.Contains(out, "235 Authentication successful") {
		t.Errorf("expected auth success, got %q", out)
	}
}

func TestAuthPlainWithoutInitialResponse(t *testing.T) {
	env := newTestEnv(t)
	createAccount(t, env.store, "alice", "example.com", "hunter2")

	out := runSession(t, env, "127.0.0.1", script(
		"EHLO localhost",
		"AUTH PLAIN",
		b64("\x00alice\x00hunter2"),
		"QUIT",
	))

	if !strings.Contains(out, "334 \r\n") {
		t.Errorf("expected empty challenge, got %q", out)
	}
	if !strings.Contains(out, "235 Authentication successful") {
		t.Errorf("expected auth success, got %q", out)
	}
}

func TestAuthCancelled(t *testing.T) {
	env := newTestEnv(t)

	out := runSession(t, env, "127.0.0.1", script(
		"EHLO localhost",
		"AUTH LOGIN",
		"*",
		"QUIT",
	))

	if !strings.Contains(out, "501 Authentication cancelled") {
		t.Errorf("expected cancellation, got %q", out)
	}
	if !strings.Contains(out, "221 Goodbye") {
		t.Errorf("session should continue after cancel, got %q", out)
	}
}

func TestAuthWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	createAccount(t, env.store, "alice", "example.com", "hunter2")

	out := runSession(t, env, "127.0.0.1", script(
		"EHLO localhost",
		"AUTH PLAIN "+b64("\x00alice\x00wrong"),
		"QUIT",
	))

	if !strings.Contains(out, "535 Authentication failed") {
		t.Errorf("expected 535, got %q", out)
	}
}

func TestAuthLockedAccountKeepsSessionOpen(t *testing.T) {
	env := newTestEnv(t)
	createAccount(t, env.store, "alice", "example.com", "hunter2")
	for i := 0; i < 5; i++ {
		if err := env.store.RecordAuthFailure("alice"); err != nil {
			t.Fatalf("RecordAuthFailure() = %v", err)
		}
	}

	out := runSession(t, env, "127.0.0.1", script(
		"EHLO localhost",
		"AUTH PLAIN "+b64("\x00alice\x00hunter2"),
		"QUIT",
	))

	// A lockout answers 535 and leaves the session usable; only the
	// per-connection attempt limit closes with a 421.
	if !strings.Contains(out, "535 Account locked") {
		t.Errorf("expected 535 Account locked, got %q", out)
	}
	if strings.Contains(out, "421 ") {
		t.Errorf("lockout should not close the connection, got %q", out)
	}
	if !strings.Contains(out, "221 Goodbye") {
		t.Errorf("session should survive the lockout reply, got %q", out)
	}
}

func TestAuthTooManyFailuresClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Limits.MaxAuthAttempts = 2
	createAccount(t, env.store, "alice", "example.com", "hunter2")

	out := runSession(t, env, "127.0.0.1", script(
		"EHLO localhost",
		"AUTH PLAIN "+b64("\x00alice\x00wrong"),
		"AUTH PLAIN "+b64("\x00alice\x00wrong"),
		"QUIT",
	))

	if !strings.Contains(out, "421 Too many failed authentication attempts") {
		t.Errorf("expected 421 close, got %q", out)
	}
	// The QUIT must never have been answered.
	if strings.Contains(out, "221 Goodbye") {
		t.Errorf("connection should have closed before QUIT, got %q", out)
	}
}

func TestAuthPlainRequiresTLSForRemoteClients(t *testing.T) {
	env := newTestEnv(t)

	out := runSession(t, env, "192.0.2.10", script(
		"EHLO client.example.org",
		"AUTH PLAIN "+b64("\x00alice\x00hunter2"),
		"QUIT",
	))

	if !strings.Contains(out, "538 Encryption required") {
		t.Errorf("expected 538, got %q", out)
	}
}

func TestAuthCRAMMD5(t *testing.T) {
	env := newTestEnv(t)
	createAccount(t, env.store, "alice", "example.com", "hunter2")

	// The challenge is unpredictable, so drive the exchange in two
	// sessions: the first to observe the 334, then replay with a digest
	// computed from a fixed challenge is impossible. Instead verify the
	// challenge shape and that a garbage digest is refused.
	out := runSession(t, env, "192.0.2.10", script(
		"EHLO client.example.org",
		"AUTH CRAM-MD5",
		b64("alice deadbeef"),
		"QUIT",
	))

	idx := strings.Index(out, "334 ")
	if idx < 0 {
		t.Fatalf("expected CRAM-MD5 challenge, got %q", out)
	}
	challengeB64 := strings.TrimSpace(strings.SplitN(out[idx+4:], "\r\n", 2)[0])
	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil {
		t.Fatalf("challenge is not base64: %v", err)
	}
	if !strings.HasPrefix(string(challenge), "<") || !strings.HasSuffix(string(challenge), "@mail.example.com>") {
		t.Errorf("unexpected challenge format %q", challenge)
	}
	if !strings.Contains(out, "535 Authentication failed") {
		t.Errorf("expected bad digest to be refused, got %q", out)
	}
}

func TestAuthDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Auth.Enabled = false

	out := runSession(t, env, "127.0.0.1", script(
		"EHLO localhost",
		"AUTH PLAIN "+b64("\x00alice\x00hunter2"),
		"QUIT",
	))

	if !strings.Contains(out, "502 Authentication not enabled") {
		t.Errorf("expected 502, got %q", out)
	}
}

func TestConnectionRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.engine.limiter = ratelimit.New(
		redisClientFor(t), ratelimit.Config{MaxConnectionRate: 0})

	out := runSession(t, env, "192.0.2.10", script("QUIT"))

	if !strings.Contains(out, "421 mail.example.com Too many connections") {
		t.Errorf("expected connection rate refusal, got %q", out)
	}
}

func redisClientFor(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestBlacklistedClientRefused(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.AddBlacklistEntry(&store.BlacklistEntry{Type: "ip", Value: "192.0.2.10"}); err != nil {
		t.Fatalf("AddBlacklistEntry() = %v", err)
	}

	out := runSession(t, env, "192.0.2.10", script("QUIT"))

	if !strings.Contains(out, "554 Access denied") {
		t.Errorf("expected 554, got %q", out)
	}
	if strings.Contains(out, "220 ") {
		t.Errorf("blocked client should not be greeted, got %q", out)
	}
}

func TestGreylisting(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Spam.EnableGreylisting = true
	createAccount(t, env.store, "alice", "example.com", "hunter2")

	out := runSession(t, env, "192.0.2.10", script(
		"EHLO client.example.org",
		"MAIL FROM:<sender@remote.test>",
		"RCPT TO:<alice@example.com>",
		"QUIT",
	))

	if !strings.Contains(out, "451 Greylisted, try again later") {
		t.Errorf("expected greylist deferral, got %q", out)
	}
}

func TestVRFY(t *testing.T) {
	env := newTestEnv(t)
	createAccount(t, env.store, "alice", "example.com", "hunter2")

	out := runSession(t, env, "192.0.2.10", script(
		"EHLO client.example.org",
		"VRFY alice@example.com",
		"VRFY nobody@example.com",
		"VRFY someone@elsewhere.test",
		"QUIT",
	))

	if !strings.Contains(out, "250 <alice@example.com>") {
		t.Errorf("expected VRFY match, got %q", out)
	}
	if !strings.Contains(out, "550 User unknown") {
		t.Errorf("expected VRFY miss, got %q", out)
	}
	if !strings.Contains(out, "252 Cannot VRFY user") {
		t.Errorf("expected noncommittal VRFY for remote, got %q", out)
	}
}

func TestConnectionAccounting(t *testing.T) {
	env := newTestEnv(t)

	runSession(t, env, "192.0.2.10", script("EHLO client.example.org", "QUIT"))

	conns, err := env.store.RecentConnections(10)
	if err != nil {
		t.Fatalf("RecentConnections() = %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("connection rows = %d, want 1", len(conns))
	}
	c := conns[0]
	if c.RemoteIP != "192.0.2.10" {
		t.Errorf("remote ip = %q", c.RemoteIP)
	}
	if c.HeloHostname != "client.example.org" {
		t.Errorf("helo = %q", c.HeloHostname)
	}
	if c.CommandsReceived != 2 {
		t.Errorf("commands received = %d, want 2", c.CommandsReceived)
	}
	if c.Blocked {
		t.Error("clean session recorded as blocked")
	}
}

func TestShutdownDrain(t *testing.T) {
	env := newTestEnv(t)

	mc := newMockConn("192.0.2.10")
	mc.readData = []byte(script("EHLO client.example.org", "NOOP"))
	conn := server.NewConnection(mc, server.ConnectionConfig{
		IdleTimeout: time.Minute,
		Logger:      testLogger(),
	})

	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), testLogger()))
	cancel()

	env.engine.handle(ctx, conn)

	out := mc.writeData.String()
	if !strings.Contains(out, "421 mail.example.com Service shutting down") {
		t.Errorf("expected shutdown 421, got %q", out)
	}
}
