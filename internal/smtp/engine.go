// Package smtp implements the server side of the SMTP protocol: the
// command state machine, authentication, STARTTLS and message
// acceptance. Commands are matched against a registry of regexp
// patterns; each command carries the engine and gates itself on the
// configuration, so the registry is the same for every listener.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/dmarc"

	"github.com/perchmail/perchd/internal/auth"
	"github.com/perchmail/perchd/internal/config"
	"github.com/perchmail/perchd/internal/dkim"
	"github.com/perchmail/perchd/internal/dnsx"
	"github.com/perchmail/perchd/internal/logging"
	"github.com/perchmail/perchd/internal/message"
	"github.com/perchmail/perchd/internal/metrics"
	"github.com/perchmail/perchd/internal/queue"
	"github.com/perchmail/perchd/internal/ratelimit"
	"github.com/perchmail/perchd/internal/server"
	"github.com/perchmail/perchd/internal/spam"
	"github.com/perchmail/perchd/internal/store"
)

// EngineConfig wires the engine's dependencies.
type EngineConfig struct {
	Config    *config.Config
	Store     *store.Store
	Limiter   *ratelimit.Limiter
	Queue     *queue.Queue
	Resolver  *dnsx.Client
	Auth      *auth.Handler
	Collector metrics.Collector
	TLSConfig *tls.Config
}

// Engine processes SMTP connections against the configured policy.
type Engine struct {
	cfg       *config.Config
	store     *store.Store
	limiter   *ratelimit.Limiter
	queue     *queue.Queue
	resolver  *dnsx.Client
	auth      *auth.Handler
	collector metrics.Collector
	tlsConfig *tls.Config
	registry  *CommandRegistry
}

// NewEngine creates an Engine. The Collector may be nil.
func NewEngine(ec EngineConfig) *Engine {
	if ec.Collector == nil {
		ec.Collector = &metrics.NoopCollector{}
	}
	e := &Engine{
		cfg:       ec.Config,
		store:     ec.Store,
		limiter:   ec.Limiter,
		queue:     ec.Queue,
		resolver:  ec.Resolver,
		auth:      ec.Auth,
		collector: ec.Collector,
		tlsConfig: ec.TLSConfig,
	}
	e.registry = NewCommandRegistry(e)
	return e
}

// Handler returns the ConnectionHandler for the server's listeners.
func (e *Engine) Handler() server.ConnectionHandler {
	return e.handle
}

func (e *Engine) sessionConfig() SessionConfig {
	return SessionConfig{
		MaxRecipients:    e.cfg.Limits.MaxRecipientsPerMessage,
		MaxMessageSize:   e.cfg.Limits.MaxMessageSize,
		MaxHeloDomainLen: 255,
		MaxEmailLen:      320,
	}
}

// advertisableMechanisms returns the AUTH mechanisms EHLO may offer on
// this session. Plaintext mechanisms are withheld until the channel is
// encrypted; CRAM-MD5 never exposes the secret and is always offered.
func (e *Engine) advertisableMechanisms(session *SMTPSession) []string {
	if !e.cfg.Auth.Enabled {
		return nil
	}
	plaintextOK := session.IsTLSActive() || isLocalhost(session.ConnInfo().ClientIP)
	var mechs []string
	for _, m := range e.cfg.Auth.Methods {
		m = strings.ToUpper(m)
		if m == auth.MechCRAMMD5 || plaintextOK {
			mechs = append(mechs, m)
		}
	}
	return mechs
}

func (e *Engine) handle(ctx context.Context, conn *server.Connection) {
	logger := logging.FromContext(ctx)

	e.collector.ConnectionOpened()
	defer e.collector.ConnectionClosed()

	clientIP, clientPort := splitAddr(conn.RemoteAddr())
	connInfo := ConnectionInfo{
		ClientIP:   clientIP,
		ClientPort: clientPort,
		Protocol:   "smtp",
	}
	if conn.IsTLS() {
		connInfo.Protocol = "smtps"
	}

	session := NewSMTPSession(connInfo, e.sessionConfig())
	session.SetTLSActive(conn.IsTLS())

	connected := time.Now()
	blockReason := ""
	defer func() {
		e.recordConnection(session, conn, connected, blockReason)
	}()

	// Connection gates, cheapest first.
	if !e.limiter.AllowConnection(ctx, clientIP) {
		blockReason = "rate_limited"
		e.collector.RateLimitExceeded("connection")
		_ = writeResponse(conn, 421, e.cfg.Hostname+" Too many connections, try again later")
		return
	}
	if e.limiter.IsBlocked(ctx, clientIP) {
		blockReason = "blocked"
		_ = writeResponse(conn, 554, "Access denied")
		return
	}
	if blocked, err := e.store.IsBlacklisted(clientIP); err == nil && blocked {
		blockReason = "blacklisted"
		_ = writeResponse(conn, 554, "Access denied")
		return
	}
	if e.cfg.Spam.EnableBlacklistCheck {
		if ip := net.ParseIP(clientIP); ip != nil {
			lists, err := e.resolver.CheckDNSBL(ctx, ip, e.cfg.Spam.BlacklistServers)
			if err == nil && len(lists) > 0 {
				e.collector.RBLHit(lists[0])
				blockReason = "dnsbl"
				_ = writeResponse(conn, 554, "Service unavailable; client host blocked by "+lists[0])
				return
			}
		}
	}

	if err := writeResponse(conn, 220, e.cfg.Hostname+" ESMTP Service ready"); err != nil {
		logger.Debug("failed to send greeting", "error", err.Error())
		return
	}
	_ = conn.ResetIdleTimeout()

	for {
		select {
		case <-ctx.Done():
			// Shutdown drain: tell the client to come back later.
			_ = writeResponse(conn, 421, e.cfg.Hostname+" Service shutting down")
			return
		default:
		}

		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err != io.EOF {
				logger.Debug("failed to read command", "error", err.Error())
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		session.CountCommand(len(line))

		// An in-progress AUTH exchange owns the next line, including
		// an empty one.
		if session.PendingAuth() != nil {
			result := e.continueAuth(session, line)
			if err := writeResult(conn, result); err != nil {
				return
			}
			_ = conn.ResetIdleTimeout()
			if result.Code == 421 {
				return
			}
			continue
		}

		if line == "" {
			continue
		}

		cmd, matches, err := e.registry.Match(line)
		if err != nil {
			if err := writeResponse(conn, 500, "Syntax error, command unrecognized"); err != nil {
				return
			}
			_ = conn.ResetIdleTimeout()
			continue
		}
		e.collector.CommandProcessed(commandName(line))

		result, execErr := cmd.Execute(ctx, session, matches)
		if execErr != nil {
			logger.Debug("command execution failed", "command", commandName(line), "error", execErr.Error())
			if err := writeResponse(conn, 451, "Requested action aborted"); err != nil {
				return
			}
			_ = conn.ResetIdleTimeout()
			continue
		}

		// DATA needs the 354 flushed before the content arrives.
		if _, ok := cmd.(*DATACommand); ok && result.Code == 354 {
			if err := writeResult(conn, result); err != nil {
				return
			}
			dataResult, err := e.receiveData(ctx, conn, session)
			session.Reset()
			if err != nil {
				logger.Debug("data phase failed", "error", err.Error())
				return
			}
			if err := writeResult(conn, dataResult); err != nil {
				return
			}
			_ = conn.ResetIdleTimeout()
			continue
		}

		if err := writeResult(conn, result); err != nil {
			return
		}
		_ = conn.ResetIdleTimeout()

		if result.Code == 221 || result.Code == 421 {
			return
		}

		if _, ok := cmd.(*STARTTLSCommand); ok && result.Code == 220 {
			if err := conn.StartTLS(e.tlsConfig); err != nil {
				logger.Debug("TLS handshake failed", "error", err.Error())
				return
			}
			session.ResetForTLS()
			e.collector.TLSConnectionEstablished()
			logger.Debug("TLS established")
		}
	}
}

// recordConnection writes the accounting row when a session ends.
func (e *Engine) recordConnection(session *SMTPSession, conn *server.Connection, connected time.Time, blockReason string) {
	rec := &store.Connection{
		RemoteIP:          session.ConnInfo().ClientIP,
		RemotePort:        session.ConnInfo().ClientPort,
		HeloHostname:      session.GetHelo(),
		Protocol:          session.ConnInfo().Protocol,
		TLSEnabled:        session.IsTLSActive(),
		Authenticated:     session.IsAuthenticated(),
		AuthenticatedUser: session.AuthUser(),
		MessagesSent:      session.MessagesSent(),
		BytesReceived:     session.BytesReceived(),
		CommandsReceived:  session.CommandsReceived(),
		Blocked:           blockReason != "",
		BlockReason:       blockReason,
		ConnectedAt:       connected,
		DisconnectedAt:    time.Now(),
	}
	if err := e.store.InsertConnection(rec); err != nil {
		conn.Logger().Debug("failed to record connection", "error", err.Error())
	}
}

// receiveData collects the message content after a 354 and accepts or
// rejects it. The returned error means the connection is unusable.
func (e *Engine) receiveData(ctx context.Context, conn *server.Connection, session *SMTPSession) (SMTPResult, error) {
	_ = conn.SetDataTimeout()
	defer func() { _ = conn.ResetIdleTimeout() }()

	data, err := collectMessageData(conn, session.Config().MaxMessageSize)
	session.CountData(int64(len(data)))
	if err == ErrInputTooLong {
		e.collector.MessageRejected(recipientDomain(session.GetRecipients()), "size")
		return SMTPResult{Code: 552, Message: "Message too large"}, nil
	}
	if err != nil {
		return SMTPResult{}, err
	}

	return e.acceptMessage(ctx, session, data), nil
}

// acceptMessage runs the acceptance pipeline: parse, inbound
// authentication checks, spam scoring, persistence and enqueue.
func (e *Engine) acceptMessage(ctx context.Context, session *SMTPSession, data []byte) SMTPResult {
	logger := logging.FromContext(ctx)
	rcptDomain := recipientDomain(session.GetRecipients())
	peerIP := net.ParseIP(session.ConnInfo().ClientIP)

	msg, err := message.Parse(data)
	if err != nil {
		// Keep the raw bytes; header extraction just comes up empty.
		msg = &message.Message{Raw: data}
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = message.NewMessageID(e.cfg.Hostname)
	}
	logger = logging.WithMessage(logger, messageID)

	var inbound inboundAuth
	if !session.IsAuthenticated() {
		var reject *SMTPResult
		inbound, reject = e.checkInboundAuth(ctx, session, msg, peerIP)
		if reject != nil {
			e.collector.MessageRejected(rcptDomain, "policy")
			logger.Info("message rejected by sender policy",
				"spf", inbound.spf, "dkim", inbound.dkim, "dmarc", inbound.dmarc)
			return *reject
		}
	}

	verdict := spam.Check(msg, session.GetSender(), peerIP)
	switch {
	case verdict.Reject():
		e.collector.SpamScored("rejected")
		e.collector.MessageRejected(rcptDomain, "spam")
		logger.Info("message rejected as spam", "score", verdict.Score, "rules", strings.Join(verdict.Rules, ","))
		if !session.IsAuthenticated() {
			_ = e.limiter.RecordFailure(ctx, session.ConnInfo().ClientIP, "spam")
		}
		return SMTPResult{Code: 550, Message: "Message rejected as spam"}
	case verdict.Mark():
		e.collector.SpamScored("marked")
	default:
		e.collector.SpamScored("clean")
	}

	m := &store.Message{
		MessageID:   messageID,
		MailFrom:    session.GetSender(),
		RcptTo:      session.GetRecipients(),
		Subject:     msg.Subject,
		Size:        int64(len(data)),
		Raw:         data,
		SPFResult:   inbound.spf,
		DKIMResult:  inbound.dkim,
		DMARCResult: inbound.dmarc,
		SpamScore:   verdict.Score,
		RemoteIP:    session.ConnInfo().ClientIP,
		SenderUser:  session.AuthUser(),
	}
	if err := e.store.InsertMessage(m); err != nil {
		logger.Error("failed to persist message", "error", err.Error())
		return SMTPResult{Code: 451, Message: "Temporary failure, try again later"}
	}

	if verdict.Mark() || inbound.quarantine {
		rules := verdict.Rules
		if inbound.quarantine {
			rules = append(rules, "dmarc_quarantine")
		}
		if err := e.store.InsertSpamScore(&store.SpamScore{
			MessageID: messageID,
			Score:     verdict.Score,
			IsSpam:    true,
			Rules:     rules,
		}); err != nil {
			logger.Warn("failed to record spam verdict", "error", err.Error())
		}
	}

	if err := e.queue.Enqueue(ctx, messageID, queue.DefaultPriority); err != nil {
		// The message is persisted as queued; the startup requeue sweep
		// picks up anything that never reached the ready set.
		logger.Error("failed to enqueue message", "error", err.Error())
	}

	if session.IsAuthenticated() {
		if err := e.store.IncrementMessagesSent(session.AuthUser()); err != nil {
			logger.Warn("failed to bump send counter", "error", err.Error())
		}
	}

	session.CountMessage()
	e.collector.MessageReceived(rcptDomain, int64(len(data)))
	logger.Info("message accepted",
		"from", session.GetSender(),
		"recipients", len(session.GetRecipients()),
		"size", len(data),
		"spam_score", verdict.Score)

	return SMTPResult{Code: 250, Message: "Message accepted for delivery"}
}

// inboundAuth holds the recorded SPF/DKIM/DMARC outcome for a message
// from an unauthenticated peer.
type inboundAuth struct {
	spf        string
	dkim       string
	dmarc      string
	quarantine bool
}

// checkInboundAuth evaluates sender policy for unauthenticated mail.
// A non-nil reject result stops acceptance.
func (e *Engine) checkInboundAuth(ctx context.Context, session *SMTPSession, msg *message.Message, peerIP net.IP) (inboundAuth, *SMTPResult) {
	logger := logging.FromContext(ctx)
	sender := session.GetSender()
	senderDomain := domainOf(sender)
	var res inboundAuth

	var spfResult dnsx.SPFResult
	if e.cfg.SPF.Checking && peerIP != nil {
		var err error
		spfResult, err = e.resolver.CheckSPF(ctx, peerIP, session.GetHelo(), sender)
		if err != nil {
			logger.Debug("SPF check error", "error", err.Error())
		}
		res.spf = string(spfResult)
		e.collector.SPFCheckCompleted(senderDomain, res.spf)

		if spfResult == dnsx.SPFFail {
			switch e.cfg.SPF.FailurePolicy {
			case "fail":
				return res, &SMTPResult{Code: 550, Message: "SPF check failed"}
			case "softfail":
				return res, &SMTPResult{Code: 451, Message: "SPF check failed, try again later"}
			}
		}
	}

	if !e.cfg.DMARC.Checking {
		return res, nil
	}

	dkimResult, dkimDomain, err := dkim.Verify(msg.Raw, e.resolver.LookupTXTFunc(ctx))
	if err != nil {
		logger.Debug("DKIM verification error", "error", err.Error())
	}
	res.dkim = string(dkimResult)
	e.collector.DKIMCheckCompleted(dkimDomain, res.dkim)

	fromDomain := headerFromDomain(msg)
	if fromDomain == "" {
		fromDomain = senderDomain
	}
	if fromDomain == "" {
		return res, nil
	}

	_, record, err := e.resolver.FetchDMARC(ctx, fromDomain)
	if err != nil || record == nil {
		res.dmarc = "none"
		return res, nil
	}

	// Relaxed alignment on both identifiers.
	pass := (spfResult == dnsx.SPFPass && aligned(senderDomain, fromDomain)) ||
		(dkimResult == dkim.ResultPass && aligned(dkimDomain, fromDomain))
	if pass {
		res.dmarc = "pass"
	} else {
		res.dmarc = "fail"
	}
	e.collector.DMARCCheckCompleted(fromDomain, res.dmarc)

	if !pass {
		switch {
		case record.Policy == dmarc.PolicyReject && e.cfg.DMARC.FailurePolicy == "reject":
			return res, &SMTPResult{Code: 550, Message: "Message rejected by DMARC policy"}
		case record.Policy != dmarc.PolicyNone && e.cfg.DMARC.FailurePolicy != "none":
			res.quarantine = true
		}
	}
	return res, nil
}

// aligned implements relaxed DMARC identifier alignment: equal domains
// or one a parent of the other.
func aligned(domain, fromDomain string) bool {
	domain = strings.ToLower(domain)
	fromDomain = strings.ToLower(fromDomain)
	if domain == "" || fromDomain == "" {
		return false
	}
	return domain == fromDomain ||
		strings.HasSuffix(domain, "."+fromDomain) ||
		strings.HasSuffix(fromDomain, "."+domain)
}

// headerFromDomain extracts the domain of the RFC5322.From address.
func headerFromDomain(msg *message.Message) string {
	if len(msg.FromHeaders) == 0 {
		return ""
	}
	addr, err := mail.ParseAddress(msg.FromHeaders[0])
	if err != nil {
		return ""
	}
	return domainOf(addr.Address)
}

// writeResponse writes a single-line SMTP response and flushes it.
func writeResponse(conn *server.Connection, code int, message string) error {
	if _, err := fmt.Fprintf(conn.Writer(), "%d %s\r\n", code, message); err != nil {
		return err
	}
	return conn.Flush()
}

// writeResult writes an SMTPResult, using continuation lines when the
// result is multi-line.
func writeResult(conn *server.Connection, result SMTPResult) error {
	if len(result.Lines) == 0 {
		return writeResponse(conn, result.Code, result.Message)
	}
	for i, line := range result.Lines {
		sep := "-"
		if i == len(result.Lines)-1 {
			sep = " "
		}
		if _, err := fmt.Fprintf(conn.Writer(), "%d%s%s\r\n", result.Code, sep, line); err != nil {
			return err
		}
	}
	return conn.Flush()
}

// collectMessageData reads message content until the terminating dot,
// handling dot-stuffing per RFC 5321. When the size limit is exceeded
// the rest of the message is drained so the session stays usable, and
// ErrInputTooLong is returned.
func collectMessageData(conn *server.Connection, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	var totalSize int64
	tooLong := false

	for {
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "." {
			break
		}

		// Dot-stuffing: lines starting with "." have it removed.
		line = strings.TrimPrefix(line, ".")

		totalSize += int64(len(line)) + 2
		if maxSize > 0 && totalSize > maxSize {
			tooLong = true
			continue
		}

		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	if tooLong {
		return nil, ErrInputTooLong
	}
	return buf.Bytes(), nil
}

// splitAddr extracts IP and port from a net.Addr.
func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// recipientDomain extracts the domain of the first recipient for
// metric labels.
func recipientDomain(recipients []string) string {
	if len(recipients) == 0 {
		return "unknown"
	}
	if d := domainOf(recipients[0]); d != "" {
		return d
	}
	return "unknown"
}

// commandName extracts the command verb from an SMTP line for metrics.
func commandName(line string) string {
	line = strings.ToUpper(line)
	if idx := strings.Index(line, " "); idx > 0 {
		return line[:idx]
	}
	return line
}
