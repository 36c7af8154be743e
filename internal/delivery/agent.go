// Package delivery pushes accepted messages to their destination mail
// exchangers. Messages are signed once, recipients are grouped by
// domain, and each domain's MX hosts are tried in priority order with
// opportunistic STARTTLS. Every wire attempt is recorded for the
// operator's audit trail.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/perchmail/perchd/internal/config"
	"github.com/perchmail/perchd/internal/dkim"
	"github.com/perchmail/perchd/internal/dnsx"
	"github.com/perchmail/perchd/internal/logging"
	"github.com/perchmail/perchd/internal/metrics"
	"github.com/perchmail/perchd/internal/store"
)

// PermanentError is a 5xx refusal from the remote server. The queue
// processor bounces the message instead of scheduling a retry.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("delivery: permanent failure (%d): %s", e.Code, e.Message)
}

// Permanent marks the error as non-retryable.
func (e *PermanentError) Permanent() bool { return true }

// Agent delivers messages over SMTP.
type Agent struct {
	cfg       *config.Config
	store     *store.Store
	resolver  *dnsx.Client
	collector metrics.Collector
	logger    *slog.Logger

	// port is the remote SMTP port. Tests point it at a local server.
	port int
	// tlsConfig builds the client TLS configuration for a given MX host.
	tlsConfig func(host string) *tls.Config
}

// NewAgent creates a delivery Agent. The collector may be nil.
func NewAgent(cfg *config.Config, st *store.Store, resolver *dnsx.Client, collector metrics.Collector, logger *slog.Logger) *Agent {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Agent{
		cfg:       cfg,
		store:     st,
		resolver:  resolver,
		collector: collector,
		logger:    logger,
		port:      25,
		tlsConfig: func(host string) *tls.Config {
			return &tls.Config{ServerName: host}
		},
	}
}

// Deliver sends a message to all of its recipients. A nil return means
// every recipient domain accepted the message; a PermanentError means
// at least one domain refused it outright and none need a retry.
func (a *Agent) Deliver(ctx context.Context, msg *store.Message) error {
	data := a.signMessage(msg)

	var firstTransient, firstPermanent error
	for domain, recipients := range groupByDomain(msg.RcptTo) {
		logger := logging.WithDelivery(a.logger, domain, "")
		err := a.deliverToDomain(ctx, msg, domain, recipients, data)
		switch {
		case err == nil:
			a.collector.DeliveryCompleted(domain, "success")
		case isPermanent(err):
			logger.Warn("delivery refused", "error", err.Error())
			a.collector.DeliveryCompleted(domain, "perm_failure")
			if firstPermanent == nil {
				firstPermanent = err
			}
		default:
			logger.Info("delivery deferred", "error", err.Error())
			a.collector.DeliveryCompleted(domain, "temp_failure")
			if firstTransient == nil {
				firstTransient = err
			}
		}
	}

	// Any transient failure retries the whole message; a bounce is only
	// final when no domain is worth another try.
	if firstTransient != nil {
		return firstTransient
	}
	if firstPermanent != nil {
		return firstPermanent
	}

	if err := a.store.MarkDelivered(msg.MessageID, "Message accepted for delivery"); err != nil {
		a.logger.Warn("failed to stamp delivery", "message_id", msg.MessageID, "error", err.Error())
	}
	return nil
}

// deliverToDomain tries each MX host, and each of its addresses, until
// one accepts the message.
func (a *Agent) deliverToDomain(ctx context.Context, msg *store.Message, domain string, recipients []string, data []byte) error {
	mxs, err := a.resolver.MXRecords(ctx, domain)
	if err != nil {
		return fmt.Errorf("delivery: resolving MX for %s: %w", domain, err)
	}
	if len(mxs) == 0 {
		a.recordAttempt(msg, attemptInfo{errorMessage: "no MX records for " + domain})
		return fmt.Errorf("delivery: no MX records for %s", domain)
	}

	for _, mx := range mxs {
		addrs, err := a.resolver.HostAddrs(ctx, mx.Host)
		if err != nil {
			a.logger.Debug("MX address lookup failed", "mx", mx.Host, "error", err.Error())
			continue
		}
		for _, ip := range addrs {
			err := a.attemptDelivery(ctx, msg, domain, mx, ip, recipients, data)
			if err == nil {
				return nil
			}
			if isPermanent(err) {
				// The server understood the transaction and said no.
				// Further hosts would answer the same.
				return err
			}
		}
	}
	return fmt.Errorf("delivery: all MX hosts for %s failed", domain)
}

// attemptInfo carries the fields of one wire attempt into the audit
// record.
type attemptInfo struct {
	mxHost       string
	mxPriority   int
	remoteIP     string
	tlsVersion   string
	cipherSuite  string
	statusCode   int
	response     string
	errorMessage string
	success      bool
	connTime     float64
	deliveryTime float64
}

// attemptDelivery performs one SMTP transaction against one address.
func (a *Agent) attemptDelivery(ctx context.Context, msg *store.Message, domain string, mx dnsx.MX, ip net.IP, recipients []string, data []byte) error {
	logger := logging.WithDelivery(a.logger, domain, mx.Host)
	info := attemptInfo{mxHost: mx.Host, mxPriority: int(mx.Pref), remoteIP: ip.String()}
	start := time.Now()

	dialer := &net.Dialer{Timeout: a.cfg.Timeouts.ConnectionTimeout()}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(a.port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		info.errorMessage = err.Error()
		a.recordAttempt(msg, info)
		return fmt.Errorf("delivery: connecting to %s: %w", mx.Host, err)
	}
	info.connTime = time.Since(start).Seconds()

	// Opportunistic TLS: probe for STARTTLS first. Peers that do not
	// offer it, or whose handshake fails, get a fresh plaintext
	// connection instead; encryption is preferred, never required.
	client, err := smtp.NewClientStartTLS(conn, a.tlsConfig(mx.Host))
	if err != nil {
		logger.Debug("starttls unavailable, retrying in plaintext", "error", err.Error())
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			info.errorMessage = err.Error()
			a.recordAttempt(msg, info)
			return fmt.Errorf("delivery: reconnecting to %s: %w", mx.Host, err)
		}
		client = smtp.NewClient(conn)
	}
	defer client.Close()

	fail := func(step string, err error) error {
		mapped := mapSMTPError(step, err)
		info.errorMessage = mapped.Error()
		var perm *PermanentError
		if errors.As(mapped, &perm) {
			info.statusCode = perm.Code
		}
		info.deliveryTime = time.Since(start).Seconds()
		a.recordAttempt(msg, info)
		return mapped
	}

	if err := client.Hello(a.cfg.Hostname); err != nil {
		return fail("EHLO", err)
	}
	if state, ok := client.TLSConnectionState(); ok {
		info.tlsVersion = tls.VersionName(state.Version)
		info.cipherSuite = tls.CipherSuiteName(state.CipherSuite)
	}

	if err := client.Mail(msg.MailFrom, nil); err != nil {
		return fail("MAIL", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return fail("RCPT", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fail("DATA", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fail("DATA", err)
	}
	if err := w.Close(); err != nil {
		return fail("DATA", err)
	}
	_ = client.Quit()

	info.success = true
	info.statusCode = 250
	info.response = "Message accepted for delivery"
	info.deliveryTime = time.Since(start).Seconds()
	a.recordAttempt(msg, info)

	logger.Info("message delivered",
		"message_id", msg.MessageID,
		"remote_ip", info.remoteIP,
		"tls", info.tlsVersion,
		"recipients", len(recipients))
	return nil
}

// recordAttempt writes the audit row for one wire attempt. Recording
// failures are logged, not propagated: losing the audit row must not
// fail the delivery.
func (a *Agent) recordAttempt(msg *store.Message, info attemptInfo) {
	attempt := &store.DeliveryAttempt{
		MessageID:      msg.MessageID,
		AttemptNumber:  msg.Attempts + 1,
		MXHostname:     info.mxHost,
		MXPriority:     info.mxPriority,
		RemoteIP:       info.remoteIP,
		RemotePort:     a.port,
		TLSVersion:     info.tlsVersion,
		CipherSuite:    info.cipherSuite,
		StatusCode:     info.statusCode,
		Response:       info.response,
		ErrorMessage:   info.errorMessage,
		Success:        info.success,
		ConnectionTime: info.connTime,
		DeliveryTime:   info.deliveryTime,
	}
	if err := a.store.InsertDeliveryAttempt(attempt); err != nil {
		a.logger.Warn("failed to record delivery attempt", "message_id", msg.MessageID, "error", err.Error())
	}
}

// signMessage DKIM-signs the raw message when the sender domain has a
// stored key. Any signing problem falls back to the unsigned message:
// an unsigned delivery beats no delivery.
func (a *Agent) signMessage(msg *store.Message) []byte {
	if !a.cfg.DKIM.SigningEnabled {
		return msg.Raw
	}
	domain := domainOf(msg.MailFrom)
	if domain == "" {
		return msg.Raw
	}

	d, err := a.store.DomainByName(domain)
	if err != nil || d.DKIMPrivateKey == "" {
		a.logger.Debug("no DKIM key for domain", "domain", domain)
		return msg.Raw
	}
	signer, err := dkim.ParsePrivateKey([]byte(d.DKIMPrivateKey))
	if err != nil {
		a.logger.Warn("invalid DKIM key", "domain", domain, "error", err.Error())
		return msg.Raw
	}
	signed, err := dkim.Sign(msg.Raw, domain, d.DKIMSelector, signer)
	if err != nil {
		a.logger.Warn("DKIM signing failed", "domain", domain, "error", err.Error())
		return msg.Raw
	}
	return signed
}

// mapSMTPError classifies a client error: 5xx becomes a
// PermanentError, everything else stays transient.
func mapSMTPError(step string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return &PermanentError{Code: smtpErr.Code, Message: step + ": " + smtpErr.Message}
	}
	return fmt.Errorf("delivery: %s: %w", step, err)
}

func isPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// groupByDomain splits the recipient list by destination domain, each
// group in stable order.
func groupByDomain(recipients []string) map[string][]string {
	grouped := make(map[string][]string)
	for _, rcpt := range recipients {
		if domain := domainOf(rcpt); domain != "" {
			grouped[domain] = append(grouped[domain], rcpt)
		}
	}
	return grouped
}

func domainOf(email string) string {
	if idx := strings.LastIndex(email, "@"); idx >= 0 && idx < len(email)-1 {
		return strings.ToLower(email[idx+1:])
	}
	return ""
}

// Domains returns the distinct recipient domains of a message, sorted.
func Domains(recipients []string) []string {
	grouped := groupByDomain(recipients)
	out := make([]string, 0, len(grouped))
	for d := range grouped {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
