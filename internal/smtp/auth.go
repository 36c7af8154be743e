package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/perchmail/perchd/internal/auth"
	"github.com/perchmail/perchd/internal/store"
)

// authPattern matches AUTH commands: AUTH <mechanism> [initial-response]
var authPattern = regexp.MustCompile(`(?i)^AUTH\s+([\w-]+)(?:\s+(\S+))?\s*$`)

// AUTHCommand implements the AUTH command (RFC 4954). Multi-turn
// exchanges park a SASL server on the session; the connection handler
// feeds it continuation lines until the exchange completes.
type AUTHCommand struct {
	engine *Engine
}

func (c *AUTHCommand) Pattern() *regexp.Regexp {
	return authPattern
}

func (c *AUTHCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	e := c.engine

	if !e.cfg.Auth.Enabled {
		return SMTPResult{Code: 502, Message: "Authentication not enabled"}, nil
	}
	if session.IsAuthenticated() {
		return SMTPResult{Code: 503, Message: "Already authenticated"}, nil
	}
	if session.State() < StateGreeted {
		return SMTPResult{Code: 503, Message: "Bad sequence of commands"}, nil
	}

	mechanism := strings.ToUpper(matches[1])
	initialResponse := matches[2]

	if !e.cfg.Auth.MethodEnabled(mechanism) {
		return SMTPResult{Code: 504, Message: "Unrecognized authentication type"}, nil
	}

	// Plaintext mechanisms need an encrypted channel. Localhost is
	// exempt so local tooling can submit without certificates.
	if (mechanism == auth.MechPlain || mechanism == auth.MechLogin) && !session.IsTLSActive() {
		if !isLocalhost(session.ConnInfo().ClientIP) {
			return SMTPResult{Code: 538, Message: "Encryption required for requested authentication mechanism"}, nil
		}
	}

	// CRAM-MD5 is server-first: an initial response is a protocol error.
	if mechanism == auth.MechCRAMMD5 && initialResponse != "" {
		return SMTPResult{Code: 501, Message: "Initial response not allowed"}, nil
	}

	if !e.limiter.AllowAuthAttempt(ctx, session.ConnInfo().ClientIP) {
		e.collector.RateLimitExceeded("auth")
		return SMTPResult{Code: 454, Message: "Too many authentication attempts, try again later"}, nil
	}

	server, err := e.auth.NewServer(mechanism, session.ConnInfo().ClientIP, func(u *store.User) {
		session.SetAuthenticated(u.Username, u.Domain, mechanism)
	})
	if err != nil {
		return SMTPResult{Code: 504, Message: "Unrecognized authentication type"}, nil
	}

	if initialResponse != "" {
		// Prime the server so it expects a response next.
		if _, _, err := server.Next(nil); err != nil {
			return e.authFailure(session, err), nil
		}
		decoded, err := base64.StdEncoding.DecodeString(initialResponse)
		if err != nil {
			return SMTPResult{Code: 501, Message: "Invalid base64 data"}, nil
		}
		return e.advanceAuth(session, server, mechanism, decoded), nil
	}

	return e.advanceAuth(session, server, mechanism, nil), nil
}

// continueAuth feeds a continuation line into the parked SASL exchange.
func (e *Engine) continueAuth(session *SMTPSession, line string) SMTPResult {
	pending := session.PendingAuth()
	session.AbortAuth()

	if line == "*" {
		return SMTPResult{Code: 501, Message: "Authentication cancelled"}
	}
	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return SMTPResult{Code: 501, Message: "Invalid base64 data"}
	}
	return e.advanceAuth(session, pending.server, pending.mech, decoded)
}

// advanceAuth drives the SASL server one step and maps the outcome to
// an SMTP response. An incomplete exchange parks the server on the
// session and returns the next challenge.
func (e *Engine) advanceAuth(session *SMTPSession, server sasl.Server, mech string, response []byte) SMTPResult {
	challenge, done, err := server.Next(response)
	if err != nil {
		return e.authFailure(session, err)
	}
	if done {
		e.collector.AuthAttempt(session.AuthDomain(), true)
		return SMTPResult{Code: 235, Message: "Authentication successful"}
	}
	session.BeginAuth(server, mech)
	return SMTPResult{Code: 334, Message: base64.StdEncoding.EncodeToString(challenge)}
}

// authFailure maps an authentication error to its response. Failed
// exchanges answer 535 and keep the session open; only exhausting the
// per-connection attempt limit closes it with a 421.
func (e *Engine) authFailure(session *SMTPSession, err error) SMTPResult {
	e.collector.AuthAttempt("unknown", false)

	if session.RecordAuthFailure() >= e.cfg.Limits.MaxAuthAttempts {
		return SMTPResult{Code: 421, Message: "Too many failed authentication attempts"}
	}
	if errors.Is(err, auth.ErrAccountLocked) {
		return SMTPResult{Code: 535, Message: "Account locked"}
	}
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return SMTPResult{Code: 535, Message: "Authentication failed"}
	}
	return SMTPResult{Code: 454, Message: "Temporary authentication failure"}
}
