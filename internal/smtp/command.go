package smtp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/perchmail/perchd/internal/store"
)

// SMTPCommand interface defines the contract for SMTP commands using regexp patterns
type SMTPCommand interface {
	// Pattern returns the compiled regexp for matching this command
	Pattern() *regexp.Regexp

	// Execute processes the command. matches[0] is full line, matches[1:] are capture groups
	Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error)
}

// SMTPResult represents the result of processing an SMTP command
type SMTPResult struct {
	Code    int
	Message string   // Single-line message
	Lines   []string // Multi-line response (optional, overrides Message if present)
}

// CommandRegistry holds registered commands and matches input against them
type CommandRegistry struct {
	commands []SMTPCommand
}

// NewCommandRegistry creates a registry with all supported SMTP commands.
// Commands that depend on configuration (AUTH, STARTTLS) are always
// registered and gate themselves, so a disabled feature answers with a
// proper status code instead of a syntax error.
func NewCommandRegistry(engine *Engine) *CommandRegistry {
	return &CommandRegistry{
		commands: []SMTPCommand{
			&AUTHCommand{engine: engine},
			&STARTTLSCommand{engine: engine},
			&EHLOCommand{engine: engine},
			&HELOCommand{},
			&MAILCommand{engine: engine},
			&RCPTCommand{engine: engine},
			&DATACommand{},
			&VRFYCommand{engine: engine},
			&RSETCommand{},
			&NOOPCommand{},
			&QUITCommand{},
		},
	}
}

// Match finds the command that matches the input line and returns it with captured groups
func (r *CommandRegistry) Match(line string) (SMTPCommand, []string, error) {
	for _, cmd := range r.commands {
		if matches := cmd.Pattern().FindStringSubmatch(line); matches != nil {
			return cmd, matches, nil
		}
	}
	return nil, nil, ErrUnknownCommand
}

// Pre-compiled regexp patterns for SMTP commands
var (
	ehloPattern = regexp.MustCompile(`(?i)^EHLO\s+(\S+)\s*$`)
	heloPattern = regexp.MustCompile(`(?i)^HELO\s+(\S+)\s*$`)
	mailPattern = regexp.MustCompile(`(?i)^MAIL\s+FROM:\s*<([^>]*)>(.*)$`)
	rcptPattern = regexp.MustCompile(`(?i)^RCPT\s+TO:\s*<([^>]*)>(.*)$`)
	dataPattern = regexp.MustCompile(`(?i)^DATA\s*$`)
	vrfyPattern = regexp.MustCompile(`(?i)^VRFY\s+(\S+)\s*$`)
	rsetPattern = regexp.MustCompile(`(?i)^RSET\s*$`)
	noopPattern = regexp.MustCompile(`(?i)^NOOP(?:\s.*)?$`)
	quitPattern = regexp.MustCompile(`(?i)^QUIT\s*$`)

	sizeParamRe = regexp.MustCompile(`(?i)\bSIZE=(\d+)`)
)

// EHLOCommand implements the EHLO command
type EHLOCommand struct {
	engine *Engine
}

func (c *EHLOCommand) Pattern() *regexp.Regexp {
	return ehloPattern
}

func (c *EHLOCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	domain := matches[1]

	if len(domain) > session.Config().MaxHeloDomainLen {
		return SMTPResult{Code: 501, Message: "Domain name too long"}, nil
	}

	session.SetHelo(domain)
	session.SetState(StateGreeted)

	clientIP := session.ConnInfo().ClientIP
	if clientIP == "" {
		clientIP = "unknown"
	}

	e := c.engine
	lines := []string{
		e.cfg.Hostname + " Hello " + domain + " [" + clientIP + "]",
		fmt.Sprintf("SIZE %d", e.cfg.Limits.MaxMessageSize),
		"8BITMIME",
	}

	if e.tlsConfig != nil && e.cfg.TLS.Enabled && !session.IsTLSActive() {
		lines = append(lines, "STARTTLS")
	}

	if mechs := e.advertisableMechanisms(session); len(mechs) > 0 {
		lines = append(lines, "AUTH "+strings.Join(mechs, " "))
	}

	return SMTPResult{Code: 250, Lines: lines}, nil
}

// HELOCommand implements the HELO command
type HELOCommand struct{}

func (c *HELOCommand) Pattern() *regexp.Regexp {
	return heloPattern
}

func (c *HELOCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	domain := matches[1]

	if len(domain) > session.Config().MaxHeloDomainLen {
		return SMTPResult{Code: 501, Message: "Domain name too long"}, nil
	}

	session.SetHelo(domain)
	session.SetState(StateGreeted)

	clientIP := session.ConnInfo().ClientIP
	if clientIP == "" {
		clientIP = "unknown"
	}

	return SMTPResult{Code: 250, Message: "Hello " + domain + " [" + clientIP + "]"}, nil
}

// MAILCommand implements the MAIL command
type MAILCommand struct {
	engine *Engine
}

func (c *MAILCommand) Pattern() *regexp.Regexp {
	return mailPattern
}

func (c *MAILCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.State() < StateGreeted {
		return SMTPResult{Code: 503, Message: "Bad sequence of commands"}, nil
	}

	e := c.engine
	if e.cfg.TLS.Required && !session.IsTLSActive() && !isLocalhost(session.ConnInfo().ClientIP) {
		return SMTPResult{Code: 530, Message: "Must issue a STARTTLS command first"}, nil
	}

	email := matches[1]
	params := matches[2]

	if len(email) > session.Config().MaxEmailLen {
		return SMTPResult{Code: 501, Message: "Email address too long"}, nil
	}

	// The SIZE parameter lets clients fail early instead of streaming a
	// message we would refuse at DATA time anyway.
	if m := sizeParamRe.FindStringSubmatch(params); m != nil {
		if declared, err := strconv.ParseInt(m[1], 10, 64); err == nil &&
			session.Config().MaxMessageSize > 0 && declared > session.Config().MaxMessageSize {
			return SMTPResult{Code: 552, Message: "Message too large"}, nil
		}
	}

	identifier := session.ConnInfo().ClientIP
	if session.IsAuthenticated() {
		identifier = session.AuthUser()
	}
	if !e.limiter.AllowMessage(ctx, identifier, session.IsAuthenticated()) {
		e.collector.RateLimitExceeded("message")
		return SMTPResult{Code: 452, Message: "Rate limit exceeded, try again later"}, nil
	}

	// Reset any previous transaction and set new sender
	session.Reset()
	session.SetSender(email)
	session.SetState(StateMailFrom)

	return SMTPResult{Code: 250, Message: "OK"}, nil
}

// RCPTCommand implements the RCPT command
type RCPTCommand struct {
	engine *Engine
}

func (c *RCPTCommand) Pattern() *regexp.Regexp {
	return rcptPattern
}

func (c *RCPTCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.State() < StateMailFrom {
		return SMTPResult{Code: 503, Message: "Bad sequence of commands"}, nil
	}

	email := matches[1]

	if len(email) > session.Config().MaxEmailLen {
		return SMTPResult{Code: 501, Message: "Email address too long"}, nil
	}

	if session.RecipientCount() >= session.Config().MaxRecipients {
		return SMTPResult{Code: 452, Message: "Too many recipients"}, nil
	}

	e := c.engine
	domain := domainOf(email)
	if domain == "" {
		return SMTPResult{Code: 501, Message: "Invalid recipient address"}, nil
	}

	local, err := e.store.IsLocalDomain(domain)
	if err != nil {
		return SMTPResult{Code: 451, Message: "Temporary local error"}, nil
	}

	if local {
		user, err := e.store.UserByEmail(email)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !user.Active) {
			return SMTPResult{Code: 550, Message: "User unknown"}, nil
		}
		if err != nil {
			return SMTPResult{Code: 451, Message: "Temporary local error"}, nil
		}
	} else if e.cfg.Auth.Enabled && !session.IsAuthenticated() {
		// Relay to remote domains is for authenticated senders only.
		return SMTPResult{Code: 530, Message: "Authentication required"}, nil
	}

	if e.cfg.Spam.EnableGreylisting && !session.IsAuthenticated() {
		delay := time.Duration(e.cfg.Spam.GreylistDelayMinutes) * time.Minute
		verdict, err := e.store.CheckGreylist(session.ConnInfo().ClientIP, session.GetSender(), email, delay)
		if err == nil && verdict == store.GreylistDefer {
			return SMTPResult{Code: 451, Message: "Greylisted, try again later"}, nil
		}
	}

	session.AddRecipient(email)
	session.SetState(StateRcptTo)

	return SMTPResult{Code: 250, Message: "OK"}, nil
}

// DATACommand implements the DATA command
type DATACommand struct{}

func (c *DATACommand) Pattern() *regexp.Regexp {
	return dataPattern
}

func (c *DATACommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.State() < StateRcptTo {
		return SMTPResult{Code: 503, Message: "Bad sequence of commands"}, nil
	}

	session.SetState(StateData)

	return SMTPResult{Code: 354, Message: "Start mail input; end with <CRLF>.<CRLF>"}, nil
}

// VRFYCommand implements the VRFY command. Local addresses are checked
// against the user table; remote addresses get the noncommittal 252.
type VRFYCommand struct {
	engine *Engine
}

func (c *VRFYCommand) Pattern() *regexp.Regexp {
	return vrfyPattern
}

func (c *VRFYCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	email := strings.Trim(matches[1], "<>")

	e := c.engine
	domain := domainOf(email)
	local := false
	if domain != "" {
		local, _ = e.store.IsLocalDomain(domain)
	}
	if !local {
		return SMTPResult{Code: 252, Message: "Cannot VRFY user, but will accept message and attempt delivery"}, nil
	}

	user, err := e.store.UserByEmail(email)
	if err != nil || !user.Active {
		return SMTPResult{Code: 550, Message: "User unknown"}, nil
	}
	return SMTPResult{Code: 250, Message: "<" + user.Email + ">"}, nil
}

// RSETCommand implements the RSET command
type RSETCommand struct{}

func (c *RSETCommand) Pattern() *regexp.Regexp {
	return rsetPattern
}

func (c *RSETCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	session.Reset()
	return SMTPResult{Code: 250, Message: "OK"}, nil
}

// NOOPCommand implements the NOOP command
type NOOPCommand struct{}

func (c *NOOPCommand) Pattern() *regexp.Regexp {
	return noopPattern
}

func (c *NOOPCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{Code: 250, Message: "OK"}, nil
}

// QUITCommand implements the QUIT command
type QUITCommand struct{}

func (c *QUITCommand) Pattern() *regexp.Regexp {
	return quitPattern
}

func (c *QUITCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{Code: 221, Message: "Goodbye"}, nil
}

// isLocalhost checks if the given IP address is a localhost address
func isLocalhost(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" ||
		len(ip) > 4 && ip[:4] == "127." || ip == "localhost"
}

// domainOf extracts the domain part of an email address, lowercased.
func domainOf(email string) string {
	if idx := strings.LastIndex(email, "@"); idx >= 0 && idx < len(email)-1 {
		return strings.ToLower(email[idx+1:])
	}
	return ""
}
