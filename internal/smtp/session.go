package smtp

import (
	"errors"

	"github.com/emersion/go-sasl"
)

// Errors for SMTP command processing
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInputTooLong   = errors.New("input exceeds maximum length")
)

// SessionState represents the current state of an SMTP session
type SessionState int

const (
	StateInit     SessionState = iota // Initial state, waiting for HELO/EHLO
	StateGreeted                      // After successful HELO/EHLO
	StateMailFrom                     // After successful MAIL FROM
	StateRcptTo                       // After at least one successful RCPT TO
	StateData                         // In DATA mode, receiving message content
)

// String returns a human-readable representation of the session state
func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateGreeted:
		return "GREETED"
	case StateMailFrom:
		return "MAIL_FROM"
	case StateRcptTo:
		return "RCPT_TO"
	case StateData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// SessionConfig holds configurable limits and settings (reusable across sessions)
type SessionConfig struct {
	MaxRecipients    int   // Maximum number of RCPT TO recipients
	MaxMessageSize   int64 // Maximum message size in bytes (0 = unlimited)
	MaxHeloDomainLen int   // Maximum HELO/EHLO domain length (default: 255)
	MaxEmailLen      int   // Maximum email address length (default: 320)
}

// DefaultSessionConfig returns sensible defaults per RFC 5321
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxRecipients:    100,
		MaxMessageSize:   0,   // unlimited by default
		MaxHeloDomainLen: 255, // per RFC 5321
		MaxEmailLen:      320, // 64 local + @ + 255 domain
	}
}

// ConnectionInfo holds per-connection context about the client
type ConnectionInfo struct {
	ClientIP   string // Remote IP address
	ClientPort int    // Remote port
	Protocol   string // smtp or smtps, fixed at accept time
}

// pendingAuth carries a SASL exchange across command loop iterations.
type pendingAuth struct {
	server sasl.Server
	mech   string
}

// SMTPSession represents an SMTP session state
type SMTPSession struct {
	config     SessionConfig
	connInfo   ConnectionInfo
	state      SessionState
	helo       string
	sender     string
	recipients []string

	// Authentication state
	authenticated bool
	authUser      string
	authDomain    string
	authMech      string
	authFailures  int
	pending       *pendingAuth

	// TLS state
	tlsActive bool

	// Accounting counters
	messagesSent     int
	bytesReceived    int64
	commandsReceived int
}

// NewSMTPSession creates a new SMTP session with the given connection info and config
func NewSMTPSession(connInfo ConnectionInfo, config SessionConfig) *SMTPSession {
	return &SMTPSession{
		config:     config,
		connInfo:   connInfo,
		state:      StateInit,
		recipients: make([]string, 0),
	}
}

// Config returns the session configuration
func (s *SMTPSession) Config() SessionConfig {
	return s.config
}

// ConnInfo returns the connection information
func (s *SMTPSession) ConnInfo() ConnectionInfo {
	return s.connInfo
}

// State returns the current session state
func (s *SMTPSession) State() SessionState {
	return s.state
}

// SetState sets the session state
func (s *SMTPSession) SetState(state SessionState) {
	s.state = state
}

// SetHelo sets the HELO/EHLO domain
func (s *SMTPSession) SetHelo(domain string) {
	s.helo = domain
}

// GetHelo returns the HELO/EHLO domain
func (s *SMTPSession) GetHelo() string {
	return s.helo
}

// SetSender sets the envelope sender
func (s *SMTPSession) SetSender(sender string) {
	s.sender = sender
}

// GetSender returns the envelope sender
func (s *SMTPSession) GetSender() string {
	return s.sender
}

// AddRecipient adds a recipient to the envelope
func (s *SMTPSession) AddRecipient(recipient string) {
	s.recipients = append(s.recipients, recipient)
}

// GetRecipients returns a copy of the envelope recipients (defensive copy)
func (s *SMTPSession) GetRecipients() []string {
	result := make([]string, len(s.recipients))
	copy(result, s.recipients)
	return result
}

// RecipientCount returns the number of recipients
func (s *SMTPSession) RecipientCount() int {
	return len(s.recipients)
}

// Reset resets the session state for a new transaction (keeps HELO and auth)
func (s *SMTPSession) Reset() {
	s.sender = ""
	s.recipients = make([]string, 0)
	if s.state != StateInit {
		s.state = StateGreeted
	}
}

// ResetForTLS resets the session after a STARTTLS upgrade. The client
// must greet and authenticate again on the encrypted channel; only the
// accounting counters survive.
func (s *SMTPSession) ResetForTLS() {
	s.state = StateInit
	s.helo = ""
	s.sender = ""
	s.recipients = make([]string, 0)
	s.authenticated = false
	s.authUser = ""
	s.authDomain = ""
	s.authMech = ""
	s.pending = nil
	s.tlsActive = true
}

// SetAuthenticated marks the session as authenticated
func (s *SMTPSession) SetAuthenticated(user, domain, mechanism string) {
	s.authenticated = true
	s.authUser = user
	s.authDomain = domain
	s.authMech = mechanism
}

// IsAuthenticated returns whether the session is authenticated
func (s *SMTPSession) IsAuthenticated() bool {
	return s.authenticated
}

// AuthUser returns the authenticated username (empty if not authenticated)
func (s *SMTPSession) AuthUser() string {
	return s.authUser
}

// AuthDomain returns the authenticated user's domain
func (s *SMTPSession) AuthDomain() string {
	return s.authDomain
}

// AuthMech returns the authentication mechanism used
func (s *SMTPSession) AuthMech() string {
	return s.authMech
}

// BeginAuth stores an in-progress SASL exchange
func (s *SMTPSession) BeginAuth(server sasl.Server, mech string) {
	s.pending = &pendingAuth{server: server, mech: mech}
}

// PendingAuth returns the in-progress SASL exchange, if any
func (s *SMTPSession) PendingAuth() *pendingAuth {
	return s.pending
}

// AbortAuth discards any in-progress SASL exchange
func (s *SMTPSession) AbortAuth() {
	s.pending = nil
}

// RecordAuthFailure counts a failed authentication attempt and returns
// the running total for this session.
func (s *SMTPSession) RecordAuthFailure() int {
	s.authFailures++
	return s.authFailures
}

// SetTLSActive marks the session as TLS-encrypted
func (s *SMTPSession) SetTLSActive(active bool) {
	s.tlsActive = active
}

// IsTLSActive returns whether the connection is TLS-encrypted
func (s *SMTPSession) IsTLSActive() bool {
	return s.tlsActive
}

// CountCommand tallies one received command line for accounting
func (s *SMTPSession) CountCommand(lineLen int) {
	s.commandsReceived++
	s.bytesReceived += int64(lineLen) + 2
}

// CountData tallies received message bytes for accounting
func (s *SMTPSession) CountData(n int64) {
	s.bytesReceived += n
}

// CountMessage tallies one accepted message
func (s *SMTPSession) CountMessage() {
	s.messagesSent++
}

// MessagesSent returns the number of messages accepted this session
func (s *SMTPSession) MessagesSent() int {
	return s.messagesSent
}

// BytesReceived returns the number of bytes received this session
func (s *SMTPSession) BytesReceived() int64 {
	return s.bytesReceived
}

// CommandsReceived returns the number of commands received this session
func (s *SMTPSession) CommandsReceived() int {
	return s.commandsReceived
}
