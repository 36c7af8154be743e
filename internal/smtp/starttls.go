package smtp

import (
	"context"
	"regexp"
)

// starttlsPattern matches the STARTTLS command
var starttlsPattern = regexp.MustCompile(`(?i)^STARTTLS\s*$`)

// STARTTLSCommand implements the STARTTLS command (RFC 3207)
type STARTTLSCommand struct {
	engine *Engine
}

func (c *STARTTLSCommand) Pattern() *regexp.Regexp {
	return starttlsPattern
}

func (c *STARTTLSCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.IsTLSActive() {
		return SMTPResult{Code: 503, Message: "TLS already active"}, nil
	}
	if c.engine.tlsConfig == nil || !c.engine.cfg.TLS.Enabled {
		return SMTPResult{Code: 454, Message: "TLS not available"}, nil
	}

	// The 220 signals readiness; the connection handler performs the
	// handshake after flushing this response.
	return SMTPResult{Code: 220, Message: "Ready to start TLS"}, nil
}
