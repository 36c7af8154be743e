// Package message parses raw mail into the model the rest of the
// server works with. The raw bytes are preserved untouched; parsing
// extracts headers and text content once so the spam filter and
// delivery code never re-parse.
package message

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	"github.com/google/uuid"
)

// Message is a parsed mail message.
type Message struct {
	// Raw holds the message exactly as received, CRLF line endings
	// included. Delivery and DKIM signing operate on these bytes.
	Raw []byte

	Subject   string
	MessageID string
	Date      string

	// FromHeaders holds every From header value, in order. More than
	// one is a spam signal.
	FromHeaders []string
	// Received holds the Received trace headers, top first.
	Received []string

	// BodyText is the decoded text of all text/plain parts joined.
	BodyText string
	// BodyHTML is the decoded content of the first text/html part.
	BodyHTML string

	// PlainTextBase64 is set when a text/plain part declares base64
	// transfer encoding.
	PlainTextBase64 bool

	header message.Header
}

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// Parse reads a raw message. Malformed MIME structure is tolerated:
// whatever parses contributes to the model, and the raw bytes are kept
// either way.
func Parse(raw []byte) (*Message, error) {
	entity, err := message.Read(strings.NewReader(string(raw)))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("message: parsing: %w", err)
	}

	m := &Message{
		Raw:       raw,
		Subject:   entity.Header.Get("Subject"),
		MessageID: entity.Header.Get("Message-ID"),
		Date:      entity.Header.Get("Date"),
		header:    entity.Header,
	}

	for fields := entity.Header.FieldsByKey("From"); fields.Next(); {
		m.FromHeaders = append(m.FromHeaders, fields.Value())
	}
	for fields := entity.Header.FieldsByKey("Received"); fields.Next(); {
		m.Received = append(m.Received, fields.Value())
	}

	var textParts []string
	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			return nil
		}
		mediaType, _, _ := part.Header.ContentType()
		switch mediaType {
		case "text/plain":
			if strings.EqualFold(part.Header.Get("Content-Transfer-Encoding"), "base64") {
				m.PlainTextBase64 = true
			}
			if body, err := io.ReadAll(part.Body); err == nil {
				textParts = append(textParts, string(body))
			}
		case "text/html":
			if body, err := io.ReadAll(part.Body); err == nil && m.BodyHTML == "" {
				m.BodyHTML = string(body)
			}
		}
		return nil
	})
	if walkErr != nil && len(textParts) == 0 && m.BodyHTML == "" {
		return m, nil
	}

	m.BodyText = strings.Join(textParts, "\n")
	return m, nil
}

// Header returns the value of the named header field.
func (m *Message) Header(key string) string {
	return m.header.Get(key)
}

// AllText returns the readable text of the message: the plaintext parts
// plus the HTML part with tags stripped. Used by content heuristics.
func (m *Message) AllText() string {
	parts := []string{m.BodyText}
	if m.BodyHTML != "" {
		parts = append(parts, htmlTagRe.ReplaceAllString(m.BodyHTML, " "))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// NewMessageID generates a globally unique RFC 5322 Message-ID for the
// given hostname.
func NewMessageID(hostname string) string {
	return "<" + uuid.NewString() + "@" + hostname + ">"
}
