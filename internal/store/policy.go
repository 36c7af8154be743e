package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Connection is the accounting record written when a session ends.
type Connection struct {
	RemoteIP          string
	RemotePort        int
	HeloHostname      string
	Protocol          string
	TLSEnabled        bool
	Authenticated     bool
	AuthenticatedUser string
	MessagesSent      int
	BytesReceived     int64
	CommandsReceived  int
	Blocked           bool
	BlockReason       string
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// InsertConnection records a finished session.
func (s *Store) InsertConnection(c *Connection) error {
	_, err := s.db.Exec(`
		INSERT INTO connections (remote_ip, remote_port, helo_hostname, protocol,
			tls_enabled, authenticated, authenticated_user, messages_sent,
			bytes_received, commands_received, is_blocked, block_reason,
			connected_at, disconnected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RemoteIP, c.RemotePort, c.HeloHostname, c.Protocol,
		c.TLSEnabled, c.Authenticated, c.AuthenticatedUser, c.MessagesSent,
		c.BytesReceived, c.CommandsReceived, c.Blocked, c.BlockReason,
		formatTime(c.ConnectedAt), formatTime(c.DisconnectedAt))
	if err != nil {
		return fmt.Errorf("store: inserting connection record: %w", err)
	}
	return nil
}

// RecentConnections returns the newest accounting records, most recent
// first.
func (s *Store) RecentConnections(limit int) ([]Connection, error) {
	rows, err := s.db.Query(`
		SELECT remote_ip, remote_port, COALESCE(helo_hostname, ''), COALESCE(protocol, ''),
		       tls_enabled, authenticated, COALESCE(authenticated_user, ''),
		       messages_sent, bytes_received, commands_received,
		       is_blocked, COALESCE(block_reason, ''), connected_at, disconnected_at
		FROM connections ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing connections: %w", err)
	}
	defer rows.Close()

	var conns []Connection
	for rows.Next() {
		var c Connection
		var connected, disconnected string
		if err := rows.Scan(&c.RemoteIP, &c.RemotePort, &c.HeloHostname, &c.Protocol,
			&c.TLSEnabled, &c.Authenticated, &c.AuthenticatedUser,
			&c.MessagesSent, &c.BytesReceived, &c.CommandsReceived,
			&c.Blocked, &c.BlockReason, &connected, &disconnected); err != nil {
			return nil, fmt.Errorf("store: scanning connection record: %w", err)
		}
		c.ConnectedAt = parseTime(connected)
		c.DisconnectedAt = parseTime(disconnected)
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// GreylistVerdict is the result of a greylist check.
type GreylistVerdict int

const (
	// GreylistDefer means the triple is new or still inside the delay
	// window; the client should get a 451.
	GreylistDefer GreylistVerdict = iota
	// GreylistPass means the triple has waited out the delay.
	GreylistPass
)

// CheckGreylist applies greylisting to the (ip, sender, recipient)
// triple. A first encounter is recorded and deferred; a retry after
// delay has elapsed passes and bumps the pass counter. Whitelisted
// triples always pass.
func (s *Store) CheckGreylist(ip, sender, recipient string, delay time.Duration) (GreylistVerdict, error) {
	sender = strings.ToLower(sender)
	recipient = strings.ToLower(recipient)
	now := time.Now()

	row := s.db.QueryRow(`
		SELECT first_seen, is_whitelisted FROM greylist
		WHERE sender_ip = ? AND sender_email = ? AND recipient_email = ?`,
		ip, sender, recipient)

	var firstSeen string
	var whitelisted bool
	err := row.Scan(&firstSeen, &whitelisted)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.db.Exec(`
			INSERT INTO greylist (sender_ip, sender_email, recipient_email, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?)`,
			ip, sender, recipient, formatTime(now), formatTime(now))
		if err != nil {
			return GreylistDefer, fmt.Errorf("store: recording greylist triple: %w", err)
		}
		return GreylistDefer, nil
	}
	if err != nil {
		return GreylistDefer, fmt.Errorf("store: checking greylist: %w", err)
	}

	if !whitelisted && now.Sub(parseTime(firstSeen)) < delay {
		_, err = s.db.Exec(`
			UPDATE greylist SET last_seen = ?
			WHERE sender_ip = ? AND sender_email = ? AND recipient_email = ?`,
			formatTime(now), ip, sender, recipient)
		if err != nil {
			return GreylistDefer, fmt.Errorf("store: updating greylist: %w", err)
		}
		return GreylistDefer, nil
	}

	_, err = s.db.Exec(`
		UPDATE greylist SET last_seen = ?, pass_count = pass_count + 1
		WHERE sender_ip = ? AND sender_email = ? AND recipient_email = ?`,
		formatTime(now), ip, sender, recipient)
	if err != nil {
		return GreylistDefer, fmt.Errorf("store: updating greylist: %w", err)
	}
	return GreylistPass, nil
}

// BlacklistEntry is a locally administered block on an IP, domain or
// address.
type BlacklistEntry struct {
	Type      string // ip, domain, email
	Value     string
	Reason    string
	ExpiresAt *time.Time
	AddedBy   string
}

// AddBlacklistEntry inserts or replaces a block.
func (s *Store) AddBlacklistEntry(e *BlacklistEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO blacklist (entry_type, value, reason, expires_at, added_at, added_by)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(value) DO UPDATE SET
			entry_type = excluded.entry_type,
			reason = excluded.reason,
			expires_at = excluded.expires_at`,
		e.Type, strings.ToLower(e.Value), e.Reason, formatNullTime(e.ExpiresAt),
		formatTime(time.Now()), e.AddedBy)
	if err != nil {
		return fmt.Errorf("store: adding blacklist entry %s: %w", e.Value, err)
	}
	return nil
}

// IsBlacklisted reports whether value has an unexpired block.
func (s *Store) IsBlacklisted(value string) (bool, error) {
	row := s.db.QueryRow(`SELECT expires_at FROM blacklist WHERE value = ?`,
		strings.ToLower(value))
	var expires sql.NullString
	err := row.Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: checking blacklist for %s: %w", value, err)
	}
	if t := parseNullTime(expires); t != nil && t.Before(time.Now()) {
		return false, nil
	}
	return true, nil
}

// SpamScore is the persisted outcome of the spam filter for a message.
type SpamScore struct {
	MessageID string
	Score     float64
	IsSpam    bool
	Rules     []string
	CheckedAt time.Time
}

// InsertSpamScore records a filter verdict.
func (s *Store) InsertSpamScore(sc *SpamScore) error {
	rules, err := json.Marshal(sc.Rules)
	if err != nil {
		return fmt.Errorf("store: encoding triggered rules: %w", err)
	}
	if sc.CheckedAt.IsZero() {
		sc.CheckedAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO spam_scores (message_id, total_score, is_spam, rules_triggered, checked_at)
		VALUES (?, ?, ?, ?, ?)`,
		sc.MessageID, sc.Score, sc.IsSpam, string(rules), formatTime(sc.CheckedAt))
	if err != nil {
		return fmt.Errorf("store: inserting spam score for %s: %w", sc.MessageID, err)
	}
	return nil
}

// SpamScoreForMessage fetches the recorded verdict for a message.
func (s *Store) SpamScoreForMessage(messageID string) (*SpamScore, error) {
	row := s.db.QueryRow(`
		SELECT message_id, total_score, is_spam, COALESCE(rules_triggered, '[]'), checked_at
		FROM spam_scores WHERE message_id = ?`, messageID)

	var sc SpamScore
	var rules, checked string
	err := row.Scan(&sc.MessageID, &sc.Score, &sc.IsSpam, &rules, &checked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching spam score for %s: %w", messageID, err)
	}
	if err := json.Unmarshal([]byte(rules), &sc.Rules); err != nil {
		return nil, fmt.Errorf("store: decoding triggered rules: %w", err)
	}
	sc.CheckedAt = parseTime(checked)
	return &sc, nil
}
