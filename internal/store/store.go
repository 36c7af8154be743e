// Package store persists server state in SQLite: domains and their
// DKIM keys, user accounts, messages, delivery attempts, connection
// accounting, authentication logs and the greylist, blacklist and spam
// score tables.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	// SQLite allows one writer; serialize access through a single
	// connection instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS domains (
	id INTEGER PRIMARY KEY,
	domain TEXT NOT NULL UNIQUE,
	is_active INTEGER NOT NULL DEFAULT 1,
	dkim_selector TEXT NOT NULL DEFAULT 'default',
	dkim_private_key TEXT,
	dkim_public_key TEXT,
	dmarc_policy TEXT NOT NULL DEFAULT 'none',
	created_at TEXT NOT NULL,
	updated_at TEXT
);

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	cram_secret TEXT,
	domain TEXT NOT NULL,
	message_quota INTEGER NOT NULL DEFAULT 1000,
	messages_sent_today INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	is_admin INTEGER NOT NULL DEFAULT 0,
	last_login TEXT,
	failed_auth_attempts INTEGER NOT NULL DEFAULT 0,
	last_failed_auth TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY,
	message_id TEXT NOT NULL UNIQUE,
	mail_from TEXT NOT NULL,
	rcpt_to TEXT NOT NULL,
	subject TEXT,
	size INTEGER NOT NULL,
	raw_message BLOB NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt TEXT,
	next_retry TEXT,
	spf_result TEXT,
	dkim_result TEXT,
	dmarc_result TEXT,
	spam_score REAL,
	delivered_at TEXT,
	delivery_response TEXT,
	remote_ip TEXT,
	sender_user TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
CREATE INDEX IF NOT EXISTS idx_messages_mail_from ON messages(mail_from);

CREATE TABLE IF NOT EXISTS delivery_attempts (
	id INTEGER PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
	attempt_number INTEGER NOT NULL,
	mx_hostname TEXT,
	mx_priority INTEGER,
	remote_ip TEXT,
	remote_port INTEGER,
	tls_version TEXT,
	cipher_suite TEXT,
	status_code INTEGER,
	response TEXT,
	error_message TEXT,
	success INTEGER NOT NULL DEFAULT 0,
	connection_time REAL,
	delivery_time REAL,
	attempted_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_message ON delivery_attempts(message_id);

CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY,
	remote_ip TEXT NOT NULL,
	remote_port INTEGER,
	helo_hostname TEXT,
	protocol TEXT,
	tls_enabled INTEGER NOT NULL DEFAULT 0,
	authenticated INTEGER NOT NULL DEFAULT 0,
	authenticated_user TEXT,
	messages_sent INTEGER NOT NULL DEFAULT 0,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	commands_received INTEGER NOT NULL DEFAULT 0,
	is_blocked INTEGER NOT NULL DEFAULT 0,
	block_reason TEXT,
	connected_at TEXT NOT NULL,
	disconnected_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_connections_ip ON connections(remote_ip);

CREATE TABLE IF NOT EXISTS authentication_log (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL,
	auth_method TEXT,
	success INTEGER NOT NULL,
	failure_reason TEXT,
	remote_ip TEXT NOT NULL,
	attempted_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_authlog_username ON authentication_log(username);

CREATE TABLE IF NOT EXISTS greylist (
	id INTEGER PRIMARY KEY,
	sender_ip TEXT NOT NULL,
	sender_email TEXT NOT NULL,
	recipient_email TEXT NOT NULL,
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	pass_count INTEGER NOT NULL DEFAULT 0,
	is_whitelisted INTEGER NOT NULL DEFAULT 0,
	UNIQUE(sender_ip, sender_email, recipient_email)
);

CREATE TABLE IF NOT EXISTS blacklist (
	id INTEGER PRIMARY KEY,
	entry_type TEXT NOT NULL,
	value TEXT NOT NULL UNIQUE,
	reason TEXT,
	expires_at TEXT,
	added_at TEXT NOT NULL,
	added_by TEXT
);

CREATE TABLE IF NOT EXISTS spam_scores (
	id INTEGER PRIMARY KEY,
	message_id TEXT NOT NULL UNIQUE REFERENCES messages(message_id) ON DELETE CASCADE,
	total_score REAL NOT NULL,
	is_spam INTEGER NOT NULL,
	rules_triggered TEXT,
	checked_at TEXT NOT NULL
);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}

// Timestamps are stored as RFC 3339 text in UTC.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
