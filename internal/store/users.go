package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User is a local account that can authenticate and submit mail.
type User struct {
	ID                 int64
	Username           string
	Email              string
	PasswordHash       string
	CRAMSecret         string
	Domain             string
	MessageQuota       int
	MessagesSentToday  int
	Active             bool
	Admin              bool
	LastLogin          *time.Time
	FailedAuthAttempts int
	LastFailedAuth     *time.Time
	CreatedAt          time.Time
}

// CreateUser inserts a new account.
func (s *Store) CreateUser(u *User) error {
	if u.MessageQuota == 0 {
		u.MessageQuota = 1000
	}
	u.CreatedAt = time.Now()
	res, err := s.db.Exec(`
		INSERT INTO users (username, email, password_hash, cram_secret, domain,
			message_quota, is_active, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ToLower(u.Username), strings.ToLower(u.Email), u.PasswordHash,
		u.CRAMSecret, strings.ToLower(u.Domain), u.MessageQuota, u.Active, u.Admin,
		formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: creating user %s: %w", u.Username, err)
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

const userColumns = `id, username, email, password_hash, COALESCE(cram_secret, ''),
	domain, message_quota, messages_sent_today, is_active, is_admin,
	last_login, failed_auth_attempts, last_failed_auth, created_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var lastLogin, lastFailed sql.NullString
	var created string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CRAMSecret,
		&u.Domain, &u.MessageQuota, &u.MessagesSentToday, &u.Active, &u.Admin,
		&lastLogin, &u.FailedAuthAttempts, &lastFailed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning user: %w", err)
	}
	u.LastLogin = parseNullTime(lastLogin)
	u.LastFailedAuth = parseNullTime(lastFailed)
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// UserByUsername fetches an account by username.
func (s *Store) UserByUsername(username string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE username = ?`,
		strings.ToLower(username))
	return scanUser(row)
}

// UserByEmail fetches an account by its primary address.
func (s *Store) UserByEmail(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE email = ?`,
		strings.ToLower(email))
	return scanUser(row)
}

// RecordAuthSuccess resets the failure counters and stamps last_login.
func (s *Store) RecordAuthSuccess(username string) error {
	_, err := s.db.Exec(`
		UPDATE users
		SET failed_auth_attempts = 0, last_failed_auth = NULL, last_login = ?, updated_at = ?
		WHERE username = ?`,
		formatTime(time.Now()), formatTime(time.Now()), strings.ToLower(username))
	if err != nil {
		return fmt.Errorf("store: recording auth success for %s: %w", username, err)
	}
	return nil
}

// RecordAuthFailure bumps the failure counter and stamps the time of
// the failure, for lockout tracking.
func (s *Store) RecordAuthFailure(username string) error {
	_, err := s.db.Exec(`
		UPDATE users
		SET failed_auth_attempts = failed_auth_attempts + 1, last_failed_auth = ?, updated_at = ?
		WHERE username = ?`,
		formatTime(time.Now()), formatTime(time.Now()), strings.ToLower(username))
	if err != nil {
		return fmt.Errorf("store: recording auth failure for %s: %w", username, err)
	}
	return nil
}

// ResetAuthFailures clears the failure counter and its timestamp once a
// lockout window has expired, so the next failure starts a fresh count.
func (s *Store) ResetAuthFailures(username string) error {
	_, err := s.db.Exec(`
		UPDATE users
		SET failed_auth_attempts = 0, last_failed_auth = NULL, updated_at = ?
		WHERE username = ?`,
		formatTime(time.Now()), strings.ToLower(username))
	if err != nil {
		return fmt.Errorf("store: resetting auth failures for %s: %w", username, err)
	}
	return nil
}

// UpdatePasswordHash replaces a user's stored password hash. Used when
// upgrading legacy hashes after a successful login.
func (s *Store) UpdatePasswordHash(username, hash string) error {
	res, err := s.db.Exec(`UPDATE users SET password_hash = ?, updated_at = ? WHERE username = ?`,
		hash, formatTime(time.Now()), strings.ToLower(username))
	if err != nil {
		return fmt.Errorf("store: updating password hash for %s: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementMessagesSent bumps the daily send counter for quota checks.
func (s *Store) IncrementMessagesSent(username string) error {
	_, err := s.db.Exec(`
		UPDATE users SET messages_sent_today = messages_sent_today + 1, updated_at = ?
		WHERE username = ?`,
		formatTime(time.Now()), strings.ToLower(username))
	if err != nil {
		return fmt.Errorf("store: incrementing send counter for %s: %w", username, err)
	}
	return nil
}

// AuthEvent is one entry in the authentication log.
type AuthEvent struct {
	Username      string
	Method        string
	Success       bool
	FailureReason string
	RemoteIP      string
	AttemptedAt   time.Time
}

// LogAuthEvent appends to the authentication log.
func (s *Store) LogAuthEvent(e *AuthEvent) error {
	if e.AttemptedAt.IsZero() {
		e.AttemptedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO authentication_log (username, auth_method, success, failure_reason, remote_ip, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		strings.ToLower(e.Username), e.Method, e.Success, e.FailureReason, e.RemoteIP,
		formatTime(e.AttemptedAt))
	if err != nil {
		return fmt.Errorf("store: logging auth event: %w", err)
	}
	return nil
}

// AuthEventsForUser returns the most recent auth log entries for a
// user, newest first.
func (s *Store) AuthEventsForUser(username string, limit int) ([]AuthEvent, error) {
	rows, err := s.db.Query(`
		SELECT username, COALESCE(auth_method, ''), success, COALESCE(failure_reason, ''), remote_ip, attempted_at
		FROM authentication_log WHERE username = ?
		ORDER BY id DESC LIMIT ?`, strings.ToLower(username), limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing auth events: %w", err)
	}
	defer rows.Close()

	var events []AuthEvent
	for rows.Next() {
		var e AuthEvent
		var at string
		if err := rows.Scan(&e.Username, &e.Method, &e.Success, &e.FailureReason, &e.RemoteIP, &at); err != nil {
			return nil, fmt.Errorf("store: scanning auth event: %w", err)
		}
		e.AttemptedAt = parseTime(at)
		events = append(events, e)
	}
	return events, rows.Err()
}
