package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message status values. Sent, failed and bounced are terminal.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusBounced    = "bounced"
)

// ErrBadTransition is returned when a status update would violate the
// message lifecycle.
var ErrBadTransition = errors.New("store: invalid status transition")

// allowedTransitions maps a target status to the states it may be
// reached from. Terminal states have no outgoing edges; processing may
// return to queued when a transient failure schedules a retry.
var allowedTransitions = map[string][]string{
	StatusProcessing: {StatusQueued},
	StatusQueued:     {StatusProcessing},
	StatusSent:       {StatusProcessing},
	StatusFailed:     {StatusQueued, StatusProcessing},
	StatusBounced:    {StatusProcessing},
}

// Message is a stored mail message with its envelope and queue state.
type Message struct {
	ID               int64
	MessageID        string
	MailFrom         string
	RcptTo           []string
	Subject          string
	Size             int64
	Raw              []byte
	Status           string
	Attempts         int
	LastAttempt      *time.Time
	NextRetry        *time.Time
	SPFResult        string
	DKIMResult       string
	DMARCResult      string
	SpamScore        float64
	DeliveredAt      *time.Time
	DeliveryResponse string
	RemoteIP         string
	SenderUser       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InsertMessage persists a newly accepted message in queued state.
func (s *Store) InsertMessage(m *Message) error {
	rcpt, err := json.Marshal(m.RcptTo)
	if err != nil {
		return fmt.Errorf("store: encoding recipients: %w", err)
	}
	if m.Status == "" {
		m.Status = StatusQueued
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now

	res, err := s.db.Exec(`
		INSERT INTO messages (message_id, mail_from, rcpt_to, subject, size, raw_message,
			status, attempts, spf_result, dkim_result, dmarc_result, spam_score,
			remote_ip, sender_user, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.MailFrom, string(rcpt), m.Subject, m.Size, m.Raw,
		m.Status, m.Attempts, m.SPFResult, m.DKIMResult, m.DMARCResult, m.SpamScore,
		m.RemoteIP, m.SenderUser, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("store: inserting message %s: %w", m.MessageID, err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// MessageByID fetches a message by its Message-ID.
func (s *Store) MessageByID(messageID string) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, message_id, mail_from, rcpt_to, COALESCE(subject, ''), size, raw_message,
		       status, attempts, last_attempt, next_retry,
		       COALESCE(spf_result, ''), COALESCE(dkim_result, ''), COALESCE(dmarc_result, ''),
		       COALESCE(spam_score, 0), delivered_at, COALESCE(delivery_response, ''),
		       COALESCE(remote_ip, ''), COALESCE(sender_user, ''), created_at, updated_at
		FROM messages WHERE message_id = ?`, messageID)

	var m Message
	var rcpt, created, updated string
	var lastAttempt, nextRetry, deliveredAt sql.NullString
	err := row.Scan(&m.ID, &m.MessageID, &m.MailFrom, &rcpt, &m.Subject, &m.Size, &m.Raw,
		&m.Status, &m.Attempts, &lastAttempt, &nextRetry,
		&m.SPFResult, &m.DKIMResult, &m.DMARCResult,
		&m.SpamScore, &deliveredAt, &m.DeliveryResponse,
		&m.RemoteIP, &m.SenderUser, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching message %s: %w", messageID, err)
	}
	if err := json.Unmarshal([]byte(rcpt), &m.RcptTo); err != nil {
		return nil, fmt.Errorf("store: decoding recipients for %s: %w", messageID, err)
	}
	m.LastAttempt = parseNullTime(lastAttempt)
	m.NextRetry = parseNullTime(nextRetry)
	m.DeliveredAt = parseNullTime(deliveredAt)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

// SetMessageStatus transitions a message's lifecycle status. Invalid
// transitions (including any change out of a terminal state) return
// ErrBadTransition.
func (s *Store) SetMessageStatus(messageID, status string) error {
	from, ok := allowedTransitions[status]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrBadTransition, status)
	}

	query := `UPDATE messages SET status = ?, updated_at = ? WHERE message_id = ? AND status IN (`
	args := []any{status, formatTime(time.Now()), messageID}
	for i, f := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, f)
	}
	query += ")"

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("store: updating status of %s: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the message is unknown or the transition is illegal.
		if _, err := s.MessageByID(messageID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: message %s cannot move to %s", ErrBadTransition, messageID, status)
	}
	return nil
}

// RecordDeliveryAttempt bumps the attempt counter and sets the retry
// schedule after a delivery pass. nextRetry nil clears the schedule.
func (s *Store) RecordDeliveryAttempt(messageID string, nextRetry *time.Time, response string) error {
	_, err := s.db.Exec(`
		UPDATE messages
		SET attempts = attempts + 1, last_attempt = ?, next_retry = ?,
		    delivery_response = ?, updated_at = ?
		WHERE message_id = ?`,
		formatTime(time.Now()), formatNullTime(nextRetry), response,
		formatTime(time.Now()), messageID)
	if err != nil {
		return fmt.Errorf("store: recording attempt for %s: %w", messageID, err)
	}
	return nil
}

// MarkDelivered stamps a successful delivery. The status transition to
// sent is applied separately via SetMessageStatus.
func (s *Store) MarkDelivered(messageID, response string) error {
	_, err := s.db.Exec(`
		UPDATE messages SET delivered_at = ?, delivery_response = ?, updated_at = ?
		WHERE message_id = ?`,
		formatTime(time.Now()), response, formatTime(time.Now()), messageID)
	if err != nil {
		return fmt.Errorf("store: marking %s delivered: %w", messageID, err)
	}
	return nil
}

// SetAuthResults records the inbound SPF/DKIM/DMARC evaluation.
func (s *Store) SetAuthResults(messageID, spf, dkim, dmarc string) error {
	_, err := s.db.Exec(`
		UPDATE messages SET spf_result = ?, dkim_result = ?, dmarc_result = ?, updated_at = ?
		WHERE message_id = ?`,
		spf, dkim, dmarc, formatTime(time.Now()), messageID)
	if err != nil {
		return fmt.Errorf("store: recording auth results for %s: %w", messageID, err)
	}
	return nil
}

// SweepExpiredMessages deletes terminal messages older than the
// retention window and returns how many were removed.
func (s *Store) SweepExpiredMessages(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.Exec(`
		DELETE FROM messages
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		StatusSent, StatusFailed, StatusBounced, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: sweeping expired messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueuedMessageIDs lists messages persisted in queued state, oldest
// first. Used at startup to repopulate the broker after a restart or
// crash lost the in-memory queue.
func (s *Store) QueuedMessageIDs() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT message_id FROM messages WHERE status = ? ORDER BY id`, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("store: listing queued messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning queued message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeliveryAttempt is one recorded try against one MX host.
type DeliveryAttempt struct {
	MessageID      string
	AttemptNumber  int
	MXHostname     string
	MXPriority     int
	RemoteIP       string
	RemotePort     int
	TLSVersion     string
	CipherSuite    string
	StatusCode     int
	Response       string
	ErrorMessage   string
	Success        bool
	ConnectionTime float64
	DeliveryTime   float64
	AttemptedAt    time.Time
}

// InsertDeliveryAttempt records one delivery try.
func (s *Store) InsertDeliveryAttempt(a *DeliveryAttempt) error {
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO delivery_attempts (message_id, attempt_number, mx_hostname, mx_priority,
			remote_ip, remote_port, tls_version, cipher_suite, status_code, response,
			error_message, success, connection_time, delivery_time, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.MessageID, a.AttemptNumber, a.MXHostname, a.MXPriority,
		a.RemoteIP, a.RemotePort, a.TLSVersion, a.CipherSuite, a.StatusCode, a.Response,
		a.ErrorMessage, a.Success, a.ConnectionTime, a.DeliveryTime, formatTime(a.AttemptedAt))
	if err != nil {
		return fmt.Errorf("store: inserting delivery attempt for %s: %w", a.MessageID, err)
	}
	return nil
}

// AttemptsForMessage returns all recorded tries for a message in order.
func (s *Store) AttemptsForMessage(messageID string) ([]DeliveryAttempt, error) {
	rows, err := s.db.Query(`
		SELECT message_id, attempt_number, COALESCE(mx_hostname, ''), COALESCE(mx_priority, 0),
		       COALESCE(remote_ip, ''), COALESCE(remote_port, 0),
		       COALESCE(tls_version, ''), COALESCE(cipher_suite, ''),
		       COALESCE(status_code, 0), COALESCE(response, ''), COALESCE(error_message, ''),
		       success, COALESCE(connection_time, 0), COALESCE(delivery_time, 0), attempted_at
		FROM delivery_attempts WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("store: listing attempts for %s: %w", messageID, err)
	}
	defer rows.Close()

	var attempts []DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		var at string
		if err := rows.Scan(&a.MessageID, &a.AttemptNumber, &a.MXHostname, &a.MXPriority,
			&a.RemoteIP, &a.RemotePort, &a.TLSVersion, &a.CipherSuite,
			&a.StatusCode, &a.Response, &a.ErrorMessage,
			&a.Success, &a.ConnectionTime, &a.DeliveryTime, &at); err != nil {
			return nil, fmt.Errorf("store: scanning delivery attempt: %w", err)
		}
		a.AttemptedAt = parseTime(at)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
