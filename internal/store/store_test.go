package store

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDomainRoundTrip(t *testing.T) {
	s := openTestStore(t)

	d := &Domain{Name: "Example.COM", Active: true}
	if err := s.CreateDomain(d); err != nil {
		t.Fatalf("CreateDomain() = %v", err)
	}
	if d.ID == 0 {
		t.Error("CreateDomain() should set ID")
	}

	got, err := s.DomainByName("example.com")
	if err != nil {
		t.Fatalf("DomainByName() = %v", err)
	}
	if got.Name != "example.com" {
		t.Errorf("Name = %q, want lowercased", got.Name)
	}
	if got.DKIMSelector != "default" {
		t.Errorf("DKIMSelector = %q, want default", got.DKIMSelector)
	}

	local, err := s.IsLocalDomain("example.com")
	if err != nil || !local {
		t.Errorf("IsLocalDomain() = %v, %v; want true", local, err)
	}
	local, err = s.IsLocalDomain("other.org")
	if err != nil || local {
		t.Errorf("IsLocalDomain(other.org) = %v, %v; want false", local, err)
	}
}

func TestSetDomainDKIMKeys(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateDomain(&Domain{Name: "example.com", Active: true}); err != nil {
		t.Fatalf("CreateDomain() = %v", err)
	}

	err := s.SetDomainDKIMKeys("example.com", "s2025", "PEMDATA", "v=DKIM1; k=rsa; p=AAA")
	if err != nil {
		t.Fatalf("SetDomainDKIMKeys() = %v", err)
	}

	d, _ := s.DomainByName("example.com")
	if d.DKIMSelector != "s2025" || d.DKIMPrivateKey != "PEMDATA" {
		t.Errorf("keys not stored: %+v", d)
	}

	if err := s.SetDomainDKIMKeys("missing.org", "x", "y", "z"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetDomainDKIMKeys(missing) = %v, want ErrNotFound", err)
	}
}

func TestUserAuthCounters(t *testing.T) {
	s := openTestStore(t)
	u := &User{Username: "alice", Email: "alice@example.com", PasswordHash: "h", Domain: "example.com", Active: true}
	if err := s.CreateUser(u); err != nil {
		t.Fatalf("CreateUser() = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.RecordAuthFailure("alice"); err != nil {
			t.Fatalf("RecordAuthFailure() = %v", err)
		}
	}
	got, _ := s.UserByUsername("alice")
	if got.FailedAuthAttempts != 3 {
		t.Errorf("FailedAuthAttempts = %d, want 3", got.FailedAuthAttempts)
	}
	if got.LastFailedAuth == nil {
		t.Error("LastFailedAuth should be set")
	}

	if err := s.RecordAuthSuccess("alice"); err != nil {
		t.Fatalf("RecordAuthSuccess() = %v", err)
	}
	got, _ = s.UserByUsername("alice")
	if got.FailedAuthAttempts != 0 || got.LastFailedAuth != nil {
		t.Errorf("counters not reset: %+v", got)
	}
	if got.LastLogin == nil {
		t.Error("LastLogin should be set")
	}
}

func TestUpdatePasswordHash(t *testing.T) {
	s := openTestStore(t)
	s.CreateUser(&User{Username: "bob", Email: "bob@example.com", PasswordHash: "old", Domain: "example.com", Active: true})

	if err := s.UpdatePasswordHash("bob", "new"); err != nil {
		t.Fatalf("UpdatePasswordHash() = %v", err)
	}
	u, _ := s.UserByUsername("bob")
	if u.PasswordHash != "new" {
		t.Errorf("PasswordHash = %q", u.PasswordHash)
	}
}

func TestMessageLifecycle(t *testing.T) {
	s := openTestStore(t)
	m := &Message{
		MessageID: "<m1@example.com>",
		MailFrom:  "alice@example.com",
		RcptTo:    []string{"bob@example.org", "carol@example.net"},
		Subject:   "hi",
		Size:      120,
		Raw:       []byte("From: alice@example.com\r\n\r\nhi\r\n"),
	}
	if err := s.InsertMessage(m); err != nil {
		t.Fatalf("InsertMessage() = %v", err)
	}

	got, err := s.MessageByID("<m1@example.com>")
	if err != nil {
		t.Fatalf("MessageByID() = %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}
	if len(got.RcptTo) != 2 || got.RcptTo[1] != "carol@example.net" {
		t.Errorf("RcptTo = %v", got.RcptTo)
	}

	// queued -> processing -> queued (retry) -> processing -> sent
	for _, status := range []string{StatusProcessing, StatusQueued, StatusProcessing, StatusSent} {
		if err := s.SetMessageStatus(m.MessageID, status); err != nil {
			t.Fatalf("SetMessageStatus(%s) = %v", status, err)
		}
	}

	// Sent is terminal.
	err = s.SetMessageStatus(m.MessageID, StatusQueued)
	if !errors.Is(err, ErrBadTransition) {
		t.Errorf("transition out of sent = %v, want ErrBadTransition", err)
	}

	if err := s.SetMessageStatus("<unknown@x>", StatusProcessing); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetMessageStatus(unknown) = %v, want ErrNotFound", err)
	}
}

func TestAttemptsAreMonotonic(t *testing.T) {
	s := openTestStore(t)
	m := &Message{MessageID: "<m2@example.com>", MailFrom: "a@b.c", RcptTo: []string{"x@y.z"}, Size: 1, Raw: []byte("x")}
	s.InsertMessage(m)

	retry := time.Now().Add(5 * time.Minute)
	s.RecordDeliveryAttempt(m.MessageID, &retry, "451 try later")
	s.RecordDeliveryAttempt(m.MessageID, nil, "250 ok")

	got, _ := s.MessageByID(m.MessageID)
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	if got.NextRetry != nil {
		t.Errorf("NextRetry = %v, want cleared", got.NextRetry)
	}
	if got.LastAttempt == nil {
		t.Error("LastAttempt should be set")
	}
}

func TestDeliveryAttemptRecords(t *testing.T) {
	s := openTestStore(t)
	m := &Message{MessageID: "<m3@example.com>", MailFrom: "a@b.c", RcptTo: []string{"x@y.z"}, Size: 1, Raw: []byte("x")}
	s.InsertMessage(m)

	for i, success := range []bool{false, true} {
		err := s.InsertDeliveryAttempt(&DeliveryAttempt{
			MessageID:     m.MessageID,
			AttemptNumber: i + 1,
			MXHostname:    "mx1.y.z",
			RemoteIP:      "192.0.2.7",
			StatusCode:    250,
			Success:       success,
		})
		if err != nil {
			t.Fatalf("InsertDeliveryAttempt() = %v", err)
		}
	}

	attempts, err := s.AttemptsForMessage(m.MessageID)
	if err != nil {
		t.Fatalf("AttemptsForMessage() = %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("len(attempts) = %d, want 2", len(attempts))
	}
	if attempts[0].Success || !attempts[1].Success {
		t.Errorf("attempt order wrong: %+v", attempts)
	}
}

func TestSweepExpiredMessages(t *testing.T) {
	s := openTestStore(t)

	old := &Message{MessageID: "<old@x>", MailFrom: "a@b.c", RcptTo: []string{"x@y.z"}, Size: 1, Raw: []byte("x")}
	s.InsertMessage(old)
	s.SetMessageStatus(old.MessageID, StatusProcessing)
	s.SetMessageStatus(old.MessageID, StatusSent)
	// Backdate it beyond retention.
	s.db.Exec(`UPDATE messages SET updated_at = ? WHERE message_id = ?`,
		formatTime(time.Now().Add(-10*24*time.Hour)), old.MessageID)

	queued := &Message{MessageID: "<new@x>", MailFrom: "a@b.c", RcptTo: []string{"x@y.z"}, Size: 1, Raw: []byte("x")}
	s.InsertMessage(queued)
	s.db.Exec(`UPDATE messages SET updated_at = ? WHERE message_id = ?`,
		formatTime(time.Now().Add(-10*24*time.Hour)), queued.MessageID)

	n, err := s.SweepExpiredMessages(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("SweepExpiredMessages() = %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d messages, want 1", n)
	}

	// The queued message survives regardless of age.
	if _, err := s.MessageByID("<new@x>"); err != nil {
		t.Errorf("queued message was swept: %v", err)
	}
	if _, err := s.MessageByID("<old@x>"); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal message not swept: %v", err)
	}
}

func TestGreylist(t *testing.T) {
	s := openTestStore(t)
	delay := 10 * time.Minute

	v, err := s.CheckGreylist("203.0.113.5", "a@ex.com", "b@ex.org", delay)
	if err != nil {
		t.Fatalf("CheckGreylist() = %v", err)
	}
	if v != GreylistDefer {
		t.Error("first encounter must defer")
	}

	// Immediate retry is still inside the window.
	v, _ = s.CheckGreylist("203.0.113.5", "a@ex.com", "b@ex.org", delay)
	if v != GreylistDefer {
		t.Error("retry inside the delay window must defer")
	}

	// Backdate first_seen past the delay.
	s.db.Exec(`UPDATE greylist SET first_seen = ?`, formatTime(time.Now().Add(-delay-time.Minute)))
	v, _ = s.CheckGreylist("203.0.113.5", "a@ex.com", "b@ex.org", delay)
	if v != GreylistPass {
		t.Error("retry after the delay must pass")
	}

	// A different triple starts over.
	v, _ = s.CheckGreylist("203.0.113.6", "a@ex.com", "b@ex.org", delay)
	if v != GreylistDefer {
		t.Error("different triple must defer")
	}
}

func TestBlacklist(t *testing.T) {
	s := openTestStore(t)

	if err := s.AddBlacklistEntry(&BlacklistEntry{Type: "ip", Value: "203.0.113.9", Reason: "abuse"}); err != nil {
		t.Fatalf("AddBlacklistEntry() = %v", err)
	}
	blocked, err := s.IsBlacklisted("203.0.113.9")
	if err != nil || !blocked {
		t.Errorf("IsBlacklisted() = %v, %v; want true", blocked, err)
	}

	expired := time.Now().Add(-time.Hour)
	s.AddBlacklistEntry(&BlacklistEntry{Type: "email", Value: "gone@ex.com", ExpiresAt: &expired})
	blocked, _ = s.IsBlacklisted("gone@ex.com")
	if blocked {
		t.Error("expired entry should not block")
	}

	blocked, _ = s.IsBlacklisted("unknown@ex.com")
	if blocked {
		t.Error("unknown value should not block")
	}
}

func TestSpamScoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	m := &Message{MessageID: "<sc@x>", MailFrom: "a@b.c", RcptTo: []string{"x@y.z"}, Size: 1, Raw: []byte("x")}
	s.InsertMessage(m)

	err := s.InsertSpamScore(&SpamScore{
		MessageID: m.MessageID,
		Score:     6.5,
		IsSpam:    true,
		Rules:     []string{"subject_all_caps", "missing_message_id"},
	})
	if err != nil {
		t.Fatalf("InsertSpamScore() = %v", err)
	}

	sc, err := s.SpamScoreForMessage(m.MessageID)
	if err != nil {
		t.Fatalf("SpamScoreForMessage() = %v", err)
	}
	if sc.Score != 6.5 || !sc.IsSpam || len(sc.Rules) != 2 {
		t.Errorf("SpamScoreForMessage() = %+v", sc)
	}
}

func TestConnectionAndAuthLog(t *testing.T) {
	s := openTestStore(t)

	err := s.InsertConnection(&Connection{
		RemoteIP:         "203.0.113.5",
		RemotePort:       50412,
		HeloHostname:     "client.example.net",
		Protocol:         "ESMTP",
		TLSEnabled:       true,
		MessagesSent:     2,
		BytesReceived:    4096,
		CommandsReceived: 9,
		ConnectedAt:      time.Now().Add(-time.Minute),
		DisconnectedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertConnection() = %v", err)
	}

	err = s.LogAuthEvent(&AuthEvent{
		Username: "alice", Method: "PLAIN", Success: false,
		FailureReason: "Invalid credentials", RemoteIP: "203.0.113.5",
	})
	if err != nil {
		t.Fatalf("LogAuthEvent() = %v", err)
	}
	err = s.LogAuthEvent(&AuthEvent{Username: "alice", Method: "PLAIN", Success: true, RemoteIP: "203.0.113.5"})
	if err != nil {
		t.Fatalf("LogAuthEvent() = %v", err)
	}

	events, err := s.AuthEventsForUser("alice", 10)
	if err != nil {
		t.Fatalf("AuthEventsForUser() = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if !events[0].Success {
		t.Error("events should be newest first")
	}
}
