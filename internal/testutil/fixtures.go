// Package testutil seeds stores with the domains, users and messages
// the package tests share.
package testutil

import (
	"errors"
	"testing"

	"github.com/perchmail/perchd/internal/auth"
	"github.com/perchmail/perchd/internal/store"
)

// TestPassword is the password given to every seeded user.
const TestPassword = "testpass"

// TestCRAMSecret is the CRAM-MD5 shared secret given to every seeded
// user.
const TestCRAMSecret = "sharedsecret"

// OpenStore opens an in-memory store that closes with the test.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// SeedDomain creates an active local domain, tolerating repeats.
func SeedDomain(t *testing.T, st *store.Store, name string) *store.Domain {
	t.Helper()
	d, err := st.DomainByName(name)
	if err == nil {
		return d
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("DomainByName() = %v", err)
	}
	if err := st.CreateDomain(&store.Domain{Name: name, Active: true}); err != nil {
		t.Fatalf("CreateDomain() = %v", err)
	}
	d, err = st.DomainByName(name)
	if err != nil {
		t.Fatalf("DomainByName() after create = %v", err)
	}
	return d
}

// SeedUser creates an active user in the given domain, creating the
// domain first if needed. The password is bcrypt hashed and the user
// carries the shared CRAM-MD5 secret.
func SeedUser(t *testing.T, st *store.Store, username, domain, password string) *store.User {
	t.Helper()
	SeedDomain(t, st, domain)

	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() = %v", err)
	}
	u := &store.User{
		Username:     username,
		Email:        username + "@" + domain,
		PasswordHash: hash,
		CRAMSecret:   TestCRAMSecret,
		Domain:       domain,
		Active:       true,
	}
	if err := st.CreateUser(u); err != nil {
		t.Fatalf("CreateUser() = %v", err)
	}
	return u
}

// SampleMessage builds a benign raw message between the two addresses.
func SampleMessage(from, to string) []byte {
	return []byte("From: " + from + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: hello\r\n" +
		"\r\n" +
		"How are you?\r\n")
}

// SeedMessage persists a queued outbound message from the given sender
// to the given recipients.
func SeedMessage(t *testing.T, st *store.Store, messageID, from string, rcpts ...string) *store.Message {
	t.Helper()
	if len(rcpts) == 0 {
		t.Fatal("SeedMessage needs at least one recipient")
	}
	raw := SampleMessage(from, rcpts[0])
	msg := &store.Message{
		MessageID: messageID,
		MailFrom:  from,
		RcptTo:    rcpts,
		Subject:   "hello",
		Size:      int64(len(raw)),
		Raw:       raw,
		RemoteIP:  "127.0.0.1",
	}
	if err := st.InsertMessage(msg); err != nil {
		t.Fatalf("InsertMessage() = %v", err)
	}
	return msg
}
