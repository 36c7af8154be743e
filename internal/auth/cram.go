package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/perchmail/perchd/internal/store"
)

// NewChallenge builds a CRAM-MD5 challenge in the conventional
// timestamped form, for example <1724660000.8f3a2c@mail.example.com>.
func (h *Handler) NewChallenge() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Fall back to the clock; the challenge only needs to be
		// unique per exchange, not unguessable.
		binary.BigEndian.PutUint32(buf[:], uint32(time.Now().UnixNano()))
	}
	return fmt.Sprintf("<%d.%s@%s>", time.Now().Unix(), hex.EncodeToString(buf[:]), h.hostname)
}

// VerifyCRAMMD5 checks a CRAM-MD5 response digest against the user's
// CRAM secret. The digest is the hex HMAC-MD5 of the challenge keyed
// with the secret. Accounts without a CRAM secret cannot use the
// mechanism.
func (h *Handler) VerifyCRAMMD5(username, challenge, digest, remoteIP string) (*store.User, error) {
	user, err := h.lookupUser(username)
	if err != nil {
		h.logAttempt(username, "CRAM-MD5", remoteIP, false, "User not found")
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := h.checkLockout(user); err != nil {
		h.logAttempt(username, "CRAM-MD5", remoteIP, false, "Account locked")
		return nil, err
	}

	if user.CRAMSecret == "" {
		h.logAttempt(username, "CRAM-MD5", remoteIP, false, "CRAM-MD5 not available")
		return nil, ErrInvalidCredentials
	}

	mac := hmac.New(md5.New, []byte(user.CRAMSecret))
	mac.Write([]byte(challenge))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		if err := h.store.RecordAuthFailure(user.Username); err != nil {
			h.logger.Error("recording auth failure", "username", user.Username, "error", err)
		}
		h.logAttempt(username, "CRAM-MD5", remoteIP, false, "Invalid digest")
		return nil, ErrInvalidCredentials
	}

	if err := h.store.RecordAuthSuccess(user.Username); err != nil {
		h.logger.Error("recording auth success", "username", user.Username, "error", err)
	}
	h.logAttempt(username, "CRAM-MD5", remoteIP, true, "")
	return user, nil
}
