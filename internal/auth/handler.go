// Package auth verifies SMTP credentials against the user store and
// maintains the per-account failure counters and authentication log.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/perchmail/perchd/internal/store"
)

// Lockout policy: five consecutive failures lock the account for half
// an hour from the last failure.
const (
	maxFailedAttempts = 5
	lockoutDuration   = 30 * time.Minute
)

// Authentication failure modes. The protocol layer maps these to reply
// codes; everything else is an internal error.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
)

// Handler authenticates users and records the outcome.
type Handler struct {
	store    *store.Store
	hostname string
	logger   *slog.Logger

	// lockoutWindow is how long an account stays locked after
	// maxFailedAttempts consecutive failures. Tests shorten it.
	lockoutWindow time.Duration
}

// NewHandler creates a Handler. hostname is used in CRAM-MD5
// challenges.
func NewHandler(st *store.Store, hostname string, logger *slog.Logger) *Handler {
	return &Handler{store: st, hostname: hostname, logger: logger, lockoutWindow: lockoutDuration}
}

// Authenticate verifies a username (or email address) and password.
// On success the failure counter is reset and last_login stamped; on
// failure the counter is bumped. Every attempt lands in the
// authentication log.
func (h *Handler) Authenticate(username, password, remoteIP, method string) (*store.User, error) {
	user, err := h.lookupUser(username)
	if err != nil {
		h.logAttempt(username, method, remoteIP, false, "User not found")
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := h.checkLockout(user); err != nil {
		h.logAttempt(username, method, remoteIP, false, "Account locked")
		return nil, err
	}

	if !verifyPassword(password, user.PasswordHash) {
		if err := h.store.RecordAuthFailure(user.Username); err != nil {
			h.logger.Error("recording auth failure", "username", user.Username, "error", err)
		}
		h.logAttempt(username, method, remoteIP, false, "Invalid password")
		return nil, ErrInvalidCredentials
	}

	if err := h.store.RecordAuthSuccess(user.Username); err != nil {
		h.logger.Error("recording auth success", "username", user.Username, "error", err)
	}
	h.logAttempt(username, method, remoteIP, true, "")
	h.upgradeLegacyHash(user, password)
	return user, nil
}

// lookupUser resolves a login name to an active account. Logins may
// use either the bare username or the primary email address.
func (h *Handler) lookupUser(username string) (*store.User, error) {
	var user *store.User
	var err error
	if strings.Contains(username, "@") {
		user, err = h.store.UserByEmail(username)
		if errors.Is(err, store.ErrNotFound) {
			user, err = h.store.UserByUsername(username)
		}
	} else {
		user, err = h.store.UserByUsername(username)
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, store.ErrNotFound
	}
	return user, nil
}

// checkLockout returns ErrAccountLocked while the account is inside
// the lockout window. Once the window has passed the persisted counter
// is cleared, so a later failure takes it to 1, not past the threshold.
func (h *Handler) checkLockout(user *store.User) error {
	if user.FailedAuthAttempts < maxFailedAttempts || user.LastFailedAuth == nil {
		return nil
	}
	if time.Now().Before(user.LastFailedAuth.Add(h.lockoutWindow)) {
		return ErrAccountLocked
	}
	if err := h.store.ResetAuthFailures(user.Username); err != nil {
		h.logger.Error("resetting auth failures", "username", user.Username, "error", err)
	}
	user.FailedAuthAttempts = 0
	user.LastFailedAuth = nil
	return nil
}

// verifyPassword checks a password against a stored hash. Hashes with a
// bcrypt prefix use bcrypt; anything else is treated as a legacy hex
// SHA-256 digest.
func verifyPassword(password, hash string) bool {
	if strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
	sum := sha256.Sum256([]byte(password))
	digest := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(digest), []byte(strings.ToLower(hash))) == 1
}

// upgradeLegacyHash rewrites a legacy SHA-256 hash as bcrypt after a
// successful login, while the plaintext is in hand. Failure to upgrade
// never fails the login.
func (h *Handler) upgradeLegacyHash(user *store.User, password string) {
	if strings.HasPrefix(user.PasswordHash, "$2a$") || strings.HasPrefix(user.PasswordHash, "$2b$") {
		return
	}
	hash, err := HashPassword(password)
	if err != nil {
		h.logger.Error("hashing password for upgrade", "username", user.Username, "error", err)
		return
	}
	if err := h.store.UpdatePasswordHash(user.Username, hash); err != nil {
		h.logger.Error("upgrading legacy password hash", "username", user.Username, "error", err)
		return
	}
	h.logger.Info("upgraded legacy password hash", "username", user.Username)
}

// HashPassword hashes a password for storage using bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hash), nil
}

func (h *Handler) logAttempt(username, method, remoteIP string, success bool, reason string) {
	err := h.store.LogAuthEvent(&store.AuthEvent{
		Username:      username,
		Method:        method,
		Success:       success,
		FailureReason: reason,
		RemoteIP:      remoteIP,
	})
	if err != nil {
		h.logger.Error("writing authentication log", "username", username, "error", err)
	}
}
