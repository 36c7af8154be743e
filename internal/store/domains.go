package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Domain is a domain the server accepts or signs mail for.
type Domain struct {
	ID             int64
	Name           string
	Active         bool
	DKIMSelector   string
	DKIMPrivateKey string
	DKIMPublicKey  string
	DMARCPolicy    string
	CreatedAt      time.Time
}

// CreateDomain inserts a new local domain.
func (s *Store) CreateDomain(d *Domain) error {
	if d.DKIMSelector == "" {
		d.DKIMSelector = "default"
	}
	if d.DMARCPolicy == "" {
		d.DMARCPolicy = "none"
	}
	d.CreatedAt = time.Now()
	res, err := s.db.Exec(`
		INSERT INTO domains (domain, is_active, dkim_selector, dkim_private_key, dkim_public_key, dmarc_policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.ToLower(d.Name), d.Active, d.DKIMSelector, d.DKIMPrivateKey, d.DKIMPublicKey, d.DMARCPolicy, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: creating domain %s: %w", d.Name, err)
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

// DomainByName fetches a domain record by its (lowercased) name.
func (s *Store) DomainByName(name string) (*Domain, error) {
	row := s.db.QueryRow(`
		SELECT id, domain, is_active, dkim_selector,
		       COALESCE(dkim_private_key, ''), COALESCE(dkim_public_key, ''),
		       dmarc_policy, created_at
		FROM domains WHERE domain = ?`, strings.ToLower(name))

	var d Domain
	var created string
	err := row.Scan(&d.ID, &d.Name, &d.Active, &d.DKIMSelector,
		&d.DKIMPrivateKey, &d.DKIMPublicKey, &d.DMARCPolicy, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching domain %s: %w", name, err)
	}
	d.CreatedAt = parseTime(created)
	return &d, nil
}

// IsLocalDomain reports whether name is an active local domain.
func (s *Store) IsLocalDomain(name string) (bool, error) {
	d, err := s.DomainByName(name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.Active, nil
}

// SetDomainDKIMKeys stores generated key material for a domain.
func (s *Store) SetDomainDKIMKeys(name, selector, privateKeyPEM, dnsRecord string) error {
	res, err := s.db.Exec(`
		UPDATE domains
		SET dkim_selector = ?, dkim_private_key = ?, dkim_public_key = ?, updated_at = ?
		WHERE domain = ?`,
		selector, privateKeyPEM, dnsRecord, formatTime(time.Now()), strings.ToLower(name))
	if err != nil {
		return fmt.Errorf("store: updating DKIM keys for %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
