// Package config provides configuration management for the mail server.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModeSmtp is standard SMTP on port 25.
	ModeSmtp ListenerMode = "smtp"
	// ModeSubmission is authenticated submission on port 587.
	ModeSubmission ListenerMode = "submission"
	// ModeSmtps is implicit TLS on port 465.
	ModeSmtps ListenerMode = "smtps"
)

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Perchd Config `toml:"perchd"`
}

// Config holds the complete mail server configuration.
type Config struct {
	Hostname string `toml:"server_hostname"`
	Domain   string `toml:"server_domain"`
	BindIP   string `toml:"server_ip"`
	LogLevel string `toml:"log_level"`

	SMTPPort    int `toml:"smtp_port"`
	SMTPTLSPort int `toml:"smtp_tls_port"`
	SMTPSSLPort int `toml:"smtp_ssl_port"`

	Auth     AuthConfig     `toml:"auth"`
	TLS      TLSConfig      `toml:"tls"`
	Limits   LimitsConfig   `toml:"limits"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Queue    QueueConfig    `toml:"queue"`
	DKIM     DKIMConfig     `toml:"dkim"`
	SPF      SPFConfig      `toml:"spf"`
	DMARC    DMARCConfig    `toml:"dmarc"`
	Spam     SpamConfig     `toml:"spam"`
	Store    StoreConfig    `toml:"store"`
	Redis    RedisConfig    `toml:"redis"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// AuthConfig controls SMTP authentication.
type AuthConfig struct {
	Enabled bool     `toml:"enable_auth"`
	Methods []string `toml:"auth_methods"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	Enabled    bool   `toml:"enable_starttls"`
	Required   bool   `toml:"require_tls"`
	CertFile   string `toml:"tls_cert_path"`
	KeyFile    string `toml:"tls_key_path"`
	MinVersion string `toml:"min_version"`
}

// LimitsConfig defines resource and rate limits.
type LimitsConfig struct {
	MaxMessageSize          int64 `toml:"max_message_size"`
	MaxRecipientsPerMessage int   `toml:"max_recipients_per_message"`
	MaxMessagesPerHour      int   `toml:"max_messages_per_hour"`
	MaxMessagesPerDay       int   `toml:"max_messages_per_day"`
	MaxConnectionRate       int   `toml:"max_connection_rate"`
	MaxAuthAttempts         int   `toml:"max_auth_attempts"`
}

// TimeoutsConfig defines timeout durations as duration strings.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Data       string `toml:"data"`
}

// QueueConfig controls delivery retries and the worker pool.
type QueueConfig struct {
	RetryAttempts        int `toml:"retry_attempts"`
	RetryDelaySeconds    int `toml:"retry_delay_seconds"`
	MaxDeliveryThreads   int `toml:"max_delivery_threads"`
	MessageRetentionDays int `toml:"message_retention_days"`
}

// DKIMConfig controls outbound DKIM signing.
type DKIMConfig struct {
	SigningEnabled bool   `toml:"enable_dkim_signing"`
	Selector       string `toml:"dkim_selector"`
}

// SPFConfig controls inbound SPF checking.
type SPFConfig struct {
	Checking      bool   `toml:"spf_checking"`
	FailurePolicy string `toml:"spf_failure_policy"` // none, softfail, fail
}

// DMARCConfig controls inbound DMARC checking.
type DMARCConfig struct {
	Checking      bool   `toml:"dmarc_checking"`
	FailurePolicy string `toml:"dmarc_failure_policy"` // none, quarantine, reject
}

// SpamConfig controls greylisting and DNSBL checks. The rule-based scoring
// filter itself is always on; its weights are fixed.
type SpamConfig struct {
	EnableGreylisting    bool     `toml:"enable_greylisting"`
	GreylistDelayMinutes int      `toml:"greylist_delay_minutes"`
	EnableBlacklistCheck bool     `toml:"enable_blacklist_check"`
	BlacklistServers     []string `toml:"blacklist_servers"`
}

// StoreConfig holds database settings.
type StoreConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds the key-value store settings backing the queue and
// rate limiter.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname:    "localhost",
		Domain:      "localhost",
		BindIP:      "0.0.0.0",
		LogLevel:    "info",
		SMTPPort:    25,
		SMTPTLSPort: 587,
		SMTPSSLPort: 465,
		Auth: AuthConfig{
			Enabled: true,
			Methods: []string{"PLAIN", "LOGIN"},
		},
		TLS: TLSConfig{
			Enabled:    true,
			MinVersion: "1.2",
		},
		Limits: LimitsConfig{
			MaxMessageSize:          26214400, // 25 MB
			MaxRecipientsPerMessage: 100,
			MaxMessagesPerHour:      1000,
			MaxMessagesPerDay:       10000,
			MaxConnectionRate:       10,
			MaxAuthAttempts:         3,
		},
		Timeouts: TimeoutsConfig{
			Connection: "30s",
			Data:       "5m",
		},
		Queue: QueueConfig{
			RetryAttempts:        3,
			RetryDelaySeconds:    300,
			MaxDeliveryThreads:   10,
			MessageRetentionDays: 7,
		},
		DKIM: DKIMConfig{
			SigningEnabled: true,
			Selector:       "default",
		},
		SPF: SPFConfig{
			Checking:      true,
			FailurePolicy: "softfail",
		},
		DMARC: DMARCConfig{
			Checking:      true,
			FailurePolicy: "quarantine",
		},
		Spam: SpamConfig{
			EnableGreylisting:    false,
			GreylistDelayMinutes: 5,
			EnableBlacklistCheck: false,
			BlacklistServers:     []string{"zen.spamhaus.org", "bl.spamcop.net"},
		},
		Store: StoreConfig{
			Path: "./perchd.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("server_hostname is required")
	}
	if c.Domain == "" {
		return errors.New("server_domain is required")
	}

	for _, port := range []int{c.SMTPPort, c.SMTPTLSPort, c.SMTPSSLPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
	}
	if c.SMTPPort == 0 {
		return errors.New("smtp_port is required")
	}

	for _, m := range c.Auth.Methods {
		switch strings.ToUpper(m) {
		case "PLAIN", "LOGIN", "CRAM-MD5":
		default:
			return fmt.Errorf("unknown auth method %q", m)
		}
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls_cert_path and tls_key_path must be set together")
	}
	if c.TLS.Required && c.TLS.CertFile == "" {
		return errors.New("require_tls needs tls_cert_path and tls_key_path")
	}
	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}
	if c.Limits.MaxRecipientsPerMessage <= 0 {
		return errors.New("max_recipients_per_message must be positive")
	}
	if c.Limits.MaxAuthAttempts <= 0 {
		return errors.New("max_auth_attempts must be positive")
	}

	for _, d := range []string{c.Timeouts.Connection, c.Timeouts.Data} {
		if d != "" {
			if _, err := time.ParseDuration(d); err != nil {
				return fmt.Errorf("invalid timeout %q: %w", d, err)
			}
		}
	}

	if c.Queue.RetryAttempts <= 0 {
		return errors.New("retry_attempts must be positive")
	}
	if c.Queue.MaxDeliveryThreads <= 0 {
		return errors.New("max_delivery_threads must be positive")
	}

	switch c.SPF.FailurePolicy {
	case "", "none", "softfail", "fail":
	default:
		return fmt.Errorf("invalid spf_failure_policy %q", c.SPF.FailurePolicy)
	}
	switch c.DMARC.FailurePolicy {
	case "", "none", "quarantine", "reject":
	default:
		return fmt.Errorf("invalid dmarc_failure_policy %q", c.DMARC.FailurePolicy)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// Listener is one derived listen address with its mode.
type Listener struct {
	Address string
	Mode    ListenerMode
}

// Listeners returns the listeners implied by the port configuration.
// A port of zero disables that listener; the TLS ports require a certificate.
func (c *Config) Listeners() []Listener {
	var ls []Listener
	if c.SMTPPort > 0 {
		ls = append(ls, Listener{Address: fmt.Sprintf("%s:%d", c.BindIP, c.SMTPPort), Mode: ModeSmtp})
	}
	if c.SMTPTLSPort > 0 && c.TLS.CertFile != "" {
		ls = append(ls, Listener{Address: fmt.Sprintf("%s:%d", c.BindIP, c.SMTPTLSPort), Mode: ModeSubmission})
	}
	if c.SMTPSSLPort > 0 && c.TLS.CertFile != "" {
		ls = append(ls, Listener{Address: fmt.Sprintf("%s:%d", c.BindIP, c.SMTPSSLPort), Mode: ModeSmtps})
	}
	return ls
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum
// TLS version. Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// MethodEnabled reports whether the given SASL mechanism is configured.
func (c *AuthConfig) MethodEnabled(mech string) bool {
	for _, m := range c.Methods {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
// Returns 30 seconds if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseDurationOr(c.Connection, 30*time.Second)
}

// DataTimeout returns the DATA phase timeout as a time.Duration.
// Returns 5 minutes if not configured or invalid.
func (c *TimeoutsConfig) DataTimeout() time.Duration {
	return parseDurationOr(c.Data, 5*time.Minute)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}
