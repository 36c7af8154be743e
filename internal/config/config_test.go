package config

import (
	"crypto/tls"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() should validate, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "default",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing hostname",
			mutate:  func(c *Config) { c.Hostname = "" },
			wantErr: "server_hostname",
		},
		{
			name:    "missing domain",
			mutate:  func(c *Config) { c.Domain = "" },
			wantErr: "server_domain",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.SMTPTLSPort = 70000 },
			wantErr: "invalid port",
		},
		{
			name:    "smtp port required",
			mutate:  func(c *Config) { c.SMTPPort = 0 },
			wantErr: "smtp_port",
		},
		{
			name:    "unknown auth method",
			mutate:  func(c *Config) { c.Auth.Methods = []string{"PLAIN", "NTLM"} },
			wantErr: "unknown auth method",
		},
		{
			name:   "cram-md5 allowed",
			mutate: func(c *Config) { c.Auth.Methods = []string{"CRAM-MD5"} },
		},
		{
			name:    "cert without key",
			mutate:  func(c *Config) { c.TLS.CertFile = "/etc/perchd/cert.pem" },
			wantErr: "must be set together",
		},
		{
			name:    "require_tls without cert",
			mutate:  func(c *Config) { c.TLS.Required = true },
			wantErr: "require_tls",
		},
		{
			name:    "bad tls version",
			mutate:  func(c *Config) { c.TLS.MinVersion = "1.5" },
			wantErr: "min_version",
		},
		{
			name:    "zero message size",
			mutate:  func(c *Config) { c.Limits.MaxMessageSize = 0 },
			wantErr: "max_message_size",
		},
		{
			name:    "bad timeout",
			mutate:  func(c *Config) { c.Timeouts.Data = "five minutes" },
			wantErr: "invalid timeout",
		},
		{
			name:    "zero delivery threads",
			mutate:  func(c *Config) { c.Queue.MaxDeliveryThreads = 0 },
			wantErr: "max_delivery_threads",
		},
		{
			name:    "bad spf policy",
			mutate:  func(c *Config) { c.SPF.FailurePolicy = "bounce" },
			wantErr: "spf_failure_policy",
		},
		{
			name:    "bad dmarc policy",
			mutate:  func(c *Config) { c.DMARC.FailurePolicy = "drop" },
			wantErr: "dmarc_failure_policy",
		},
		{
			name: "metrics enabled without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Address = ""
			},
			wantErr: "metrics address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestListeners(t *testing.T) {
	cfg := Default()
	cfg.BindIP = "127.0.0.1"

	// Without a certificate only the plaintext listener exists.
	ls := cfg.Listeners()
	if len(ls) != 1 {
		t.Fatalf("Listeners() = %d listeners, want 1", len(ls))
	}
	if ls[0].Address != "127.0.0.1:25" || ls[0].Mode != ModeSmtp {
		t.Errorf("Listeners()[0] = %+v", ls[0])
	}

	cfg.TLS.CertFile = "/etc/perchd/cert.pem"
	cfg.TLS.KeyFile = "/etc/perchd/key.pem"
	ls = cfg.Listeners()
	if len(ls) != 3 {
		t.Fatalf("Listeners() with cert = %d listeners, want 3", len(ls))
	}
	if ls[1].Mode != ModeSubmission || ls[1].Address != "127.0.0.1:587" {
		t.Errorf("Listeners()[1] = %+v", ls[1])
	}
	if ls[2].Mode != ModeSmtps || ls[2].Address != "127.0.0.1:465" {
		t.Errorf("Listeners()[2] = %+v", ls[2])
	}

	cfg.SMTPSSLPort = 0
	if got := len(cfg.Listeners()); got != 2 {
		t.Errorf("Listeners() with ssl port disabled = %d, want 2", got)
	}
}

func TestMinTLSVersion(t *testing.T) {
	tests := []struct {
		version string
		want    uint16
	}{
		{"1.0", tls.VersionTLS10},
		{"1.1", tls.VersionTLS11},
		{"1.2", tls.VersionTLS12},
		{"1.3", tls.VersionTLS13},
		{"", tls.VersionTLS12},
		{"bogus", tls.VersionTLS12},
	}
	for _, tt := range tests {
		c := TLSConfig{MinVersion: tt.version}
		if got := c.MinTLSVersion(); got != tt.want {
			t.Errorf("MinTLSVersion(%q) = %x, want %x", tt.version, got, tt.want)
		}
	}
}

func TestMethodEnabled(t *testing.T) {
	c := AuthConfig{Methods: []string{"PLAIN", "LOGIN"}}
	if !c.MethodEnabled("plain") {
		t.Error("MethodEnabled should be case-insensitive")
	}
	if c.MethodEnabled("CRAM-MD5") {
		t.Error("MethodEnabled should be false for unconfigured mechanism")
	}
}

func TestTimeouts(t *testing.T) {
	c := TimeoutsConfig{Connection: "45s", Data: "2m"}
	if got := c.ConnectionTimeout().Seconds(); got != 45 {
		t.Errorf("ConnectionTimeout() = %vs, want 45s", got)
	}
	if got := c.DataTimeout().Minutes(); got != 2 {
		t.Errorf("DataTimeout() = %vm, want 2m", got)
	}

	var zero TimeoutsConfig
	if got := zero.ConnectionTimeout().Seconds(); got != 30 {
		t.Errorf("zero ConnectionTimeout() = %vs, want 30s", got)
	}
	if got := zero.DataTimeout().Minutes(); got != 5 {
		t.Errorf("zero DataTimeout() = %vm, want 5m", got)
	}
}
