package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perchd.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load() = %v, want nil for missing file", err)
	}
	if cfg.Hostname != "localhost" {
		t.Errorf("Hostname = %q, want default", cfg.Hostname)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
[perchd]
server_hostname = "mail.example.com"
server_domain = "example.com"
smtp_port = 2525

[perchd.limits]
max_message_size = 1048576

[perchd.spam]
enable_greylisting = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Hostname != "mail.example.com" {
		t.Errorf("Hostname = %q", cfg.Hostname)
	}
	if cfg.SMTPPort != 2525 {
		t.Errorf("SMTPPort = %d, want 2525", cfg.SMTPPort)
	}
	if cfg.Limits.MaxMessageSize != 1048576 {
		t.Errorf("MaxMessageSize = %d, want 1048576", cfg.Limits.MaxMessageSize)
	}
	if !cfg.Spam.EnableGreylisting {
		t.Error("EnableGreylisting should be true")
	}
	// Keys not present in the file keep their defaults.
	if cfg.SMTPTLSPort != 587 {
		t.Errorf("SMTPTLSPort = %d, want default 587", cfg.SMTPTLSPort)
	}
	if cfg.Queue.MaxDeliveryThreads != 10 {
		t.Errorf("MaxDeliveryThreads = %d, want default 10", cfg.Queue.MaxDeliveryThreads)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, `
[perchd]
server_hostnam = "typo.example.com"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should reject unknown keys")
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := writeConfigFile(t, `[perchd` + "\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should reject malformed TOML")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PERCHD_HOSTNAME", "env.example.com")
	t.Setenv("PERCHD_SMTP_PORT", "1025")
	t.Setenv("PERCHD_AUTH_METHODS", "PLAIN, CRAM-MD5")
	t.Setenv("PERCHD_REDIS_ADDR", "redis.internal:6379")

	cfg := ApplyEnv(Default())
	if cfg.Hostname != "env.example.com" {
		t.Errorf("Hostname = %q", cfg.Hostname)
	}
	if cfg.SMTPPort != 1025 {
		t.Errorf("SMTPPort = %d, want 1025", cfg.SMTPPort)
	}
	if len(cfg.Auth.Methods) != 2 || cfg.Auth.Methods[1] != "CRAM-MD5" {
		t.Errorf("Auth.Methods = %v", cfg.Auth.Methods)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
}

func TestApplyEnvIgnoresBadPort(t *testing.T) {
	t.Setenv("PERCHD_SMTP_PORT", "not-a-port")
	cfg := ApplyEnv(Default())
	if cfg.SMTPPort != 25 {
		t.Errorf("SMTPPort = %d, want default 25", cfg.SMTPPort)
	}
}

func TestApplyFlagsOverridesEnv(t *testing.T) {
	t.Setenv("PERCHD_HOSTNAME", "env.example.com")
	cfg := ApplyEnv(Default())
	cfg = ApplyFlags(cfg, &Flags{Hostname: "flag.example.com", MaxMessageSize: 2048})
	if cfg.Hostname != "flag.example.com" {
		t.Errorf("Hostname = %q, want flag value", cfg.Hostname)
	}
	if cfg.Limits.MaxMessageSize != 2048 {
		t.Errorf("MaxMessageSize = %d, want 2048", cfg.Limits.MaxMessageSize)
	}
}
