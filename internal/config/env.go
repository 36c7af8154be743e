package config

import (
	"os"
	"strconv"
	"strings"
)

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over the TOML file but are
// overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("PERCHD_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("PERCHD_DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("PERCHD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PERCHD_TLS_CERT_PATH"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("PERCHD_TLS_KEY_PATH"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("PERCHD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PERCHD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PERCHD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PERCHD_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SMTPPort = port
		}
	}
	if v := os.Getenv("PERCHD_AUTH_METHODS"); v != "" {
		cfg.Auth.Methods = splitCSV(v)
	}
	if v := os.Getenv("PERCHD_BLACKLIST_SERVERS"); v != "" {
		cfg.Spam.BlacklistServers = splitCSV(v)
	}
	return cfg
}

// splitCSV splits a comma-separated value, trimming whitespace and
// dropping empty entries.
func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
