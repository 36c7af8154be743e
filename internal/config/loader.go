package config

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	Domain         string
	LogLevel       string
	SMTPPort       int
	TLSCert        string
	TLSKey         string
	MaxMessageSize int64
	RedisAddr      string
	StorePath      string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./perchd.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.Domain, "domain", "", "Primary local domain")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.IntVar(&f.SMTPPort, "smtp-port", 0, "SMTP listen port")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.Int64Var(&f.MaxMessageSize, "max-message-size", 0, "Maximum message size in bytes")
	flag.StringVar(&f.RedisAddr, "redis-addr", "", "Redis address for queue and rate limits")
	flag.StringVar(&f.StorePath, "store-path", "", "SQLite database path")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
// Unknown keys are an error: a typo in a policy knob must not silently
// fall back to a default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	fileConfig := FileConfig{Perchd: cfg}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return fileConfig.Perchd, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.Domain != "" {
		cfg.Domain = f.Domain
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.SMTPPort > 0 {
		cfg.SMTPPort = f.SMTPPort
	}
	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}
	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}
	if f.MaxMessageSize > 0 {
		cfg.Limits.MaxMessageSize = f.MaxMessageSize
	}
	if f.RedisAddr != "" {
		cfg.Redis.Addr = f.RedisAddr
	}
	if f.StorePath != "" {
		cfg.Store.Path = f.StorePath
	}
	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies environment and flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}
