package config

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Provider  ProviderConfig  `yaml:"provider"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Audit     AuditConfig     `yaml:"audit"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	TLS            TLSConfig     `yaml:"tls"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig contains the messaging provider settings
type ProviderConfig struct {
	BaseURL          string        `yaml:"base_url"`
	AccountURL       string        `yaml:"account_url"`
	CentralAccountID string        `yaml:"central_account_id"`
	Timeout          time.Duration `yaml:"timeout"`
	Language         string        `yaml:"language"`
	PageSize         int           `yaml:"page_size"`
}

type ReconcileConfig struct {
	Concurrency int `yaml:"concurrency"` // agents reconciled in parallel
}

// SecretsConfig holds the key sealing agent auth tokens at rest
type SecretsConfig struct {
	Key string `yaml:"key"` // 64 hex chars
}

type AuditConfig struct {
	Path       string `yaml:"path"`
	BufferSize int    `yaml:"buffer_size"`
}

// NotifyConfig contains operator alert mail settings
type NotifyConfig struct {
	Enabled            bool       `yaml:"enabled"`
	Host               string     `yaml:"host"`
	Port               int        `yaml:"port"`
	Username           string     `yaml:"username"`
	Password           string     `yaml:"password"`
	TLS                string     `yaml:"tls"` // none, starttls, tls
	InsecureSkipVerify bool       `yaml:"insecure_skip_verify"`
	From               string     `yaml:"from"`
	To                 []string   `yaml:"to"`
	Events             []string   `yaml:"events"`
	DKIM               DKIMConfig `yaml:"dkim"`
}

type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads the configuration file. A .env file next to it (or in the
// working directory) is loaded first and ${VAR} references are expanded, so
// tokens and passwords can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	loadEnv(path)

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadEnv never overrides variables already set in the environment
func loadEnv(configPath string) {
	for _, f := range []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"} {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// reconcile of a large sub-account pages through the provider
		c.Server.WriteTimeout = 2 * time.Minute
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/tplsync/tplsync.db"
	}

	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://content.twilio.com"
	}
	if c.Provider.AccountURL == "" {
		c.Provider.AccountURL = "https://api.twilio.com"
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.Provider.Language == "" {
		c.Provider.Language = "it"
	}
	if c.Provider.PageSize == 0 {
		c.Provider.PageSize = 100
	}

	if c.Reconcile.Concurrency == 0 {
		c.Reconcile.Concurrency = 4
	}

	if c.Audit.Path == "" {
		c.Audit.Path = "/var/lib/tplsync/audit.db"
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 256
	}

	if c.Notify.Port == 0 {
		c.Notify.Port = 587
	}
	if c.Notify.TLS == "" {
		c.Notify.TLS = "starttls"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration. Errors name the offending key.
func (c *Config) Validate() error {
	if c.Provider.CentralAccountID == "" {
		return fmt.Errorf("provider.central_account_id is required")
	}
	for _, u := range []struct{ key, value string }{
		{"provider.base_url", c.Provider.BaseURL},
		{"provider.account_url", c.Provider.AccountURL},
	} {
		if !strings.HasPrefix(u.value, "http://") && !strings.HasPrefix(u.value, "https://") {
			return fmt.Errorf("%s must be an http(s) URL: %q", u.key, u.value)
		}
	}
	if c.Provider.PageSize < 1 || c.Provider.PageSize > 1000 {
		return fmt.Errorf("provider.page_size must be between 1 and 1000")
	}
	if c.Reconcile.Concurrency < 1 {
		return fmt.Errorf("reconcile.concurrency must be positive")
	}

	if c.Secrets.Key == "" {
		return fmt.Errorf("secrets.key is required")
	}
	if key, err := hex.DecodeString(c.Secrets.Key); err != nil || len(key) != 32 {
		return fmt.Errorf("secrets.key must be 64 hex characters")
	}

	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file must be set together")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateNotify(); err != nil {
		return err
	}

	return c.validateMetrics()
}

func (c *Config) validateNotify() error {
	n := c.Notify
	if !n.Enabled {
		return nil
	}

	if n.Host == "" {
		return fmt.Errorf("notify.host is required when notify is enabled")
	}
	if n.From == "" {
		return fmt.Errorf("notify.from is required when notify is enabled")
	}
	if len(n.To) == 0 {
		return fmt.Errorf("notify.to must not be empty when notify is enabled")
	}
	switch n.TLS {
	case "none", "starttls", "tls":
	default:
		return fmt.Errorf("invalid notify.tls: %s (must be none, starttls, or tls)", n.TLS)
	}

	if n.DKIM.Enabled {
		if n.DKIM.Domain == "" {
			return fmt.Errorf("notify.dkim.domain is required when DKIM is enabled")
		}
		if n.DKIM.Selector == "" {
			return fmt.Errorf("notify.dkim.selector is required when DKIM is enabled")
		}
		if n.DKIM.KeyFile == "" {
			return fmt.Errorf("notify.dkim.key_file is required when DKIM is enabled")
		}
	}
	return nil
}

func (c *Config) validateMetrics() error {
	for _, entry := range c.Metrics.AllowedIPs {
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("invalid metrics.allowed_ips entry: %s", entry)
		}
	}
	return nil
}

// HasTLS reports whether the API is served over TLS
func (c *Config) HasTLS() bool {
	return c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile != ""
}
