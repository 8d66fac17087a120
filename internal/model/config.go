package model

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig holds the settings for one remote mail account. The
// password is never stored here; it is resolved from the keyring at
// connect time.
type AccountConfig struct {
	// ID is the stable account identifier used as Message.AccountID.
	ID string `mapstructure:"id" yaml:"id"`

	// Name is the user-defined label for this account.
	Name string `mapstructure:"name" yaml:"name"`

	// ServerURL is the root URL of the WebDAV mail server.
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`

	// Port and TLS apply when ServerURL leaves them out. A scheme or
	// port written in ServerURL always wins.
	Port int  `mapstructure:"port" yaml:"port"`
	TLS  bool `mapstructure:"tls" yaml:"tls"`

	// InsecureSkipVerify disables certificate validation. Never use it
	// against a production server.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`

	Username string `mapstructure:"username" yaml:"username"`

	// SyncEnabled gates queuing and sync passes. When false, mutations
	// stay local-only.
	SyncEnabled bool `mapstructure:"sync_enabled" yaml:"sync_enabled"`
}

// applyDefaults aligns TLS with the URL scheme and fills a missing port
// with the scheme's default.
func (a *AccountConfig) applyDefaults() {
	switch urlScheme(a.ServerURL) {
	case "https":
		a.TLS = true
	case "http":
		a.TLS = false
	}
	if a.Port == 0 {
		a.Port = 80
		if a.TLS {
			a.Port = 443
		}
	}
}

// Endpoint resolves the server root. A scheme-less ServerURL takes its
// scheme from TLS, and Port is applied only when the URL has no port of
// its own and Port differs from the scheme default.
func (a AccountConfig) Endpoint() (*url.URL, error) {
	raw := strings.TrimSpace(a.ServerURL)
	if urlScheme(raw) == "" {
		scheme := "http"
		if a.TLS {
			scheme = "https"
		}
		raw = scheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid server_url %q for account %s", a.ServerURL, a.ID)
	}

	if u.Port() == "" && a.Port > 0 {
		defaultPort := 80
		if u.Scheme == "https" {
			defaultPort = 443
		}
		if a.Port != defaultPort {
			u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(a.Port))
		}
	}

	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

// urlScheme returns the lower-cased scheme written in raw, or "".
func urlScheme(raw string) string {
	i := strings.Index(raw, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(raw[:i]))
}

// SyncConfig holds sync engine tuning.
type SyncConfig struct {
	RetentionDays   int `mapstructure:"retention_days" yaml:"retention_days"`
	MaxRetries      int `mapstructure:"max_retries" yaml:"max_retries"`
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// RetentionWindow returns the local cache retention as a duration.
func (c SyncConfig) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// HTTPConfig holds protocol client timeouts and retry policy.
type HTTPConfig struct {
	ConnectTimeoutSec int `mapstructure:"connect_timeout_sec" yaml:"connect_timeout_sec"`
	ReadTimeoutSec    int `mapstructure:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec   int `mapstructure:"write_timeout_sec" yaml:"write_timeout_sec"`
	MaxAttempts       int `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoffMs  int `mapstructure:"initial_backoff_ms" yaml:"initial_backoff_ms"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DatabasePath string          `mapstructure:"database_path" yaml:"database_path"`
	LogLevel     string          `mapstructure:"log_level" yaml:"log_level"`
	Sync         SyncConfig      `mapstructure:"sync" yaml:"sync"`
	HTTP         HTTPConfig      `mapstructure:"http" yaml:"http"`
	Accounts     []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// defaultDatabasePath returns ~/.local/share/mailsync/mail.db.
func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mail.db"
	}
	return filepath.Join(home, ".local", "share", "mailsync", "mail.db")
}

// DefaultAppConfig returns a configuration with every default applied
// and no accounts.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		DatabasePath: defaultDatabasePath(),
		LogLevel:     "info",
		Sync: SyncConfig{
			RetentionDays:   30,
			MaxRetries:      5,
			PollIntervalSec: 300,
		},
		HTTP: HTTPConfig{
			ConnectTimeoutSec: 10,
			ReadTimeoutSec:    30,
			WriteTimeoutSec:   30,
			MaxAttempts:       3,
			InitialBackoffMs:  500,
		},
		Accounts: []AccountConfig{},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILSYNC")
	v.AutomaticEnv()

	def := DefaultAppConfig()
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("sync.retention_days", def.Sync.RetentionDays)
	v.SetDefault("sync.max_retries", def.Sync.MaxRetries)
	v.SetDefault("sync.poll_interval_sec", def.Sync.PollIntervalSec)
	v.SetDefault("http.connect_timeout_sec", def.HTTP.ConnectTimeoutSec)
	v.SetDefault("http.read_timeout_sec", def.HTTP.ReadTimeoutSec)
	v.SetDefault("http.write_timeout_sec", def.HTTP.WriteTimeoutSec)
	v.SetDefault("http.max_attempts", def.HTTP.MaxAttempts)
	v.SetDefault("http.initial_backoff_ms", def.HTTP.InitialBackoffMs)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		acc.applyDefaults()
		// Viper unmarshals missing bools as false; treat an absent
		// sync_enabled as true.
		if !acc.SyncEnabled && !accountKeySet(v, i, "sync_enabled") {
			acc.SyncEnabled = true
		}
	}

	return cfg, nil
}

// accountKeySet reports whether the i-th account entry spells out key.
func accountKeySet(v *viper.Viper, i int, key string) bool {
	raw, ok := v.Get("accounts").([]interface{})
	if !ok || i >= len(raw) {
		return false
	}
	entry, ok := raw[i].(map[string]interface{})
	if !ok {
		return false
	}
	_, set := entry[key]
	return set
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database_path", cfg.DatabasePath)
	v.Set("log_level", cfg.LogLevel)
	v.Set("sync", cfg.Sync)
	v.Set("http", cfg.HTTP)
	v.Set("accounts", cfg.Accounts)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Validate checks the configuration for values the engine cannot use.
func (c *AppConfig) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.Sync.RetentionDays < 1 {
		return fmt.Errorf("sync.retention_days must be at least 1")
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1")
	}
	if c.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("http.max_attempts must be at least 1")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.ID == "" {
			return fmt.Errorf("account %d: id is required", i+1)
		}
		if seen[acc.ID] {
			return fmt.Errorf("account %s: duplicate id", acc.ID)
		}
		seen[acc.ID] = true

		if _, err := acc.Endpoint(); err != nil {
			return fmt.Errorf("account %s: %w", acc.ID, err)
		}
		// Zero means the scheme default.
		if acc.Port < 0 || acc.Port > 65535 {
			return fmt.Errorf("account %s: invalid port %d", acc.ID, acc.Port)
		}
		if acc.Username == "" {
			return fmt.Errorf("account %s: username is required", acc.ID)
		}
	}

	return nil
}

// Account finds an account by id.
func (c *AppConfig) Account(id string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", id)
}

// IsSyncEnabled reports whether remote sync is configured and enabled
// for the account. Unknown accounts are treated as local-only.
func (c *AppConfig) IsSyncEnabled(accountID string) bool {
	acc, err := c.Account(accountID)
	if err != nil {
		return false
	}
	return acc.SyncEnabled
}
