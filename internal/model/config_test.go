package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadConfigDerivesTransportFromScheme(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - id: work
    server_url: https://mail.example.com
    username: alice
  - id: lab
    server_url: http://10.0.0.5
    tls: true
    username: alice
  - id: bare
    server_url: mail.example.org
    tls: true
    username: alice
    sync_enabled: false
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Accounts, 3)

	work := cfg.Accounts[0]
	assert.True(t, work.TLS)
	assert.Equal(t, 443, work.Port)
	assert.True(t, work.SyncEnabled)
	u, err := work.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://mail.example.com", u.String())

	lab := cfg.Accounts[1]
	assert.False(t, lab.TLS, "the URL scheme wins over the tls flag")
	assert.Equal(t, 80, lab.Port)

	bare := cfg.Accounts[2]
	assert.Equal(t, 443, bare.Port)
	assert.False(t, bare.SyncEnabled)
	u, err = bare.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://mail.example.org", u.String())
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAppConfig().Sync, cfg.Sync)
	assert.Empty(t, cfg.Accounts)
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name string
		acc  AccountConfig
		want string
	}{
		{"full url", AccountConfig{ServerURL: "https://mail.example.com/dav/"}, "https://mail.example.com/dav"},
		{"https keeps default port", AccountConfig{ServerURL: "https://mail.example.com", Port: 443}, "https://mail.example.com"},
		{"tls scheme", AccountConfig{ServerURL: "mail.example.com", TLS: true, Port: 443}, "https://mail.example.com"},
		{"plain custom port", AccountConfig{ServerURL: "mail.example.com", Port: 8080}, "http://mail.example.com:8080"},
		{"explicit port wins", AccountConfig{ServerURL: "http://h:9000", Port: 8080}, "http://h:9000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := tt.acc.Endpoint()
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}

	for _, bad := range []string{"://", "", "ftp://mail.example.com"} {
		_, err := AccountConfig{ServerURL: bad}.Endpoint()
		assert.Error(t, err, "server_url %q", bad)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *AppConfig {
		cfg := DefaultAppConfig()
		cfg.Accounts = []AccountConfig{{ID: "a", ServerURL: "mail.example.com", Username: "u"}}
		return cfg
	}

	require.NoError(t, valid().Validate(), "scheme-less urls are accepted")

	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"missing id", func(c *AppConfig) { c.Accounts[0].ID = "" }},
		{"duplicate id", func(c *AppConfig) { c.Accounts = append(c.Accounts, c.Accounts[0]) }},
		{"bad url", func(c *AppConfig) { c.Accounts[0].ServerURL = "ftp://x" }},
		{"bad port", func(c *AppConfig) { c.Accounts[0].Port = 70000 }},
		{"missing username", func(c *AppConfig) { c.Accounts[0].Username = "" }},
		{"no retries", func(c *AppConfig) { c.Sync.MaxRetries = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
