package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/pkg/types"
)

func validAccount() AccountConfig {
	return AccountConfig{
		Name:     "work",
		Email:    "me@example.com",
		IMAPHost: "imap.example.com",
		SMTPHost: "smtp.example.com",
		AuthType: "password",
		Password: "secret",
	}
}

func validConfig() *Config {
	return &Config{
		DBPath:       "/tmp/mailsync.db",
		LogLevel:     "info",
		PollInterval: time.Minute,
		DequeueWait:  time.Second,
		Retention:    24 * time.Hour,
		MaxAttempts:  3,
		Accounts:     []AccountConfig{validAccount()},
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/data/mailsync.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.DequeueWait)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 25<<20, cfg.MaxAttachment)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync.yaml")
	content := `
db_path: /var/lib/mailsync/db.sqlite
log_level: debug
poll_interval: 5m
accounts:
  - name: work
    email: me@example.com
    imap_host: imap.example.com
    smtp_host: smtp.example.com
    auth_type: password
    password: secret
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/mailsync/db.sqlite", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.PollInterval)
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "work", cfg.Accounts[0].Name)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing db path", func(c *Config) { c.DBPath = "" }, "db_path"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "max_attempts"},
		{"tiny poll interval", func(c *Config) { c.PollInterval = 100 * time.Millisecond }, "poll_interval"},
		{"no accounts", func(c *Config) { c.Accounts = nil }, "at least one account"},
		{"unnamed account", func(c *Config) { c.Accounts[0].Name = "" }, "name is required"},
		{"missing email", func(c *Config) { c.Accounts[0].Email = "" }, "email is required"},
		{"missing hosts", func(c *Config) { c.Accounts[0].IMAPHost = "" }, "imap_host"},
		{"bad imap port", func(c *Config) { c.Accounts[0].IMAPPort = 70000 }, "imap_port"},
		{"bad auth type", func(c *Config) { c.Accounts[0].AuthType = "kerberos" }, "auth_type"},
		{"password auth without password", func(c *Config) { c.Accounts[0].Password = "" }, "password is required"},
		{"oauth needs no password", func(c *Config) {
			c.Accounts[0].AuthType = "oauth2"
			c.Accounts[0].Password = ""
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestAccountLookup(t *testing.T) {
	cfg := validConfig()

	acc, err := cfg.Account("work")
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", acc.Email)

	_, err = cfg.Account("personal")
	require.Error(t, err)
}

func TestToAccountDefaults(t *testing.T) {
	ac := validAccount()
	acc := ac.ToAccount("id1")

	assert.Equal(t, "id1", acc.ID)
	assert.Equal(t, 993, acc.IMAPPort)
	assert.Equal(t, types.SecuritySSL, acc.IMAPSecurity)
	assert.Equal(t, 587, acc.SMTPPort)
	assert.Equal(t, types.SecurityStartTLS, acc.SMTPSecurity)
	assert.Equal(t, types.AuthPassword, acc.AuthType)
	assert.Equal(t, types.AccountActive, acc.Status)
}

func TestToAccountExplicitValues(t *testing.T) {
	ac := validAccount()
	ac.IMAPPort = 143
	ac.IMAPSecurity = "starttls"
	ac.SMTPPort = 465
	ac.SMTPSecurity = "ssl"

	acc := ac.ToAccount("id1")
	assert.Equal(t, 143, acc.IMAPPort)
	assert.Equal(t, types.SecurityStartTLS, acc.IMAPSecurity)
	assert.Equal(t, 465, acc.SMTPPort)
	assert.Equal(t, types.SecuritySSL, acc.SMTPSecurity)
}
