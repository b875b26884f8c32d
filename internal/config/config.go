package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brandon/mailsync/pkg/types"
)

// Config holds the daemon configuration.
type Config struct {
	DBPath        string        `mapstructure:"db_path"`
	LogLevel      string        `mapstructure:"log_level"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	DequeueWait   time.Duration `mapstructure:"dequeue_wait"`
	Retention     time.Duration `mapstructure:"queue_retention"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	MaxAttachment int           `mapstructure:"max_attachment_bytes"`

	Accounts []AccountConfig `mapstructure:"accounts"`
}

// AccountConfig holds configuration for a single mail account.
type AccountConfig struct {
	Name        string `mapstructure:"name"`
	Email       string `mapstructure:"email"`
	DisplayName string `mapstructure:"display_name"`

	IMAPHost     string `mapstructure:"imap_host"`
	IMAPPort     int    `mapstructure:"imap_port"`
	IMAPSecurity string `mapstructure:"imap_security"`

	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPSecurity string `mapstructure:"smtp_security"`

	AuthType string `mapstructure:"auth_type"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Load reads configuration from the optional config file and
// MAILSYNC_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", "/data/mailsync.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("poll_interval", time.Minute)
	v.SetDefault("dequeue_wait", time.Second)
	v.SetDefault("queue_retention", 24*time.Hour)
	v.SetDefault("max_attempts", types.DefaultMaxAttempts)
	v.SetDefault("max_attachment_bytes", 25<<20)

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mailsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mailsync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval must be at least 1s")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Name == "" {
			return fmt.Errorf("account %d: name is required", i+1)
		}
		if acc.Email == "" {
			return fmt.Errorf("account %s: email is required", acc.Name)
		}
		if acc.IMAPHost == "" || acc.SMTPHost == "" {
			return fmt.Errorf("account %s: imap_host and smtp_host are required", acc.Name)
		}
		// Port 0 means use the protocol default.
		if acc.IMAPPort < 0 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid imap_port", acc.Name)
		}
		if acc.SMTPPort < 0 || acc.SMTPPort > 65535 {
			return fmt.Errorf("account %s: invalid smtp_port", acc.Name)
		}
		switch types.AuthType(acc.AuthType) {
		case types.AuthPassword:
			if acc.Password == "" {
				return fmt.Errorf("account %s: password is required for password auth", acc.Name)
			}
		case types.AuthOAuth2:
		default:
			return fmt.Errorf("account %s: auth_type must be password or oauth2", acc.Name)
		}
	}

	return nil
}

// Account finds an account config by name.
func (c *Config) Account(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// ToAccount converts an account config into its stored representation.
func (a *AccountConfig) ToAccount(id string) types.Account {
	imapSec := types.SecurityType(a.IMAPSecurity)
	if imapSec == "" {
		imapSec = types.SecuritySSL
	}
	smtpSec := types.SecurityType(a.SMTPSecurity)
	if smtpSec == "" {
		smtpSec = types.SecurityStartTLS
	}
	imapPort := a.IMAPPort
	if imapPort == 0 {
		imapPort = 993
	}
	smtpPort := a.SMTPPort
	if smtpPort == 0 {
		smtpPort = 587
	}

	return types.Account{
		ID:           id,
		Email:        a.Email,
		DisplayName:  a.DisplayName,
		IMAPHost:     a.IMAPHost,
		IMAPPort:     imapPort,
		IMAPSecurity: imapSec,
		SMTPHost:     a.SMTPHost,
		SMTPPort:     smtpPort,
		SMTPSecurity: smtpSec,
		AuthType:     types.AuthType(a.AuthType),
		Status:       types.AccountActive,
	}
}
