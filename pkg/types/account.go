package types

import "time"

// AuthType selects how an account authenticates against its servers.
type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthOAuth2   AuthType = "oauth2"
)

// SecurityType selects the transport security for a connection.
type SecurityType string

const (
	SecuritySSL      SecurityType = "ssl"
	SecurityStartTLS SecurityType = "starttls"
)

// AccountStatus tracks whether an account is usable for sync and send.
type AccountStatus string

const (
	AccountActive         AccountStatus = "active"
	AccountRequiresReauth AccountStatus = "requires_reauth"
)

// Account is a configured mail account.
type Account struct {
	ID           string        `db:"id" json:"id"`
	Email        string        `db:"email" json:"email"`
	DisplayName  string        `db:"display_name" json:"display_name,omitempty"`
	IMAPHost     string        `db:"imap_host" json:"imap_host"`
	IMAPPort     int           `db:"imap_port" json:"imap_port"`
	IMAPSecurity SecurityType  `db:"imap_security" json:"imap_security"`
	SMTPHost     string        `db:"smtp_host" json:"smtp_host"`
	SMTPPort     int           `db:"smtp_port" json:"smtp_port"`
	SMTPSecurity SecurityType  `db:"smtp_security" json:"smtp_security"`
	AuthType     AuthType      `db:"auth_type" json:"auth_type"`
	Status       AccountStatus `db:"status" json:"status"`
	StatusReason string        `db:"status_reason" json:"status_reason,omitempty"`
	LastSyncAt   *time.Time    `db:"last_sync_at" json:"last_sync_at,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// CredentialBundle is what the credential provider hands to protocol
// sessions. Consumed read-only by sync and delivery.
type CredentialBundle struct {
	Type         AuthType  `json:"type"`
	Username     string    `json:"username"`
	Password     string    `json:"password,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}
