package email

import (
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// SMTPClient is the Deliverer capability backed by an SMTP connection.
type SMTPClient struct {
	account types.Account
	client  *smtp.Client
	logger  *logrus.Logger
}

// NewSMTPClient creates an SMTP-backed delivery session (does not
// connect).
func NewSMTPClient(acc types.Account, logger *logrus.Logger) *SMTPClient {
	return &SMTPClient{account: acc, logger: logger}
}

// NewDeliverer is a DelivererFactory over NewSMTPClient.
func NewDeliverer(logger *logrus.Logger) DelivererFactory {
	return func(acc types.Account) Deliverer {
		return NewSMTPClient(acc, logger)
	}
}

// Connect establishes the connection: implicit TLS for ssl security,
// otherwise STARTTLS after the greeting.
func (c *SMTPClient) Connect() error {
	if c.client != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.account.SMTPHost, c.account.SMTPPort)
	tlsConfig := &tls.Config{
		ServerName: c.account.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	if c.account.SMTPSecurity == types.SecuritySSL {
		conn, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		cl, err := smtp.NewClient(conn, c.account.SMTPHost)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to create SMTP client: %w", err)
		}
		c.client = cl
		return nil
	}

	cl, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if err := cl.StartTLS(tlsConfig); err != nil {
		cl.Close()
		return fmt.Errorf("failed to start TLS: %w", err)
	}
	c.client = cl
	return nil
}

// Authenticate authenticates the session with the credential bundle.
func (c *SMTPClient) Authenticate(creds types.CredentialBundle) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}

	var auth smtp.Auth
	if creds.Type == types.AuthOAuth2 {
		auth = xoauth2Auth{username: creds.Username, token: creds.AccessToken}
	} else {
		auth = smtp.PlainAuth("", creds.Username, creds.Password, c.account.SMTPHost)
	}

	if err := c.client.Auth(auth); err != nil {
		c.logger.WithError(err).WithField("account", c.account.Email).Error("SMTP authentication failed")
		return fmt.Errorf("failed to authenticate to SMTP server: %w", err)
	}
	return nil
}

// Disconnect quits the session. Safe to call on any exit path.
func (c *SMTPClient) Disconnect() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Quit()
	c.client = nil
	return err
}

// Send transmits raw message bytes to the given envelope recipients.
// Individual recipient rejections are collected; if every recipient is
// rejected the send is abandoned with ErrAllRecipientsRefused.
func (c *SMTPClient) Send(raw []byte, from string, to []string) (SendResult, error) {
	if c.client == nil {
		return SendResult{}, fmt.Errorf("not connected")
	}
	if len(to) == 0 {
		return SendResult{}, fmt.Errorf("no recipients")
	}

	if err := c.client.Mail(from); err != nil {
		return SendResult{}, fmt.Errorf("failed to set sender: %w", err)
	}

	var failed []string
	accepted := 0
	for _, rcpt := range to {
		if err := c.client.Rcpt(rcpt); err != nil {
			c.logger.WithError(err).WithField("recipient", rcpt).Warn("Recipient rejected")
			failed = append(failed, rcpt)
			continue
		}
		accepted++
	}

	if accepted == 0 {
		// Reset the transaction so the session stays usable.
		_ = c.client.Reset()
		return SendResult{FailedRecipients: failed},
			fmt.Errorf("%w: %v", ErrAllRecipientsRefused, failed)
	}

	w, err := c.client.Data()
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to open data stream: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return SendResult{}, fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return SendResult{}, fmt.Errorf("failed to close data stream: %w", err)
	}

	return SendResult{Success: true, FailedRecipients: failed}, nil
}

// xoauth2Auth implements the XOAUTH2 SASL mechanism over net/smtp.
type xoauth2Auth struct {
	username string
	token    string
}

func (a xoauth2Auth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.username, a.token)
	return "XOAUTH2", []byte(resp), nil
}

func (a xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// Server sent an error challenge; an empty response asks it to
		// finish with the real error code.
		return []byte{}, nil
	}
	return nil, nil
}
