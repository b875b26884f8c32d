package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// UpsertAccount inserts the account or updates its server settings,
// keyed by email address. Returns the stored record.
func (s *Store) UpsertAccount(acc types.Account) (types.Account, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO accounts (id, email, display_name, imap_host, imap_port, imap_security,
			smtp_host, smtp_port, smtp_security, auth_type, status, status_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			display_name = excluded.display_name,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			imap_security = excluded.imap_security,
			smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port,
			smtp_security = excluded.smtp_security,
			auth_type = excluded.auth_type,
			updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query, acc.ID, acc.Email, acc.DisplayName,
		acc.IMAPHost, acc.IMAPPort, acc.IMAPSecurity,
		acc.SMTPHost, acc.SMTPPort, acc.SMTPSecurity,
		acc.AuthType, types.AccountActive, now, now)
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to upsert account: %w", err)
	}

	return s.GetAccountByEmail(acc.Email)
}

// GetAccount returns an account by id.
func (s *Store) GetAccount(id string) (types.Account, error) {
	var acc types.Account
	err := s.db.Get(&acc, "SELECT * FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// GetAccountByEmail returns an account by email address.
func (s *Store) GetAccountByEmail(email string) (types.Account, error) {
	var acc types.Account
	err := s.db.Get(&acc, "SELECT * FROM accounts WHERE email = ?", email)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Account{}, fmt.Errorf("account %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// ListAccounts returns all accounts.
func (s *Store) ListAccounts() ([]types.Account, error) {
	var accounts []types.Account
	if err := s.db.Select(&accounts, "SELECT * FROM accounts ORDER BY email"); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccountStatus sets the account status and reason.
func (s *Store) UpdateAccountStatus(id string, status types.AccountStatus, reason string) error {
	res, err := s.db.Exec(
		"UPDATE accounts SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?",
		status, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchAccountSync stamps the account's last successful sync time.
func (s *Store) TouchAccountSync(id string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		"UPDATE accounts SET last_sync_at = ?, updated_at = ? WHERE id = ?", now, now, id)
	if err != nil {
		return fmt.Errorf("failed to update account sync time: %w", err)
	}
	return nil
}
