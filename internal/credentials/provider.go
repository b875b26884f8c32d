// Package credentials resolves short-lived credential bundles for
// protocol sessions, refreshing OAuth tokens before they expire.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// ErrReauthRequired is returned when an account's tokens cannot be
// refreshed and the user has to go through the authorization flow
// again.
var ErrReauthRequired = errors.New("account requires re-authentication")

// refreshBuffer is how close to expiry a token may get before it is
// refreshed.
const refreshBuffer = 300 * time.Second

// Token is the result of a refresh call.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenRefresher exchanges a refresh token for a fresh access token.
// The OAuth browser flow behind it is outside this package.
type TokenRefresher interface {
	Refresh(ctx context.Context, accountID, refreshToken string) (Token, error)
}

// SecretStore holds credential bundles keyed by account id.
type SecretStore interface {
	Load(accountID string) (types.CredentialBundle, error)
	Save(accountID string, bundle types.CredentialBundle) error
}

// Provider returns a valid credential bundle for an account.
type Provider interface {
	Get(ctx context.Context, accountID string) (types.CredentialBundle, error)
}

// RefreshingProvider loads bundles from a secret store and refreshes
// OAuth tokens transparently, persisting renewed tokens. Refresh
// failure marks the account requires_reauth.
type RefreshingProvider struct {
	secrets   SecretStore
	refresher TokenRefresher
	accounts  *store.Store
	logger    *logrus.Logger
	now       func() time.Time
}

// NewProvider creates a refreshing credential provider. refresher may
// be nil when no oauth2 accounts are configured.
func NewProvider(secrets SecretStore, refresher TokenRefresher, accounts *store.Store, logger *logrus.Logger) *RefreshingProvider {
	return &RefreshingProvider{
		secrets:   secrets,
		refresher: refresher,
		accounts:  accounts,
		logger:    logger,
		now:       time.Now,
	}
}

// Get returns a bundle that is valid for at least the refresh buffer.
func (p *RefreshingProvider) Get(ctx context.Context, accountID string) (types.CredentialBundle, error) {
	bundle, err := p.secrets.Load(accountID)
	if err != nil {
		return types.CredentialBundle{}, fmt.Errorf("failed to load credentials: %w", err)
	}

	if bundle.Type != types.AuthOAuth2 {
		return bundle, nil
	}
	if bundle.ExpiresAt.IsZero() || p.now().Before(bundle.ExpiresAt.Add(-refreshBuffer)) {
		return bundle, nil
	}

	return p.refresh(ctx, accountID, bundle)
}

func (p *RefreshingProvider) refresh(ctx context.Context, accountID string, bundle types.CredentialBundle) (types.CredentialBundle, error) {
	if bundle.RefreshToken == "" || p.refresher == nil {
		p.markReauth(accountID, "no refresh token available")
		return types.CredentialBundle{}, fmt.Errorf("account %s: %w", accountID, ErrReauthRequired)
	}

	tok, err := p.refresher.Refresh(ctx, accountID, bundle.RefreshToken)
	if err != nil {
		p.logger.WithError(err).WithField("account_id", accountID).Error("Token refresh failed")
		p.markReauth(accountID, err.Error())
		return types.CredentialBundle{}, fmt.Errorf("account %s: %w", accountID, ErrReauthRequired)
	}

	bundle.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		bundle.RefreshToken = tok.RefreshToken
	}
	bundle.ExpiresAt = tok.ExpiresAt

	if err := p.secrets.Save(accountID, bundle); err != nil {
		p.logger.WithError(err).WithField("account_id", accountID).Warn("Failed to persist refreshed tokens")
	}
	return bundle, nil
}

func (p *RefreshingProvider) markReauth(accountID, reason string) {
	if p.accounts == nil {
		return
	}
	if err := p.accounts.UpdateAccountStatus(accountID, types.AccountRequiresReauth, reason); err != nil {
		p.logger.WithError(err).WithField("account_id", accountID).Warn("Failed to mark account for re-auth")
	}
}

// MemorySecrets is an in-process SecretStore, seeded from configuration
// at startup.
type MemorySecrets struct {
	mu      sync.RWMutex
	bundles map[string]types.CredentialBundle
}

// NewMemorySecrets creates an empty in-process secret store.
func NewMemorySecrets() *MemorySecrets {
	return &MemorySecrets{bundles: make(map[string]types.CredentialBundle)}
}

// Load returns the bundle for an account.
func (m *MemorySecrets) Load(accountID string) (types.CredentialBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bundle, ok := m.bundles[accountID]
	if !ok {
		return types.CredentialBundle{}, fmt.Errorf("credentials for account %s: %w", accountID, store.ErrNotFound)
	}
	return bundle, nil
}

// Save stores the bundle for an account.
func (m *MemorySecrets) Save(accountID string, bundle types.CredentialBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[accountID] = bundle
	return nil
}
