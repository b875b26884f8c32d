package credentials

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

type fakeRefresher struct {
	token Token
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(ctx context.Context, accountID, refreshToken string) (Token, error) {
	f.calls++
	if f.err != nil {
		return Token{}, f.err
	}
	return f.token, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newAccountStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.UpsertAccount(types.Account{
		ID:           "acc1",
		Email:        "acc1@example.com",
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		IMAPSecurity: types.SecuritySSL,
		SMTPHost:     "smtp.example.com",
		SMTPPort:     587,
		SMTPSecurity: types.SecurityStartTLS,
		AuthType:     types.AuthOAuth2,
		Status:       types.AccountActive,
	})
	require.NoError(t, err)
	return st
}

func fixedClock(p *RefreshingProvider, at time.Time) {
	p.now = func() time.Time { return at }
}

func TestGetPassesThroughPasswordAccounts(t *testing.T) {
	secrets := NewMemorySecrets()
	require.NoError(t, secrets.Save("acc1", types.CredentialBundle{
		Type:     types.AuthPassword,
		Username: "u",
		Password: "p",
	}))

	refresher := &fakeRefresher{}
	p := NewProvider(secrets, refresher, nil, testLogger())

	bundle, err := p.Get(context.Background(), "acc1")
	require.NoError(t, err)
	assert.Equal(t, "p", bundle.Password)
	assert.Zero(t, refresher.calls)
}

func TestGetSkipsRefreshWhileTokenFresh(t *testing.T) {
	now := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	secrets := NewMemorySecrets()
	require.NoError(t, secrets.Save("acc1", types.CredentialBundle{
		Type:        types.AuthOAuth2,
		Username:    "u",
		AccessToken: "tok",
		ExpiresAt:   now.Add(10 * time.Minute),
	}))

	refresher := &fakeRefresher{}
	p := NewProvider(secrets, refresher, nil, testLogger())
	fixedClock(p, now)

	bundle, err := p.Get(context.Background(), "acc1")
	require.NoError(t, err)
	assert.Equal(t, "tok", bundle.AccessToken)
	assert.Zero(t, refresher.calls)
}

func TestGetRefreshesInsideBuffer(t *testing.T) {
	now := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	secrets := NewMemorySecrets()
	require.NoError(t, secrets.Save("acc1", types.CredentialBundle{
		Type:         types.AuthOAuth2,
		Username:     "u",
		AccessToken:  "old",
		RefreshToken: "refresh",
		ExpiresAt:    now.Add(4 * time.Minute), // inside the 300s buffer
	}))

	refresher := &fakeRefresher{token: Token{
		AccessToken: "new",
		ExpiresAt:   now.Add(time.Hour),
	}}
	p := NewProvider(secrets, refresher, nil, testLogger())
	fixedClock(p, now)

	bundle, err := p.Get(context.Background(), "acc1")
	require.NoError(t, err)
	assert.Equal(t, "new", bundle.AccessToken)
	assert.Equal(t, "refresh", bundle.RefreshToken, "refresh token kept when refresher returns none")
	assert.Equal(t, 1, refresher.calls)

	// Renewed tokens are persisted: the next Get needs no refresh.
	bundle, err = p.Get(context.Background(), "acc1")
	require.NoError(t, err)
	assert.Equal(t, "new", bundle.AccessToken)
	assert.Equal(t, 1, refresher.calls)
}

func TestGetMarksReauthOnRefreshFailure(t *testing.T) {
	now := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newAccountStore(t)
	secrets := NewMemorySecrets()
	require.NoError(t, secrets.Save("acc1", types.CredentialBundle{
		Type:         types.AuthOAuth2,
		Username:     "u",
		RefreshToken: "refresh",
		ExpiresAt:    now.Add(-time.Minute),
	}))

	refresher := &fakeRefresher{err: fmt.Errorf("invalid_grant")}
	p := NewProvider(secrets, refresher, st, testLogger())
	fixedClock(p, now)

	_, err := p.Get(context.Background(), "acc1")
	assert.ErrorIs(t, err, ErrReauthRequired)

	acc, err := st.GetAccount("acc1")
	require.NoError(t, err)
	assert.Equal(t, types.AccountRequiresReauth, acc.Status)
	assert.Equal(t, "invalid_grant", acc.StatusReason)
}

func TestGetMarksReauthWithoutRefreshToken(t *testing.T) {
	now := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newAccountStore(t)
	secrets := NewMemorySecrets()
	require.NoError(t, secrets.Save("acc1", types.CredentialBundle{
		Type:      types.AuthOAuth2,
		Username:  "u",
		ExpiresAt: now.Add(-time.Minute),
	}))

	p := NewProvider(secrets, &fakeRefresher{}, st, testLogger())
	fixedClock(p, now)

	_, err := p.Get(context.Background(), "acc1")
	assert.ErrorIs(t, err, ErrReauthRequired)

	acc, err := st.GetAccount("acc1")
	require.NoError(t, err)
	assert.Equal(t, types.AccountRequiresReauth, acc.Status)
}

func TestMemorySecretsUnknownAccount(t *testing.T) {
	secrets := NewMemorySecrets()
	_, err := secrets.Load("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
