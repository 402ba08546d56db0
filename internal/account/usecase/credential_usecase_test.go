package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"leadflow-backend/internal/account/domain"
	"leadflow-backend/internal/crypto"
	"leadflow-backend/internal/provider"
	"leadflow-backend/pkg/kms"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// ---- fakes ----

type fakeTenantRepo struct {
	tenants map[string]*domain.Tenant
}

func newFakeTenantRepo() *fakeTenantRepo {
	return &fakeTenantRepo{tenants: make(map[string]*domain.Tenant)}
}

func (f *fakeTenantRepo) Create(t *domain.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	cp := *t
	f.tenants[t.ID] = &cp
	return nil
}

func (f *fakeTenantRepo) FindByID(id string) (*domain.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTenantRepo) RotateKeys(id string, newBlob []byte) (*domain.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, errors.New("not found")
	}
	t.PreviousKeyBlob = t.KeyBlob
	t.PreviousKeyVersion = t.KeyVersion
	t.KeyBlob = newBlob
	t.KeyVersion++
	cp := *t
	return &cp, nil
}

func (f *fakeTenantRepo) Update(t *domain.Tenant) error {
	cp := *t
	f.tenants[t.ID] = &cp
	return nil
}

type fakeAccountRepo struct {
	accounts map[string]*domain.Account
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{accounts: make(map[string]*domain.Account)}
}

func (f *fakeAccountRepo) Create(a *domain.Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	cp := *a
	f.accounts[a.ID] = &cp
	return nil
}

func (f *fakeAccountRepo) FindByID(id string) (*domain.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccountRepo) FindByProviderEmail(p domain.Provider, email string) (*domain.Account, error) {
	for _, a := range f.accounts {
		if a.Provider == p && a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAccountRepo) FindByTenantProviderEmail(tenantID string, p domain.Provider, email string) (*domain.Account, error) {
	for _, a := range f.accounts {
		if a.TenantID == tenantID && a.Provider == p && a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAccountRepo) FindBySubscriptionID(subID string) (*domain.Account, error) {
	for _, a := range f.accounts {
		if a.SubscriptionID == subID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAccountRepo) FindByTenant(tenantID string) ([]domain.Account, error) {
	var out []domain.Account
	for _, a := range f.accounts {
		if a.TenantID == tenantID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAccountRepo) Update(a *domain.Account) error {
	cp := *a
	f.accounts[a.ID] = &cp
	return nil
}

func (f *fakeAccountRepo) Transition(id string, from []domain.ConnectionStatus, to domain.ConnectionStatus, errCode, errReason string) (bool, error) {
	a, ok := f.accounts[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if a.ConnectionStatus == s {
			a.ConnectionStatus = to
			a.LastErrorCode = errCode
			a.LastErrorReason = errReason
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAccountRepo) SetSyncStatus(id string, status domain.SyncStatus) error {
	if a, ok := f.accounts[id]; ok {
		a.SyncStatus = status
	}
	return nil
}

func (f *fakeAccountRepo) AdvanceCursor(id string, cursor string, syncedAt time.Time) error {
	if a, ok := f.accounts[id]; ok {
		a.Cursor = cursor
		t := syncedAt
		a.LastSyncedAt = &t
	}
	return nil
}

func (f *fakeAccountRepo) ClearCursor(id string) error {
	if a, ok := f.accounts[id]; ok {
		a.Cursor = ""
	}
	return nil
}

func (f *fakeAccountRepo) SetWatch(id string, expiresAt *time.Time, subscriptionID, clientState string) error {
	if a, ok := f.accounts[id]; ok {
		a.WatchExpiresAt = expiresAt
		a.SubscriptionID = subscriptionID
		a.ClientState = clientState
	}
	return nil
}

func (f *fakeAccountRepo) FindSyncable(olderThan time.Time) ([]domain.Account, error) {
	var out []domain.Account
	for _, a := range f.accounts {
		if a.ConnectionStatus == domain.StatusConnected &&
			(a.LastSyncedAt == nil || a.LastSyncedAt.Before(olderThan)) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAccountRepo) FindExpiringWatches(deadline time.Time) ([]domain.Account, error) {
	var out []domain.Account
	for _, a := range f.accounts {
		if a.ConnectionStatus == domain.StatusConnected &&
			(a.WatchExpiresAt == nil || a.WatchExpiresAt.Before(deadline)) {
			out = append(out, *a)
		}
	}
	return out, nil
}

type fakeTokenRepo struct {
	tokens      map[string]map[domain.TokenType]domain.SecureToken
	failReplace bool
	replaceN    int
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{tokens: make(map[string]map[domain.TokenType]domain.SecureToken)}
}

func (f *fakeTokenRepo) Find(accountID string, tt domain.TokenType) (*domain.SecureToken, error) {
	if m, ok := f.tokens[accountID]; ok {
		if tok, ok := m[tt]; ok {
			cp := tok
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeTokenRepo) ReplaceAll(accountID string, tokens []domain.SecureToken) error {
	f.replaceN++
	if f.failReplace {
		return errors.New("simulated write failure")
	}
	m := make(map[domain.TokenType]domain.SecureToken)
	for _, t := range tokens {
		t.AccountID = accountID
		m[t.TokenType] = t
	}
	f.tokens[accountID] = m
	return nil
}

func (f *fakeTokenRepo) DeleteByAccount(accountID string) error {
	delete(f.tokens, accountID)
	return nil
}

type fakeAdapter struct {
	prov         domain.Provider
	refreshed    *oauth2.Token
	refreshErr   error
	refreshCalls int
	revoked      bool
	stopped      bool
}

func (f *fakeAdapter) Provider() domain.Provider { return f.prov }

func (f *fakeAdapter) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeAdapter) Revoke(ctx context.Context, token string) error {
	f.revoked = true
	return nil
}

func (f *fakeAdapter) FetchDelta(ctx context.Context, account *domain.Account, accessToken, cursor string) (*provider.Delta, error) {
	return &provider.Delta{}, nil
}

func (f *fakeAdapter) FetchFull(ctx context.Context, account *domain.Account, accessToken string, window provider.DateRange) (*provider.Delta, error) {
	return &provider.Delta{}, nil
}

func (f *fakeAdapter) Watch(ctx context.Context, account *domain.Account, accessToken string) (*provider.WatchResult, error) {
	return &provider.WatchResult{ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

func (f *fakeAdapter) StopWatch(ctx context.Context, account *domain.Account, accessToken string) error {
	f.stopped = true
	return nil
}

// ---- fixture ----

type fixture struct {
	uc       CredentialUsecase
	accounts *fakeAccountRepo
	tokens   *fakeTokenRepo
	tenants  *fakeTenantRepo
	adapter  *fakeAdapter
	crypto   *crypto.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	local, err := kms.NewLocal("credential-test-master")
	require.NoError(t, err)
	cryptoSvc := crypto.NewService(local, "projects/test/keys/main", 30*time.Second)

	accounts := newFakeAccountRepo()
	tokens := newFakeTokenRepo()
	tenants := newFakeTenantRepo()
	adapter := &fakeAdapter{prov: domain.ProviderGoogle}

	uc := NewCredentialUsecase(accounts, tokens, tenants, cryptoSvc,
		provider.Registry{domain.ProviderGoogle: adapter})

	return &fixture{uc: uc, accounts: accounts, tokens: tokens, tenants: tenants, adapter: adapter, crypto: cryptoSvc}
}

func (f *fixture) linkAccount(t *testing.T) *domain.Account {
	t.Helper()
	ctx := context.Background()

	_, err := f.uc.EnsureTenant(ctx, "tenant-1", "Acme")
	require.NoError(t, err)

	account, err := f.uc.LinkAccount(ctx, "tenant-1",
		domain.GoogleProfile{EmailAddress: "a@example.com", ExternalID: "g-123"},
		domain.RawTokens{AccessToken: "access-0", RefreshToken: "refresh-0", Expiry: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	return account
}

// ---- tests ----

func TestLinkAccountEncryptsAndConnects(t *testing.T) {
	f := newFixture(t)
	account := f.linkAccount(t)

	assert.Equal(t, domain.StatusConnected, account.ConnectionStatus)

	stored := f.tokens.tokens[account.ID]
	require.Len(t, stored, 2)
	for _, tok := range stored {
		assert.Equal(t, domain.EncryptionOK, tok.EncryptionStatus)
		assert.NotContains(t, string(tok.Ciphertext), "access-0")
		assert.NotContains(t, string(tok.Ciphertext), "refresh-0")
	}
}

func TestLinkAccountEncryptionFailureNeverStoresPlaintext(t *testing.T) {
	local, err := kms.NewLocal("credential-test-master")
	require.NoError(t, err)
	cryptoSvc := crypto.NewService(&failingKeyManager{KeyManager: local}, "projects/test/keys/main", 30*time.Second)

	accounts := newFakeAccountRepo()
	tokens := newFakeTokenRepo()
	tenants := newFakeTenantRepo()
	require.NoError(t, tenants.Create(&domain.Tenant{ID: "tenant-1", KeyBlob: []byte("blob"), KeyVersion: 1}))

	uc := NewCredentialUsecase(accounts, tokens, tenants, cryptoSvc, provider.Registry{})

	account, err := uc.LinkAccount(context.Background(), "tenant-1",
		domain.GoogleProfile{EmailAddress: "a@example.com"},
		domain.RawTokens{AccessToken: "access-0", RefreshToken: "refresh-0"})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActionNeeded, account.ConnectionStatus)
	assert.Equal(t, domain.ErrCodeEncryptionFailed, account.LastErrorCode)
	assert.Empty(t, tokens.tokens[account.ID], "no token rows may exist after an encryption failure")
}

type failingKeyManager struct {
	kms.KeyManager
}

func (f *failingKeyManager) Decrypt(ctx context.Context, keyName string, ciphertext, aad []byte) ([]byte, error) {
	return nil, kms.ErrUnavailable
}

func TestAccessTokenReturnsStoredWhenFresh(t *testing.T) {
	f := newFixture(t)
	account := f.linkAccount(t)

	got, err := f.uc.AccessToken(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-0", got)
	assert.Equal(t, 0, f.adapter.refreshCalls)
}

func TestAccessTokenRefreshesExpired(t *testing.T) {
	f := newFixture(t)
	account := f.linkAccount(t)

	// Expire the stored access token.
	past := time.Now().Add(-time.Minute)
	m := f.tokens.tokens[account.ID]
	tok := m[domain.TokenAccess]
	tok.ExpiresAt = &past
	m[domain.TokenAccess] = tok

	f.adapter.refreshed = &oauth2.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(time.Hour),
	}

	got, err := f.uc.AccessToken(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", got)
	assert.Equal(t, 1, f.adapter.refreshCalls)

	// The rotated refresh token replaced the old pair.
	tenant, _ := f.tenants.FindByID("tenant-1")
	tk := crypto.TenantKeys{TenantID: tenant.ID, KeyBlob: tenant.KeyBlob, KeyVersion: tenant.KeyVersion}
	refreshRow := f.tokens.tokens[account.ID][domain.TokenRefresh]
	plain, err := f.crypto.DecryptString(context.Background(), tk, refreshRow.Ciphertext, crypto.CtxTokenRefresh)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", plain)
}

func TestRefreshPersistFailureEndsInActionNeeded(t *testing.T) {
	f := newFixture(t)
	account := f.linkAccount(t)

	past := time.Now().Add(-time.Minute)
	m := f.tokens.tokens[account.ID]
	tok := m[domain.TokenAccess]
	tok.ExpiresAt = &past
	m[domain.TokenAccess] = tok

	f.adapter.refreshed = &oauth2.Token{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour)}
	f.tokens.failReplace = true

	_, err := f.uc.AccessToken(context.Background(), account.ID)
	require.Error(t, err)

	// Provider-side refresh succeeded but persistence failed: the account
	// must not keep pointing at the invalidated refresh token.
	updated, _ := f.accounts.FindByID(account.ID)
	assert.Equal(t, domain.StatusActionNeeded, updated.ConnectionStatus)
}

func TestAccessTokenAuthInvalidMarksActionNeeded(t *testing.T) {
	f := newFixture(t)
	account := f.linkAccount(t)

	past := time.Now().Add(-time.Minute)
	m := f.tokens.tokens[account.ID]
	tok := m[domain.TokenAccess]
	tok.ExpiresAt = &past
	m[domain.TokenAccess] = tok

	f.adapter.refreshErr = provider.ErrAuthInvalid

	_, err := f.uc.AccessToken(context.Background(), account.ID)
	assert.ErrorIs(t, err, provider.ErrAuthInvalid)

	updated, _ := f.accounts.FindByID(account.ID)
	assert.Equal(t, domain.StatusActionNeeded, updated.ConnectionStatus)
	assert.Equal(t, domain.ErrCodeAuthInvalid, updated.LastErrorCode)
}

func TestDisconnectClearsCursorAndTokens(t *testing.T) {
	f := newFixture(t)
	account := f.linkAccount(t)

	require.NoError(t, f.accounts.AdvanceCursor(account.ID, "12345", time.Now()))

	require.NoError(t, f.uc.Disconnect(context.Background(), account.ID))

	updated, _ := f.accounts.FindByID(account.ID)
	assert.Equal(t, domain.StatusDisconnected, updated.ConnectionStatus)
	assert.Empty(t, updated.Cursor, "cursor must be cleared so a reconnect backfills from scratch")
	assert.Empty(t, f.tokens.tokens[account.ID])
	assert.True(t, f.adapter.revoked)
	assert.True(t, f.adapter.stopped)
}

func TestRelinkAfterDisconnectStartsClean(t *testing.T) {
	f := newFixture(t)
	account := f.linkAccount(t)

	require.NoError(t, f.accounts.AdvanceCursor(account.ID, "12345", time.Now()))
	require.NoError(t, f.uc.Disconnect(context.Background(), account.ID))

	relinked, err := f.uc.LinkAccount(context.Background(), "tenant-1",
		domain.GoogleProfile{EmailAddress: "a@example.com", ExternalID: "g-123"},
		domain.RawTokens{AccessToken: "access-2", RefreshToken: "refresh-2", Expiry: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, account.ID, relinked.ID, "relink reuses the account row, history retained")
	assert.Equal(t, domain.StatusConnected, relinked.ConnectionStatus)

	updated, _ := f.accounts.FindByID(account.ID)
	assert.Empty(t, updated.Cursor)
}

func TestLinkAccountIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	first := f.linkAccount(t)

	ctx := context.Background()
	_, err := f.uc.EnsureTenant(ctx, "tenant-2", "Globex")
	require.NoError(t, err)

	second, err := f.uc.LinkAccount(ctx, "tenant-2",
		domain.GoogleProfile{EmailAddress: "a@example.com", ExternalID: "g-123"},
		domain.RawTokens{AccessToken: "access-t2", RefreshToken: "refresh-t2", Expiry: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	// The same mailbox linked by a second tenant is a second account; the
	// first tenant's row and token ciphertext stay untouched.
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "tenant-2", second.TenantID)
	assert.Equal(t, domain.StatusConnected, second.ConnectionStatus)

	got, err := f.uc.AccessToken(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-0", got)

	got, err = f.uc.AccessToken(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-t2", got)
}

func TestMarkSyncScheduledKeepsAccountConnected(t *testing.T) {
	f := newFixture(t)
	account := f.linkAccount(t)

	require.NoError(t, f.uc.MarkSyncing(account.ID))
	require.NoError(t, f.uc.MarkSyncScheduled(account.ID))

	updated, _ := f.accounts.FindByID(account.ID)
	assert.Equal(t, domain.StatusConnected, updated.ConnectionStatus)
	assert.Equal(t, domain.SyncScheduled, updated.SyncStatus)
}

func TestStateTransitionsAreGuarded(t *testing.T) {
	f := newFixture(t)
	account := f.linkAccount(t)

	require.NoError(t, f.uc.MarkSyncing(account.ID))
	updated, _ := f.accounts.FindByID(account.ID)
	assert.Equal(t, domain.StatusSyncing, updated.ConnectionStatus)
	assert.Equal(t, domain.SyncRunning, updated.SyncStatus)

	require.NoError(t, f.uc.MarkSynced(account.ID))
	updated, _ = f.accounts.FindByID(account.ID)
	assert.Equal(t, domain.StatusConnected, updated.ConnectionStatus)
	assert.Equal(t, domain.SyncIdle, updated.SyncStatus)

	// Disconnect wins over later transitions.
	require.NoError(t, f.uc.Disconnect(context.Background(), account.ID))
	require.NoError(t, f.uc.MarkSyncing(account.ID))
	updated, _ = f.accounts.FindByID(account.ID)
	assert.Equal(t, domain.StatusDisconnected, updated.ConnectionStatus)
}
