package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	accountdomain "leadflow-backend/internal/account/domain"
	"leadflow-backend/internal/crypto"
	"leadflow-backend/internal/provider"
	syncdomain "leadflow-backend/internal/sync/domain"
	"leadflow-backend/pkg/kms"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// ---- fakes ----

type stubAccountRepo struct {
	accounts map[string]*accountdomain.Account
}

func newStubAccountRepo() *stubAccountRepo {
	return &stubAccountRepo{accounts: make(map[string]*accountdomain.Account)}
}

func (f *stubAccountRepo) Create(a *accountdomain.Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	cp := *a
	f.accounts[a.ID] = &cp
	return nil
}

func (f *stubAccountRepo) FindByID(id string) (*accountdomain.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *stubAccountRepo) FindByProviderEmail(p accountdomain.Provider, email string) (*accountdomain.Account, error) {
	return nil, nil
}

func (f *stubAccountRepo) FindByTenantProviderEmail(tenantID string, p accountdomain.Provider, email string) (*accountdomain.Account, error) {
	return nil, nil
}

func (f *stubAccountRepo) FindBySubscriptionID(subID string) (*accountdomain.Account, error) {
	return nil, nil
}

func (f *stubAccountRepo) FindByTenant(tenantID string) ([]accountdomain.Account, error) {
	return nil, nil
}

func (f *stubAccountRepo) Update(a *accountdomain.Account) error {
	cp := *a
	f.accounts[a.ID] = &cp
	return nil
}

func (f *stubAccountRepo) Transition(id string, from []accountdomain.ConnectionStatus, to accountdomain.ConnectionStatus, errCode, errReason string) (bool, error) {
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

func (f *stubAccountRepo) SetSyncStatus(id string, status accountdomain.SyncStatus) error {
	if a, ok := f.accounts[id]; ok {
		a.SyncStatus = status
	}
	return nil
}

func (f *stubAccountRepo) AdvanceCursor(id string, cursor string, syncedAt time.Time) error {
	if a, ok := f.accounts[id]; ok {
		a.Cursor = cursor
		t := syncedAt
		a.LastSyncedAt = &t
	}
	return nil
}

func (f *stubAccountRepo) ClearCursor(id string) error {
	if a, ok := f.accounts[id]; ok {
		a.Cursor = ""
	}
	return nil
}

func (f *stubAccountRepo) SetWatch(id string, expiresAt *time.Time, subscriptionID, clientState string) error {
	if a, ok := f.accounts[id]; ok {
		a.WatchExpiresAt = expiresAt
		a.SubscriptionID = subscriptionID
		a.ClientState = clientState
	}
	return nil
}

func (f *stubAccountRepo) FindSyncable(olderThan time.Time) ([]accountdomain.Account, error) {
	return nil, nil
}

func (f *stubAccountRepo) FindExpiringWatches(deadline time.Time) ([]accountdomain.Account, error) {
	return nil, nil
}

type stubTenantRepo struct {
	tenants map[string]*accountdomain.Tenant
}

func (f *stubTenantRepo) Create(t *accountdomain.Tenant) error {
	cp := *t
	f.tenants[t.ID] = &cp
	return nil
}

func (f *stubTenantRepo) FindByID(id string) (*accountdomain.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *stubTenantRepo) RotateKeys(id string, newBlob []byte) (*accountdomain.Tenant, error) {
	return nil, errors.New("not implemented")
}

func (f *stubTenantRepo) Update(t *accountdomain.Tenant) error {
	cp := *t
	f.tenants[t.ID] = &cp
	return nil
}

type memMessageRepo struct {
	threads    map[string]*syncdomain.Thread // keyed account:external
	messages   map[string]*syncdomain.Message
	events     map[string]*syncdomain.Event
	failUpsert bool
}

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{
		threads:  make(map[string]*syncdomain.Thread),
		messages: make(map[string]*syncdomain.Message),
		events:   make(map[string]*syncdomain.Event),
	}
}

func (f *memMessageRepo) UpsertThread(tenantID, accountID, externalID string, lastAt time.Time) (*syncdomain.Thread, error) {
	key := accountID + ":" + externalID
	if t, ok := f.threads[key]; ok {
		if t.LastAt == nil || t.LastAt.Before(lastAt) {
			cp := lastAt
			t.LastAt = &cp
		}
		cp := *t
		return &cp, nil
	}
	cp := lastAt
	t := &syncdomain.Thread{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		AccountID:  accountID,
		ExternalID: externalID,
		LastAt:     &cp,
	}
	f.threads[key] = t
	out := *t
	return &out, nil
}

func (f *memMessageRepo) UpsertMessage(m *syncdomain.Message) error {
	if f.failUpsert {
		return errors.New("simulated write failure")
	}
	cp := *m
	f.messages[m.AccountID+":"+m.ExternalID] = &cp
	return nil
}

func (f *memMessageRepo) DeleteMessage(accountID, externalID string) error {
	delete(f.messages, accountID+":"+externalID)
	return nil
}

func (f *memMessageRepo) UpsertEvent(e *syncdomain.Event) error {
	if f.failUpsert {
		return errors.New("simulated write failure")
	}
	cp := *e
	f.events[e.AccountID+":"+e.ExternalID] = &cp
	return nil
}

func (f *memMessageRepo) DeleteEvent(accountID, externalID string) error {
	delete(f.events, accountID+":"+externalID)
	return nil
}

func (f *memMessageRepo) ListThreads(tenantID string, limit, offset int) ([]syncdomain.Thread, error) {
	return nil, nil
}

func (f *memMessageRepo) FindThread(tenantID, threadID string) (*syncdomain.Thread, error) {
	return nil, nil
}

func (f *memMessageRepo) ListMessagesByThread(threadID string) ([]syncdomain.Message, error) {
	return nil, nil
}

func (f *memMessageRepo) ListEvents(tenantID string, from, to time.Time) ([]syncdomain.Event, error) {
	return nil, nil
}

// stubCredentials hands out a fixed access token without touching storage.
type stubCredentials struct {
	token    string
	tokenErr error
}

func (f *stubCredentials) EnsureTenant(ctx context.Context, tenantID, name string) (*accountdomain.Tenant, error) {
	return nil, nil
}
func (f *stubCredentials) RotateTenantKey(ctx context.Context, tenantID string) error { return nil }
func (f *stubCredentials) LinkAccount(ctx context.Context, tenantID string, profile accountdomain.ProviderProfile, raw accountdomain.RawTokens) (*accountdomain.Account, error) {
	return nil, nil
}
func (f *stubCredentials) AccessToken(ctx context.Context, accountID string) (string, error) {
	return f.token, f.tokenErr
}
func (f *stubCredentials) Disconnect(ctx context.Context, accountID string) error { return nil }
func (f *stubCredentials) MarkSyncing(accountID string) error                     { return nil }
func (f *stubCredentials) MarkSynced(accountID string) error                      { return nil }
func (f *stubCredentials) MarkSyncScheduled(accountID string) error               { return nil }
func (f *stubCredentials) MarkAuthInvalid(accountID string) error                 { return nil }
func (f *stubCredentials) MarkCryptoCorrupt(accountID string) error               { return nil }
func (f *stubCredentials) MarkSyncError(accountID string, reason string) error    { return nil }

// scriptedAdapter replays canned deltas and records what was asked of it.
type scriptedAdapter struct {
	delta      *provider.Delta
	deltaErr   error
	full       *provider.Delta
	fullErr    error
	deltaCalls int
	fullCalls  int
	lastCursor string
	lastWindow provider.DateRange
	watch      *provider.WatchResult
}

func (f *scriptedAdapter) Provider() accountdomain.Provider { return accountdomain.ProviderGoogle }

func (f *scriptedAdapter) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return nil, errors.New("not implemented")
}

func (f *scriptedAdapter) Revoke(ctx context.Context, token string) error { return nil }

func (f *scriptedAdapter) FetchDelta(ctx context.Context, account *accountdomain.Account, accessToken, cursor string) (*provider.Delta, error) {
	f.deltaCalls++
	f.lastCursor = cursor
	return f.delta, f.deltaErr
}

func (f *scriptedAdapter) FetchFull(ctx context.Context, account *accountdomain.Account, accessToken string, window provider.DateRange) (*provider.Delta, error) {
	f.fullCalls++
	f.lastWindow = window
	return f.full, f.fullErr
}

func (f *scriptedAdapter) Watch(ctx context.Context, account *accountdomain.Account, accessToken string) (*provider.WatchResult, error) {
	if f.watch == nil {
		return nil, errors.New("watch not scripted")
	}
	return f.watch, nil
}

func (f *scriptedAdapter) StopWatch(ctx context.Context, account *accountdomain.Account, accessToken string) error {
	return nil
}

// ---- fixture ----

type syncFixture struct {
	uc       SyncUsecase
	accounts *stubAccountRepo
	messages *memMessageRepo
	adapter  *scriptedAdapter
	crypto   *crypto.Service
	tk       crypto.TenantKeys
	account  *accountdomain.Account
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	local, err := kms.NewLocal("sync-test-master")
	require.NoError(t, err)
	cryptoSvc := crypto.NewService(local, "projects/test/keys/main", 30*time.Second)

	blob, err := cryptoSvc.WrapNewDEK(context.Background(), "t1")
	require.NoError(t, err)

	tenants := &stubTenantRepo{tenants: map[string]*accountdomain.Tenant{
		"t1": {ID: "t1", Name: "Tenant One", KeyBlob: blob, KeyVersion: 1},
	}}

	accounts := newStubAccountRepo()
	account := &accountdomain.Account{
		ID:               "acct-1",
		TenantID:         "t1",
		Provider:         accountdomain.ProviderGoogle,
		Email:            "user@example.com",
		ConnectionStatus: accountdomain.StatusConnected,
		Cursor:           "cursor-1",
	}
	require.NoError(t, accounts.Create(account))

	messages := newMemMessageRepo()
	adapter := &scriptedAdapter{}

	uc := NewSyncUsecase(
		accounts, tenants, messages,
		&stubCredentials{token: "access-token"},
		cryptoSvc,
		provider.Registry{accountdomain.ProviderGoogle: adapter},
	)

	return &syncFixture{
		uc:       uc,
		accounts: accounts,
		messages: messages,
		adapter:  adapter,
		crypto:   cryptoSvc,
		tk: crypto.TenantKeys{
			TenantID:   "t1",
			KeyBlob:    blob,
			KeyVersion: 1,
		},
		account: account,
	}
}

func sampleDelta(cursor string) *provider.Delta {
	return &provider.Delta{
		Messages: []provider.MessageRecord{{
			ExternalID:       "msg-1",
			ThreadExternalID: "thr-1",
			ReceivedAt:       time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
			IsRead:           true,
			Subject:          "Quarterly numbers",
			Body:             "See attached.",
			Participants: []provider.Participant{
				{Name: "Ada", Email: "ada@example.com", Kind: "from"},
				{Email: "user@example.com", Kind: "to"},
			},
		}},
		Events: []provider.EventRecord{{
			ExternalID: "evt-1",
			StartsAt:   time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC),
			EndsAt:     time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC),
			Status:     "confirmed",
			Subject:    "Planning",
			Participants: []provider.Participant{
				{Email: "user@example.com", Kind: "organizer"},
			},
		}},
		NewCursor: cursor,
	}
}

// ---- tests ----

func TestIncrementalPersistsEncryptedRecordsAndAdvancesCursor(t *testing.T) {
	f := newSyncFixture(t)
	f.adapter.delta = sampleDelta("cursor-2")

	require.NoError(t, f.uc.RunIncremental(context.Background(), "acct-1"))

	assert.Equal(t, 1, f.adapter.deltaCalls)
	assert.Equal(t, "cursor-1", f.adapter.lastCursor)

	account, _ := f.accounts.FindByID("acct-1")
	assert.Equal(t, "cursor-2", account.Cursor)
	require.NotNil(t, account.LastSyncedAt)

	msg := f.messages.messages["acct-1:msg-1"]
	require.NotNil(t, msg)
	assert.True(t, msg.IsRead)
	assert.NotContains(t, string(msg.SubjectCiphertext), "Quarterly")

	subject, err := f.crypto.DecryptString(context.Background(), f.tk, msg.SubjectCiphertext, crypto.CtxMessageSubject)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly numbers", subject)

	raw, err := f.crypto.Decrypt(context.Background(), f.tk, msg.ParticipantsCiphertext, crypto.CtxMessageParticipants)
	require.NoError(t, err)
	var participants []provider.Participant
	require.NoError(t, json.Unmarshal(raw, &participants))
	assert.Len(t, participants, 2)
	assert.Equal(t, "ada@example.com", participants[0].Email)

	evt := f.messages.events["acct-1:evt-1"]
	require.NotNil(t, evt)
	assert.Equal(t, "confirmed", evt.Status)
	eventSubject, err := f.crypto.DecryptString(context.Background(), f.tk, evt.SubjectCiphertext, crypto.CtxEventSubject)
	require.NoError(t, err)
	assert.Equal(t, "Planning", eventSubject)
}

func TestStaleCursorFallsBackToBackfill(t *testing.T) {
	f := newSyncFixture(t)
	f.adapter.deltaErr = provider.ErrCursorStale
	f.adapter.full = sampleDelta("fresh-cursor")

	require.NoError(t, f.uc.RunIncremental(context.Background(), "acct-1"))

	assert.Equal(t, 1, f.adapter.deltaCalls)
	assert.Equal(t, 1, f.adapter.fullCalls)

	account, _ := f.accounts.FindByID("acct-1")
	assert.Equal(t, "fresh-cursor", account.Cursor, "backfill must issue a usable cursor")
	assert.NotNil(t, f.messages.messages["acct-1:msg-1"])
}

func TestMissingCursorRunsBackfillWithBoundedWindow(t *testing.T) {
	f := newSyncFixture(t)
	f.account.Cursor = ""
	require.NoError(t, f.accounts.Update(f.account))
	f.adapter.full = sampleDelta("first-cursor")

	require.NoError(t, f.uc.RunIncremental(context.Background(), "acct-1"))

	assert.Equal(t, 0, f.adapter.deltaCalls)
	assert.Equal(t, 1, f.adapter.fullCalls)

	now := time.Now()
	assert.WithinDuration(t, now.Add(-30*24*time.Hour), f.adapter.lastWindow.From, time.Minute)
	assert.WithinDuration(t, now.Add(90*24*time.Hour), f.adapter.lastWindow.To, time.Minute)
}

func TestDeletedRecordsAreRemoved(t *testing.T) {
	f := newSyncFixture(t)
	f.messages.messages["acct-1:msg-9"] = &syncdomain.Message{AccountID: "acct-1", ExternalID: "msg-9"}

	f.adapter.delta = &provider.Delta{
		Messages:  []provider.MessageRecord{{ExternalID: "msg-9", Deleted: true}},
		NewCursor: "cursor-2",
	}

	require.NoError(t, f.uc.RunIncremental(context.Background(), "acct-1"))
	assert.Nil(t, f.messages.messages["acct-1:msg-9"])
}

func TestCursorNotAdvancedWhenPersistFails(t *testing.T) {
	f := newSyncFixture(t)
	f.adapter.delta = sampleDelta("cursor-2")
	f.messages.failUpsert = true

	err := f.uc.RunIncremental(context.Background(), "acct-1")
	require.Error(t, err)

	account, _ := f.accounts.FindByID("acct-1")
	assert.Equal(t, "cursor-1", account.Cursor, "cursor must only move after durable persistence")
}

func TestDisconnectedAccountIsSkipped(t *testing.T) {
	f := newSyncFixture(t)
	f.account.ConnectionStatus = accountdomain.StatusDisconnected
	require.NoError(t, f.accounts.Update(f.account))

	require.NoError(t, f.uc.RunIncremental(context.Background(), "acct-1"))
	assert.Equal(t, 0, f.adapter.deltaCalls)
	assert.Equal(t, 0, f.adapter.fullCalls)
}

func TestEnsureWatchStoresSubscriptionState(t *testing.T) {
	f := newSyncFixture(t)
	expiry := time.Now().Add(48 * time.Hour)
	f.adapter.watch = &provider.WatchResult{
		SubscriptionID: "sub-1",
		ClientState:    "secret",
		ExpiresAt:      expiry,
	}

	require.NoError(t, f.uc.EnsureWatch(context.Background(), "acct-1"))

	account, _ := f.accounts.FindByID("acct-1")
	assert.Equal(t, "sub-1", account.SubscriptionID)
	assert.Equal(t, "secret", account.ClientState)
	require.NotNil(t, account.WatchExpiresAt)
	assert.WithinDuration(t, expiry, *account.WatchExpiresAt, time.Second)
}
