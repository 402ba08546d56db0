package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	accountdomain "leadflow-backend/internal/account/domain"
	syncdomain "leadflow-backend/internal/sync/domain"
	"leadflow-backend/internal/sync/queue"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccountRepo struct {
	byEmail        map[string]*accountdomain.Account
	bySubscription map[string]*accountdomain.Account
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{
		byEmail:        make(map[string]*accountdomain.Account),
		bySubscription: make(map[string]*accountdomain.Account),
	}
}

func (f *fakeAccountRepo) Create(a *accountdomain.Account) error              { return nil }
func (f *fakeAccountRepo) FindByID(id string) (*accountdomain.Account, error) { return nil, nil }

func (f *fakeAccountRepo) FindByProviderEmail(p accountdomain.Provider, email string) (*accountdomain.Account, error) {
	return f.byEmail[email], nil
}

func (f *fakeAccountRepo) FindByTenantProviderEmail(tenantID string, p accountdomain.Provider, email string) (*accountdomain.Account, error) {
	return nil, nil
}

func (f *fakeAccountRepo) FindBySubscriptionID(subID string) (*accountdomain.Account, error) {
	return f.bySubscription[subID], nil
}

func (f *fakeAccountRepo) FindByTenant(tenantID string) ([]accountdomain.Account, error) {
	return nil, nil
}
func (f *fakeAccountRepo) Update(a *accountdomain.Account) error { return nil }
func (f *fakeAccountRepo) Transition(id string, from []accountdomain.ConnectionStatus, to accountdomain.ConnectionStatus, errCode, errReason string) (bool, error) {
	return true, nil
}
func (f *fakeAccountRepo) SetSyncStatus(id string, status accountdomain.SyncStatus) error { return nil }
func (f *fakeAccountRepo) AdvanceCursor(id string, cursor string, syncedAt time.Time) error {
	return nil
}
func (f *fakeAccountRepo) ClearCursor(id string) error { return nil }
func (f *fakeAccountRepo) SetWatch(id string, expiresAt *time.Time, subscriptionID, clientState string) error {
	return nil
}
func (f *fakeAccountRepo) FindSyncable(olderThan time.Time) ([]accountdomain.Account, error) {
	return nil, nil
}
func (f *fakeAccountRepo) FindExpiringWatches(deadline time.Time) ([]accountdomain.Account, error) {
	return nil, nil
}

type countingSyncer struct {
	err  error
	runs []string
}

func (s *countingSyncer) RunIncremental(ctx context.Context, accountID string) error {
	s.runs = append(s.runs, accountID)
	return s.err
}
func (s *countingSyncer) RunBackfill(ctx context.Context, accountID string) error  { return nil }
func (s *countingSyncer) EnsureWatch(ctx context.Context, accountID string) error  { return nil }

type webhookFixture struct {
	router   *gin.Engine
	accounts *fakeAccountRepo
	syncer   *countingSyncer
	queue    *queue.Memory
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	accounts := newFakeAccountRepo()
	syncer := &countingSyncer{}
	q := queue.NewMemory(5)

	handler := NewHandler(NewProcessor(accounts, syncer, q), "hook-secret")

	router := gin.New()
	router.POST("/webhooks/google", handler.HandleGoogle)
	router.GET("/webhooks/microsoft", handler.HandleMicrosoft)
	router.POST("/webhooks/microsoft", handler.HandleMicrosoft)

	return &webhookFixture{router: router, accounts: accounts, syncer: syncer, queue: q}
}

func googleEnvelope(t *testing.T, emailAddress string, historyID uint64) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"emailAddress": emailAddress,
		"historyId":    historyID,
	})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"message": map[string]string{
			"data":      base64.StdEncoding.EncodeToString(payload),
			"messageId": "pubsub-1",
		},
		"subscription": "projects/p/subscriptions/gmail-updates-sub",
	})
	require.NoError(t, err)
	return body
}

func (f *webhookFixture) post(path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestGoogleWebhookRejectsBadToken(t *testing.T) {
	f := newWebhookFixture(t)
	f.accounts.byEmail["user@example.com"] = &accountdomain.Account{ID: "a1", TenantID: "t1"}

	w := f.post("/webhooks/google?token=wrong", googleEnvelope(t, "user@example.com", 100))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.syncer.runs)
}

func TestGoogleWebhookSyncsInline(t *testing.T) {
	f := newWebhookFixture(t)
	f.accounts.byEmail["user@example.com"] = &accountdomain.Account{
		ID: "a1", TenantID: "t1", Provider: accountdomain.ProviderGoogle,
	}

	w := f.post("/webhooks/google?token=hook-secret", googleEnvelope(t, "user@example.com", 100))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a1"}, f.syncer.runs)
	assert.Empty(t, f.queue.Snapshot(), "inline success must not queue a job")
}

func TestGoogleWebhookFallsBackToQueueOnInlineFailure(t *testing.T) {
	f := newWebhookFixture(t)
	f.accounts.byEmail["user@example.com"] = &accountdomain.Account{
		ID: "a1", TenantID: "t1", Provider: accountdomain.ProviderGoogle,
	}
	f.syncer.err = errors.New("provider briefly down")

	w := f.post("/webhooks/google?token=hook-secret", googleEnvelope(t, "user@example.com", 100))

	assert.Equal(t, http.StatusOK, w.Code, "fallback still acks the delivery")
	jobs := f.queue.Snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, syncdomain.JobIncremental, jobs[0].Kind)
	assert.Equal(t, "a1", jobs[0].AccountID)
}

func TestGoogleWebhookAcksUnknownAccount(t *testing.T) {
	f := newWebhookFixture(t)

	w := f.post("/webhooks/google?token=hook-secret", googleEnvelope(t, "nobody@example.com", 100))

	assert.Equal(t, http.StatusOK, w.Code, "unknown accounts are acked, not retried")
	assert.Empty(t, f.syncer.runs)
	assert.Empty(t, f.queue.Snapshot())
}

func TestGoogleWebhookDeduplicatesHistoryIDs(t *testing.T) {
	f := newWebhookFixture(t)
	f.accounts.byEmail["user@example.com"] = &accountdomain.Account{
		ID: "a1", TenantID: "t1", Provider: accountdomain.ProviderGoogle,
	}

	f.post("/webhooks/google?token=hook-secret", googleEnvelope(t, "user@example.com", 100))
	f.post("/webhooks/google?token=hook-secret", googleEnvelope(t, "user@example.com", 100))
	f.post("/webhooks/google?token=hook-secret", googleEnvelope(t, "user@example.com", 99))

	assert.Len(t, f.syncer.runs, 1, "replayed historyIds must not trigger extra syncs")
}

func TestMicrosoftWebhookEchoesValidationToken(t *testing.T) {
	f := newWebhookFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft?validationToken=prove-it", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "prove-it", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}

func TestMicrosoftWebhookEchoesValidationTokenOnGet(t *testing.T) {
	f := newWebhookFixture(t)

	// Graph also probes the endpoint with GET during subscription creation.
	req := httptest.NewRequest(http.MethodGet, "/webhooks/microsoft?validationToken=prove-it", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "prove-it", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}

func TestMicrosoftWebhookValidatesClientState(t *testing.T) {
	f := newWebhookFixture(t)
	f.accounts.bySubscription["sub-1"] = &accountdomain.Account{
		ID: "a1", TenantID: "t1", Provider: accountdomain.ProviderMicrosoft, ClientState: "right-state",
	}

	body := []byte(`{"value": [{"subscriptionId": "sub-1", "clientState": "wrong-state", "changeType": "created"}]}`)
	w := f.post("/webhooks/microsoft", body)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, f.syncer.runs, "mismatched clientState must be dropped")
}

func TestMicrosoftWebhookProcessesBatch(t *testing.T) {
	f := newWebhookFixture(t)
	f.accounts.bySubscription["sub-1"] = &accountdomain.Account{
		ID: "a1", TenantID: "t1", Provider: accountdomain.ProviderMicrosoft, ClientState: "state-1",
	}
	f.accounts.bySubscription["sub-2"] = &accountdomain.Account{
		ID: "a2", TenantID: "t2", Provider: accountdomain.ProviderMicrosoft, ClientState: "state-2",
	}

	body := []byte(`{"value": [
		{"subscriptionId": "sub-1", "clientState": "state-1", "changeType": "created"},
		{"subscriptionId": "sub-2", "clientState": "state-2", "changeType": "updated"}
	]}`)
	w := f.post("/webhooks/microsoft", body)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.ElementsMatch(t, []string{"a1", "a2"}, f.syncer.runs)
}
