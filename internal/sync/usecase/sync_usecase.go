package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	accountdomain "leadflow-backend/internal/account/domain"
	accountrepo "leadflow-backend/internal/account/repository"
	accountusecase "leadflow-backend/internal/account/usecase"
	"leadflow-backend/internal/crypto"
	"leadflow-backend/internal/provider"
	syncdomain "leadflow-backend/internal/sync/domain"
	syncrepo "leadflow-backend/internal/sync/repository"
	"leadflow-backend/pkg/metrics"
)

// Backfill bounds. Mail history is capped at a month back; calendars also
// need the near future for upcoming meetings.
const (
	mailBackfillWindow   = 30 * 24 * time.Hour
	calendarPastWindow   = 30 * 24 * time.Hour
	calendarFutureWindow = 90 * 24 * time.Hour
)

type syncUsecase struct {
	accountRepo accountrepo.AccountRepository
	tenantRepo  accountrepo.TenantRepository
	messageRepo syncrepo.MessageRepository
	credentials accountusecase.CredentialUsecase
	cryptoSvc   *crypto.Service
	adapters    provider.Registry

	now func() time.Time
}

// NewSyncUsecase creates a new instance of syncUsecase
func NewSyncUsecase(
	accountRepo accountrepo.AccountRepository,
	tenantRepo accountrepo.TenantRepository,
	messageRepo syncrepo.MessageRepository,
	credentials accountusecase.CredentialUsecase,
	cryptoSvc *crypto.Service,
	adapters provider.Registry,
) SyncUsecase {
	return &syncUsecase{
		accountRepo: accountRepo,
		tenantRepo:  tenantRepo,
		messageRepo: messageRepo,
		credentials: credentials,
		cryptoSvc:   cryptoSvc,
		adapters:    adapters,
		now:         time.Now,
	}
}

func (s *syncUsecase) RunIncremental(ctx context.Context, accountID string) error {
	account, adapter, token, err := s.prepare(ctx, accountID)
	if err != nil || account == nil {
		return err
	}

	if account.Cursor == "" {
		log.Printf("[SyncUsecase] Account %s has no cursor, running backfill instead", accountID)
		return s.backfill(ctx, account, adapter, token)
	}

	delta, err := adapter.FetchDelta(ctx, account, token, account.Cursor)
	if err != nil {
		if errors.Is(err, provider.ErrCursorStale) {
			log.Printf("[SyncUsecase] Cursor for account %s is stale, falling back to backfill", accountID)
			if err := s.accountRepo.ClearCursor(account.ID); err != nil {
				return fmt.Errorf("unable to clear stale cursor: %v", err)
			}
			return s.backfill(ctx, account, adapter, token)
		}
		return err
	}

	return s.persist(ctx, account, delta)
}

func (s *syncUsecase) RunBackfill(ctx context.Context, accountID string) error {
	account, adapter, token, err := s.prepare(ctx, accountID)
	if err != nil || account == nil {
		return err
	}
	return s.backfill(ctx, account, adapter, token)
}

func (s *syncUsecase) EnsureWatch(ctx context.Context, accountID string) error {
	account, adapter, token, err := s.prepare(ctx, accountID)
	if err != nil || account == nil {
		return err
	}

	watch, err := adapter.Watch(ctx, account, token)
	if err != nil {
		return fmt.Errorf("unable to establish watch: %w", err)
	}

	expiresAt := watch.ExpiresAt
	if err := s.accountRepo.SetWatch(account.ID, &expiresAt, watch.SubscriptionID, watch.ClientState); err != nil {
		return fmt.Errorf("unable to save watch state: %v", err)
	}
	log.Printf("[SyncUsecase] Watch for account %s renewed until %s", accountID, expiresAt.Format(time.RFC3339))
	return nil
}

// prepare loads the account and resolves the adapter and a valid access
// token. A disconnected account returns (nil, nil, "", nil): the run is a
// no-op, not a failure.
func (s *syncUsecase) prepare(ctx context.Context, accountID string) (*accountdomain.Account, provider.Adapter, string, error) {
	account, err := s.accountRepo.FindByID(accountID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("unable to load account: %v", err)
	}
	if account == nil {
		return nil, nil, "", accountusecase.ErrAccountNotFound
	}
	if account.ConnectionStatus == accountdomain.StatusDisconnected {
		log.Printf("[SyncUsecase] Skipping sync for disconnected account %s", accountID)
		return nil, nil, "", nil
	}

	adapter, err := s.adapters.For(account.Provider)
	if err != nil {
		return nil, nil, "", err
	}

	token, err := s.credentials.AccessToken(ctx, accountID)
	if err != nil {
		return nil, nil, "", err
	}
	return account, adapter, token, nil
}

func (s *syncUsecase) backfill(ctx context.Context, account *accountdomain.Account, adapter provider.Adapter, token string) error {
	now := s.now()
	window := provider.DateRange{
		From: now.Add(-mailBackfillWindow),
		To:   now.Add(calendarFutureWindow),
	}

	delta, err := adapter.FetchFull(ctx, account, token, window)
	if err != nil {
		return err
	}
	return s.persist(ctx, account, delta)
}

// persist upserts the delta's records and only then advances the cursor, so a
// crash mid-write re-delivers the same changes instead of skipping them.
func (s *syncUsecase) persist(ctx context.Context, account *accountdomain.Account, delta *provider.Delta) error {
	tk, err := s.tenantKeys(account.TenantID)
	if err != nil {
		return err
	}

	for i := range delta.Messages {
		if err := s.persistMessage(ctx, account, tk, &delta.Messages[i]); err != nil {
			return err
		}
	}
	for i := range delta.Events {
		if err := s.persistEvent(ctx, account, tk, &delta.Events[i]); err != nil {
			return err
		}
	}

	if err := s.accountRepo.AdvanceCursor(account.ID, delta.NewCursor, s.now()); err != nil {
		return fmt.Errorf("unable to advance cursor: %v", err)
	}

	metrics.RecordsSynced.WithLabelValues("message").Add(float64(len(delta.Messages)))
	metrics.RecordsSynced.WithLabelValues("event").Add(float64(len(delta.Events)))
	log.Printf("[SyncUsecase] Account %s: %d messages, %d events persisted", account.ID, len(delta.Messages), len(delta.Events))
	return nil
}

func (s *syncUsecase) persistMessage(ctx context.Context, account *accountdomain.Account, tk crypto.TenantKeys, record *provider.MessageRecord) error {
	if record.Deleted {
		return s.messageRepo.DeleteMessage(account.ID, record.ExternalID)
	}

	threadExternal := record.ThreadExternalID
	if threadExternal == "" {
		threadExternal = record.ExternalID
	}
	thread, err := s.messageRepo.UpsertThread(account.TenantID, account.ID, threadExternal, record.ReceivedAt)
	if err != nil {
		return fmt.Errorf("unable to upsert thread: %v", err)
	}

	subject, err := s.cryptoSvc.EncryptString(ctx, tk, record.Subject, crypto.CtxMessageSubject)
	if err != nil {
		return err
	}
	body, err := s.cryptoSvc.EncryptString(ctx, tk, record.Body, crypto.CtxMessageBody)
	if err != nil {
		return err
	}
	participants, err := s.encryptParticipants(ctx, tk, record.Participants, crypto.CtxMessageParticipants)
	if err != nil {
		return err
	}

	message := &syncdomain.Message{
		TenantID:               account.TenantID,
		AccountID:              account.ID,
		ThreadID:               thread.ID,
		ExternalID:             record.ExternalID,
		ReceivedAt:             record.ReceivedAt,
		IsRead:                 record.IsRead,
		HasAttachment:          record.HasAttachment,
		SubjectCiphertext:      subject,
		BodyCiphertext:         body,
		ParticipantsCiphertext: participants,
	}
	if err := s.messageRepo.UpsertMessage(message); err != nil {
		return fmt.Errorf("unable to upsert message: %v", err)
	}
	return nil
}

func (s *syncUsecase) persistEvent(ctx context.Context, account *accountdomain.Account, tk crypto.TenantKeys, record *provider.EventRecord) error {
	if record.Deleted {
		return s.messageRepo.DeleteEvent(account.ID, record.ExternalID)
	}

	subject, err := s.cryptoSvc.EncryptString(ctx, tk, record.Subject, crypto.CtxEventSubject)
	if err != nil {
		return err
	}
	body, err := s.cryptoSvc.EncryptString(ctx, tk, record.Body, crypto.CtxEventBody)
	if err != nil {
		return err
	}
	participants, err := s.encryptParticipants(ctx, tk, record.Participants, crypto.CtxEventParticipants)
	if err != nil {
		return err
	}

	event := &syncdomain.Event{
		TenantID:               account.TenantID,
		AccountID:              account.ID,
		ExternalID:             record.ExternalID,
		StartsAt:               record.StartsAt,
		EndsAt:                 record.EndsAt,
		AllDay:                 record.AllDay,
		Status:                 record.Status,
		SubjectCiphertext:      subject,
		BodyCiphertext:         body,
		ParticipantsCiphertext: participants,
	}
	if err := s.messageRepo.UpsertEvent(event); err != nil {
		return fmt.Errorf("unable to upsert event: %v", err)
	}
	return nil
}

func (s *syncUsecase) encryptParticipants(ctx context.Context, tk crypto.TenantKeys, participants []provider.Participant, cryptoContext string) ([]byte, error) {
	encoded, err := json.Marshal(participants)
	if err != nil {
		return nil, fmt.Errorf("unable to encode participants: %v", err)
	}
	return s.cryptoSvc.Encrypt(ctx, tk, encoded, cryptoContext)
}

func (s *syncUsecase) tenantKeys(tenantID string) (crypto.TenantKeys, error) {
	tenant, err := s.tenantRepo.FindByID(tenantID)
	if err != nil {
		return crypto.TenantKeys{}, fmt.Errorf("unable to load tenant: %v", err)
	}
	if tenant == nil {
		return crypto.TenantKeys{}, accountusecase.ErrTenantNotFound
	}
	return crypto.TenantKeys{
		TenantID:           tenant.ID,
		KeyBlob:            tenant.KeyBlob,
		KeyVersion:         tenant.KeyVersion,
		PreviousKeyBlob:    tenant.PreviousKeyBlob,
		PreviousKeyVersion: tenant.PreviousKeyVersion,
	}, nil
}
