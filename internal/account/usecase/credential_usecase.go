package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"leadflow-backend/internal/account/domain"
	"leadflow-backend/internal/account/repository"
	"leadflow-backend/internal/crypto"
	"leadflow-backend/internal/provider"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrNoRefreshToken  = errors.New("no usable refresh token")
)

// accessTokenSkew refreshes tokens slightly before their recorded expiry so
// an in-flight provider call never races the deadline.
const accessTokenSkew = 2 * time.Minute

// credentialUsecase implements CredentialUsecase interface
type credentialUsecase struct {
	accountRepo repository.AccountRepository
	tokenRepo   repository.SecureTokenRepository
	tenantRepo  repository.TenantRepository
	cryptoSvc   *crypto.Service
	adapters    provider.Registry

	// Serializes token refresh per account: two concurrent refreshes must
	// not both submit the same soon-to-be-invalidated refresh token.
	refreshMu sync.Mutex
	refreshes map[string]*sync.Mutex
}

// NewCredentialUsecase creates a new instance of credentialUsecase
func NewCredentialUsecase(
	accountRepo repository.AccountRepository,
	tokenRepo repository.SecureTokenRepository,
	tenantRepo repository.TenantRepository,
	cryptoSvc *crypto.Service,
	adapters provider.Registry,
) CredentialUsecase {
	return &credentialUsecase{
		accountRepo: accountRepo,
		tokenRepo:   tokenRepo,
		tenantRepo:  tenantRepo,
		cryptoSvc:   cryptoSvc,
		adapters:    adapters,
		refreshes:   make(map[string]*sync.Mutex),
	}
}

func (u *credentialUsecase) EnsureTenant(ctx context.Context, tenantID, name string) (*domain.Tenant, error) {
	tenant, err := u.tenantRepo.FindByID(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant != nil {
		return tenant, nil
	}

	blob, err := u.cryptoSvc.WrapNewDEK(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("unable to wrap tenant key: %w", err)
	}

	tenant = &domain.Tenant{
		ID:         tenantID,
		Name:       name,
		KeyBlob:    blob,
		KeyVersion: 1,
	}
	if err := u.tenantRepo.Create(tenant); err != nil {
		return nil, err
	}
	log.Printf("[Crypto] Provisioned DEK v1 for tenant %s", tenantID)
	return tenant, nil
}

func (u *credentialUsecase) RotateTenantKey(ctx context.Context, tenantID string) error {
	tenant, err := u.tenantRepo.FindByID(tenantID)
	if err != nil {
		return err
	}
	if tenant == nil {
		return ErrTenantNotFound
	}

	blob, err := u.cryptoSvc.WrapNewDEK(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("unable to wrap rotated tenant key: %w", err)
	}

	rotated, err := u.tenantRepo.RotateKeys(tenantID, blob)
	if err != nil {
		return err
	}
	log.Printf("[Crypto] Rotated DEK for tenant %s to v%d", tenantID, rotated.KeyVersion)
	return nil
}

func (u *credentialUsecase) LinkAccount(ctx context.Context, tenantID string, profile domain.ProviderProfile, raw domain.RawTokens) (*domain.Account, error) {
	tenant, err := u.tenantRepo.FindByID(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, ErrTenantNotFound
	}

	prov := profile.ProfileProvider()
	email, externalID := profileIdentity(profile)

	// Scoped to the tenant: another tenant linking the same mailbox gets its
	// own account row with tokens sealed under its own DEK.
	account, err := u.accountRepo.FindByTenantProviderEmail(tenantID, prov, email)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &domain.Account{
			TenantID:         tenantID,
			Provider:         prov,
			ExternalID:       externalID,
			Email:            email,
			ConnectionStatus: domain.StatusConnecting,
			SyncStatus:       domain.SyncIdle,
		}
		if err := u.accountRepo.Create(account); err != nil {
			return nil, err
		}
	} else {
		// Re-link of an existing (possibly disconnected) account. The
		// cursor was cleared on disconnect, so the next sync is a clean
		// backfill.
		if _, err := u.accountRepo.Transition(account.ID,
			[]domain.ConnectionStatus{domain.StatusConnected, domain.StatusSyncing, domain.StatusActionNeeded, domain.StatusError, domain.StatusDisconnected},
			domain.StatusConnecting, "", ""); err != nil {
			return nil, err
		}
		account.ConnectionStatus = domain.StatusConnecting
	}

	tokens, err := u.encryptTokens(ctx, tenantKeys(tenant), raw)
	if err != nil {
		// Plaintext tokens must never be persisted: record the failure on
		// the account instead of degrading to unencrypted storage.
		log.Printf("[Crypto] Token encryption failed for account %s: %v", account.ID, err)
		if _, terr := u.accountRepo.Transition(account.ID,
			[]domain.ConnectionStatus{domain.StatusConnecting},
			domain.StatusActionNeeded, domain.ErrCodeEncryptionFailed, "token encryption failed"); terr != nil {
			return nil, terr
		}
		account.ConnectionStatus = domain.StatusActionNeeded
		account.LastErrorCode = domain.ErrCodeEncryptionFailed
		account.LastErrorReason = "token encryption failed"
		return account, nil
	}

	if err := u.tokenRepo.ReplaceAll(account.ID, tokens); err != nil {
		return nil, err
	}

	if _, err := u.accountRepo.Transition(account.ID,
		[]domain.ConnectionStatus{domain.StatusConnecting},
		domain.StatusConnected, "", ""); err != nil {
		return nil, err
	}
	account.ConnectionStatus = domain.StatusConnected
	log.Printf("[Account] Linked %s account %s for tenant %s", prov, account.Email, tenantID)
	return account, nil
}

func (u *credentialUsecase) AccessToken(ctx context.Context, accountID string) (string, error) {
	mu := u.accountMutex(accountID)
	mu.Lock()
	defer mu.Unlock()

	account, err := u.accountRepo.FindByID(accountID)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", ErrAccountNotFound
	}

	tenant, err := u.tenantRepo.FindByID(account.TenantID)
	if err != nil {
		return "", err
	}
	if tenant == nil {
		return "", ErrTenantNotFound
	}
	tk := tenantKeys(tenant)

	accessRow, err := u.tokenRepo.Find(accountID, domain.TokenAccess)
	if err != nil {
		return "", err
	}
	if accessRow != nil && accessRow.EncryptionStatus == domain.EncryptionOK &&
		(accessRow.ExpiresAt == nil || time.Until(*accessRow.ExpiresAt) > accessTokenSkew) {
		return u.cryptoSvc.DecryptString(ctx, tk, accessRow.Ciphertext, crypto.CtxTokenAccess)
	}

	return u.refreshLocked(ctx, account, tk)
}

// refreshLocked performs the provider-side refresh and persists the rotated
// pair. Caller holds the per-account mutex. A refresh that succeeds at the
// provider but fails to persist moves the account to action_needed: the old
// refresh token may already be invalidated and must not be retried.
func (u *credentialUsecase) refreshLocked(ctx context.Context, account *domain.Account, tk crypto.TenantKeys) (string, error) {
	refreshRow, err := u.tokenRepo.Find(account.ID, domain.TokenRefresh)
	if err != nil {
		return "", err
	}
	if refreshRow == nil || refreshRow.EncryptionStatus != domain.EncryptionOK {
		return "", ErrNoRefreshToken
	}

	refreshToken, err := u.cryptoSvc.DecryptString(ctx, tk, refreshRow.Ciphertext, crypto.CtxTokenRefresh)
	if err != nil {
		if errors.Is(err, crypto.ErrCorrupt) {
			_ = u.MarkCryptoCorrupt(account.ID)
		}
		return "", err
	}

	adapter, err := u.adapters.For(account.Provider)
	if err != nil {
		return "", err
	}

	newToken, err := adapter.RefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, provider.ErrAuthInvalid) {
			_ = u.MarkAuthInvalid(account.ID)
		}
		return "", err
	}

	raw := domain.RawTokens{
		AccessToken:  newToken.AccessToken,
		RefreshToken: newToken.RefreshToken,
		Expiry:       newToken.Expiry,
	}
	// Providers may rotate the refresh token; keep the previous one only
	// when the response omits it.
	if raw.RefreshToken == "" {
		raw.RefreshToken = refreshToken
	}

	tokens, err := u.encryptTokens(ctx, tk, raw)
	if err == nil {
		err = u.tokenRepo.ReplaceAll(account.ID, tokens)
	}
	if err != nil {
		log.Printf("[Account] Refresh persisted-update failed for account %s: %v", account.ID, err)
		if _, terr := u.accountRepo.Transition(account.ID,
			[]domain.ConnectionStatus{domain.StatusConnected, domain.StatusSyncing, domain.StatusError},
			domain.StatusActionNeeded, domain.ErrCodeEncryptionFailed, "token refresh could not be saved, reconnect required"); terr != nil {
			log.Printf("[Account] Transition after failed refresh persist also failed: %v", terr)
		}
		return "", fmt.Errorf("unable to persist refreshed tokens: %w", err)
	}

	return newToken.AccessToken, nil
}

func (u *credentialUsecase) Disconnect(ctx context.Context, accountID string) error {
	account, err := u.accountRepo.FindByID(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return ErrAccountNotFound
	}

	// Best-effort provider-side cleanup before the tokens are destroyed.
	if tenant, terr := u.tenantRepo.FindByID(account.TenantID); terr == nil && tenant != nil {
		tk := tenantKeys(tenant)
		if refreshRow, rerr := u.tokenRepo.Find(accountID, domain.TokenRefresh); rerr == nil && refreshRow != nil && refreshRow.EncryptionStatus == domain.EncryptionOK {
			if refreshToken, derr := u.cryptoSvc.DecryptString(ctx, tk, refreshRow.Ciphertext, crypto.CtxTokenRefresh); derr == nil {
				if adapter, aerr := u.adapters.For(account.Provider); aerr == nil {
					if err := adapter.StopWatch(ctx, account, refreshToken); err != nil {
						log.Printf("[Account] Stop watch during disconnect failed for %s: %v", accountID, err)
					}
					if err := adapter.Revoke(ctx, refreshToken); err != nil {
						log.Printf("[Account] Token revoke during disconnect failed for %s: %v", accountID, err)
					}
				}
			}
		}
	}

	if err := u.tokenRepo.DeleteByAccount(accountID); err != nil {
		return err
	}
	// Clearing the cursor guarantees a reconnect starts with a clean
	// backfill instead of resuming from a stale incremental position.
	if err := u.accountRepo.ClearCursor(accountID); err != nil {
		return err
	}
	if err := u.accountRepo.SetWatch(accountID, nil, "", ""); err != nil {
		return err
	}

	if _, err := u.accountRepo.Transition(accountID,
		[]domain.ConnectionStatus{domain.StatusConnecting, domain.StatusConnected, domain.StatusSyncing, domain.StatusActionNeeded, domain.StatusError},
		domain.StatusDisconnected, "", ""); err != nil {
		return err
	}
	log.Printf("[Account] Disconnected account %s", accountID)
	return nil
}

func (u *credentialUsecase) MarkSyncing(accountID string) error {
	ok, err := u.accountRepo.Transition(accountID,
		[]domain.ConnectionStatus{domain.StatusConnected},
		domain.StatusSyncing, "", "")
	if err != nil {
		return err
	}
	if ok {
		return u.accountRepo.SetSyncStatus(accountID, domain.SyncRunning)
	}
	return nil
}

func (u *credentialUsecase) MarkSynced(accountID string) error {
	if _, err := u.accountRepo.Transition(accountID,
		[]domain.ConnectionStatus{domain.StatusSyncing, domain.StatusConnected},
		domain.StatusConnected, "", ""); err != nil {
		return err
	}
	return u.accountRepo.SetSyncStatus(accountID, domain.SyncIdle)
}

func (u *credentialUsecase) MarkSyncScheduled(accountID string) error {
	if _, err := u.accountRepo.Transition(accountID,
		[]domain.ConnectionStatus{domain.StatusSyncing, domain.StatusConnected},
		domain.StatusConnected, "", ""); err != nil {
		return err
	}
	return u.accountRepo.SetSyncStatus(accountID, domain.SyncScheduled)
}

func (u *credentialUsecase) MarkAuthInvalid(accountID string) error {
	if _, err := u.accountRepo.Transition(accountID,
		[]domain.ConnectionStatus{domain.StatusConnecting, domain.StatusConnected, domain.StatusSyncing, domain.StatusError},
		domain.StatusActionNeeded, domain.ErrCodeAuthInvalid, "reconnect required"); err != nil {
		return err
	}
	return u.accountRepo.SetSyncStatus(accountID, domain.SyncErrored)
}

func (u *credentialUsecase) MarkCryptoCorrupt(accountID string) error {
	if _, err := u.accountRepo.Transition(accountID,
		[]domain.ConnectionStatus{domain.StatusConnecting, domain.StatusConnected, domain.StatusSyncing, domain.StatusError},
		domain.StatusActionNeeded, domain.ErrCodeCryptoCorrupt, "encryption key needs manual regeneration"); err != nil {
		return err
	}
	return u.accountRepo.SetSyncStatus(accountID, domain.SyncErrored)
}

func (u *credentialUsecase) MarkSyncError(accountID string, reason string) error {
	if _, err := u.accountRepo.Transition(accountID,
		[]domain.ConnectionStatus{domain.StatusConnected, domain.StatusSyncing},
		domain.StatusError, domain.ErrCodeSyncFailed, reason); err != nil {
		return err
	}
	return u.accountRepo.SetSyncStatus(accountID, domain.SyncErrored)
}

func (u *credentialUsecase) encryptTokens(ctx context.Context, tk crypto.TenantKeys, raw domain.RawTokens) ([]domain.SecureToken, error) {
	var tokens []domain.SecureToken

	accessCT, err := u.cryptoSvc.EncryptString(ctx, tk, raw.AccessToken, crypto.CtxTokenAccess)
	if err != nil {
		return nil, err
	}
	expiry := raw.Expiry
	tokens = append(tokens, domain.SecureToken{
		TokenType:        domain.TokenAccess,
		Ciphertext:       accessCT,
		EncryptionStatus: domain.EncryptionOK,
		ExpiresAt:        &expiry,
	})

	if raw.RefreshToken != "" {
		refreshCT, err := u.cryptoSvc.EncryptString(ctx, tk, raw.RefreshToken, crypto.CtxTokenRefresh)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, domain.SecureToken{
			TokenType:        domain.TokenRefresh,
			Ciphertext:       refreshCT,
			EncryptionStatus: domain.EncryptionOK,
		})
	}

	if raw.IDToken != "" {
		idCT, err := u.cryptoSvc.EncryptString(ctx, tk, raw.IDToken, crypto.CtxTokenID)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, domain.SecureToken{
			TokenType:        domain.TokenID,
			Ciphertext:       idCT,
			EncryptionStatus: domain.EncryptionOK,
		})
	}

	return tokens, nil
}

func (u *credentialUsecase) accountMutex(accountID string) *sync.Mutex {
	u.refreshMu.Lock()
	defer u.refreshMu.Unlock()
	mu, ok := u.refreshes[accountID]
	if !ok {
		mu = &sync.Mutex{}
		u.refreshes[accountID] = mu
	}
	return mu
}

func profileIdentity(profile domain.ProviderProfile) (email, externalID string) {
	switch p := profile.(type) {
	case domain.GoogleProfile:
		return p.EmailAddress, p.ExternalID
	case domain.MicrosoftProfile:
		return p.UserPrincipalName, p.DirectoryObjectID
	}
	return "", ""
}

func tenantKeys(tenant *domain.Tenant) crypto.TenantKeys {
	return crypto.TenantKeys{
		TenantID:           tenant.ID,
		KeyBlob:            tenant.KeyBlob,
		KeyVersion:         tenant.KeyVersion,
		PreviousKeyBlob:    tenant.PreviousKeyBlob,
		PreviousKeyVersion: tenant.PreviousKeyVersion,
	}
}
