package usecase

import (
	"context"

	"leadflow-backend/internal/account/domain"
)

// CredentialUsecase owns the account lifecycle and every touch of OAuth
// token material. Callers outside this package only ever see decrypted
// access tokens, and only transiently.
type CredentialUsecase interface {
	// EnsureTenant creates the tenant with a freshly wrapped DEK if it does
	// not exist yet.
	EnsureTenant(ctx context.Context, tenantID, name string) (*domain.Tenant, error)
	// RotateTenantKey wraps a new DEK and shifts the current one into the
	// previous slot; existing ciphertext is re-encrypted lazily on write.
	RotateTenantKey(ctx context.Context, tenantID string) error

	// LinkAccount encrypts and stores the OAuth tokens from a successful
	// callback and connects the account. If token encryption fails the
	// account lands in action_needed and no token material is persisted.
	LinkAccount(ctx context.Context, tenantID string, profile domain.ProviderProfile, raw domain.RawTokens) (*domain.Account, error)

	// AccessToken returns a valid decrypted access token for the account,
	// refreshing at the provider if the stored one is expired. Refreshes
	// are serialized per account.
	AccessToken(ctx context.Context, accountID string) (string, error)

	// Disconnect revokes and deletes the account's tokens, clears the sync
	// cursor and moves it to disconnected. History rows are retained.
	Disconnect(ctx context.Context, accountID string) error

	// Named transitions used by the sync pipeline.
	MarkSyncing(accountID string) error
	MarkSynced(accountID string) error
	// MarkSyncScheduled returns the account to connected with sync status
	// scheduled, for failures that left a retry job queued.
	MarkSyncScheduled(accountID string) error
	MarkAuthInvalid(accountID string) error
	MarkCryptoCorrupt(accountID string) error
	MarkSyncError(accountID string, reason string) error
}
