package repository

import (
	"time"

	"leadflow-backend/internal/account/domain"
)

// AccountRepository persists external account connections and their sync
// bookkeeping. Status changes go through Transition so every state move is
// guarded by the allowed-from set.
type AccountRepository interface {
	Create(account *domain.Account) error
	FindByID(id string) (*domain.Account, error)
	FindByProviderEmail(provider domain.Provider, email string) (*domain.Account, error)
	// FindByTenantProviderEmail scopes the (provider, email) lookup to one
	// tenant. Linking must use this: the same mailbox linked by two tenants
	// is two separate accounts, each encrypted under its own tenant DEK.
	FindByTenantProviderEmail(tenantID string, provider domain.Provider, email string) (*domain.Account, error)
	FindBySubscriptionID(subscriptionID string) (*domain.Account, error)
	FindByTenant(tenantID string) ([]domain.Account, error)
	Update(account *domain.Account) error

	// Transition moves the account's connection status if its current
	// status is in from. Returns false when the guard did not match, which
	// makes repeated transitions idempotent.
	Transition(id string, from []domain.ConnectionStatus, to domain.ConnectionStatus, errCode, errReason string) (bool, error)

	SetSyncStatus(id string, status domain.SyncStatus) error
	// AdvanceCursor persists a new cursor and lastSyncedAt in one write.
	AdvanceCursor(id string, cursor string, syncedAt time.Time) error
	ClearCursor(id string) error
	SetWatch(id string, expiresAt *time.Time, subscriptionID, clientState string) error

	// FindSyncable returns connected accounts whose lastSyncedAt is older
	// than the threshold (or never set), for the scheduled supervisor.
	FindSyncable(olderThan time.Time) ([]domain.Account, error)
	// FindExpiringWatches returns connected accounts whose push
	// subscription lapses before the deadline or was never established.
	FindExpiringWatches(deadline time.Time) ([]domain.Account, error)
}
