package domain

import "time"

// Provider identifies the external mail/calendar provider for an account.
// The set is closed: adapters resolve provider-specific payloads into typed
// profiles at the boundary instead of carrying untyped data through the
// pipeline.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// ConnectionStatus is the lifecycle state of an external account link.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusSyncing      ConnectionStatus = "syncing"
	StatusActionNeeded ConnectionStatus = "action_needed"
	StatusError        ConnectionStatus = "error"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// SyncStatus tracks the account's position in the sync pipeline.
type SyncStatus string

const (
	SyncIdle      SyncStatus = "idle"
	SyncScheduled SyncStatus = "scheduled"
	SyncRunning   SyncStatus = "running"
	SyncErrored   SyncStatus = "error"
)

// Machine-readable error codes surfaced on Account.LastErrorCode. The
// human-readable reason lives in LastErrorReason; raw provider/KMS error text
// is never stored there.
const (
	ErrCodeAuthInvalid      = "auth_invalid"
	ErrCodeEncryptionFailed = "token_encryption_failed"
	ErrCodeCryptoCorrupt    = "crypto_corrupt"
	ErrCodeSyncFailed       = "sync_failed"
)

// Tenant owns exactly one active wrapped DEK. Rotation swaps in a freshly
// wrapped key and keeps the previous blob so ciphertext tagged with the old
// version still decrypts until it is lazily re-encrypted on write.
type Tenant struct {
	ID                 string    `json:"id" gorm:"primaryKey"`
	Name               string    `json:"name"`
	KeyBlob            []byte    `json:"-" gorm:"not null"`
	KeyVersion         int       `json:"-" gorm:"not null;default:1"`
	PreviousKeyBlob    []byte    `json:"-"`
	PreviousKeyVersion int       `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Account is one external mailbox/calendar connection. Tokens are referenced
// through SecureToken rows, never embedded.
type Account struct {
	ID               string           `json:"id" gorm:"primaryKey"`
	TenantID         string           `json:"tenant_id" gorm:"index;not null"`
	Provider         Provider         `json:"provider" gorm:"not null"`
	ExternalID       string           `json:"external_id" gorm:"index"`
	Email            string           `json:"email" gorm:"index"`
	ConnectionStatus ConnectionStatus `json:"connection_status" gorm:"not null;default:connecting"`
	SyncStatus       SyncStatus       `json:"sync_status" gorm:"not null;default:idle"`

	// Provider-specific sync cursor: Gmail historyId or Graph delta link.
	// Cleared on disconnect so a reconnect starts a clean backfill.
	Cursor       string     `json:"-"`
	LastSyncedAt *time.Time `json:"last_synced_at"`

	LastErrorCode   string `json:"last_error_code,omitempty"`
	LastErrorReason string `json:"last_error_reason,omitempty"`

	// Push subscription state. For Google this is the Gmail watch expiry;
	// for Microsoft the Graph subscription id, its expiry and the
	// clientState secret echoed back in notifications.
	WatchExpiresAt *time.Time `json:"-"`
	SubscriptionID string     `json:"-"`
	ClientState    string     `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenType distinguishes the OAuth artifacts stored per account.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
	TokenID      TokenType = "id"
)

// EncryptionStatus records whether a token ciphertext is usable.
type EncryptionStatus string

const (
	EncryptionPending EncryptionStatus = "pending"
	EncryptionOK      EncryptionStatus = "ok"
	EncryptionFailed  EncryptionStatus = "failed"
)

// SecureToken holds an encrypted OAuth token. Plaintext token material is
// never persisted; a failed encryption leaves a row in status failed with an
// empty ciphertext.
type SecureToken struct {
	ID               string           `json:"id" gorm:"primaryKey"`
	AccountID        string           `json:"account_id" gorm:"index:idx_account_token;not null"`
	TokenType        TokenType        `json:"token_type" gorm:"index:idx_account_token;not null"`
	Ciphertext       []byte           `json:"-"`
	EncryptionStatus EncryptionStatus `json:"encryption_status" gorm:"not null;default:pending"`
	ExpiresAt        *time.Time       `json:"expires_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ProviderProfile is the closed per-provider account payload resolved at the
// adapter boundary.
type ProviderProfile interface {
	ProfileProvider() Provider
}

// GoogleProfile carries the Gmail-side identity for an account.
type GoogleProfile struct {
	EmailAddress string
	ExternalID   string
}

func (GoogleProfile) ProfileProvider() Provider { return ProviderGoogle }

// MicrosoftProfile carries the Graph-side identity for an account.
type MicrosoftProfile struct {
	UserPrincipalName string
	DirectoryObjectID string
}

func (MicrosoftProfile) ProfileProvider() Provider { return ProviderMicrosoft }

// Profile resolves the stored columns into the typed per-provider payload.
func (a *Account) Profile() ProviderProfile {
	switch a.Provider {
	case ProviderMicrosoft:
		return MicrosoftProfile{UserPrincipalName: a.Email, DirectoryObjectID: a.ExternalID}
	default:
		return GoogleProfile{EmailAddress: a.Email, ExternalID: a.ExternalID}
	}
}

// RawTokens is the transient plaintext token set handed over by the OAuth
// callback. It exists only in memory on the way into the crypto service.
type RawTokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}
