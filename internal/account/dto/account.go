package dto

import "time"

// LinkAccountRequest carries the result of a completed OAuth consent flow:
// the provider identity plus the freshly issued tokens. Token fields are
// never logged and never leave this process unencrypted.
type LinkAccountRequest struct {
	Email        string    `json:"email" binding:"required,email"`
	ExternalID   string    `json:"external_id"`
	AccessToken  string    `json:"access_token" binding:"required"`
	RefreshToken string    `json:"refresh_token"`
	IDToken      string    `json:"id_token"`
	Expiry       time.Time `json:"expiry"`
}

// AccountResponse is the status view of a linked account. It intentionally
// omits cursors, tokens and subscription secrets.
type AccountResponse struct {
	ID               string     `json:"id"`
	Provider         string     `json:"provider"`
	Email            string     `json:"email"`
	ConnectionStatus string     `json:"connection_status"`
	SyncStatus       string     `json:"sync_status"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	LastErrorCode    string     `json:"last_error_code,omitempty"`
	LastErrorReason  string     `json:"last_error_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}
