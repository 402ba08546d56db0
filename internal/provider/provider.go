package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadflow-backend/internal/account/domain"

	"golang.org/x/oauth2"
)

var (
	// ErrCursorStale: the provider no longer accepts the stored cursor
	// (Gmail "history too old", Graph resync-required). Not a failure —
	// callers fall back to a full fetch and issue a fresh cursor.
	ErrCursorStale = errors.New("sync cursor stale")

	// ErrAuthInvalid: the grant is expired or revoked. Terminal for the
	// current token; the account needs a user reconnect.
	ErrAuthInvalid = errors.New("provider auth invalid")
)

// RateLimitedError carries the provider-supplied retry-after when present.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
	}
	return "provider rate limited"
}

// Participant is a normalized mail/calendar participant before encryption.
type Participant struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
	Kind  string `json:"kind,omitempty"` // from|to|cc|organizer|attendee
}

// MessageRecord is a provider message normalized into indexed fields
// (persisted in plaintext) and sensitive fields (routed through the crypto
// service before persistence).
type MessageRecord struct {
	ExternalID       string
	ThreadExternalID string
	ReceivedAt       time.Time
	IsRead           bool
	HasAttachment    bool
	Deleted          bool

	// Sensitive; never persisted in plaintext.
	Subject      string
	Body         string
	Participants []Participant
}

// EventRecord is a provider calendar event, split the same way.
type EventRecord struct {
	ExternalID string
	StartsAt   time.Time
	EndsAt     time.Time
	AllDay     bool
	Status     string
	Deleted    bool

	Subject      string
	Body         string
	Participants []Participant
}

// Delta is one page-complete fetch result plus the cursor to store after the
// records are durably persisted.
type Delta struct {
	Messages  []MessageRecord
	Events    []EventRecord
	NewCursor string
}

// DateRange bounds a backfill.
type DateRange struct {
	From time.Time
	To   time.Time
}

// WatchResult describes an established push subscription.
type WatchResult struct {
	SubscriptionID string
	ClientState    string
	ExpiresAt      time.Time
}

// Adapter is the per-provider capability the sync pipeline depends on.
// Implementations translate provider errors into the taxonomy above and
// never return partial results with a cursor that skips data.
type Adapter interface {
	Provider() domain.Provider

	// RefreshToken exchanges a refresh token at the provider's token
	// endpoint. The returned token may carry a rotated refresh token.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Revoke(ctx context.Context, token string) error

	// FetchDelta fetches changes after cursor. A stale cursor returns
	// ErrCursorStale, never a permanent failure.
	FetchDelta(ctx context.Context, account *domain.Account, accessToken, cursor string) (*Delta, error)
	// FetchFull fetches the date-bounded window and issues a fresh cursor.
	FetchFull(ctx context.Context, account *domain.Account, accessToken string, window DateRange) (*Delta, error)

	Watch(ctx context.Context, account *domain.Account, accessToken string) (*WatchResult, error)
	StopWatch(ctx context.Context, account *domain.Account, accessToken string) error
}

// Registry resolves the adapter for an account's provider.
type Registry map[domain.Provider]Adapter

func (r Registry) For(p domain.Provider) (Adapter, error) {
	adapter, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", p)
	}
	return adapter, nil
}
