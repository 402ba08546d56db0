package usecase

import "context"

// SyncUsecase runs one synchronization pass for an account. Errors bubble up
// untranslated so the worker can map them onto retry/terminal handling.
type SyncUsecase interface {
	// RunIncremental fetches changes after the stored cursor. A missing or
	// stale cursor falls through to a full backfill; either way the account
	// ends with a cursor the next incremental run can use.
	RunIncremental(ctx context.Context, accountID string) error

	// RunBackfill fetches the bounded history window and issues a fresh
	// cursor. Safe to re-run: persistence upserts on external ids.
	RunBackfill(ctx context.Context, accountID string) error

	// EnsureWatch establishes or renews the account's push subscription and
	// stores its expiry for the renewal scheduler.
	EnsureWatch(ctx context.Context, accountID string) error
}
