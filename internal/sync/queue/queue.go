package queue

import (
	"time"

	"leadflow-backend/internal/sync/domain"
)

// Queue is the durable job queue capability workers and schedulers depend
// on. Delivery is at-least-once; per-(tenant,account,kind) deduplication is
// the queue's responsibility, so callers never need their own locking.
type Queue interface {
	// Enqueue adds a job unless one with the same key is already queued or
	// running. Returns the live job and whether a new one was created.
	Enqueue(tenantID, accountID string, kind domain.JobKind) (*domain.SyncJob, bool, error)
	EnqueueAt(tenantID, accountID string, kind domain.JobKind, runAt time.Time) (*domain.SyncJob, bool, error)

	// Claim leases the next due job and increments its attempt counter.
	// Returns nil when nothing is due.
	Claim(now time.Time, lease time.Duration) (*domain.SyncJob, error)

	// Complete marks the job succeeded and frees its dedup key.
	Complete(jobID string) error
	// Retry requeues a claimed job to run at nextRun, recording the error.
	Retry(jobID string, errMsg string, nextRun time.Time) error
	// MarkFailed terminally fails the job and frees its dedup key.
	MarkFailed(jobID string, errMsg string) error

	// Reset clears backoff on the account's active job of the given kind
	// so a manual retry runs immediately.
	Reset(tenantID, accountID string, kind domain.JobKind) error

	// ReclaimExpired requeues running jobs whose lease has lapsed (worker
	// died or the job overran its deadline). Returns how many were
	// reclaimed.
	ReclaimExpired(now time.Time) (int, error)
}
