package domain

import "time"

// JobKind is the unit of sync work.
type JobKind string

const (
	JobBackfill    JobKind = "backfill"
	JobIncremental JobKind = "incremental"
)

// JobStatus tracks a queue entry through its lifecycle.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// SyncJob is a durable queue entry keyed by (tenant, account, kind). The
// partial unique index DedupKey enforces at most one active job per key:
// enqueueing while one is queued or running is a no-op, so concurrent
// enqueue storms (webhook + supervisor) cannot double a backfill.
type SyncJob struct {
	ID        string  `json:"id" gorm:"primaryKey"`
	TenantID  string  `json:"tenant_id" gorm:"index;not null"`
	AccountID string  `json:"account_id" gorm:"index;not null"`
	Kind      JobKind `json:"kind" gorm:"not null"`

	// DedupKey is "tenantID:accountID:kind" while the job is active and is
	// cleared (NULLed) on completion, so the unique index only constrains
	// active jobs.
	DedupKey *string `json:"-" gorm:"uniqueIndex:idx_active_job"`

	Status      JobStatus  `json:"status" gorm:"index;not null;default:queued"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	NextRunAt   time.Time  `json:"next_run_at" gorm:"index"`
	LeaseUntil  *time.Time `json:"-" gorm:"index"`
	LastError   string     `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// ActiveDedupKey builds the key value stored while the job is live.
func ActiveDedupKey(tenantID, accountID string, kind JobKind) string {
	return tenantID + ":" + accountID + ":" + string(kind)
}
