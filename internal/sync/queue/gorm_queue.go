package queue

import (
	"errors"
	"time"

	"leadflow-backend/internal/sync/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormQueue implements Queue on Postgres rows. The partial-unique dedup key
// provides cross-process mutual exclusion; SKIP LOCKED claims let many
// workers poll the same table without contention.
type gormQueue struct {
	db          *gorm.DB
	maxAttempts int
}

// NewGormQueue creates a new instance of gormQueue
func NewGormQueue(db *gorm.DB, maxAttempts int) Queue {
	return &gormQueue{
		db:          db,
		maxAttempts: maxAttempts,
	}
}

func (q *gormQueue) Enqueue(tenantID, accountID string, kind domain.JobKind) (*domain.SyncJob, bool, error) {
	return q.EnqueueAt(tenantID, accountID, kind, time.Now())
}

func (q *gormQueue) EnqueueAt(tenantID, accountID string, kind domain.JobKind, runAt time.Time) (*domain.SyncJob, bool, error) {
	dedup := domain.ActiveDedupKey(tenantID, accountID, kind)
	now := time.Now()

	job := &domain.SyncJob{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		AccountID:   accountID,
		Kind:        kind,
		DedupKey:    &dedup,
		Status:      domain.JobQueued,
		MaxAttempts: q.maxAttempts,
		NextRunAt:   runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// The unique index on dedup_key turns a duplicate enqueue into a no-op
	// instead of a second concurrent job for the same account.
	result := q.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoNothing: true,
	}).Create(job)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		var existing domain.SyncJob
		err := q.db.Where("dedup_key = ?", dedup).First(&existing).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// The active job completed between our insert attempt and
				// this read; treat it as freshly dedup'd.
				return nil, false, nil
			}
			return nil, false, err
		}
		return &existing, false, nil
	}
	return job, true, nil
}

func (q *gormQueue) Claim(now time.Time, lease time.Duration) (*domain.SyncJob, error) {
	var job domain.SyncJob
	err := q.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_run_at <= ?", domain.JobQueued, now).
			Order("next_run_at ASC").
			First(&job).Error
		if err != nil {
			return err
		}

		leaseUntil := now.Add(lease)
		return tx.Model(&domain.SyncJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":      domain.JobRunning,
				"attempts":    gorm.Expr("attempts + 1"),
				"lease_until": leaseUntil,
				"updated_at":  now,
			}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	job.Status = domain.JobRunning
	job.Attempts = job.Attempts + 1
	leaseUntil := now.Add(lease)
	job.LeaseUntil = &leaseUntil
	return &job, nil
}

func (q *gormQueue) Complete(jobID string) error {
	now := time.Now()
	return q.db.Model(&domain.SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       domain.JobSucceeded,
			"dedup_key":    nil,
			"lease_until":  nil,
			"processed_at": now,
			"updated_at":   now,
		}).Error
}

func (q *gormQueue) Retry(jobID string, errMsg string, nextRun time.Time) error {
	return q.db.Model(&domain.SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":      domain.JobQueued,
			"next_run_at": nextRun,
			"lease_until": nil,
			"last_error":  errMsg,
			"updated_at":  time.Now(),
		}).Error
}

func (q *gormQueue) MarkFailed(jobID string, errMsg string) error {
	now := time.Now()
	return q.db.Model(&domain.SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       domain.JobFailed,
			"dedup_key":    nil,
			"lease_until":  nil,
			"last_error":   errMsg,
			"processed_at": now,
			"updated_at":   now,
		}).Error
}

func (q *gormQueue) Reset(tenantID, accountID string, kind domain.JobKind) error {
	dedup := domain.ActiveDedupKey(tenantID, accountID, kind)
	return q.db.Model(&domain.SyncJob{}).
		Where("dedup_key = ? AND status = ?", dedup, domain.JobQueued).
		Updates(map[string]interface{}{
			"attempts":    0,
			"next_run_at": time.Now(),
			"last_error":  "",
			"updated_at":  time.Now(),
		}).Error
}

func (q *gormQueue) ReclaimExpired(now time.Time) (int, error) {
	result := q.db.Model(&domain.SyncJob{}).
		Where("status = ? AND lease_until < ?", domain.JobRunning, now).
		Updates(map[string]interface{}{
			"status":      domain.JobQueued,
			"next_run_at": now,
			"lease_until": nil,
			"last_error":  "lease expired",
			"updated_at":  now,
		})
	return int(result.RowsAffected), result.Error
}
