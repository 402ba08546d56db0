package queue

import (
	"sync"
	"time"

	"leadflow-backend/internal/sync/domain"

	"github.com/google/uuid"
)

// Memory is an in-process Queue used by tests and local development. It
// mirrors the GORM queue's dedup and lease semantics.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*domain.SyncJob
	maxAttempts int
}

func NewMemory(maxAttempts int) *Memory {
	return &Memory{
		jobs:        make(map[string]*domain.SyncJob),
		maxAttempts: maxAttempts,
	}
}

func (m *Memory) Enqueue(tenantID, accountID string, kind domain.JobKind) (*domain.SyncJob, bool, error) {
	return m.EnqueueAt(tenantID, accountID, kind, time.Now())
}

func (m *Memory) EnqueueAt(tenantID, accountID string, kind domain.JobKind, runAt time.Time) (*domain.SyncJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dedup := domain.ActiveDedupKey(tenantID, accountID, kind)
	for _, job := range m.jobs {
		if job.DedupKey != nil && *job.DedupKey == dedup {
			cp := *job
			return &cp, false, nil
		}
	}

	now := time.Now()
	job := &domain.SyncJob{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		AccountID:   accountID,
		Kind:        kind,
		DedupKey:    &dedup,
		Status:      domain.JobQueued,
		MaxAttempts: m.maxAttempts,
		NextRunAt:   runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.jobs[job.ID] = job
	cp := *job
	return &cp, true, nil
}

func (m *Memory) Claim(now time.Time, lease time.Duration) (*domain.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *domain.SyncJob
	for _, job := range m.jobs {
		if job.Status != domain.JobQueued || job.NextRunAt.After(now) {
			continue
		}
		if next == nil || job.NextRunAt.Before(next.NextRunAt) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	next.Status = domain.JobRunning
	next.Attempts++
	leaseUntil := now.Add(lease)
	next.LeaseUntil = &leaseUntil
	next.UpdatedAt = now
	cp := *next
	return &cp, nil
}

func (m *Memory) Complete(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		now := time.Now()
		job.Status = domain.JobSucceeded
		job.DedupKey = nil
		job.LeaseUntil = nil
		job.ProcessedAt = &now
		job.UpdatedAt = now
	}
	return nil
}

func (m *Memory) Retry(jobID string, errMsg string, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Status = domain.JobQueued
		job.NextRunAt = nextRun
		job.LeaseUntil = nil
		job.LastError = errMsg
		job.UpdatedAt = time.Now()
	}
	return nil
}

func (m *Memory) MarkFailed(jobID string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		now := time.Now()
		job.Status = domain.JobFailed
		job.DedupKey = nil
		job.LeaseUntil = nil
		job.LastError = errMsg
		job.ProcessedAt = &now
		job.UpdatedAt = now
	}
	return nil
}

func (m *Memory) Reset(tenantID, accountID string, kind domain.JobKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dedup := domain.ActiveDedupKey(tenantID, accountID, kind)
	for _, job := range m.jobs {
		if job.DedupKey != nil && *job.DedupKey == dedup && job.Status == domain.JobQueued {
			job.Attempts = 0
			job.NextRunAt = time.Now()
			job.LastError = ""
			job.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (m *Memory) ReclaimExpired(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reclaimed := 0
	for _, job := range m.jobs {
		if job.Status == domain.JobRunning && job.LeaseUntil != nil && job.LeaseUntil.Before(now) {
			job.Status = domain.JobQueued
			job.NextRunAt = now
			job.LeaseUntil = nil
			job.LastError = "lease expired"
			job.UpdatedAt = now
			reclaimed++
		}
	}
	return reclaimed, nil
}

// Snapshot returns a copy of all jobs, newest state included. Test helper.
func (m *Memory) Snapshot() []domain.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SyncJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, *job)
	}
	return out
}
