package scheduler

import (
	"context"
	"log"
	"time"

	accountdomain "leadflow-backend/internal/account/domain"
	"leadflow-backend/internal/account/repository"
	syncdomain "leadflow-backend/internal/sync/domain"
	"leadflow-backend/internal/sync/queue"
	"leadflow-backend/internal/sync/usecase"
)

// Watches are renewed when they expire within this lead time. Gmail watches
// last 7 days and Graph subscriptions about 3, so a daily renewal pass with a
// one-day lead never lets one lapse.
const watchRenewalLead = 24 * time.Hour

// SyncScheduler periodically enqueues incremental syncs for accounts that
// have gone stale and renews push subscriptions before they expire. It is the
// safety net under webhooks: a missed notification costs at most one
// interval of freshness.
type SyncScheduler struct {
	accountRepo repository.AccountRepository
	queue       queue.Queue
	syncer      usecase.SyncUsecase
	interval    time.Duration
	staleAfter  time.Duration
	stopChan    chan struct{}
}

// NewSyncScheduler creates a new scheduler
func NewSyncScheduler(
	accountRepo repository.AccountRepository,
	q queue.Queue,
	syncer usecase.SyncUsecase,
	interval, staleAfter time.Duration,
) *SyncScheduler {
	return &SyncScheduler{
		accountRepo: accountRepo,
		queue:       q,
		syncer:      syncer,
		interval:    interval,
		staleAfter:  staleAfter,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *SyncScheduler) Start() {
	log.Printf("[SyncScheduler] Starting sync scheduler (interval: %s, stale after: %s)", s.interval, s.staleAfter)

	go func() {
		// Run immediately on start
		s.tick()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.stopChan:
				log.Println("[SyncScheduler] Scheduler stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the scheduler
func (s *SyncScheduler) Stop() {
	close(s.stopChan)
}

func (s *SyncScheduler) tick() {
	s.enqueueStaleAccounts()
	s.renewExpiringWatches()
}

// enqueueStaleAccounts schedules an incremental sync for every connected
// account that has not synced within the staleness window. Enqueue dedup
// makes a tick that overlaps an already-queued job a no-op.
func (s *SyncScheduler) enqueueStaleAccounts() {
	threshold := time.Now().Add(-s.staleAfter)

	accounts, err := s.accountRepo.FindSyncable(threshold)
	if err != nil {
		log.Printf("[SyncScheduler] Error finding stale accounts: %v", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	log.Printf("[SyncScheduler] Found %d accounts due for sync", len(accounts))

	for _, account := range accounts {
		_, created, err := s.queue.Enqueue(account.TenantID, account.ID, syncdomain.JobIncremental)
		if err != nil {
			log.Printf("[SyncScheduler] Error enqueueing sync for account %s: %v", account.ID, err)
			continue
		}
		if created {
			if err := s.accountRepo.SetSyncStatus(account.ID, accountdomain.SyncScheduled); err != nil {
				log.Printf("[SyncScheduler] Error marking account %s scheduled: %v", account.ID, err)
			}
		}
	}
}

func (s *SyncScheduler) renewExpiringWatches() {
	deadline := time.Now().Add(watchRenewalLead)

	accounts, err := s.accountRepo.FindExpiringWatches(deadline)
	if err != nil {
		log.Printf("[SyncScheduler] Error finding expiring watches: %v", err)
		return
	}

	for _, account := range accounts {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.syncer.EnsureWatch(ctx, account.ID)
		cancel()
		if err != nil {
			// Renewal failures are not fatal: the scheduler's stale-account
			// pass still covers the account until the next renewal attempt.
			log.Printf("[SyncScheduler] Error renewing watch for account %s: %v", account.ID, err)
		}
	}
}
