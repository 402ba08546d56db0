package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	accountusecase "leadflow-backend/internal/account/usecase"
	"leadflow-backend/internal/crypto"
	"leadflow-backend/internal/provider"
	"leadflow-backend/internal/sync/domain"
	"leadflow-backend/internal/sync/queue"
	syncusecase "leadflow-backend/internal/sync/usecase"
	"leadflow-backend/pkg/metrics"
)

const (
	pollInterval   = 2 * time.Second
	reclaimEvery   = time.Minute
	backoffBase    = 30 * time.Second
	backoffCeiling = time.Hour
)

// Options bound the worker pool from config.
type Options struct {
	Count      int
	Lease      time.Duration
	JobTimeout time.Duration
}

// Worker drains the sync job queue with a fixed goroutine pool. Each claim
// holds a lease; a worker that dies mid-job loses the lease and the job is
// reclaimed and retried elsewhere.
type Worker struct {
	queue       queue.Queue
	syncer      syncusecase.SyncUsecase
	credentials accountusecase.CredentialUsecase
	opts        Options

	wg   sync.WaitGroup
	now  func() time.Time
	stop chan struct{}
}

// NewWorker creates a new instance of Worker
func NewWorker(q queue.Queue, syncer syncusecase.SyncUsecase, credentials accountusecase.CredentialUsecase, opts Options) *Worker {
	if opts.Count <= 0 {
		opts.Count = 1
	}
	return &Worker{
		queue:       q,
		syncer:      syncer,
		credentials: credentials,
		opts:        opts,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
}

// Start launches the pool and the lease reclaimer. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[Worker] Starting %d sync workers", w.opts.Count)
	for i := 0; i < w.opts.Count; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
	w.wg.Add(1)
	go w.reclaimLoop(ctx)
}

// Stop waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
	log.Printf("[Worker] All sync workers stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		job, err := w.queue.Claim(w.now(), w.opts.Lease)
		if err != nil {
			log.Printf("[Worker] Unable to claim job: %v", err)
			w.sleep(pollInterval)
			continue
		}
		if job == nil {
			w.sleep(pollInterval)
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) reclaimLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(reclaimEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			n, err := w.queue.ReclaimExpired(w.now())
			if err != nil {
				log.Printf("[Worker] Unable to reclaim expired leases: %v", err)
			} else if n > 0 {
				log.Printf("[Worker] Reclaimed %d jobs with expired leases", n)
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, job *domain.SyncJob) {
	start := w.now()
	if err := w.credentials.MarkSyncing(job.AccountID); err != nil {
		log.Printf("[Worker] Unable to mark account %s syncing: %v", job.AccountID, err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	defer cancel()

	var err error
	switch job.Kind {
	case domain.JobBackfill:
		err = w.syncer.RunBackfill(jobCtx, job.AccountID)
	default:
		err = w.syncer.RunIncremental(jobCtx, job.AccountID)
	}

	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(w.now().Sub(start).Seconds())
	w.settle(job, err)
}

// settle maps the run's error onto the job and account state. Auth and key
// corruption are terminal for the job; everything else retries with backoff
// until the attempt budget runs out.
func (w *Worker) settle(job *domain.SyncJob, runErr error) {
	kind := string(job.Kind)

	switch {
	case runErr == nil:
		if err := w.queue.Complete(job.ID); err != nil {
			log.Printf("[Worker] Unable to complete job %s: %v", job.ID, err)
		}
		if err := w.credentials.MarkSynced(job.AccountID); err != nil {
			log.Printf("[Worker] Unable to mark account %s synced: %v", job.AccountID, err)
		}
		metrics.JobsProcessed.WithLabelValues(kind, "succeeded").Inc()

	case errors.Is(runErr, provider.ErrAuthInvalid):
		log.Printf("[Worker] Job %s: provider auth invalid for account %s", job.ID, job.AccountID)
		w.fail(job, "auth_invalid", runErr)
		if err := w.credentials.MarkAuthInvalid(job.AccountID); err != nil {
			log.Printf("[Worker] Unable to mark account %s auth invalid: %v", job.AccountID, err)
		}

	case errors.Is(runErr, crypto.ErrCorrupt):
		log.Printf("[Worker] Job %s: tenant key material unusable for account %s", job.ID, job.AccountID)
		w.fail(job, "crypto_corrupt", runErr)
		if err := w.credentials.MarkCryptoCorrupt(job.AccountID); err != nil {
			log.Printf("[Worker] Unable to mark account %s crypto corrupt: %v", job.AccountID, err)
		}

	case errors.Is(runErr, accountusecase.ErrAccountNotFound):
		// The account vanished underneath the job; nothing to retry against.
		w.fail(job, "failed", runErr)

	case job.Attempts >= job.MaxAttempts:
		log.Printf("[Worker] Job %s exhausted %d attempts: %v", job.ID, job.Attempts, runErr)
		w.fail(job, "failed", runErr)
		if err := w.credentials.MarkSyncError(job.AccountID, "sync repeatedly failed"); err != nil {
			log.Printf("[Worker] Unable to mark account %s errored: %v", job.AccountID, err)
		}

	default:
		delay := w.backoff(job.Attempts, runErr)
		log.Printf("[Worker] Job %s attempt %d failed, retrying in %s: %v", job.ID, job.Attempts, delay, runErr)
		if err := w.queue.Retry(job.ID, runErr.Error(), w.now().Add(delay)); err != nil {
			log.Printf("[Worker] Unable to schedule retry for job %s: %v", job.ID, err)
		}
		// The account goes back to connected, sync status scheduled, while
		// the queued retry waits out the backoff.
		if err := w.credentials.MarkSyncScheduled(job.AccountID); err != nil {
			log.Printf("[Worker] Unable to restore account %s state: %v", job.AccountID, err)
		}
		metrics.JobsProcessed.WithLabelValues(kind, "retried").Inc()
	}
}

func (w *Worker) fail(job *domain.SyncJob, result string, runErr error) {
	if err := w.queue.MarkFailed(job.ID, runErr.Error()); err != nil {
		log.Printf("[Worker] Unable to mark job %s failed: %v", job.ID, err)
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Kind), result).Inc()
}

// backoff doubles from the base per attempt, capped at the ceiling. A
// provider-supplied Retry-After wins when it is longer.
func (w *Worker) backoff(attempts int, runErr error) time.Duration {
	delay := backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= backoffCeiling {
			delay = backoffCeiling
			break
		}
	}

	var rateLimited *provider.RateLimitedError
	if errors.As(runErr, &rateLimited) && rateLimited.RetryAfter > delay {
		delay = rateLimited.RetryAfter
	}
	return delay
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stop:
	case <-time.After(d):
	}
}
