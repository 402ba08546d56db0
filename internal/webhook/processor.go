package webhook

import (
	"context"
	"log"
	"sync"
	"time"

	accountdomain "leadflow-backend/internal/account/domain"
	"leadflow-backend/internal/account/repository"
	syncdomain "leadflow-backend/internal/sync/domain"
	"leadflow-backend/internal/sync/queue"
	"leadflow-backend/internal/sync/usecase"
	"leadflow-backend/pkg/metrics"
)

// How long an inline sync may hold the webhook delivery before falling back
// to a queued job. Providers redeliver slow webhooks, so this stays short.
const inlineSyncTimeout = 20 * time.Second

// Processor turns a provider push notification into a sync run. The fast
// path syncs inline; anything slow or failing degrades to the durable queue,
// so a notification is never lost, only delayed.
type Processor struct {
	accountRepo repository.AccountRepository
	syncer      usecase.SyncUsecase
	queue       queue.Queue

	// Per-account dedup of Gmail historyIds: Pub/Sub redelivers, and one
	// mailbox change often fans out into several notifications.
	mu            sync.Mutex
	lastHistoryID map[string]uint64
}

// NewProcessor creates a new instance of Processor
func NewProcessor(accountRepo repository.AccountRepository, syncer usecase.SyncUsecase, q queue.Queue) *Processor {
	return &Processor{
		accountRepo:   accountRepo,
		syncer:        syncer,
		queue:         q,
		lastHistoryID: make(map[string]uint64),
	}
}

// ProcessGoogle handles one Gmail notification. The returned outcome feeds
// the webhook metrics; every path acks the notification.
func (p *Processor) ProcessGoogle(ctx context.Context, emailAddress string, historyID uint64) string {
	account, err := p.accountRepo.FindByProviderEmail(accountdomain.ProviderGoogle, emailAddress)
	if err != nil {
		log.Printf("[Webhook] Error looking up google account %s: %v", emailAddress, err)
		return "error"
	}
	if account == nil {
		// A watch can outlive its account; ack and drop.
		log.Printf("[Webhook] Notification for unknown google account %s, dropping", emailAddress)
		return "unknown_account"
	}

	if p.seenHistoryID(account.ID, historyID) {
		return "duplicate"
	}

	return p.sync(ctx, account)
}

// ProcessMicrosoft handles one Graph change notification, validating the
// clientState echo before trusting it.
func (p *Processor) ProcessMicrosoft(ctx context.Context, subscriptionID, clientState string) string {
	account, err := p.accountRepo.FindBySubscriptionID(subscriptionID)
	if err != nil {
		log.Printf("[Webhook] Error looking up subscription %s: %v", subscriptionID, err)
		return "error"
	}
	if account == nil {
		log.Printf("[Webhook] Notification for unknown subscription %s, dropping", subscriptionID)
		return "unknown_account"
	}
	if account.ClientState == "" || account.ClientState != clientState {
		log.Printf("[Webhook] clientState mismatch for subscription %s, dropping", subscriptionID)
		return "bad_client_state"
	}

	return p.sync(ctx, account)
}

func (p *Processor) sync(ctx context.Context, account *accountdomain.Account) string {
	inlineCtx, cancel := context.WithTimeout(ctx, inlineSyncTimeout)
	defer cancel()

	if err := p.syncer.RunIncremental(inlineCtx, account.ID); err != nil {
		log.Printf("[Webhook] Inline sync for account %s failed, queueing job: %v", account.ID, err)
		metrics.WebhookFallbacks.WithLabelValues(string(account.Provider)).Inc()
		if _, _, err := p.queue.Enqueue(account.TenantID, account.ID, syncdomain.JobIncremental); err != nil {
			log.Printf("[Webhook] Unable to enqueue fallback job for account %s: %v", account.ID, err)
			return "error"
		}
		return "fallback"
	}
	return "processed"
}

func (p *Processor) seenHistoryID(accountID string, historyID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastHistoryID[accountID]; ok && historyID <= last {
		return true
	}
	p.lastHistoryID[accountID] = historyID
	return false
}
