package delivery

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"leadflow-backend/internal/account/domain"
	"leadflow-backend/internal/account/dto"
	"leadflow-backend/internal/account/repository"
	"leadflow-backend/internal/account/usecase"
	syncdomain "leadflow-backend/internal/sync/domain"
	"leadflow-backend/internal/sync/queue"
	syncusecase "leadflow-backend/internal/sync/usecase"

	"github.com/gin-gonic/gin"
)

// AccountHandler exposes the account lifecycle: linking after OAuth consent,
// status inspection, manual sync and disconnect.
type AccountHandler struct {
	credentials usecase.CredentialUsecase
	accountRepo repository.AccountRepository
	queue       queue.Queue
	syncer      syncusecase.SyncUsecase
}

// NewAccountHandler creates a new instance of AccountHandler
func NewAccountHandler(credentials usecase.CredentialUsecase, accountRepo repository.AccountRepository, q queue.Queue, syncer syncusecase.SyncUsecase) *AccountHandler {
	return &AccountHandler{
		credentials: credentials,
		accountRepo: accountRepo,
		queue:       q,
		syncer:      syncer,
	}
}

// LinkAccount connects an external account from a completed OAuth callback,
// queues its initial backfill and establishes the push subscription.
func (h *AccountHandler) LinkAccount(c *gin.Context) {
	tenantID := c.GetString("tenantID")
	providerName := domain.Provider(c.Param("provider"))

	var req dto.LinkAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var profile domain.ProviderProfile
	switch providerName {
	case domain.ProviderGoogle:
		profile = domain.GoogleProfile{EmailAddress: req.Email, ExternalID: req.ExternalID}
	case domain.ProviderMicrosoft:
		profile = domain.MicrosoftProfile{UserPrincipalName: req.Email, DirectoryObjectID: req.ExternalID}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}

	if _, err := h.credentials.EnsureTenant(c.Request.Context(), tenantID, tenantID); err != nil {
		log.Printf("[AccountHandler] Unable to ensure tenant %s: %v", tenantID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to prepare tenant"})
		return
	}

	account, err := h.credentials.LinkAccount(c.Request.Context(), tenantID, profile, domain.RawTokens{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		IDToken:      req.IDToken,
		Expiry:       req.Expiry,
	})
	if err != nil {
		log.Printf("[AccountHandler] Unable to link account: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to link account"})
		return
	}

	if account.ConnectionStatus == domain.StatusConnected {
		if _, _, err := h.queue.Enqueue(tenantID, account.ID, syncdomain.JobBackfill); err != nil {
			log.Printf("[AccountHandler] Unable to enqueue backfill for account %s: %v", account.ID, err)
		}
		// Watch setup happens off the request path; the scheduler retries
		// it if this attempt fails.
		go func(accountID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.syncer.EnsureWatch(ctx, accountID); err != nil {
				log.Printf("[AccountHandler] Unable to establish watch for account %s: %v", accountID, err)
			}
		}(account.ID)
	}

	c.JSON(http.StatusCreated, toAccountResponse(account))
}

// ListAccounts returns the tenant's linked accounts.
func (h *AccountHandler) ListAccounts(c *gin.Context) {
	tenantID := c.GetString("tenantID")

	accounts, err := h.accountRepo.FindByTenant(tenantID)
	if err != nil {
		log.Printf("[AccountHandler] Unable to list accounts for tenant %s: %v", tenantID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to list accounts"})
		return
	}

	responses := make([]dto.AccountResponse, 0, len(accounts))
	for i := range accounts {
		responses = append(responses, toAccountResponse(&accounts[i]))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": responses})
}

// GetAccount returns one account's status.
func (h *AccountHandler) GetAccount(c *gin.Context) {
	account, ok := h.tenantAccount(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(account))
}

// SyncNow queues an immediate incremental sync, clearing any retry backoff a
// queued job accumulated.
func (h *AccountHandler) SyncNow(c *gin.Context) {
	account, ok := h.tenantAccount(c)
	if !ok {
		return
	}
	if account.ConnectionStatus == domain.StatusDisconnected {
		c.JSON(http.StatusConflict, gin.H{"error": "account is disconnected"})
		return
	}

	_, created, err := h.queue.Enqueue(account.TenantID, account.ID, syncdomain.JobIncremental)
	if err != nil {
		log.Printf("[AccountHandler] Unable to enqueue sync for account %s: %v", account.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to queue sync"})
		return
	}
	if !created {
		// Already queued: pull it forward instead of duplicating it.
		if err := h.queue.Reset(account.TenantID, account.ID, syncdomain.JobIncremental); err != nil {
			log.Printf("[AccountHandler] Unable to reset queued sync for account %s: %v", account.ID, err)
		}
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// Disconnect revokes the account's tokens and stops its sync.
func (h *AccountHandler) Disconnect(c *gin.Context) {
	account, ok := h.tenantAccount(c)
	if !ok {
		return
	}

	if err := h.credentials.Disconnect(c.Request.Context(), account.ID); err != nil {
		log.Printf("[AccountHandler] Unable to disconnect account %s: %v", account.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to disconnect account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

// RotateTenantKey wraps a fresh DEK for the tenant. Existing ciphertext is
// re-encrypted lazily as rows are rewritten.
func (h *AccountHandler) RotateTenantKey(c *gin.Context) {
	tenantID := c.GetString("tenantID")

	if err := h.credentials.RotateTenantKey(c.Request.Context(), tenantID); err != nil {
		if errors.Is(err, usecase.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			return
		}
		log.Printf("[AccountHandler] Unable to rotate key for tenant %s: %v", tenantID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to rotate tenant key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rotated"})
}

// tenantAccount loads the :id account and enforces tenant ownership. An
// account belonging to another tenant is indistinguishable from a missing
// one.
func (h *AccountHandler) tenantAccount(c *gin.Context) (*domain.Account, bool) {
	tenantID := c.GetString("tenantID")

	account, err := h.accountRepo.FindByID(c.Param("id"))
	if err != nil {
		log.Printf("[AccountHandler] Unable to load account: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to load account"})
		return nil, false
	}
	if account == nil || account.TenantID != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return nil, false
	}
	return account, true
}

func toAccountResponse(account *domain.Account) dto.AccountResponse {
	return dto.AccountResponse{
		ID:               account.ID,
		Provider:         string(account.Provider),
		Email:            account.Email,
		ConnectionStatus: string(account.ConnectionStatus),
		SyncStatus:       string(account.SyncStatus),
		LastSyncedAt:     account.LastSyncedAt,
		LastErrorCode:    account.LastErrorCode,
		LastErrorReason:  account.LastErrorReason,
		CreatedAt:        account.CreatedAt,
	}
}
