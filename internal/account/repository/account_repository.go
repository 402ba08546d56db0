package repository

import (
	"errors"
	"time"

	"leadflow-backend/internal/account/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// accountRepository implements AccountRepository interface
type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new instance of accountRepository
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{
		db: db,
	}
}

func (r *accountRepository) Create(account *domain.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.CreatedAt = time.Now()
	account.UpdatedAt = time.Now()
	return r.db.Create(account).Error
}

func (r *accountRepository) FindByID(id string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) FindByProviderEmail(provider domain.Provider, email string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.Where("provider = ? AND email = ?", provider, email).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) FindByTenantProviderEmail(tenantID string, provider domain.Provider, email string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.Where("tenant_id = ? AND provider = ? AND email = ?", tenantID, provider, email).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) FindBySubscriptionID(subscriptionID string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.Where("subscription_id = ?", subscriptionID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) FindByTenant(tenantID string) ([]domain.Account, error) {
	var accounts []domain.Account
	err := r.db.Where("tenant_id = ?", tenantID).Order("created_at ASC").Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) Update(account *domain.Account) error {
	account.UpdatedAt = time.Now()
	return r.db.Save(account).Error
}

func (r *accountRepository) Transition(id string, from []domain.ConnectionStatus, to domain.ConnectionStatus, errCode, errReason string) (bool, error) {
	result := r.db.Model(&domain.Account{}).
		Where("id = ? AND connection_status IN ?", id, from).
		Updates(map[string]interface{}{
			"connection_status": to,
			"last_error_code":   errCode,
			"last_error_reason": errReason,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *accountRepository) SetSyncStatus(id string, status domain.SyncStatus) error {
	return r.db.Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"sync_status": status,
			"updated_at":  time.Now(),
		}).Error
}

func (r *accountRepository) AdvanceCursor(id string, cursor string, syncedAt time.Time) error {
	return r.db.Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"cursor":         cursor,
			"last_synced_at": syncedAt,
			"updated_at":     time.Now(),
		}).Error
}

func (r *accountRepository) ClearCursor(id string) error {
	return r.db.Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"cursor":     "",
			"updated_at": time.Now(),
		}).Error
}

func (r *accountRepository) SetWatch(id string, expiresAt *time.Time, subscriptionID, clientState string) error {
	return r.db.Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"watch_expires_at": expiresAt,
			"subscription_id":  subscriptionID,
			"client_state":     clientState,
			"updated_at":       time.Now(),
		}).Error
}

func (r *accountRepository) FindSyncable(olderThan time.Time) ([]domain.Account, error) {
	var accounts []domain.Account
	err := r.db.
		Where("connection_status = ?", domain.StatusConnected).
		Where("last_synced_at IS NULL OR last_synced_at < ?", olderThan).
		Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) FindExpiringWatches(deadline time.Time) ([]domain.Account, error) {
	var accounts []domain.Account
	err := r.db.
		Where("connection_status = ?", domain.StatusConnected).
		Where("watch_expires_at IS NULL OR watch_expires_at < ?", deadline).
		Find(&accounts).Error
	return accounts, err
}
