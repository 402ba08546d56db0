package repository

import (
	"errors"
	"time"

	"leadflow-backend/internal/account/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// tenantRepository implements TenantRepository interface
type tenantRepository struct {
	db *gorm.DB
}

// NewTenantRepository creates a new instance of tenantRepository
func NewTenantRepository(db *gorm.DB) TenantRepository {
	return &tenantRepository{
		db: db,
	}
}

func (r *tenantRepository) Create(tenant *domain.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	if tenant.KeyVersion == 0 {
		tenant.KeyVersion = 1
	}
	tenant.CreatedAt = time.Now()
	tenant.UpdatedAt = time.Now()
	return r.db.Create(tenant).Error
}

func (r *tenantRepository) FindByID(id string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := r.db.Where("id = ?", id).First(&tenant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tenant, nil
}

func (r *tenantRepository) RotateKeys(id string, newBlob []byte) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&tenant).Error; err != nil {
			return err
		}
		tenant.PreviousKeyBlob = tenant.KeyBlob
		tenant.PreviousKeyVersion = tenant.KeyVersion
		tenant.KeyBlob = newBlob
		tenant.KeyVersion = tenant.KeyVersion + 1
		tenant.UpdatedAt = time.Now()
		return tx.Save(&tenant).Error
	})
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (r *tenantRepository) Update(tenant *domain.Tenant) error {
	tenant.UpdatedAt = time.Now()
	return r.db.Save(tenant).Error
}
