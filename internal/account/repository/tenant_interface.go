package repository

import "leadflow-backend/internal/account/domain"

// TenantRepository persists tenants and their wrapped key material.
type TenantRepository interface {
	Create(tenant *domain.Tenant) error
	FindByID(id string) (*domain.Tenant, error)
	// RotateKeys atomically installs a new wrapped DEK and shifts the
	// current one into the previous slot.
	RotateKeys(id string, newBlob []byte) (*domain.Tenant, error)
	Update(tenant *domain.Tenant) error
}
