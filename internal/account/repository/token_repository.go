package repository

import (
	"errors"
	"time"

	"leadflow-backend/internal/account/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// secureTokenRepository implements SecureTokenRepository interface
type secureTokenRepository struct {
	db *gorm.DB
}

// NewSecureTokenRepository creates a new instance of secureTokenRepository
func NewSecureTokenRepository(db *gorm.DB) SecureTokenRepository {
	return &secureTokenRepository{
		db: db,
	}
}

func (r *secureTokenRepository) Find(accountID string, tokenType domain.TokenType) (*domain.SecureToken, error) {
	var token domain.SecureToken
	err := r.db.Where("account_id = ? AND token_type = ?", accountID, tokenType).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}

func (r *secureTokenRepository) ReplaceAll(accountID string, tokens []domain.SecureToken) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", accountID).Delete(&domain.SecureToken{}).Error; err != nil {
			return err
		}
		now := time.Now()
		for i := range tokens {
			tokens[i].ID = uuid.New().String()
			tokens[i].AccountID = accountID
			tokens[i].CreatedAt = now
			tokens[i].UpdatedAt = now
			if err := tx.Create(&tokens[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *secureTokenRepository) DeleteByAccount(accountID string) error {
	return r.db.Where("account_id = ?", accountID).Delete(&domain.SecureToken{}).Error
}
