package repository

import "leadflow-backend/internal/account/domain"

// SecureTokenRepository persists encrypted OAuth tokens. ReplaceAll swaps a
// whole token set in one transaction so a refresh never leaves a mixed
// old/new pair behind.
type SecureTokenRepository interface {
	Find(accountID string, tokenType domain.TokenType) (*domain.SecureToken, error)
	ReplaceAll(accountID string, tokens []domain.SecureToken) error
	DeleteByAccount(accountID string) error
}
