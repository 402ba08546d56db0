package repository

import (
	"time"

	"leadflow-backend/internal/sync/domain"
)

// MessageRepository persists normalized threads, messages and events.
// Upserts key on (account, external id) so at-least-once job delivery never
// duplicates rows.
type MessageRepository interface {
	UpsertThread(tenantID, accountID, externalID string, lastAt time.Time) (*domain.Thread, error)
	UpsertMessage(message *domain.Message) error
	DeleteMessage(accountID, externalID string) error

	UpsertEvent(event *domain.Event) error
	DeleteEvent(accountID, externalID string) error

	ListThreads(tenantID string, limit, offset int) ([]domain.Thread, error)
	FindThread(tenantID, threadID string) (*domain.Thread, error)
	ListMessagesByThread(threadID string) ([]domain.Message, error)
	ListEvents(tenantID string, from, to time.Time) ([]domain.Event, error)
}
