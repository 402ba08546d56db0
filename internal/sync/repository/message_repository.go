package repository

import (
	"errors"
	"time"

	"leadflow-backend/internal/sync/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// messageRepository implements MessageRepository interface
type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new instance of messageRepository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{
		db: db,
	}
}

func (r *messageRepository) UpsertThread(tenantID, accountID, externalID string, lastAt time.Time) (*domain.Thread, error) {
	var thread domain.Thread
	err := r.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("account_id = ? AND external_id = ?", accountID, externalID).First(&thread).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			now := time.Now()
			thread = domain.Thread{
				ID:         uuid.New().String(),
				TenantID:   tenantID,
				AccountID:  accountID,
				ExternalID: externalID,
				LastAt:     &lastAt,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			return tx.Create(&thread).Error
		} else if err != nil {
			return err
		}

		if thread.LastAt == nil || thread.LastAt.Before(lastAt) {
			thread.LastAt = &lastAt
		}
		thread.UpdatedAt = time.Now()
		return tx.Save(&thread).Error
	})
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

func (r *messageRepository) UpsertMessage(message *domain.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	now := time.Now()
	message.CreatedAt = now
	message.UpdatedAt = now

	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"is_read", "has_attachment",
			"subject_ciphertext", "body_ciphertext", "participants_ciphertext",
			"updated_at",
		}),
	}).Create(message).Error
	if err != nil {
		return err
	}

	// Keep the thread's message count in sync after the upsert settles.
	return r.db.Model(&domain.Thread{}).
		Where("id = ?", message.ThreadID).
		Update("message_n", r.db.Model(&domain.Message{}).
			Select("COUNT(*)").
			Where("thread_id = ?", message.ThreadID)).Error
}

func (r *messageRepository) DeleteMessage(accountID, externalID string) error {
	return r.db.Where("account_id = ? AND external_id = ?", accountID, externalID).
		Delete(&domain.Message{}).Error
}

func (r *messageRepository) UpsertEvent(event *domain.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	now := time.Now()
	event.CreatedAt = now
	event.UpdatedAt = now

	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"starts_at", "ends_at", "all_day", "status",
			"subject_ciphertext", "body_ciphertext", "participants_ciphertext",
			"updated_at",
		}),
	}).Create(event).Error
}

func (r *messageRepository) DeleteEvent(accountID, externalID string) error {
	return r.db.Where("account_id = ? AND external_id = ?", accountID, externalID).
		Delete(&domain.Event{}).Error
}

func (r *messageRepository) ListThreads(tenantID string, limit, offset int) ([]domain.Thread, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var threads []domain.Thread
	err := r.db.Where("tenant_id = ?", tenantID).
		Order("last_at DESC NULLS LAST").
		Limit(limit).Offset(offset).
		Find(&threads).Error
	return threads, err
}

func (r *messageRepository) FindThread(tenantID, threadID string) (*domain.Thread, error) {
	var thread domain.Thread
	err := r.db.Where("tenant_id = ? AND id = ?", tenantID, threadID).First(&thread).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &thread, nil
}

func (r *messageRepository) ListMessagesByThread(threadID string) ([]domain.Message, error) {
	var messages []domain.Message
	err := r.db.Where("thread_id = ?", threadID).
		Order("received_at ASC").
		Find(&messages).Error
	return messages, err
}

func (r *messageRepository) ListEvents(tenantID string, from, to time.Time) ([]domain.Event, error) {
	var events []domain.Event
	err := r.db.Where("tenant_id = ? AND starts_at >= ? AND starts_at < ?", tenantID, from, to).
		Order("starts_at ASC").
		Find(&events).Error
	return events, err
}
