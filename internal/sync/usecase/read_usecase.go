package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	accountrepo "leadflow-backend/internal/account/repository"
	accountusecase "leadflow-backend/internal/account/usecase"
	"leadflow-backend/internal/crypto"
	"leadflow-backend/internal/provider"
	syncdomain "leadflow-backend/internal/sync/domain"
	syncrepo "leadflow-backend/internal/sync/repository"
)

var ErrThreadNotFound = errors.New("thread not found")

// MessageView is a message with its sensitive fields decrypted for delivery.
// It only ever exists in memory on the way out to an authenticated caller.
type MessageView struct {
	ID            string                 `json:"id"`
	ExternalID    string                 `json:"external_id"`
	ReceivedAt    time.Time              `json:"received_at"`
	IsRead        bool                   `json:"is_read"`
	HasAttachment bool                   `json:"has_attachment"`
	Subject       string                 `json:"subject"`
	Body          string                 `json:"body"`
	Participants  []provider.Participant `json:"participants"`
}

// ThreadView is a thread plus its decrypted messages.
type ThreadView struct {
	Thread   syncdomain.Thread `json:"thread"`
	Messages []MessageView     `json:"messages"`
}

// EventView is a calendar event with decrypted fields.
type EventView struct {
	ID           string                 `json:"id"`
	ExternalID   string                 `json:"external_id"`
	StartsAt     time.Time              `json:"starts_at"`
	EndsAt       time.Time              `json:"ends_at"`
	AllDay       bool                   `json:"all_day"`
	Status       string                 `json:"status"`
	Subject      string                 `json:"subject"`
	Body         string                 `json:"body"`
	Participants []provider.Participant `json:"participants"`
}

// ReadUsecase serves the query side: thread listings from plaintext metadata
// and detail views that decrypt on the way out.
type ReadUsecase interface {
	ListThreads(tenantID string, limit, offset int) ([]syncdomain.Thread, error)
	ThreadDetail(ctx context.Context, tenantID, threadID string) (*ThreadView, error)
	ListEvents(ctx context.Context, tenantID string, from, to time.Time) ([]EventView, error)
}

type readUsecase struct {
	messageRepo syncrepo.MessageRepository
	tenantRepo  accountrepo.TenantRepository
	cryptoSvc   *crypto.Service
}

// NewReadUsecase creates a new instance of readUsecase
func NewReadUsecase(messageRepo syncrepo.MessageRepository, tenantRepo accountrepo.TenantRepository, cryptoSvc *crypto.Service) ReadUsecase {
	return &readUsecase{
		messageRepo: messageRepo,
		tenantRepo:  tenantRepo,
		cryptoSvc:   cryptoSvc,
	}
}

func (u *readUsecase) ListThreads(tenantID string, limit, offset int) ([]syncdomain.Thread, error) {
	return u.messageRepo.ListThreads(tenantID, limit, offset)
}

func (u *readUsecase) ThreadDetail(ctx context.Context, tenantID, threadID string) (*ThreadView, error) {
	thread, err := u.messageRepo.FindThread(tenantID, threadID)
	if err != nil {
		return nil, fmt.Errorf("unable to load thread: %v", err)
	}
	if thread == nil {
		return nil, ErrThreadNotFound
	}

	tk, err := u.tenantKeys(tenantID)
	if err != nil {
		return nil, err
	}

	messages, err := u.messageRepo.ListMessagesByThread(thread.ID)
	if err != nil {
		return nil, fmt.Errorf("unable to load messages: %v", err)
	}

	view := &ThreadView{Thread: *thread, Messages: make([]MessageView, 0, len(messages))}
	for i := range messages {
		decrypted, err := u.decryptMessage(ctx, tk, &messages[i])
		if err != nil {
			return nil, err
		}
		view.Messages = append(view.Messages, decrypted)
	}
	return view, nil
}

func (u *readUsecase) ListEvents(ctx context.Context, tenantID string, from, to time.Time) ([]EventView, error) {
	events, err := u.messageRepo.ListEvents(tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("unable to load events: %v", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	tk, err := u.tenantKeys(tenantID)
	if err != nil {
		return nil, err
	}

	views := make([]EventView, 0, len(events))
	for i := range events {
		view, err := u.decryptEvent(ctx, tk, &events[i])
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (u *readUsecase) decryptMessage(ctx context.Context, tk crypto.TenantKeys, message *syncdomain.Message) (MessageView, error) {
	subject, err := u.cryptoSvc.DecryptString(ctx, tk, message.SubjectCiphertext, crypto.CtxMessageSubject)
	if err != nil {
		return MessageView{}, err
	}
	body, err := u.cryptoSvc.DecryptString(ctx, tk, message.BodyCiphertext, crypto.CtxMessageBody)
	if err != nil {
		return MessageView{}, err
	}
	participants, err := u.decryptParticipants(ctx, tk, message.ParticipantsCiphertext, crypto.CtxMessageParticipants)
	if err != nil {
		return MessageView{}, err
	}

	return MessageView{
		ID:            message.ID,
		ExternalID:    message.ExternalID,
		ReceivedAt:    message.ReceivedAt,
		IsRead:        message.IsRead,
		HasAttachment: message.HasAttachment,
		Subject:       subject,
		Body:          body,
		Participants:  participants,
	}, nil
}

func (u *readUsecase) decryptEvent(ctx context.Context, tk crypto.TenantKeys, event *syncdomain.Event) (EventView, error) {
	subject, err := u.cryptoSvc.DecryptString(ctx, tk, event.SubjectCiphertext, crypto.CtxEventSubject)
	if err != nil {
		return EventView{}, err
	}
	body, err := u.cryptoSvc.DecryptString(ctx, tk, event.BodyCiphertext, crypto.CtxEventBody)
	if err != nil {
		return EventView{}, err
	}
	participants, err := u.decryptParticipants(ctx, tk, event.ParticipantsCiphertext, crypto.CtxEventParticipants)
	if err != nil {
		return EventView{}, err
	}

	return EventView{
		ID:           event.ID,
		ExternalID:   event.ExternalID,
		StartsAt:     event.StartsAt,
		EndsAt:       event.EndsAt,
		AllDay:       event.AllDay,
		Status:       event.Status,
		Subject:      subject,
		Body:         body,
		Participants: participants,
	}, nil
}

func (u *readUsecase) decryptParticipants(ctx context.Context, tk crypto.TenantKeys, ciphertext []byte, cryptoContext string) ([]provider.Participant, error) {
	raw, err := u.cryptoSvc.Decrypt(ctx, tk, ciphertext, cryptoContext)
	if err != nil {
		return nil, err
	}
	var participants []provider.Participant
	if err := json.Unmarshal(raw, &participants); err != nil {
		return nil, fmt.Errorf("unable to decode participants: %v", err)
	}
	return participants, nil
}

func (u *readUsecase) tenantKeys(tenantID string) (crypto.TenantKeys, error) {
	tenant, err := u.tenantRepo.FindByID(tenantID)
	if err != nil {
		return crypto.TenantKeys{}, fmt.Errorf("unable to load tenant: %v", err)
	}
	if tenant == nil {
		return crypto.TenantKeys{}, accountusecase.ErrTenantNotFound
	}
	return crypto.TenantKeys{
		TenantID:           tenant.ID,
		KeyBlob:            tenant.KeyBlob,
		KeyVersion:         tenant.KeyVersion,
		PreviousKeyBlob:    tenant.PreviousKeyBlob,
		PreviousKeyVersion: tenant.PreviousKeyVersion,
	}, nil
}
