package domain

import "time"

// Thread is a normalized mail conversation. Only indexed fields are stored in
// plaintext; the subject lives encrypted on the messages.
type Thread struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	TenantID   string     `json:"tenant_id" gorm:"index;not null"`
	AccountID  string     `json:"account_id" gorm:"not null;uniqueIndex:idx_thread_acct_ext"`
	ExternalID string     `json:"external_id" gorm:"uniqueIndex:idx_thread_acct_ext"`
	MessageN   int        `json:"message_count"`
	LastAt     *time.Time `json:"last_message_at" gorm:"index"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Message stores indexed metadata in the clear and routes subject, body and
// participants through the crypto service. A message belongs to exactly one
// thread, which belongs to exactly one account and tenant.
type Message struct {
	ID         string `json:"id" gorm:"primaryKey"`
	TenantID   string `json:"tenant_id" gorm:"index;not null"`
	AccountID  string `json:"account_id" gorm:"not null;uniqueIndex:idx_message_acct_ext"`
	ThreadID   string `json:"thread_id" gorm:"index;not null"`
	ExternalID string `json:"external_id" gorm:"uniqueIndex:idx_message_acct_ext"`

	ReceivedAt    time.Time `json:"received_at" gorm:"index"`
	IsRead        bool      `json:"is_read"`
	HasAttachment bool      `json:"has_attachment"`

	SubjectCiphertext      []byte `json:"-"`
	BodyCiphertext         []byte `json:"-"`
	ParticipantsCiphertext []byte `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is a normalized calendar entry, split the same way as Message.
type Event struct {
	ID         string `json:"id" gorm:"primaryKey"`
	TenantID   string `json:"tenant_id" gorm:"index;not null"`
	AccountID  string `json:"account_id" gorm:"not null;uniqueIndex:idx_event_acct_ext"`
	ExternalID string `json:"external_id" gorm:"uniqueIndex:idx_event_acct_ext"`

	StartsAt time.Time `json:"starts_at" gorm:"index"`
	EndsAt   time.Time `json:"ends_at"`
	AllDay   bool      `json:"all_day"`
	Status   string    `json:"status"`

	SubjectCiphertext      []byte `json:"-"`
	BodyCiphertext         []byte `json:"-"`
	ParticipantsCiphertext []byte `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
