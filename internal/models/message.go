package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/internal/utils"
)

// Message is the local mirror row for one remote message, unique per
// (connector, mailbox, uid).
type Message struct {
	ID          string `gorm:"column:id;type:varchar(50);primaryKey"`
	ConnectorID string `gorm:"column:connector_id;type:varchar(50);uniqueIndex:idx_message_remote;not null"`
	Mailbox     string `gorm:"column:mailbox;type:varchar(255);uniqueIndex:idx_message_remote;not null"`
	UID         uint32 `gorm:"column:uid;uniqueIndex:idx_message_remote;not null"`

	MessageID        string         `gorm:"column:message_id;type:varchar(255);index"`
	ThreadID         string         `gorm:"column:thread_id;type:varchar(50);index"`
	ProviderThreadID string         `gorm:"column:provider_thread_id;type:varchar(255);index"`
	InReplyTo        string         `gorm:"column:in_reply_to;type:varchar(255);index"`
	References       pq.StringArray `gorm:"column:references;type:text[]"`

	Subject      string         `gorm:"column:subject;type:varchar(1000)"`
	CleanSubject string         `gorm:"column:clean_subject;type:varchar(1000);index"`
	FromAddress  string         `gorm:"column:from_address;type:varchar(255);index"`
	FromName     string         `gorm:"column:from_name;type:varchar(255)"`
	ToAddresses  pq.StringArray `gorm:"column:to_addresses;type:text[]"`
	CcAddresses  pq.StringArray `gorm:"column:cc_addresses;type:text[]"`

	IsRead          bool `gorm:"column:is_read;default:false"`
	IsStarred       bool `gorm:"column:is_starred;default:false"`
	HasAttachment   bool `gorm:"column:has_attachment;default:false"`
	AttachmentCount int  `gorm:"column:attachment_count;default:0"`

	// BodyRef points at the raw message in blob storage. Empty for
	// metadata-only rows.
	BodyRef string `gorm:"column:body_ref;type:varchar(500)"`

	SentAt *time.Time `gorm:"column:sent_at;type:timestamp;index"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp"`
}

func (Message) TableName() string {
	return "messages"
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = utils.GenerateNanoIDWithPrefix("msg", 24)
	}
	return nil
}

// AllParticipants returns the deduplicated set of from/to/cc addresses.
func (m *Message) AllParticipants() []string {
	participants := make([]string, 0, 1+len(m.ToAddresses)+len(m.CcAddresses))
	if m.FromAddress != "" {
		participants = append(participants, m.FromAddress)
	}
	participants = append(participants, m.ToAddresses...)
	participants = append(participants, m.CcAddresses...)
	return utils.UniqueEmails(participants)
}
