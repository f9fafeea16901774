package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/internal/utils"
)

type Thread struct {
	ID             string         `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	ConnectorID    string         `gorm:"column:connector_id;type:varchar(50);index" json:"connectorId"`
	Subject        string         `gorm:"column:subject;type:varchar(1000);index" json:"subject"`
	Participants   pq.StringArray `gorm:"column:participants;type:text[]" json:"participants"`
	MessageCount   int            `gorm:"column:message_count;default:0" json:"messageCount"`
	LastMessageID  string         `gorm:"column:last_message_id;type:varchar(255)" json:"lastMessageId"`
	HasAttachments bool           `gorm:"column:has_attachments;default:false" json:"hasAttachments"`
	FirstMessageAt *time.Time     `gorm:"column:first_message_at;type:timestamp" json:"firstMessageAt"`
	LastMessageAt  *time.Time     `gorm:"column:last_message_at;type:timestamp" json:"lastMessageAt"`
	CreatedAt      time.Time      `gorm:"column:created_at;type:timestamp" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;type:timestamp" json:"updatedAt"`
}

func (Thread) TableName() string {
	return "threads"
}

func (t *Thread) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = utils.GenerateNanoIDWithPrefix("thread", 16)
	}
	t.CreatedAt = utils.Now()
	return nil
}
