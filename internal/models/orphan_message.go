package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/internal/utils"
)

// OrphanMessage records a referenced parent we have not mirrored yet, so
// the thread can be joined when the parent finally syncs.
type OrphanMessage struct {
	ID           string    `gorm:"column:id;type:varchar(50);primaryKey"`
	MessageID    string    `gorm:"column:message_id;type:varchar(255);uniqueIndex"`
	ReferencedBy string    `gorm:"column:referenced_by;type:varchar(255)"`
	ThreadID     string    `gorm:"column:thread_id;type:varchar(50);index"`
	ConnectorID  string    `gorm:"column:connector_id;type:varchar(50);index"`
	CleanSubject string    `gorm:"column:clean_subject;type:varchar(1000)"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp"`
}

func (OrphanMessage) TableName() string {
	return "orphan_messages"
}

func (m *OrphanMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = utils.GenerateNanoIDWithPrefix("orpn", 12)
	}
	return nil
}
