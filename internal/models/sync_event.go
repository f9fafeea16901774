package models

import (
	"time"

	"github.com/inboxhq/mailcore/internal/enum"
)

// SyncEvent is the persisted event log consumers long-poll against.
// The serial ID is the "new event since id N" cursor.
type SyncEvent struct {
	ID          uint64             `gorm:"column:id;primaryKey;autoIncrement"`
	ConnectorID string             `gorm:"column:connector_id;type:varchar(50);index;not null"`
	EventType   enum.SyncEventType `gorm:"column:event_type;type:varchar(50);index;not null"`
	Payload     JSONMap            `gorm:"column:payload;type:jsonb"`
	CreatedAt   time.Time          `gorm:"column:created_at;type:timestamp;default:current_timestamp"`
}

func (SyncEvent) TableName() string {
	return "sync_events"
}
