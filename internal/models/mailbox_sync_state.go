package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/utils"
)

// MailboxSyncState tracks sync progress for one (connector, mailbox)
// pair. The (status, heartbeat, started) triple doubles as the sync
// claim: a row counts as actively claimed only while status=syncing and
// the heartbeat is fresh.
type MailboxSyncState struct {
	ID          string `gorm:"column:id;type:varchar(50);primaryKey"`
	ConnectorID string `gorm:"column:connector_id;type:varchar(50);uniqueIndex:idx_sync_state_key;not null"`
	Mailbox     string `gorm:"column:mailbox;type:varchar(255);uniqueIndex:idx_sync_state_key;not null"`

	// UIDValidity is the mailbox identity token. When the remote value
	// differs, every stored UID is void and a full resync runs.
	UIDValidity uint32 `gorm:"column:uid_validity;default:0"`
	// LastUID is the high-water mark, the highest UID confirmed processed.
	LastUID uint32 `gorm:"column:last_uid;default:0"`
	// ChangeToken is the opaque changed-since marker (MODSEQ or Gmail
	// history id).
	ChangeToken string `gorm:"column:change_token;type:varchar(255)"`

	Status          enum.SyncStatus `gorm:"column:status;type:varchar(30);index;default:'idle'"`
	SyncStartedAt   *time.Time      `gorm:"column:sync_started_at;type:timestamp"`
	SyncCompletedAt *time.Time      `gorm:"column:sync_completed_at;type:timestamp"`
	HeartbeatAt     *time.Time      `gorm:"column:heartbeat_at;type:timestamp"`
	LastError       string          `gorm:"column:last_error;type:text"`
	CancelRequested bool            `gorm:"column:cancel_requested;default:false"`

	// Progress counters from the most recent pass
	Inserted          int `gorm:"column:inserted;default:0"`
	Updated           int `gorm:"column:updated;default:0"`
	ReconciledRemoved int `gorm:"column:reconciled_removed;default:0"`
	MetadataRefreshed int `gorm:"column:metadata_refreshed;default:0"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp"`
}

func (MailboxSyncState) TableName() string {
	return "mailbox_sync_states"
}

func (s *MailboxSyncState) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = utils.GenerateNanoIDWithPrefix("sync", 16)
	}
	return nil
}

// SyncCounters are the per-pass reconciliation results.
type SyncCounters struct {
	Inserted          int `json:"inserted"`
	Updated           int `json:"updated"`
	ReconciledRemoved int `json:"reconciledRemoved"`
	MetadataRefreshed int `json:"metadataRefreshed"`
}
