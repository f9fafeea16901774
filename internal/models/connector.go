package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/utils"
)

// Connector is one remote mail account. Its identity fields are owned by
// connector management; the sync engine only mutates status, credential
// and watch bookkeeping.
type Connector struct {
	ID       string                 `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	UserID   string                 `gorm:"column:user_id;type:varchar(50);index;not null" json:"userId"`
	Provider enum.ConnectorProvider `gorm:"column:provider;type:varchar(50);index;not null" json:"provider"`
	Auth     enum.ConnectorAuth     `gorm:"column:auth;type:varchar(20);not null" json:"auth"`

	// IMAP endpoint
	ImapServer   string             `gorm:"column:imap_server;type:varchar(255)" json:"imapServer"`
	ImapPort     int                `gorm:"column:imap_port" json:"imapPort"`
	ImapSecurity enum.EmailSecurity `gorm:"column:imap_security;type:varchar(20)" json:"imapSecurity"`

	// Credentials
	Username     string     `gorm:"column:username;type:varchar(255)" json:"username"`
	Password     string     `gorm:"column:password;type:varchar(255)" json:"-"`
	AccessToken  string     `gorm:"column:access_token;type:text" json:"-"`
	RefreshToken string     `gorm:"column:refresh_token;type:text" json:"-"`
	TokenExpiry  *time.Time `gorm:"column:token_expiry;type:timestamp" json:"-"`

	// Account identity as the push vendor reports it
	AccountEmail string `gorm:"column:account_email;type:varchar(255);index" json:"accountEmail"`

	WatchedMailboxes pq.StringArray       `gorm:"column:watched_mailboxes;type:text[]" json:"watchedMailboxes"`
	Status           enum.ConnectorStatus `gorm:"column:status;type:varchar(20);index;not null;default:'active'" json:"status"`
	ErrorMessage     string               `gorm:"column:error_message;type:text" json:"errorMessage"`

	// Push watch subscription bookkeeping
	WatchEnabled   bool       `gorm:"column:watch_enabled;default:false" json:"watchEnabled"`
	WatchExpiry    *time.Time `gorm:"column:watch_expiry;type:timestamp" json:"watchExpiry"`
	LastHistoryID  uint64     `gorm:"column:last_history_id;default:0" json:"lastHistoryId"`
	LastNotifiedAt *time.Time `gorm:"column:last_notified_at;type:timestamp" json:"lastNotifiedAt"`

	CreatedAt time.Time      `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Connector) TableName() string {
	return "connectors"
}

func (c *Connector) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = utils.GenerateNanoIDWithPrefix("conn", 16)
	}
	return nil
}

// UsesOAuth reports whether the connector authenticates with a bearer
// token rather than a stored password.
func (c *Connector) UsesOAuth() bool {
	return c.Auth == enum.AuthOAuth
}
