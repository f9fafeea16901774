package interfaces

import (
	"context"
	"time"

	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/models"
)

type ConnectorRepository interface {
	GetByID(ctx context.Context, id string) (*models.Connector, error)
	GetActive(ctx context.Context) ([]*models.Connector, error)
	GetActiveByAccountEmail(ctx context.Context, accountEmail string) ([]*models.Connector, error)
	SaveTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error
	UpdateStatus(ctx context.Context, id string, status enum.ConnectorStatus, errorMessage string) error
	UpdateWatch(ctx context.Context, id string, expiry time.Time, historyID uint64) error
	MarkNotified(ctx context.Context, id string, at time.Time) error
}

type SyncStateRepository interface {
	// Ensure creates the row lazily on first sync request; idempotent.
	Ensure(ctx context.Context, connectorID, mailbox string) (*models.MailboxSyncState, error)
	Get(ctx context.Context, connectorID, mailbox string) (*models.MailboxSyncState, error)
	// Patch partially updates any subset of fields.
	Patch(ctx context.Context, connectorID, mailbox string, patch map[string]interface{}) error
	// HasFreshActiveClaim is true only while status=syncing, the
	// heartbeat is within the staleness window, and the start is within
	// the overall ceiling.
	HasFreshActiveClaim(ctx context.Context, connectorID, mailbox string) (bool, error)
	DeleteForConnector(ctx context.Context, connectorID string) error
}

type MessageRepository interface {
	GetByRemote(ctx context.Context, connectorID, mailbox string, uid uint32) (*models.Message, error)
	GetByMessageID(ctx context.Context, connectorID, messageID string) (*models.Message, error)
	Create(ctx context.Context, message *models.Message) error
	Update(ctx context.Context, message *models.Message) error
	ListUIDs(ctx context.Context, connectorID, mailbox string) ([]uint32, error)
	DeleteByUIDs(ctx context.Context, connectorID, mailbox string, uids []uint32) (int64, error)
	DeleteForMailbox(ctx context.Context, connectorID, mailbox string) error
	FindByProviderThreadID(ctx context.Context, connectorID, providerThreadID string) ([]*models.Message, error)
	FindByCleanSubjectWithin(ctx context.Context, connectorID, cleanSubject string, from, to time.Time) ([]*models.Message, error)
	// PropagateThreadID assigns threadID to sibling rows matching the
	// given message ids or provider thread id, guarded by clean-subject
	// equality.
	PropagateThreadID(ctx context.Context, connectorID, threadID, providerThreadID string, messageIDs []string, cleanSubject string) (int64, error)
}

type ThreadRepository interface {
	Create(ctx context.Context, thread *models.Thread) (string, error)
	GetByID(ctx context.Context, id string) (*models.Thread, error)
	Update(ctx context.Context, thread *models.Thread) error
	FindBySubjectAndConnector(ctx context.Context, subject, connectorID string) ([]*models.Thread, error)
}

type OrphanMessageRepository interface {
	GetByMessageID(ctx context.Context, messageID string) (*models.OrphanMessage, error)
	Create(ctx context.Context, orphan *models.OrphanMessage) (string, error)
	DeleteByThreadID(ctx context.Context, threadID string) error
}

type EventRepository interface {
	Create(ctx context.Context, event *models.SyncEvent) error
	ListSince(ctx context.Context, connectorID string, afterID uint64, limit int) ([]models.SyncEvent, error)
}
