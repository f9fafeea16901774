package repository

import (
	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/models"
)

type Repositories struct {
	ConnectorRepository     interfaces.ConnectorRepository
	SyncStateRepository     interfaces.SyncStateRepository
	MessageRepository       interfaces.MessageRepository
	ThreadRepository        interfaces.ThreadRepository
	OrphanMessageRepository interfaces.OrphanMessageRepository
	EventRepository         interfaces.EventRepository
	JobRepository           JobRepository
}

func InitRepositories(db *gorm.DB, windows StalenessWindows) *Repositories {
	return &Repositories{
		ConnectorRepository:     NewConnectorRepository(db),
		SyncStateRepository:     NewSyncStateRepository(db, windows),
		MessageRepository:       NewMessageRepository(db),
		ThreadRepository:        NewThreadRepository(db),
		OrphanMessageRepository: NewOrphanMessageRepository(db),
		EventRepository:         NewEventRepository(db),
		JobRepository:           NewJobRepository(db),
	}
}

func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Connector{},
		&models.MailboxSyncState{},
		&models.Message{},
		&models.Thread{},
		&models.OrphanMessage{},
		&models.SyncJob{},
		&models.SyncWorker{},
		&models.SyncEvent{},
	)
}
