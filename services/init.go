package services

import (
	"context"

	"github.com/pkg/errors"

	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/services/credentials"
	"github.com/inboxhq/mailcore/services/events"
	"github.com/inboxhq/mailcore/services/gmailsync"
	"github.com/inboxhq/mailcore/services/idlewatch"
	"github.com/inboxhq/mailcore/services/jobs"
	"github.com/inboxhq/mailcore/services/pushwatch"
	"github.com/inboxhq/mailcore/services/reconciler"
	"github.com/inboxhq/mailcore/services/rules"
	"github.com/inboxhq/mailcore/services/scheduler"
	"github.com/inboxhq/mailcore/services/session"
	"github.com/inboxhq/mailcore/services/storage"
	"github.com/inboxhq/mailcore/services/threads"
)

type Services struct {
	CredentialProvider interfaces.CredentialProvider
	SessionManager     interfaces.SessionManager
	StorageService     interfaces.StorageService
	EventsService      interfaces.EventsService
	ThreadResolver     interfaces.ThreadResolver
	RuleEngine         interfaces.RuleEngine
	RemoteActions      *rules.RemoteActions
	Reconciler         interfaces.Reconciler
	JobQueue           interfaces.JobQueue
	WorkerPool         *jobs.WorkerPool
	Scheduler          interfaces.Scheduler
	IdleSupervisor     interfaces.IdleSupervisor
	PushAdapter        interfaces.PushAdapter
}

func InitServices(cfg *config.Config, log logger.Logger, repos *repository.Repositories) (*Services, error) {
	// events: broker is optional, the persisted log always works
	var publisher *events.RabbitMQPublisher
	if cfg.AppConfig.RabbitMQURL != "" {
		var err error
		publisher, err = events.NewRabbitMQPublisher(cfg.AppConfig.RabbitMQURL, log, nil)
		if err != nil {
			return nil, err
		}
	}
	eventsService := events.NewEventsService(repos.EventRepository, publisher, log)

	storageService := storage.NewR2StorageService(
		cfg.StorageConfig.AccountID,
		cfg.StorageConfig.AccessKeyID,
		cfg.StorageConfig.AccessKeySecret,
		cfg.StorageConfig.MessageBucket,
	)

	credentialProvider := credentials.NewCredentialProvider(repos.ConnectorRepository, cfg.GoogleConfig, cfg.SyncConfig.TokenRefreshLead, log)
	sessionManager := session.NewSessionManager(credentialProvider, gmailsync.NewSession, log)

	threadResolver := threads.NewThreadResolver(repos, log)
	ruleEngine := rules.NewNoopRuleEngine(log)
	remoteActions := rules.NewRemoteActions(sessionManager)

	reconcilerService := reconciler.NewReconciler(
		sessionManager,
		repos,
		storageService,
		eventsService,
		threadResolver,
		ruleEngine,
		cfg.SyncConfig,
		log,
	)

	jobQueue := jobs.NewJobQueue(repos.JobRepository, cfg.SyncConfig, log)
	workerPool := jobs.NewWorkerPool(repos.JobRepository, cfg.SyncConfig, log)
	schedulerService := scheduler.NewScheduler(jobQueue, repos.SyncStateRepository, cfg.SyncConfig, log)
	idleSupervisor := idlewatch.NewIdleSupervisor(sessionManager, reconcilerService, eventsService, cfg.SyncConfig, log)
	pushAdapter := pushwatch.NewPushAdapter(
		repos,
		credentialProvider,
		schedulerService,
		idleSupervisor,
		eventsService,
		cfg.GoogleConfig,
		cfg.SyncConfig,
		log,
	)

	workerPool.Register(scheduler.TaskMailboxSync, mailboxSyncHandler(reconcilerService, repos.ConnectorRepository))

	services := Services{
		CredentialProvider: credentialProvider,
		SessionManager:     sessionManager,
		StorageService:     storageService,
		EventsService:      eventsService,
		ThreadResolver:     threadResolver,
		RuleEngine:         ruleEngine,
		RemoteActions:      remoteActions,
		Reconciler:         reconcilerService,
		JobQueue:           jobQueue,
		WorkerPool:         workerPool,
		Scheduler:          schedulerService,
		IdleSupervisor:     idleSupervisor,
		PushAdapter:        pushAdapter,
	}

	return &services, nil
}

// mailboxSyncHandler adapts the reconciler into a durable job handler.
func mailboxSyncHandler(rec interfaces.Reconciler, connectors interfaces.ConnectorRepository) jobs.TaskHandler {
	return func(ctx context.Context, payload models.JSONMap) error {
		connectorID, _ := payload["connectorId"].(string)
		mailbox, _ := payload["mailbox"].(string)
		if connectorID == "" || mailbox == "" {
			return errors.New("mailbox sync payload missing connectorId or mailbox")
		}

		connector, err := connectors.GetByID(ctx, connectorID)
		if err != nil {
			return err
		}
		if connector == nil {
			return errors.Errorf("connector %s no longer exists", connectorID)
		}

		_, err = rec.Reconcile(ctx, connector, mailbox)
		return err
	}
}
