package cron

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
	cronv3 "github.com/robfig/cron/v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/interfaces"
	cron_config "github.com/inboxhq/mailcore/internal/cron/config"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/services"
)

// CONSTANTS
const (
	// GroupMailcore is the group for mailbox sync related jobs
	GroupMailcore = "mailcore"

	// LeaseDuration is how long a lease lasts before needing renewal
	LeaseDuration = 15 * time.Second
	// RenewDeadline is how long a leader has to renew its lease
	RenewDeadline = 10 * time.Second
	// RetryPeriod is how long to wait between leadership attempts
	RetryPeriod = 2 * time.Second
)

// LOCK MANAGEMENT
var jobLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{
	locks: map[string]*sync.Mutex{
		GroupMailcore: new(sync.Mutex),
	},
}

type CronManager struct {
	cfg    *config.Config
	log    logger.Logger
	cron   *cronv3.Cron
	k8s    kubernetes.Interface
	stopCh chan struct{}
	jobIDs map[string]cronv3.EntryID
	repos  *repository.Repositories
	svc    *services.Services
}

func NewCronManager(cfg *config.Config, log logger.Logger, k8s kubernetes.Interface, repos *repository.Repositories, svc *services.Services) *CronManager {
	return &CronManager{
		cfg:    cfg,
		log:    log,
		k8s:    k8s,
		stopCh: make(chan struct{}),
		jobIDs: make(map[string]cronv3.EntryID),
		repos:  repos,
		svc:    svc,
	}
}

// Start initializes and starts the cron manager with leader election
// If k8s is nil, it will start in local mode without leader election
func (cm *CronManager) Start(podName, namespace string) error {
	if cm.k8s == nil || os.Getenv("LOCAL_DEV") == "true" {
		cm.log.Info("Starting cron manager in local mode")
		cm.StartCron()
		return nil
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      "mailcore-cron-leader",
			Namespace: namespace,
		},
		Client: cm.k8s.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: podName,
		},
	}

	errCh := make(chan error, 1)

	go func() {
		le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
			Lock:            lock,
			ReleaseOnCancel: true,
			LeaseDuration:   LeaseDuration,
			RenewDeadline:   RenewDeadline,
			RetryPeriod:     RetryPeriod,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(ctx context.Context) {
					cm.StartCron()
				},
				OnStoppedLeading: func() {
					cm.log.Info("Leader lost - stopping crons")
					cm.Stop()
				},
				OnNewLeader: func(identity string) {
					cm.log.Infof("New leader elected: %s", identity)
				},
			},
		})
		if err != nil {
			errCh <- err
			return
		}

		le.Run(context.Background())
	}()

	// Wait briefly to see if leader election fails immediately
	select {
	case err := <-errCh:
		cm.log.Warnf("Leader election failed, falling back to local mode: %v", err)
		cm.StartCron()
	case <-time.After(5 * time.Second):
	}

	return nil
}

// Stop gracefully stops the cron manager
func (cm *CronManager) Stop() {
	if cm.cron != nil {
		cm.log.Info("Stopping cron manager")
		ctx := cm.cron.Stop()
		// Wait for jobs to finish
		<-ctx.Done()
	}
	close(cm.stopCh)
}

// registerJobs adds all cron jobs to the scheduler
func (cm *CronManager) registerJobs(c *cronv3.Cron) {
	var cronConfig cron_config.Config
	if err := env.Parse(&cronConfig); err != nil {
		cm.log.Fatalf("Failed to parse cron config from environment: %v", err)
	}

	if cronConfig.CronScheduleHeartbeat != "" {
		podName := os.Getenv("POD_NAME")
		if podName == "" {
			podName = "local"
		}
		id, err := c.AddFunc(cronConfig.CronScheduleHeartbeat, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			cm.log.Infof("Cron heartbeat from pod: %s", podName)
		})
		if err != nil {
			cm.log.Fatalf("Could not add heartbeat cron job: %v", err)
		}
		cm.jobIDs["heartbeat"] = id
		cm.log.Infof("Registered heartbeat job with schedule: %s", cronConfig.CronScheduleHeartbeat)
	}

	if cronConfig.CronScheduleMailboxSync != "" {
		id, err := c.AddFunc(cronConfig.CronScheduleMailboxSync, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			jobLocks.locks[GroupMailcore].Lock()
			defer jobLocks.locks[GroupMailcore].Unlock()
			cm.scheduleWatchedMailboxSyncs()
		})
		if err != nil {
			cm.log.Fatalf("Could not add mailbox sync cron job: %v", err)
		}
		cm.jobIDs["mailbox_sync"] = id
		cm.log.Infof("Registered mailbox sync job with schedule: %s", cronConfig.CronScheduleMailboxSync)
	}

	if cronConfig.CronScheduleWatchRenewal != "" {
		id, err := c.AddFunc(cronConfig.CronScheduleWatchRenewal, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			jobLocks.locks[GroupMailcore].Lock()
			defer jobLocks.locks[GroupMailcore].Unlock()
			cm.renewExpiringWatches()
		})
		if err != nil {
			cm.log.Fatalf("Could not add watch renewal cron job: %v", err)
		}
		cm.jobIDs["watch_renewal"] = id
		cm.log.Infof("Registered watch renewal job with schedule: %s", cronConfig.CronScheduleWatchRenewal)
	}

	if cronConfig.CronScheduleRequeueStale != "" {
		id, err := c.AddFunc(cronConfig.CronScheduleRequeueStale, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			cm.requeueAbandonedJobs()
		})
		if err != nil {
			cm.log.Fatalf("Could not add stale job requeue cron job: %v", err)
		}
		cm.jobIDs["requeue_stale"] = id
		cm.log.Infof("Registered stale job requeue with schedule: %s", cronConfig.CronScheduleRequeueStale)
	}
}

// StartCron initializes and starts the cron scheduler
func (cm *CronManager) StartCron() {
	cm.log.Info("Starting cron manager")
	cronOptions := []cronv3.Option{
		cronv3.WithSeconds(),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cronv3.DefaultLogger),
			cronv3.Recover(cronv3.DefaultLogger),
		),
	}
	c := cronv3.New(cronOptions...)
	cm.registerJobs(c)
	c.Start()
	cm.cron = c
}

// scheduleWatchedMailboxSyncs enqueues a normal-priority sync for every
// watched mailbox of every active connector. The scheduler's dedup and
// claim checks keep repeated runs cheap.
func (cm *CronManager) scheduleWatchedMailboxSyncs() {
	ctx := context.Background()

	span, ctx := tracing.StartTracerSpan(ctx, "CronManager.scheduleWatchedMailboxSyncs")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	connectors, err := cm.repos.ConnectorRepository.GetActive(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Failed to list active connectors: %v", err)
		return
	}

	enqueued := 0
	for _, connector := range connectors {
		mailboxes := connector.WatchedMailboxes
		if len(mailboxes) == 0 {
			mailboxes = []string{"INBOX"}
		}
		for _, mailbox := range mailboxes {
			ok, err := cm.svc.Scheduler.RequestSync(ctx, connector, mailbox, interfaces.SyncRequestOptions{})
			if err != nil {
				tracing.TraceErr(span, err)
				cm.log.Errorf("Failed to schedule sync for connector %s mailbox %s: %v", connector.ID, mailbox, err)
				continue
			}
			if ok {
				enqueued++
			}
		}
	}
	cm.log.Infof("Scheduled %d mailbox syncs across %d connectors", enqueued, len(connectors))
}

func (cm *CronManager) renewExpiringWatches() {
	ctx := context.Background()

	span, ctx := tracing.StartTracerSpan(ctx, "CronManager.renewExpiringWatches")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	if err := cm.svc.PushAdapter.RenewAll(ctx); err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Failed to renew watches: %v", err)
	}
}

func (cm *CronManager) requeueAbandonedJobs() {
	ctx := context.Background()

	span, ctx := tracing.StartTracerSpan(ctx, "CronManager.requeueAbandonedJobs")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	requeued, err := cm.repos.JobRepository.RequeueStale(ctx, cm.cfg.SyncConfig.JobClaimStale)
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Failed to requeue stale jobs: %v", err)
		return
	}
	if requeued > 0 {
		cm.log.Infof("Requeued %d jobs abandoned by dead workers", requeued)
	}
}
