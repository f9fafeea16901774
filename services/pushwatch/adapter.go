package pushwatch

import (
	"context"
	"strconv"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/internal/utils"
)

// fallbackMailbox is where an IDLE watch lands when push renewal fails,
// so the account does not go fully silent.
const fallbackMailbox = "INBOX"

type pushAdapter struct {
	repos       *repository.Repositories
	credentials interfaces.CredentialProvider
	scheduler   interfaces.Scheduler
	idle        interfaces.IdleSupervisor
	events      interfaces.EventsService
	googleCfg   *config.GoogleConfig
	syncCfg     *config.SyncConfig
	log         logger.Logger
}

func NewPushAdapter(
	repos *repository.Repositories,
	credentials interfaces.CredentialProvider,
	scheduler interfaces.Scheduler,
	idle interfaces.IdleSupervisor,
	events interfaces.EventsService,
	googleCfg *config.GoogleConfig,
	syncCfg *config.SyncConfig,
	log logger.Logger,
) interfaces.PushAdapter {
	return &pushAdapter{
		repos:       repos,
		credentials: credentials,
		scheduler:   scheduler,
		idle:        idle,
		events:      events,
		googleCfg:   googleCfg,
		syncCfg:     syncCfg,
		log:         log,
	}
}

// Renew refreshes the push subscription when it is nearing expiry. On
// success push supersedes polling, so IDLE watches for the watched
// mailboxes stop; on failure an IDLE fallback starts instead.
func (a *pushAdapter) Renew(ctx context.Context, connector *models.Connector) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "PushAdapter.Renew")
	defer span.Finish()
	tracing.TagConnector(span, connector.ID)

	if connector.Provider != enum.ProviderGmail || !connector.WatchEnabled {
		span.SetTag("skipped", "watch_disabled")
		return nil
	}
	if connector.WatchExpiry != nil && time.Until(*connector.WatchExpiry) > a.syncCfg.WatchRenewalLead {
		span.SetTag("skipped", "not_nearing_expiry")
		return nil
	}

	if err := a.renewWatch(ctx, connector); err != nil {
		tracing.TraceErr(span, err)
		a.recordRenewalFailure(ctx, connector, err)
		return err
	}

	a.events.Emit(ctx, connector.ID, enum.EventWatchRenewed, map[string]interface{}{
		"accountEmail": connector.AccountEmail,
	})

	// Push is live again; polling those mailboxes is redundant.
	for _, mailbox := range connector.WatchedMailboxes {
		if err := a.idle.Stop(ctx, connector.ID, mailbox); err != nil {
			a.log.Warnf("failed to stop idle watch after renewal for %s/%s: %v", connector.ID, mailbox, err)
		}
	}

	return nil
}

func (a *pushAdapter) renewWatch(ctx context.Context, connector *models.Connector) error {
	credential, err := a.credentials.Resolve(ctx, connector, false)
	if err != nil {
		return errors.Wrap(err, "failed to resolve credential")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential.Secret})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return errors.Wrap(err, "failed to create gmail service")
	}

	resp, err := svc.Users.Watch("me", &gmail.WatchRequest{
		TopicName: a.googleCfg.PubSubTopic,
		LabelIds:  connector.WatchedMailboxes,
	}).Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "watch request failed")
	}

	expiry := time.UnixMilli(resp.Expiration).UTC()
	if err := a.repos.ConnectorRepository.UpdateWatch(ctx, connector.ID, expiry, resp.HistoryId); err != nil {
		return errors.Wrap(err, "failed to persist watch state")
	}
	connector.WatchExpiry = &expiry
	connector.LastHistoryID = resp.HistoryId

	a.log.Infof("watch renewed for %s until %s", connector.AccountEmail, expiry)
	return nil
}

func (a *pushAdapter) recordRenewalFailure(ctx context.Context, connector *models.Connector, cause error) {
	a.log.Errorf("watch renewal failed for %s: %v", connector.AccountEmail, cause)

	if err := a.repos.ConnectorRepository.UpdateStatus(ctx, connector.ID, connector.Status, cause.Error()); err != nil {
		a.log.Errorf("failed to record watch error for %s: %v", connector.ID, err)
	}

	a.events.Emit(ctx, connector.ID, enum.EventWatchFailed, map[string]interface{}{
		"accountEmail": connector.AccountEmail,
		"error":        cause.Error(),
	})

	// Without push the account would go silent; poll the default mailbox
	// instead.
	if err := a.idle.Start(ctx, connector, fallbackMailbox); err != nil {
		a.log.Errorf("failed to start fallback idle watch for %s: %v", connector.ID, err)
	}
}

func (a *pushAdapter) RenewAll(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "PushAdapter.RenewAll")
	defer span.Finish()

	connectors, err := a.repos.ConnectorRepository.GetActive(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	for _, connector := range connectors {
		if connector.Provider != enum.ProviderGmail {
			continue
		}
		// Per-connector failures are already recorded; keep going.
		_ = a.Renew(ctx, connector)
	}

	return nil
}

// HandleNotification turns one push delivery into sync requests. It is
// idempotent; replays and duplicates collapse in the job queue dedup.
func (a *pushAdapter) HandleNotification(ctx context.Context, accountEmail string, historyID uint64) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "PushAdapter.HandleNotification")
	defer span.Finish()
	span.SetTag("account_email", accountEmail)
	span.SetTag("history_id", historyID)

	connectors, err := a.repos.ConnectorRepository.GetActiveByAccountEmail(ctx, accountEmail)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if len(connectors) == 0 {
		a.log.Debugf("push notification for unknown account %s", accountEmail)
		return nil
	}

	for _, connector := range connectors {
		if err := a.repos.ConnectorRepository.MarkNotified(ctx, connector.ID, utils.Now()); err != nil {
			a.log.Warnf("failed to mark notification for %s: %v", connector.ID, err)
		}

		for _, mailbox := range connector.WatchedMailboxes {
			enqueued, err := a.scheduler.RequestSync(ctx, connector, mailbox, interfaces.SyncRequestOptions{
				ChangeHint: strconv.FormatUint(historyID, 10),
				UserID:     connector.UserID,
			})
			if err != nil {
				tracing.TraceErr(span, err)
				a.log.Errorf("failed to request sync for %s/%s: %v", connector.ID, mailbox, err)
				continue
			}
			if !enqueued {
				a.log.Debugf("sync request for %s/%s deferred or already running", connector.ID, mailbox)
			}
		}
	}

	return nil
}
