package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/internal/utils"
)

// TaskMailboxSync is the durable task name for one reconciliation pass.
const TaskMailboxSync = "mailbox_sync"

// DedupKey builds the per-mailbox dedup key shared by enqueue and
// dead-job cleanup.
func DedupKey(connectorID, mailbox string) string {
	return fmt.Sprintf("%s|%s", connectorID, mailbox)
}

type activeMark struct {
	connectorID string
	mailbox     string
	markedAt    time.Time
}

type scheduler struct {
	queue     interfaces.JobQueue
	syncState interfaces.SyncStateRepository
	cfg       *config.SyncConfig
	log       logger.Logger

	// active tracks one currently viewed mailbox per user. In-memory
	// only; marks do not survive a restart.
	activeMu sync.Mutex
	active   map[string]activeMark
	now      func() time.Time
}

func NewScheduler(queue interfaces.JobQueue, syncState interfaces.SyncStateRepository, cfg *config.SyncConfig, log logger.Logger) interfaces.Scheduler {
	return &scheduler{
		queue:     queue,
		syncState: syncState,
		cfg:       cfg,
		log:       log,
		active:    map[string]activeMark{},
		now:       utils.Now,
	}
}

// RequestSync enqueues a durable reconciliation job. Returns false when
// a fresh claim means a sync is genuinely running, when no live worker
// could pick the job up, or when dedup deferred the request.
func (s *scheduler) RequestSync(ctx context.Context, connector *models.Connector, mailbox string, opts interfaces.SyncRequestOptions) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Scheduler.RequestSync")
	defer span.Finish()
	tracing.TagConnector(span, connector.ID)
	tracing.TagMailbox(span, mailbox)

	dedupKey := DedupKey(connector.ID, mailbox)

	// A worker may have died mid-claim; clear its leftovers first.
	if err := s.queue.ClearDeadJob(ctx, dedupKey); err != nil {
		s.log.Warnf("dead job cleanup failed for %s: %v", dedupKey, err)
	}

	if !opts.Force {
		claimed, err := s.syncState.HasFreshActiveClaim(ctx, connector.ID, mailbox)
		if err != nil {
			tracing.TraceErr(span, err)
			return false, err
		}
		if claimed {
			span.SetTag("refused", "active_claim")
			return false, nil
		}
	}

	workers, err := s.queue.LiveWorkerCount(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return false, err
	}
	if workers == 0 {
		// The caller may fall back to an inline run.
		span.SetTag("refused", "no_workers")
		return false, nil
	}

	priority := opts.Priority
	if priority == "" {
		priority = s.ResolvePriority(opts.UserID, connector.ID, mailbox)
	}

	payload := map[string]interface{}{
		"connectorId": connector.ID,
		"mailbox":     mailbox,
	}
	if opts.ChangeHint != "" {
		payload["changeHint"] = opts.ChangeHint
	}

	// A forced request should not wait behind an already scheduled run.
	dedupMode := enum.DedupPreserveRunAt
	if opts.Force {
		dedupMode = enum.DedupReplace
	}

	enqueued, err := s.queue.Enqueue(ctx, TaskMailboxSync, payload, interfaces.EnqueueOptions{
		DedupKey:  dedupKey,
		DedupMode: dedupMode,
		Priority:  priority,
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return false, err
	}

	span.SetTag("enqueued", enqueued)
	return enqueued, nil
}

// MarkActiveMailbox overwrites the user's active-mailbox mark. The mark
// biases sync priority for the TTL window.
func (s *scheduler) MarkActiveMailbox(userID, connectorID, mailbox string) {
	if userID == "" {
		return
	}

	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.active[userID] = activeMark{
		connectorID: connectorID,
		mailbox:     mailbox,
		markedAt:    s.now(),
	}
}

func (s *scheduler) ResolvePriority(userID, connectorID, mailbox string) enum.JobPriority {
	if userID == "" {
		return enum.PriorityNormal
	}

	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	mark, ok := s.active[userID]
	if !ok {
		return enum.PriorityNormal
	}
	if s.now().Sub(mark.markedAt) > s.cfg.ActiveMailboxTTL {
		delete(s.active, userID)
		return enum.PriorityNormal
	}
	if mark.connectorID == connectorID && mark.mailbox == mailbox {
		return enum.PriorityHigh
	}
	return enum.PriorityNormal
}
