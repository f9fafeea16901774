package jobs

import (
	"github.com/opentracing/opentracing-go"

	"context"

	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/internal/utils"
)

const defaultMaxAttempts = 3

type jobQueue struct {
	repo repository.JobRepository
	cfg  *config.SyncConfig
	log  logger.Logger
}

func NewJobQueue(repo repository.JobRepository, cfg *config.SyncConfig, log logger.Logger) interfaces.JobQueue {
	return &jobQueue{repo: repo, cfg: cfg, log: log}
}

// Enqueue inserts a durable job unless the dedup key matches an active
// one. Preserve-run-at schedules a follow-up run on the in-flight job
// and returns false; replace overwrites a pending job in place.
func (q *jobQueue) Enqueue(ctx context.Context, taskName string, payload map[string]interface{}, opts interfaces.EnqueueOptions) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "JobQueue.Enqueue")
	defer span.Finish()
	span.SetTag("task", taskName)
	span.SetTag("dedup_key", opts.DedupKey)

	priority := opts.Priority
	if priority == "" {
		priority = enum.PriorityNormal
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = utils.Now()
	}

	if opts.DedupKey != "" {
		existing, err := q.repo.FindActiveByDedupKey(ctx, opts.DedupKey)
		if err != nil {
			tracing.TraceErr(span, err)
			return false, err
		}
		if existing != nil {
			switch {
			case existing.Status == enum.JobRunning && opts.DedupMode == enum.DedupPreserveRunAt:
				// Schedule one follow-up pass instead of dropping the
				// request.
				if err := q.repo.MarkRunAgain(ctx, existing.ID); err != nil {
					tracing.TraceErr(span, err)
					return false, err
				}
				return false, nil
			case existing.Status == enum.JobPending && opts.DedupMode == enum.DedupReplace:
				if err := q.repo.ReplacePending(ctx, existing.ID, models.JSONMap(payload), priority, runAt); err != nil {
					tracing.TraceErr(span, err)
					return false, err
				}
				return true, nil
			default:
				// A pending job already covers this request.
				return false, nil
			}
		}
	}

	job := &models.SyncJob{
		TaskName:    taskName,
		DedupKey:    opts.DedupKey,
		Payload:     models.JSONMap(payload),
		Priority:    priority,
		RunAt:       runAt,
		MaxAttempts: maxAttempts,
	}
	if err := q.repo.Create(ctx, job); err != nil {
		tracing.TraceErr(span, err)
		return false, err
	}

	return true, nil
}

func (q *jobQueue) LiveWorkerCount(ctx context.Context) (int, error) {
	count, err := q.repo.CountLiveWorkers(ctx, 2*q.cfg.WorkerHeartbeat)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (q *jobQueue) ClearDeadJob(ctx context.Context, dedupKey string) error {
	if err := q.repo.DeleteStaleRunning(ctx, dedupKey, q.cfg.JobClaimStale); err != nil {
		q.log.Warnf("failed to clear dead job for %s: %v", dedupKey, err)
		return err
	}
	return nil
}
