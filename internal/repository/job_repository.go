package repository

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/internal/utils"
)

// JobRepository backs the durable queue. Claiming uses row locks so
// workers in separate processes never double-run a job.
type JobRepository interface {
	FindActiveByDedupKey(ctx context.Context, dedupKey string) (*models.SyncJob, error)
	Create(ctx context.Context, job *models.SyncJob) error
	MarkRunAgain(ctx context.Context, jobID string) error
	ReplacePending(ctx context.Context, jobID string, payload models.JSONMap, priority enum.JobPriority, runAt time.Time) error
	DeleteStaleRunning(ctx context.Context, dedupKey string, claimStale time.Duration) error
	ClaimNext(ctx context.Context, workerID string) (*models.SyncJob, error)
	Complete(ctx context.Context, job *models.SyncJob) error
	Fail(ctx context.Context, job *models.SyncJob, errMessage string, retryDelay time.Duration) error
	RequeueStale(ctx context.Context, claimStale time.Duration) (int64, error)
	UpsertWorker(ctx context.Context, worker *models.SyncWorker) error
	DeleteWorker(ctx context.Context, workerID string) error
	CountLiveWorkers(ctx context.Context, heartbeatWindow time.Duration) (int64, error)
}

type jobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) FindActiveByDedupKey(ctx context.Context, dedupKey string) (*models.SyncJob, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "jobRepository.FindActiveByDedupKey")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if dedupKey == "" {
		return nil, nil
	}

	var job models.SyncJob
	result := r.db.WithContext(ctx).
		Where("dedup_key = ? AND status IN ?", dedupKey, []enum.JobStatus{enum.JobPending, enum.JobRunning}).
		Order("created_at asc").
		First(&job)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return &job, nil
}

func (r *jobRepository) Create(ctx context.Context, job *models.SyncJob) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "jobRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).Create(job)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *jobRepository) MarkRunAgain(ctx context.Context, jobID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "jobRepository.MarkRunAgain")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"run_again":  true,
			"updated_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *jobRepository) ReplacePending(ctx context.Context, jobID string, payload models.JSONMap, priority enum.JobPriority, runAt time.Time) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "jobRepository.ReplacePending")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("id = ? AND status = ?", jobID, enum.JobPending).
		Updates(map[string]interface{}{
			"payload":       payload,
			"priority":      priority,
			"priority_rank": priority.Rank(),
			"run_at":        runAt,
			"updated_at":    utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *jobRepository) DeleteStaleRunning(ctx context.Context, dedupKey string, claimStale time.Duration) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "jobRepository.DeleteStaleRunning")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	cutoff := utils.Now().Add(-claimStale)
	result := r.db.WithContext(ctx).
		Where("dedup_key = ? AND status = ? AND claimed_at < ?", dedupKey, enum.JobRunning, cutoff).
		Delete(&models.SyncJob{})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *jobRepository) ClaimNext(ctx context.Context, workerID string) (*models.SyncJob, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "jobRepository.ClaimNext")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var job models.SyncJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND run_at <= ?", enum.JobPending, utils.Now()).
			Order("priority_rank asc, run_at asc").
			First(&job)
		if result.Error != nil {
			return result.Error
		}

		now := utils.Now()
		return tx.Model(&job).Updates(map[string]interface{}{
			"status":     enum.JobRunning,
			"claimed_by": workerID,
			"claimed_at": now,
			"attempts":   job.Attempts + 1,
			"updated_at": now,
		}).Error
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, err
	}

	return &job, nil
}

func (r *jobRepository) Complete(ctx context.Context, job *models.SyncJob) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "jobRepository.Complete")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	now := utils.Now()

	// Preserve-run-at semantics: a duplicate request that arrived while
	// this job ran schedules one follow-up pass.
	var current models.SyncJob
	if err := r.db.WithContext(ctx).Where("id = ?", job.ID).First(&current).Error; err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	if current.RunAgain {
		return r.db.WithContext(ctx).Model(&models.SyncJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":     enum.JobPending,
				"run_again":  false,
				"run_at":     now,
				"attempts":   0,
				"claimed_by": "",
				"claimed_at": nil,
				"updated_at": now,
			}).Error
	}

	return r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":       enum.JobSucceeded,
			"completed_at": now,
			"updated_at":   now,
		}).Error
}

func (r *jobRepository) Fail(ctx context.Context, job *models.SyncJob, errMessage string, retryDelay time.Duration) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "jobRepository.Fail")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	now := utils.Now()
	updates := map[string]interface{}{
		"last_error": errMessage,
		"updated_at": now,
	}

	if job.Attempts >= job.MaxAttempts {
		updates["status"] = enum.JobFailed
		updates["completed_at"] = now
	} else {
		updates["status"] = enum.JobPending
		updates["run_at"] = now.Add(retryDelay)
		updates["claimed_by"] = ""
		updates["claimed_at"] = nil
	}

	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", job.ID).
		Updates(updates)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *jobRepository) RequeueStale(ctx context.Context, claimStale time.Duration) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "jobRepository.RequeueStale")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	now := utils.Now()
	cutoff := now.Add(-claimStale)
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("status = ? AND claimed_at < ?", enum.JobRunning, cutoff).
		Updates(map[string]interface{}{
			"status":     enum.JobPending,
			"run_at":     now,
			"claimed_by": "",
			"claimed_at": nil,
			"updated_at": now,
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, result.Error
	}

	return result.RowsAffected, nil
}

func (r *jobRepository) UpsertWorker(ctx context.Context, worker *models.SyncWorker) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "jobRepository.UpsertWorker")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"heartbeat_at", "concurrency"}),
		}).
		Create(worker)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *jobRepository) DeleteWorker(ctx context.Context, workerID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "jobRepository.DeleteWorker")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).Where("id = ?", workerID).Delete(&models.SyncWorker{})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *jobRepository) CountLiveWorkers(ctx context.Context, heartbeatWindow time.Duration) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "jobRepository.CountLiveWorkers")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var count int64
	result := r.db.WithContext(ctx).Model(&models.SyncWorker{}).
		Where("heartbeat_at > ?", utils.Now().Add(-heartbeatWindow)).
		Count(&count)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, result.Error
	}

	return count, nil
}
