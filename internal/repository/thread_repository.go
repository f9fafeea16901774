package repository

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/internal/utils"
)

type threadRepository struct {
	db *gorm.DB
}

func NewThreadRepository(db *gorm.DB) interfaces.ThreadRepository {
	return &threadRepository{db: db}
}

func (r *threadRepository) Create(ctx context.Context, thread *models.Thread) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "threadRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).Create(thread)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return "", result.Error
	}

	return thread.ID, nil
}

func (r *threadRepository) GetByID(ctx context.Context, id string) (*models.Thread, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "threadRepository.GetByID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var thread models.Thread
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&thread)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return &thread, nil
}

func (r *threadRepository) Update(ctx context.Context, thread *models.Thread) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "threadRepository.Update")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	thread.UpdatedAt = utils.Now()
	result := r.db.WithContext(ctx).Save(thread)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *threadRepository) FindBySubjectAndConnector(ctx context.Context, subject, connectorID string) ([]*models.Thread, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "threadRepository.FindBySubjectAndConnector")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var threads []*models.Thread
	result := r.db.WithContext(ctx).
		Where("subject = ? AND connector_id = ?", subject, connectorID).
		Order("last_message_at desc").
		Find(&threads)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return threads, nil
}
