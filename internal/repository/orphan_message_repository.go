package repository

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/tracing"
)

type orphanMessageRepository struct {
	db *gorm.DB
}

func NewOrphanMessageRepository(db *gorm.DB) interfaces.OrphanMessageRepository {
	return &orphanMessageRepository{db: db}
}

func (r *orphanMessageRepository) GetByMessageID(ctx context.Context, messageID string) (*models.OrphanMessage, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "orphanMessageRepository.GetByMessageID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var orphan models.OrphanMessage
	result := r.db.WithContext(ctx).Where("message_id = ?", messageID).First(&orphan)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return &orphan, nil
}

func (r *orphanMessageRepository) Create(ctx context.Context, orphan *models.OrphanMessage) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "orphanMessageRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	// Duplicate references to the same missing parent are expected;
	// keep the first record.
	result := r.db.WithContext(ctx).
		Where("message_id = ?", orphan.MessageID).
		FirstOrCreate(orphan)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return "", result.Error
	}

	return orphan.ID, nil
}

func (r *orphanMessageRepository) DeleteByThreadID(ctx context.Context, threadID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "orphanMessageRepository.DeleteByThreadID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Delete(&models.OrphanMessage{})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}
