package repository

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/tracing"
)

type eventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) interfaces.EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) Create(ctx context.Context, event *models.SyncEvent) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "eventRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).Create(event)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *eventRepository) ListSince(ctx context.Context, connectorID string, afterID uint64, limit int) ([]models.SyncEvent, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "eventRepository.ListSince")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if limit <= 0 {
		limit = 100
	}

	var events []models.SyncEvent
	result := r.db.WithContext(ctx).
		Where("connector_id = ? AND id > ?", connectorID, afterID).
		Order("id asc").
		Limit(limit).
		Find(&events)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return events, nil
}
