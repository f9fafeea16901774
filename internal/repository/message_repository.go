package repository

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/internal/utils"
)

type messageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) interfaces.MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) GetByRemote(ctx context.Context, connectorID, mailbox string, uid uint32) (*models.Message, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageRepository.GetByRemote")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var message models.Message
	result := r.db.WithContext(ctx).
		Where("connector_id = ? AND mailbox = ? AND uid = ?", connectorID, mailbox, uid).
		First(&message)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return &message, nil
}

func (r *messageRepository) GetByMessageID(ctx context.Context, connectorID, messageID string) (*models.Message, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageRepository.GetByMessageID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if messageID == "" {
		return nil, nil
	}

	var message models.Message
	result := r.db.WithContext(ctx).
		Where("connector_id = ? AND message_id = ?", connectorID, utils.NormalizeMessageID(messageID)).
		Order("created_at asc").
		First(&message)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return &message, nil
}

func (r *messageRepository) Create(ctx context.Context, message *models.Message) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).Create(message)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *messageRepository) Update(ctx context.Context, message *models.Message) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageRepository.Update")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	message.UpdatedAt = utils.Now()
	result := r.db.WithContext(ctx).Save(message)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *messageRepository) ListUIDs(ctx context.Context, connectorID, mailbox string) ([]uint32, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageRepository.ListUIDs")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var uids []uint32
	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("connector_id = ? AND mailbox = ?", connectorID, mailbox).
		Order("uid asc").
		Pluck("uid", &uids)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return uids, nil
}

func (r *messageRepository) DeleteByUIDs(ctx context.Context, connectorID, mailbox string, uids []uint32) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageRepository.DeleteByUIDs")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if len(uids) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Where("connector_id = ? AND mailbox = ? AND uid IN ?", connectorID, mailbox, uids).
		Delete(&models.Message{})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, result.Error
	}

	return result.RowsAffected, nil
}

func (r *messageRepository) DeleteForMailbox(ctx context.Context, connectorID, mailbox string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageRepository.DeleteForMailbox")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).
		Where("connector_id = ? AND mailbox = ?", connectorID, mailbox).
		Delete(&models.Message{})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *messageRepository) FindByProviderThreadID(ctx context.Context, connectorID, providerThreadID string) ([]*models.Message, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageRepository.FindByProviderThreadID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if providerThreadID == "" {
		return nil, nil
	}

	var messages []*models.Message
	result := r.db.WithContext(ctx).
		Where("connector_id = ? AND provider_thread_id = ?", connectorID, providerThreadID).
		Order("created_at asc").
		Find(&messages)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return messages, nil
}

func (r *messageRepository) FindByCleanSubjectWithin(ctx context.Context, connectorID, cleanSubject string, from, to time.Time) ([]*models.Message, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageRepository.FindByCleanSubjectWithin")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var messages []*models.Message
	result := r.db.WithContext(ctx).
		Where("connector_id = ? AND clean_subject = ? AND sent_at BETWEEN ? AND ?",
			connectorID, cleanSubject, from, to).
		Order("sent_at desc").
		Find(&messages)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return messages, nil
}

func (r *messageRepository) PropagateThreadID(ctx context.Context, connectorID, threadID, providerThreadID string, messageIDs []string, cleanSubject string) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "messageRepository.PropagateThreadID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	query := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("connector_id = ?", connectorID).
		// Subject guard: colliding Message-IDs from unrelated
		// conversations must not merge.
		Where("clean_subject = ?", cleanSubject).
		Where("(thread_id = '' OR thread_id IS NULL)")

	if providerThreadID != "" && len(messageIDs) > 0 {
		query = query.Where("provider_thread_id = ? OR message_id IN ?", providerThreadID, messageIDs)
	} else if providerThreadID != "" {
		query = query.Where("provider_thread_id = ?", providerThreadID)
	} else if len(messageIDs) > 0 {
		query = query.Where("message_id IN ?", messageIDs)
	} else {
		return 0, nil
	}

	result := query.Updates(map[string]interface{}{
		"thread_id":  threadID,
		"updated_at": utils.Now(),
	})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, result.Error
	}

	return result.RowsAffected, nil
}
