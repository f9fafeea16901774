package repository

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/interfaces"
	apperrors "github.com/inboxhq/mailcore/internal/errors"
	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/internal/utils"
)

type connectorRepository struct {
	db *gorm.DB
}

func NewConnectorRepository(db *gorm.DB) interfaces.ConnectorRepository {
	return &connectorRepository{db: db}
}

func (r *connectorRepository) GetByID(ctx context.Context, id string) (*models.Connector, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "connectorRepository.GetByID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var connector models.Connector
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&connector)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, apperrors.ErrConnectorNotFound
		}
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return &connector, nil
}

func (r *connectorRepository) GetActive(ctx context.Context) ([]*models.Connector, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "connectorRepository.GetActive")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var connectors []*models.Connector
	result := r.db.WithContext(ctx).
		Where("status = ?", enum.ConnectorActive).
		Find(&connectors)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return connectors, nil
}

func (r *connectorRepository) GetActiveByAccountEmail(ctx context.Context, accountEmail string) ([]*models.Connector, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "connectorRepository.GetActiveByAccountEmail")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var connectors []*models.Connector
	result := r.db.WithContext(ctx).
		Where("account_email = ? AND status = ?", accountEmail, enum.ConnectorActive).
		Find(&connectors)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return connectors, nil
}

func (r *connectorRepository) SaveTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "connectorRepository.SaveTokens")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	updates := map[string]interface{}{
		"access_token": accessToken,
		"token_expiry": expiry,
		"updated_at":   utils.Now(),
	}
	// Some providers rotate the refresh token on use
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}

	result := r.db.WithContext(ctx).
		Model(&models.Connector{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *connectorRepository) UpdateStatus(ctx context.Context, id string, status enum.ConnectorStatus, errorMessage string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "connectorRepository.UpdateStatus")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).
		Model(&models.Connector{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
			"updated_at":    utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *connectorRepository) UpdateWatch(ctx context.Context, id string, expiry time.Time, historyID uint64) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "connectorRepository.UpdateWatch")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).
		Model(&models.Connector{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"watch_expiry":    expiry,
			"last_history_id": historyID,
			"updated_at":      utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *connectorRepository) MarkNotified(ctx context.Context, id string, at time.Time) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "connectorRepository.MarkNotified")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).
		Model(&models.Connector{}).
		Where("id = ?", id).
		Update("last_notified_at", at)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}
