package repository

import (
	"context"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/internal/utils"
)

// StalenessWindows make the claim expiry behavior configuration-visible.
// The claim is best-effort mutual exclusion, not a hard lock.
type StalenessWindows struct {
	// HeartbeatStale is how old the last heartbeat may be before the
	// claim no longer counts as active.
	HeartbeatStale time.Duration
	// SyncStale is the overall ceiling on a single sync pass.
	SyncStale time.Duration
}

func DefaultStalenessWindows() StalenessWindows {
	return StalenessWindows{
		HeartbeatStale: 2 * time.Minute,
		SyncStale:      30 * time.Minute,
	}
}

type syncStateRepository struct {
	db      *gorm.DB
	windows StalenessWindows

	// schema may not exist yet during infrastructure bootstrap; degrade
	// to best-effort no-ops instead of failing callers.
	tableCheck sync.Once
	tableOK    bool
}

func NewSyncStateRepository(db *gorm.DB, windows StalenessWindows) interfaces.SyncStateRepository {
	return &syncStateRepository{db: db, windows: windows}
}

func (r *syncStateRepository) tableReady() bool {
	r.tableCheck.Do(func() {
		r.tableOK = r.db.Migrator().HasTable(&models.MailboxSyncState{})
	})
	return r.tableOK
}

func (r *syncStateRepository) Ensure(ctx context.Context, connectorID, mailbox string) (*models.MailboxSyncState, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncStateRepository.Ensure")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if !r.tableReady() {
		return &models.MailboxSyncState{ConnectorID: connectorID, Mailbox: mailbox}, nil
	}

	state, err := r.Get(ctx, connectorID, mailbox)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}

	state = &models.MailboxSyncState{
		ConnectorID: connectorID,
		Mailbox:     mailbox,
		Status:      enum.SyncIdle,
	}
	result := r.db.WithContext(ctx).Create(state)
	if result.Error != nil {
		// Lost a create race; the row exists now
		existing, getErr := r.Get(ctx, connectorID, mailbox)
		if getErr == nil && existing != nil {
			return existing, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return state, nil
}

func (r *syncStateRepository) Get(ctx context.Context, connectorID, mailbox string) (*models.MailboxSyncState, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncStateRepository.Get")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if !r.tableReady() {
		return nil, nil
	}

	var state models.MailboxSyncState
	result := r.db.WithContext(ctx).
		Where("connector_id = ? AND mailbox = ?", connectorID, mailbox).
		First(&state)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}

	return &state, nil
}

func (r *syncStateRepository) Patch(ctx context.Context, connectorID, mailbox string, patch map[string]interface{}) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncStateRepository.Patch")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if !r.tableReady() {
		return nil
	}

	patch["updated_at"] = utils.Now()
	result := r.db.WithContext(ctx).
		Model(&models.MailboxSyncState{}).
		Where("connector_id = ? AND mailbox = ?", connectorID, mailbox).
		Updates(patch)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *syncStateRepository) HasFreshActiveClaim(ctx context.Context, connectorID, mailbox string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncStateRepository.HasFreshActiveClaim")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if !r.tableReady() {
		return false, nil
	}

	state, err := r.Get(ctx, connectorID, mailbox)
	if err != nil {
		return false, err
	}
	if state == nil || state.Status != enum.SyncRunning {
		return false, nil
	}
	if state.HeartbeatAt == nil || state.SyncStartedAt == nil {
		return false, nil
	}

	now := utils.Now()
	if now.Sub(*state.HeartbeatAt) > r.windows.HeartbeatStale {
		return false, nil
	}
	if now.Sub(*state.SyncStartedAt) > r.windows.SyncStale {
		return false, nil
	}

	return true, nil
}

func (r *syncStateRepository) DeleteForConnector(ctx context.Context, connectorID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncStateRepository.DeleteForConnector")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if !r.tableReady() {
		return nil
	}

	result := r.db.WithContext(ctx).
		Where("connector_id = ?", connectorID).
		Delete(&models.MailboxSyncState{})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}
