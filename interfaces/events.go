package interfaces

import (
	"context"
	"time"

	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/models"
)

// EventsService persists sync events, publishes them to the broker, and
// fans them out to long-poll waiters.
type EventsService interface {
	// Emit never fails the caller; delivery problems are logged.
	Emit(ctx context.Context, connectorID string, eventType enum.SyncEventType, payload map[string]interface{})

	// WaitForEvents returns events with id > afterID, blocking up to
	// maxWait. An expired wait returns an empty slice, not an error.
	WaitForEvents(ctx context.Context, connectorID string, afterID uint64, maxWait time.Duration) ([]models.SyncEvent, error)
}
