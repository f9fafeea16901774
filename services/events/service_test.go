package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
)

func testLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

type memEventRepo struct {
	mu     sync.Mutex
	nextID uint64
	rows   []models.SyncEvent
}

func (r *memEventRepo) Create(ctx context.Context, event *models.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	event.ID = r.nextID
	event.CreatedAt = time.Now()
	r.rows = append(r.rows, *event)
	return nil
}

func (r *memEventRepo) ListSince(ctx context.Context, connectorID string, afterID uint64, limit int) ([]models.SyncEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []models.SyncEvent
	for _, row := range r.rows {
		if row.ConnectorID == connectorID && row.ID > afterID {
			found = append(found, row)
		}
	}
	return found, nil
}

func TestEmitPersistsEvent(t *testing.T) {
	repo := &memEventRepo{}
	svc := NewEventsService(repo, nil, testLogger())

	svc.Emit(context.Background(), "conn_1", enum.EventMessageReceived, map[string]interface{}{
		"mailbox": "INBOX",
		"uid":     float64(42),
	})

	found, err := repo.ListSince(context.Background(), "conn_1", 0, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, enum.EventMessageReceived, found[0].EventType)
	assert.Equal(t, "INBOX", found[0].Payload["mailbox"])
}

func TestWaitForEventsReturnsExistingEventsImmediately(t *testing.T) {
	repo := &memEventRepo{}
	svc := NewEventsService(repo, nil, testLogger())

	svc.Emit(context.Background(), "conn_1", enum.EventSyncStarted, nil)
	svc.Emit(context.Background(), "conn_1", enum.EventSyncCompleted, nil)

	start := time.Now()
	found, err := svc.WaitForEvents(context.Background(), "conn_1", 0, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForEventsSkipsAlreadySeenEvents(t *testing.T) {
	repo := &memEventRepo{}
	svc := NewEventsService(repo, nil, testLogger())

	svc.Emit(context.Background(), "conn_1", enum.EventSyncStarted, nil)
	svc.Emit(context.Background(), "conn_1", enum.EventSyncCompleted, nil)

	found, err := svc.WaitForEvents(context.Background(), "conn_1", 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, enum.EventSyncCompleted, found[0].EventType)
}

func TestWaitForEventsWakesOnEmit(t *testing.T) {
	repo := &memEventRepo{}
	svc := NewEventsService(repo, nil, testLogger())

	type result struct {
		found []models.SyncEvent
		err   error
	}
	done := make(chan result, 1)
	go func() {
		found, err := svc.WaitForEvents(context.Background(), "conn_1", 0, 10*time.Second)
		done <- result{found, err}
	}()

	// Give the waiter time to park before the event lands.
	time.Sleep(50 * time.Millisecond)
	svc.Emit(context.Background(), "conn_1", enum.EventMessageReceived, nil)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Len(t, r.found, 1)
		assert.Equal(t, enum.EventMessageReceived, r.found[0].EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by emit")
	}
}

func waiterCount(svc *eventsService, connectorID string) int {
	svc.waitersMu.Lock()
	defer svc.waitersMu.Unlock()
	return len(svc.waiters[connectorID])
}

func TestWaitForEventsTimesOutEmpty(t *testing.T) {
	repo := &memEventRepo{}
	svc := NewEventsService(repo, nil, testLogger())

	found, err := svc.WaitForEvents(context.Background(), "conn_1", 0, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.NotNil(t, found)

	// The expired waiter is deregistered, not left behind.
	assert.Zero(t, waiterCount(svc.(*eventsService), "conn_1"))
}

func TestWaitForEventsRepeatedTimeoutsDoNotAccumulateWaiters(t *testing.T) {
	repo := &memEventRepo{}
	svc := NewEventsService(repo, nil, testLogger())

	for i := 0; i < 3; i++ {
		_, err := svc.WaitForEvents(context.Background(), "conn_silent", 0, 50*time.Millisecond)
		require.NoError(t, err)
	}

	assert.Zero(t, waiterCount(svc.(*eventsService), "conn_silent"))
}

func TestWaitForEventsIgnoresOtherConnectors(t *testing.T) {
	repo := &memEventRepo{}
	svc := NewEventsService(repo, nil, testLogger())

	svc.Emit(context.Background(), "conn_other", enum.EventSyncStarted, nil)

	found, err := svc.WaitForEvents(context.Background(), "conn_1", 0, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestWaitForEventsHonorsContextCancellation(t *testing.T) {
	repo := &memEventRepo{}
	svc := NewEventsService(repo, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := svc.WaitForEvents(ctx, "conn_1", 0, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, waiterCount(svc.(*eventsService), "conn_1"))
}
