package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
)

func testLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

type fakeQueue struct {
	workers      int
	enqueueOK    bool
	cleared      []string
	lastTask     string
	lastPayload  map[string]interface{}
	lastOpts     interfaces.EnqueueOptions
	enqueueCalls int
}

func (q *fakeQueue) Enqueue(ctx context.Context, taskName string, payload map[string]interface{}, opts interfaces.EnqueueOptions) (bool, error) {
	q.enqueueCalls++
	q.lastTask = taskName
	q.lastPayload = payload
	q.lastOpts = opts
	return q.enqueueOK, nil
}

func (q *fakeQueue) LiveWorkerCount(ctx context.Context) (int, error) {
	return q.workers, nil
}

func (q *fakeQueue) ClearDeadJob(ctx context.Context, dedupKey string) error {
	q.cleared = append(q.cleared, dedupKey)
	return nil
}

type fakeClaims struct {
	claimed bool
}

func (c *fakeClaims) Ensure(ctx context.Context, connectorID, mailbox string) (*models.MailboxSyncState, error) {
	return nil, nil
}

func (c *fakeClaims) Get(ctx context.Context, connectorID, mailbox string) (*models.MailboxSyncState, error) {
	return nil, nil
}

func (c *fakeClaims) Patch(ctx context.Context, connectorID, mailbox string, patch map[string]interface{}) error {
	return nil
}

func (c *fakeClaims) HasFreshActiveClaim(ctx context.Context, connectorID, mailbox string) (bool, error) {
	return c.claimed, nil
}

func (c *fakeClaims) DeleteForConnector(ctx context.Context, connectorID string) error {
	return nil
}

func newTestScheduler(queue interfaces.JobQueue, claims *fakeClaims) (*scheduler, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(queue, claims, &config.SyncConfig{ActiveMailboxTTL: 5 * time.Minute}, testLogger()).(*scheduler)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestRequestSync_EnqueuesWithDedupKey(t *testing.T) {
	queue := &fakeQueue{workers: 2, enqueueOK: true}
	s, _ := newTestScheduler(queue, &fakeClaims{})
	connector := &models.Connector{ID: "conn_1"}

	enqueued, err := s.RequestSync(context.Background(), connector, "INBOX", interfaces.SyncRequestOptions{ChangeHint: "998877"})
	require.NoError(t, err)
	assert.True(t, enqueued)

	assert.Equal(t, TaskMailboxSync, queue.lastTask)
	assert.Equal(t, "conn_1|INBOX", queue.lastOpts.DedupKey)
	assert.Equal(t, enum.DedupPreserveRunAt, queue.lastOpts.DedupMode)
	assert.Equal(t, enum.PriorityNormal, queue.lastOpts.Priority)
	assert.Equal(t, "conn_1", queue.lastPayload["connectorId"])
	assert.Equal(t, "INBOX", queue.lastPayload["mailbox"])
	assert.Equal(t, "998877", queue.lastPayload["changeHint"])
	assert.Equal(t, []string{"conn_1|INBOX"}, queue.cleared)
}

func TestRequestSync_RefusesWhileClaimIsFresh(t *testing.T) {
	queue := &fakeQueue{workers: 2, enqueueOK: true}
	s, _ := newTestScheduler(queue, &fakeClaims{claimed: true})
	connector := &models.Connector{ID: "conn_1"}

	enqueued, err := s.RequestSync(context.Background(), connector, "INBOX", interfaces.SyncRequestOptions{})
	require.NoError(t, err)
	assert.False(t, enqueued)
	assert.Equal(t, 0, queue.enqueueCalls)
}

func TestRequestSync_ForceBypassesClaim(t *testing.T) {
	queue := &fakeQueue{workers: 2, enqueueOK: true}
	s, _ := newTestScheduler(queue, &fakeClaims{claimed: true})
	connector := &models.Connector{ID: "conn_1"}

	enqueued, err := s.RequestSync(context.Background(), connector, "INBOX", interfaces.SyncRequestOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, enqueued)
	// Forced runs replace any scheduled job instead of deferring behind it.
	assert.Equal(t, enum.DedupReplace, queue.lastOpts.DedupMode)
}

// racingQueue admits at most one active job per dedup key under a lock,
// the way a single insert guarded by FIND-then-CREATE inside one
// transaction behaves.
type racingQueue struct {
	mu     sync.Mutex
	active map[string]bool
	admits int
}

func (q *racingQueue) Enqueue(ctx context.Context, taskName string, payload map[string]interface{}, opts interfaces.EnqueueOptions) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		q.active = map[string]bool{}
	}
	if q.active[opts.DedupKey] {
		return false, nil
	}
	q.active[opts.DedupKey] = true
	q.admits++
	return true, nil
}

func (q *racingQueue) LiveWorkerCount(ctx context.Context) (int, error) { return 2, nil }

func (q *racingQueue) ClearDeadJob(ctx context.Context, dedupKey string) error { return nil }

func TestRequestSync_RacingRequestsAdmitSingleJob(t *testing.T) {
	// Two requests for the same mailbox race past the claim check before
	// either pass has stamped it. At most one may reach the pass that
	// mutates the mirror; the loser is refused, not duplicated.
	queue := &racingQueue{}
	s, _ := newTestScheduler(queue, &fakeClaims{})
	connector := &models.Connector{ID: "conn_1"}

	type outcome struct {
		enqueued bool
		err      error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enqueued, err := s.RequestSync(context.Background(), connector, "INBOX", interfaces.SyncRequestOptions{})
			results <- outcome{enqueued, err}
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for r := range results {
		require.NoError(t, r.err)
		if r.enqueued {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, queue.admits)
}

func TestRequestSync_NoWorkersMeansInlineFallback(t *testing.T) {
	queue := &fakeQueue{workers: 0, enqueueOK: true}
	s, _ := newTestScheduler(queue, &fakeClaims{})
	connector := &models.Connector{ID: "conn_1"}

	enqueued, err := s.RequestSync(context.Background(), connector, "INBOX", interfaces.SyncRequestOptions{})
	require.NoError(t, err)
	assert.False(t, enqueued)
	assert.Equal(t, 0, queue.enqueueCalls)
}

func TestResolvePriority_ActiveMailboxExpiresAfterTTL(t *testing.T) {
	queue := &fakeQueue{workers: 1, enqueueOK: true}
	s, now := newTestScheduler(queue, &fakeClaims{})

	s.MarkActiveMailbox("u1", "conn_1", "INBOX")
	assert.Equal(t, enum.PriorityHigh, s.ResolvePriority("u1", "conn_1", "INBOX"))

	// A different mailbox never gets the boost.
	assert.Equal(t, enum.PriorityNormal, s.ResolvePriority("u1", "conn_1", "Archive"))
	assert.Equal(t, enum.PriorityNormal, s.ResolvePriority("u2", "conn_1", "INBOX"))

	*now = now.Add(6 * time.Minute)
	assert.Equal(t, enum.PriorityNormal, s.ResolvePriority("u1", "conn_1", "INBOX"))
}

func TestMarkActiveMailbox_OverwritesPriorMark(t *testing.T) {
	queue := &fakeQueue{workers: 1, enqueueOK: true}
	s, _ := newTestScheduler(queue, &fakeClaims{})

	s.MarkActiveMailbox("u1", "conn_1", "INBOX")
	s.MarkActiveMailbox("u1", "conn_2", "Sent")

	assert.Equal(t, enum.PriorityNormal, s.ResolvePriority("u1", "conn_1", "INBOX"))
	assert.Equal(t, enum.PriorityHigh, s.ResolvePriority("u1", "conn_2", "Sent"))
}
