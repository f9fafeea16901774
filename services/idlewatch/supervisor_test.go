package idlewatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
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

type idleResult struct {
	changed bool
	err     error
}

// scriptedSession serves Idle results from a channel and blocks once the
// script runs out, the way a quiet IMAP connection would.
type scriptedSession struct {
	results chan idleResult
}

func (s *scriptedSession) SelectMailbox(ctx context.Context, mailbox string) (*interfaces.RemoteMailboxInfo, error) {
	return &interfaces.RemoteMailboxInfo{UIDValidity: 1}, nil
}

func (s *scriptedSession) FetchChangedSince(ctx context.Context, mailbox, changeToken string, fn func(interfaces.RemoteMessage) error) (string, error) {
	return changeToken, nil
}

func (s *scriptedSession) FetchSinceUID(ctx context.Context, mailbox string, lastUID uint32, fn func(interfaces.RemoteMessage) error) error {
	return nil
}

func (s *scriptedSession) ListAllUIDs(ctx context.Context, mailbox string) ([]uint32, error) {
	return nil, nil
}

func (s *scriptedSession) FetchMetadata(ctx context.Context, mailbox string, uids []uint32, fn func(interfaces.RemoteMessage) error) error {
	return nil
}

func (s *scriptedSession) AddFlags(ctx context.Context, mailbox string, uids []uint32, flags []string) error {
	return nil
}

func (s *scriptedSession) RemoveFlags(ctx context.Context, mailbox string, uids []uint32, flags []string) error {
	return nil
}

func (s *scriptedSession) Move(ctx context.Context, mailbox string, uids []uint32, destination string) error {
	return nil
}

func (s *scriptedSession) Delete(ctx context.Context, mailbox string, uids []uint32) error {
	return nil
}

func (s *scriptedSession) Append(ctx context.Context, mailbox string, raw []byte, flags []string) error {
	return nil
}

func (s *scriptedSession) Idle(ctx context.Context, mailbox string, stop <-chan struct{}, maxIdle time.Duration) (bool, error) {
	select {
	case r := <-s.results:
		return r.changed, r.err
	case <-stop:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *scriptedSession) Close() error { return nil }

type fakeSessionManager struct {
	session *scriptedSession

	mu    sync.Mutex
	opens int
}

func (m *fakeSessionManager) WithSession(ctx context.Context, connector *models.Connector, opts interfaces.SessionOptions, fn func(ctx context.Context, session interfaces.RemoteSession) error) error {
	m.mu.Lock()
	m.opens++
	m.mu.Unlock()
	return fn(ctx, m.session)
}

func (m *fakeSessionManager) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

type countingReconciler struct {
	mu    sync.Mutex
	calls int
}

func (r *countingReconciler) Reconcile(ctx context.Context, connector *models.Connector, mailbox string) (*models.SyncCounters, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return &models.SyncCounters{}, nil
}

func (r *countingReconciler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingEvents struct {
	mu      sync.Mutex
	emitted []enum.SyncEventType
}

func (e *recordingEvents) Emit(ctx context.Context, connectorID string, eventType enum.SyncEventType, payload map[string]interface{}) {
	e.mu.Lock()
	e.emitted = append(e.emitted, eventType)
	e.mu.Unlock()
}

func (e *recordingEvents) WaitForEvents(ctx context.Context, connectorID string, afterID uint64, maxWait time.Duration) ([]models.SyncEvent, error) {
	return nil, nil
}

func (e *recordingEvents) countOf(eventType enum.SyncEventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.emitted {
		if t == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	supervisor interfaces.IdleSupervisor
	sessions   *fakeSessionManager
	reconciler *countingReconciler
	events     *recordingEvents
	connector  *models.Connector
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	sessions := &fakeSessionManager{session: &scriptedSession{results: make(chan idleResult, 16)}}
	reconciler := &countingReconciler{}
	events := &recordingEvents{}
	cfg := &config.SyncConfig{
		MaxIdleDuration:    time.Minute,
		IdleReconnectDelay: 5 * time.Millisecond,
	}

	return &harness{
		supervisor: NewIdleSupervisor(sessions, reconciler, events, cfg, testLogger()),
		sessions:   sessions,
		reconciler: reconciler,
		events:     events,
		connector: &models.Connector{
			ID:       "conn_1",
			Provider: enum.ProviderIMAP,
			Auth:     enum.AuthPassword,
		},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestIdleWatch_ReconcilesOnChange(t *testing.T) {
	h := newHarness(t)

	h.sessions.session.results <- idleResult{changed: true}

	require.NoError(t, h.supervisor.Start(context.Background(), h.connector, "INBOX"))
	waitFor(t, func() bool { return h.reconciler.count() >= 2 }, "reconcile after change notification")

	assert.True(t, h.supervisor.IsActive("conn_1", "INBOX"))
	require.NoError(t, h.supervisor.Stop(context.Background(), "conn_1", "INBOX"))
	assert.False(t, h.supervisor.IsActive("conn_1", "INBOX"))
}

func TestIdleWatch_StartIsIdempotent(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.supervisor.Start(context.Background(), h.connector, "INBOX"))
	require.NoError(t, h.supervisor.Start(context.Background(), h.connector, "INBOX"))

	waitFor(t, func() bool { return h.sessions.openCount() >= 1 }, "first session open")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.sessions.openCount())

	require.NoError(t, h.supervisor.Stop(context.Background(), "conn_1", "INBOX"))
}

func TestIdleWatch_SurvivesSessionError(t *testing.T) {
	h := newHarness(t)

	h.sessions.session.results <- idleResult{err: errors.New("read tcp: connection reset by peer")}

	require.NoError(t, h.supervisor.Start(context.Background(), h.connector, "INBOX"))

	// The loop reports the error, waits out the reconnect delay, and
	// reconciles again on a fresh session.
	waitFor(t, func() bool { return h.events.countOf(enum.EventSyncError) == 1 }, "sync_error event")
	waitFor(t, func() bool { return h.reconciler.count() >= 2 }, "reconcile after reconnect")
	waitFor(t, func() bool { return h.sessions.openCount() >= 2 }, "second session open")

	assert.True(t, h.supervisor.IsActive("conn_1", "INBOX"))
	require.NoError(t, h.supervisor.Stop(context.Background(), "conn_1", "INBOX"))
}

func TestIdleWatch_QuietIdleCyclesSession(t *testing.T) {
	h := newHarness(t)

	// Max idle elapsed with nothing to report; the watch opens a fresh
	// session rather than trusting a stale connection.
	h.sessions.session.results <- idleResult{changed: false}

	require.NoError(t, h.supervisor.Start(context.Background(), h.connector, "INBOX"))
	waitFor(t, func() bool { return h.sessions.openCount() >= 2 }, "session cycle")

	assert.Equal(t, 0, h.events.countOf(enum.EventSyncError))
	require.NoError(t, h.supervisor.Stop(context.Background(), "conn_1", "INBOX"))
}

func TestIdleWatch_StopAllTearsDownEveryWatch(t *testing.T) {
	h := newHarness(t)
	other := &models.Connector{ID: "conn_2", Provider: enum.ProviderIMAP, Auth: enum.AuthPassword}

	require.NoError(t, h.supervisor.Start(context.Background(), h.connector, "INBOX"))
	require.NoError(t, h.supervisor.Start(context.Background(), other, "Archive"))

	h.supervisor.StopAll(context.Background())

	assert.False(t, h.supervisor.IsActive("conn_1", "INBOX"))
	assert.False(t, h.supervisor.IsActive("conn_2", "Archive"))
}

func TestIdleWatch_StopOnUnknownWatchIsNoop(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.supervisor.Stop(context.Background(), "conn_missing", "INBOX"))
}
