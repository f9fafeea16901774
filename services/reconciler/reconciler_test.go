package reconciler

import (
	"context"
	"io"
	"sort"
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
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/services/rules"
)

func testLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

func rawMessage(subject, messageID string) []byte {
	return []byte("From: Ann Example <ann@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Message-ID: <" + messageID + ">\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
		"\r\n" +
		"body\r\n")
}

type fakeSession struct {
	uidValidity uint32
	messages    map[uint32]interfaces.RemoteMessage
	selectErr   error
	listAllErr  error
}

func (s *fakeSession) sortedUIDs() []uint32 {
	uids := make([]uint32, 0, len(s.messages))
	for uid := range s.messages {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func (s *fakeSession) SelectMailbox(ctx context.Context, mailbox string) (*interfaces.RemoteMailboxInfo, error) {
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	return &interfaces.RemoteMailboxInfo{
		UIDValidity: s.uidValidity,
		Total:       uint32(len(s.messages)),
	}, nil
}

func (s *fakeSession) FetchChangedSince(ctx context.Context, mailbox, changeToken string, fn func(interfaces.RemoteMessage) error) (string, error) {
	return "", errors.New("changed-since not supported")
}

func (s *fakeSession) FetchSinceUID(ctx context.Context, mailbox string, lastUID uint32, fn func(interfaces.RemoteMessage) error) error {
	for _, uid := range s.sortedUIDs() {
		if uid <= lastUID {
			continue
		}
		if err := fn(s.messages[uid]); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSession) ListAllUIDs(ctx context.Context, mailbox string) ([]uint32, error) {
	if s.listAllErr != nil {
		return nil, s.listAllErr
	}
	return s.sortedUIDs(), nil
}

func (s *fakeSession) FetchMetadata(ctx context.Context, mailbox string, uids []uint32, fn func(interfaces.RemoteMessage) error) error {
	for _, uid := range uids {
		remote, ok := s.messages[uid]
		if !ok {
			continue
		}
		remote.Raw = nil
		if err := fn(remote); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSession) AddFlags(ctx context.Context, mailbox string, uids []uint32, flags []string) error {
	return nil
}

func (s *fakeSession) RemoveFlags(ctx context.Context, mailbox string, uids []uint32, flags []string) error {
	return nil
}

func (s *fakeSession) Move(ctx context.Context, mailbox string, uids []uint32, destination string) error {
	return nil
}

func (s *fakeSession) Delete(ctx context.Context, mailbox string, uids []uint32) error {
	return nil
}

func (s *fakeSession) Append(ctx context.Context, mailbox string, raw []byte, flags []string) error {
	return nil
}

func (s *fakeSession) Idle(ctx context.Context, mailbox string, stop <-chan struct{}, maxIdle time.Duration) (bool, error) {
	return false, nil
}

func (s *fakeSession) Close() error { return nil }

type fakeSessionManager struct {
	session *fakeSession
}

func (m *fakeSessionManager) WithSession(ctx context.Context, connector *models.Connector, opts interfaces.SessionOptions, fn func(ctx context.Context, session interfaces.RemoteSession) error) error {
	return fn(ctx, m.session)
}

type fakeMessageRepo struct {
	rows    map[uint32]*models.Message
	updates int
	purged  bool
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{rows: make(map[uint32]*models.Message)}
}

func (r *fakeMessageRepo) GetByRemote(ctx context.Context, connectorID, mailbox string, uid uint32) (*models.Message, error) {
	return r.rows[uid], nil
}

func (r *fakeMessageRepo) GetByMessageID(ctx context.Context, connectorID, messageID string) (*models.Message, error) {
	return nil, nil
}

func (r *fakeMessageRepo) Create(ctx context.Context, message *models.Message) error {
	r.rows[message.UID] = message
	return nil
}

func (r *fakeMessageRepo) Update(ctx context.Context, message *models.Message) error {
	r.rows[message.UID] = message
	r.updates++
	return nil
}

func (r *fakeMessageRepo) ListUIDs(ctx context.Context, connectorID, mailbox string) ([]uint32, error) {
	uids := make([]uint32, 0, len(r.rows))
	for uid := range r.rows {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (r *fakeMessageRepo) DeleteByUIDs(ctx context.Context, connectorID, mailbox string, uids []uint32) (int64, error) {
	var removed int64
	for _, uid := range uids {
		if _, ok := r.rows[uid]; ok {
			delete(r.rows, uid)
			removed++
		}
	}
	return removed, nil
}

func (r *fakeMessageRepo) DeleteForMailbox(ctx context.Context, connectorID, mailbox string) error {
	r.rows = make(map[uint32]*models.Message)
	r.purged = true
	return nil
}

func (r *fakeMessageRepo) FindByProviderThreadID(ctx context.Context, connectorID, providerThreadID string) ([]*models.Message, error) {
	return nil, nil
}

func (r *fakeMessageRepo) FindByCleanSubjectWithin(ctx context.Context, connectorID, cleanSubject string, from, to time.Time) ([]*models.Message, error) {
	return nil, nil
}

func (r *fakeMessageRepo) PropagateThreadID(ctx context.Context, connectorID, threadID, providerThreadID string, messageIDs []string, cleanSubject string) (int64, error) {
	return 0, nil
}

type fakeSyncStateRepo struct {
	state *models.MailboxSyncState

	// cancelOnHeartbeat flips the cancellation flag as soon as the
	// running pass patches its first heartbeat.
	cancelOnHeartbeat bool
}

func (r *fakeSyncStateRepo) Ensure(ctx context.Context, connectorID, mailbox string) (*models.MailboxSyncState, error) {
	copied := *r.state
	return &copied, nil
}

func (r *fakeSyncStateRepo) Get(ctx context.Context, connectorID, mailbox string) (*models.MailboxSyncState, error) {
	copied := *r.state
	return &copied, nil
}

func (r *fakeSyncStateRepo) Patch(ctx context.Context, connectorID, mailbox string, patch map[string]interface{}) error {
	for key, value := range patch {
		switch key {
		case "status":
			r.state.Status = value.(enum.SyncStatus)
		case "last_error":
			r.state.LastError = value.(string)
		case "cancel_requested":
			r.state.CancelRequested = value.(bool)
		case "uid_validity":
			r.state.UIDValidity = value.(uint32)
		case "last_uid":
			r.state.LastUID = value.(uint32)
		case "change_token":
			r.state.ChangeToken = value.(string)
		case "inserted":
			r.state.Inserted = value.(int)
		case "updated":
			r.state.Updated = value.(int)
		case "reconciled_removed":
			r.state.ReconciledRemoved = value.(int)
		case "metadata_refreshed":
			r.state.MetadataRefreshed = value.(int)
		case "heartbeat_at":
			if r.cancelOnHeartbeat {
				r.state.CancelRequested = true
			}
		}
	}
	return nil
}

func (r *fakeSyncStateRepo) HasFreshActiveClaim(ctx context.Context, connectorID, mailbox string) (bool, error) {
	return false, nil
}

func (r *fakeSyncStateRepo) DeleteForConnector(ctx context.Context, connectorID string) error {
	return nil
}

type fakeStorage struct {
	keys []string
}

func (s *fakeStorage) Put(ctx context.Context, key string, data []byte, mimeType string) (*interfaces.BlobRef, error) {
	s.keys = append(s.keys, key)
	return &interfaces.BlobRef{Key: key, Size: int64(len(data))}, nil
}

func (s *fakeStorage) Get(ctx context.Context, key string) ([]byte, error) { return nil, nil }

func (s *fakeStorage) GetStream(ctx context.Context, key string) (io.ReadCloser, int64, string, error) {
	return nil, 0, "", nil
}

func (s *fakeStorage) Delete(ctx context.Context, key string) error { return nil }

type emittedEvent struct {
	eventType enum.SyncEventType
	payload   map[string]interface{}
}

type fakeEvents struct {
	emitted []emittedEvent
}

func (e *fakeEvents) Emit(ctx context.Context, connectorID string, eventType enum.SyncEventType, payload map[string]interface{}) {
	e.emitted = append(e.emitted, emittedEvent{eventType: eventType, payload: payload})
}

func (e *fakeEvents) WaitForEvents(ctx context.Context, connectorID string, afterID uint64, maxWait time.Duration) ([]models.SyncEvent, error) {
	return nil, nil
}

func (e *fakeEvents) countOf(eventType enum.SyncEventType) int {
	count := 0
	for _, event := range e.emitted {
		if event.eventType == eventType {
			count++
		}
	}
	return count
}

type fakeThreads struct{}

func (fakeThreads) ResolveThread(ctx context.Context, message *models.Message) (string, error) {
	return "thr_fixed", nil
}

type harness struct {
	reconciler interfaces.Reconciler
	session    *fakeSession
	messages   *fakeMessageRepo
	states     *fakeSyncStateRepo
	storage    *fakeStorage
	events     *fakeEvents
	connector  *models.Connector
}

func newHarness(session *fakeSession, state *models.MailboxSyncState) *harness {
	log := testLogger()
	messages := newFakeMessageRepo()
	states := &fakeSyncStateRepo{state: state}
	storage := &fakeStorage{}
	events := &fakeEvents{}

	repos := &repository.Repositories{
		MessageRepository:   messages,
		SyncStateRepository: states,
	}
	cfg := &config.SyncConfig{
		FetchBatchSize: 50,
		MetadataWindow: 100,
	}

	rec := NewReconciler(
		&fakeSessionManager{session: session},
		repos,
		storage,
		events,
		fakeThreads{},
		rules.NewNoopRuleEngine(log),
		cfg,
		log,
	)

	return &harness{
		reconciler: rec,
		session:    session,
		messages:   messages,
		states:     states,
		storage:    storage,
		events:     events,
		connector:  &models.Connector{ID: "conn_1", Provider: enum.ProviderIMAP},
	}
}

func remoteFull(uid uint32, subject, messageID string, seen bool) interfaces.RemoteMessage {
	return interfaces.RemoteMessage{
		UID:         uid,
		MessageID:   messageID,
		Subject:     subject,
		FromName:    "Ann Example",
		FromAddress: "ann@example.com",
		ToAddresses: []string{"bob@example.com"},
		Seen:        seen,
		Raw:         rawMessage(subject, messageID),
	}
}

func TestReconcile_InsertsNewAndRemovesVanished(t *testing.T) {
	session := &fakeSession{
		uidValidity: 7,
		messages: map[uint32]interfaces.RemoteMessage{
			10: remoteFull(10, "Hello", "m10@example.com", true),
			11: remoteFull(11, "New one", "m11@example.com", false),
			12: remoteFull(12, "Another", "m12@example.com", false),
		},
	}
	h := newHarness(session, &models.MailboxSyncState{
		ConnectorID: "conn_1",
		Mailbox:     "INBOX",
		UIDValidity: 7,
		LastUID:     10,
	})

	// uid 5 vanished remotely, uid 10 is unchanged
	h.messages.rows[5] = &models.Message{ConnectorID: "conn_1", Mailbox: "INBOX", UID: 5, Subject: "Old", IsRead: true}
	h.messages.rows[10] = &models.Message{ConnectorID: "conn_1", Mailbox: "INBOX", UID: 10, Subject: "Hello", CleanSubject: "hello", MessageID: "m10@example.com", IsRead: true}

	counters, err := h.reconciler.Reconcile(context.Background(), h.connector, "INBOX")
	require.NoError(t, err)

	assert.Equal(t, 2, counters.Inserted)
	assert.Equal(t, 0, counters.Updated)
	assert.Equal(t, 1, counters.ReconciledRemoved)
	assert.Equal(t, uint32(12), h.states.state.LastUID)
	assert.Equal(t, enum.SyncCompleted, h.states.state.Status)

	assert.Nil(t, h.messages.rows[5])
	require.NotNil(t, h.messages.rows[11])
	assert.Equal(t, "m11@example.com", h.messages.rows[11].MessageID)
	assert.Equal(t, "thr_fixed", h.messages.rows[11].ThreadID)
	assert.Len(t, h.storage.keys, 2)

	assert.Equal(t, 1, h.events.countOf(enum.EventSyncStarted))
	assert.Equal(t, 1, h.events.countOf(enum.EventSyncCompleted))
	assert.Equal(t, 2, h.events.countOf(enum.EventMessageReceived))
	assert.Equal(t, 1, h.events.countOf(enum.EventMessageDeleted))
}

func TestReconcile_SecondPassIsIdempotent(t *testing.T) {
	session := &fakeSession{
		uidValidity: 7,
		messages: map[uint32]interfaces.RemoteMessage{
			1: remoteFull(1, "First", "m1@example.com", true),
			2: remoteFull(2, "Second", "m2@example.com", false),
		},
	}
	h := newHarness(session, &models.MailboxSyncState{ConnectorID: "conn_1", Mailbox: "INBOX"})

	counters, err := h.reconciler.Reconcile(context.Background(), h.connector, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, counters.Inserted)

	counters, err = h.reconciler.Reconcile(context.Background(), h.connector, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 0, counters.Inserted)
	assert.Equal(t, 0, counters.Updated)
	assert.Equal(t, 0, counters.ReconciledRemoved)
	assert.Equal(t, 0, counters.MetadataRefreshed)
	assert.Equal(t, 0, h.messages.updates)
}

func TestReconcile_UIDValidityChangePurgesMailbox(t *testing.T) {
	session := &fakeSession{
		uidValidity: 9,
		messages: map[uint32]interfaces.RemoteMessage{
			1: remoteFull(1, "Fresh", "f1@example.com", false),
		},
	}
	h := newHarness(session, &models.MailboxSyncState{
		ConnectorID: "conn_1",
		Mailbox:     "INBOX",
		UIDValidity: 3,
		LastUID:     40,
		ChangeToken: "1234",
	})
	h.messages.rows[40] = &models.Message{ConnectorID: "conn_1", Mailbox: "INBOX", UID: 40, Subject: "Stale"}

	counters, err := h.reconciler.Reconcile(context.Background(), h.connector, "INBOX")
	require.NoError(t, err)

	assert.True(t, h.messages.purged)
	assert.Equal(t, 1, counters.Inserted)
	assert.Nil(t, h.messages.rows[40])
	assert.Equal(t, uint32(9), h.states.state.UIDValidity)
	assert.Equal(t, uint32(1), h.states.state.LastUID)
}

func TestReconcile_FlagChangeRefreshesMetadata(t *testing.T) {
	session := &fakeSession{
		uidValidity: 7,
		messages: map[uint32]interfaces.RemoteMessage{
			10: remoteFull(10, "Hello", "m10@example.com", true),
		},
	}
	h := newHarness(session, &models.MailboxSyncState{
		ConnectorID: "conn_1",
		Mailbox:     "INBOX",
		UIDValidity: 7,
		LastUID:     10,
	})
	h.messages.rows[10] = &models.Message{ConnectorID: "conn_1", Mailbox: "INBOX", UID: 10, Subject: "Hello", CleanSubject: "hello", MessageID: "m10@example.com", IsRead: false}

	counters, err := h.reconciler.Reconcile(context.Background(), h.connector, "INBOX")
	require.NoError(t, err)

	assert.Equal(t, 0, counters.Inserted)
	assert.Equal(t, 1, counters.MetadataRefreshed)
	assert.True(t, h.messages.rows[10].IsRead)
}

func TestReconcile_CancellationStopsBetweenBatches(t *testing.T) {
	session := &fakeSession{
		uidValidity: 7,
		messages: map[uint32]interfaces.RemoteMessage{
			1: remoteFull(1, "First", "m1@example.com", false),
			2: remoteFull(2, "Second", "m2@example.com", false),
		},
	}
	h := newHarness(session, &models.MailboxSyncState{ConnectorID: "conn_1", Mailbox: "INBOX"})
	h.states.cancelOnHeartbeat = true

	// A batch size of one forces a heartbeat before every message.
	h.reconciler.(*reconcilerService).cfg = &config.SyncConfig{FetchBatchSize: 1, MetadataWindow: 100}

	counters, err := h.reconciler.Reconcile(context.Background(), h.connector, "INBOX")
	require.NoError(t, err)

	assert.Equal(t, 0, counters.Inserted)
	assert.Equal(t, enum.SyncIdle, h.states.state.Status)
}

func TestReconcile_SessionFailureMarksStateErrored(t *testing.T) {
	session := &fakeSession{selectErr: errors.New("connection reset")}
	h := newHarness(session, &models.MailboxSyncState{ConnectorID: "conn_1", Mailbox: "INBOX"})

	_, err := h.reconciler.Reconcile(context.Background(), h.connector, "INBOX")
	require.Error(t, err)

	assert.Equal(t, enum.SyncError, h.states.state.Status)
	assert.Contains(t, h.states.state.LastError, "connection reset")
	assert.Equal(t, 1, h.events.countOf(enum.EventSyncError))
}

func TestReconcile_ListFailureSkipsRemovalQuietly(t *testing.T) {
	session := &fakeSession{
		uidValidity: 7,
		messages: map[uint32]interfaces.RemoteMessage{
			11: remoteFull(11, "New one", "m11@example.com", false),
		},
		listAllErr: errors.New("search rejected"),
	}
	h := newHarness(session, &models.MailboxSyncState{
		ConnectorID: "conn_1",
		Mailbox:     "INBOX",
		UIDValidity: 7,
		LastUID:     10,
	})
	h.messages.rows[5] = &models.Message{ConnectorID: "conn_1", Mailbox: "INBOX", UID: 5, Subject: "Old"}

	counters, err := h.reconciler.Reconcile(context.Background(), h.connector, "INBOX")
	require.NoError(t, err)

	// The vanished row survives until a pass where the full scan works.
	assert.Equal(t, 1, counters.Inserted)
	assert.Equal(t, 0, counters.ReconciledRemoved)
	assert.NotNil(t, h.messages.rows[5])
	assert.Equal(t, enum.SyncCompleted, h.states.state.Status)
}
