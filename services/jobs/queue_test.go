package jobs

import (
	"context"
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

type fakeJobRepo struct {
	active       *models.SyncJob
	created      []*models.SyncJob
	runAgainIDs  []string
	replacedIDs  []string
	liveWorkers  int64
	staleCleared []string
}

func (r *fakeJobRepo) FindActiveByDedupKey(ctx context.Context, dedupKey string) (*models.SyncJob, error) {
	return r.active, nil
}

func (r *fakeJobRepo) Create(ctx context.Context, job *models.SyncJob) error {
	r.created = append(r.created, job)
	return nil
}

func (r *fakeJobRepo) MarkRunAgain(ctx context.Context, jobID string) error {
	r.runAgainIDs = append(r.runAgainIDs, jobID)
	return nil
}

func (r *fakeJobRepo) ReplacePending(ctx context.Context, jobID string, payload models.JSONMap, priority enum.JobPriority, runAt time.Time) error {
	r.replacedIDs = append(r.replacedIDs, jobID)
	return nil
}

func (r *fakeJobRepo) DeleteStaleRunning(ctx context.Context, dedupKey string, claimStale time.Duration) error {
	r.staleCleared = append(r.staleCleared, dedupKey)
	return nil
}

func (r *fakeJobRepo) ClaimNext(ctx context.Context, workerID string) (*models.SyncJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) Complete(ctx context.Context, job *models.SyncJob) error { return nil }

func (r *fakeJobRepo) Fail(ctx context.Context, job *models.SyncJob, errMessage string, retryDelay time.Duration) error {
	return nil
}

func (r *fakeJobRepo) RequeueStale(ctx context.Context, claimStale time.Duration) (int64, error) {
	return 0, nil
}

func (r *fakeJobRepo) UpsertWorker(ctx context.Context, worker *models.SyncWorker) error { return nil }
func (r *fakeJobRepo) DeleteWorker(ctx context.Context, workerID string) error           { return nil }

func (r *fakeJobRepo) CountLiveWorkers(ctx context.Context, heartbeatWindow time.Duration) (int64, error) {
	return r.liveWorkers, nil
}

func newTestQueue(repo *fakeJobRepo) interfaces.JobQueue {
	cfg := &config.SyncConfig{WorkerHeartbeat: 30 * time.Second, JobClaimStale: 10 * time.Minute}
	return NewJobQueue(repo, cfg, testLogger())
}

func TestEnqueue_CreatesJobWithDefaults(t *testing.T) {
	repo := &fakeJobRepo{}
	queue := newTestQueue(repo)

	enqueued, err := queue.Enqueue(context.Background(), "mailbox_sync", map[string]interface{}{"connectorId": "conn_1"}, interfaces.EnqueueOptions{
		DedupKey: "conn_1|INBOX",
	})
	require.NoError(t, err)
	assert.True(t, enqueued)

	require.Len(t, repo.created, 1)
	job := repo.created[0]
	assert.Equal(t, "mailbox_sync", job.TaskName)
	assert.Equal(t, enum.PriorityNormal, job.Priority)
	assert.Equal(t, defaultMaxAttempts, job.MaxAttempts)
	assert.False(t, job.RunAt.IsZero())
}

func TestEnqueue_PreserveRunAtDefersDuplicate(t *testing.T) {
	repo := &fakeJobRepo{
		active: &models.SyncJob{ID: "job_1", Status: enum.JobRunning},
	}
	queue := newTestQueue(repo)

	enqueued, err := queue.Enqueue(context.Background(), "mailbox_sync", nil, interfaces.EnqueueOptions{
		DedupKey:  "conn_1|INBOX",
		DedupMode: enum.DedupPreserveRunAt,
	})
	require.NoError(t, err)

	// The in-flight job absorbs the request as a follow-up run.
	assert.False(t, enqueued)
	assert.Equal(t, []string{"job_1"}, repo.runAgainIDs)
	assert.Empty(t, repo.created)
}

func TestEnqueue_ReplaceOverwritesPendingJob(t *testing.T) {
	repo := &fakeJobRepo{
		active: &models.SyncJob{ID: "job_1", Status: enum.JobPending},
	}
	queue := newTestQueue(repo)

	enqueued, err := queue.Enqueue(context.Background(), "mailbox_sync", map[string]interface{}{"mailbox": "Sent"}, interfaces.EnqueueOptions{
		DedupKey:  "conn_1|Sent",
		DedupMode: enum.DedupReplace,
	})
	require.NoError(t, err)
	assert.True(t, enqueued)
	assert.Equal(t, []string{"job_1"}, repo.replacedIDs)
	assert.Empty(t, repo.created)
}

func TestEnqueue_PendingDuplicateIsDropped(t *testing.T) {
	repo := &fakeJobRepo{
		active: &models.SyncJob{ID: "job_1", Status: enum.JobPending},
	}
	queue := newTestQueue(repo)

	enqueued, err := queue.Enqueue(context.Background(), "mailbox_sync", nil, interfaces.EnqueueOptions{
		DedupKey:  "conn_1|INBOX",
		DedupMode: enum.DedupPreserveRunAt,
	})
	require.NoError(t, err)
	assert.False(t, enqueued)
	assert.Empty(t, repo.created)
	assert.Empty(t, repo.runAgainIDs)
}

func TestLiveWorkerCount(t *testing.T) {
	repo := &fakeJobRepo{liveWorkers: 3}
	queue := newTestQueue(repo)

	count, err := queue.LiveWorkerCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestClearDeadJob(t *testing.T) {
	repo := &fakeJobRepo{}
	queue := newTestQueue(repo)

	require.NoError(t, queue.ClearDeadJob(context.Background(), "conn_1|INBOX"))
	assert.Equal(t, []string{"conn_1|INBOX"}, repo.staleCleared)
}
