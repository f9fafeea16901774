package interfaces

import (
	"context"
	"time"

	"github.com/inboxhq/mailcore/internal/enum"
)

// EnqueueOptions control dedup and scheduling for a durable job.
type EnqueueOptions struct {
	DedupKey    string
	DedupMode   enum.DedupMode
	Priority    enum.JobPriority
	MaxAttempts int
	RunAt       time.Time
}

// JobQueue is the durable job collaborator. The engine depends only on
// dedup-by-key and preserve-vs-replace semantics, not on the backing
// implementation.
type JobQueue interface {
	// Enqueue returns false when the dedup key matched an existing job
	// and preserve-run-at semantics deferred this request instead.
	Enqueue(ctx context.Context, taskName string, payload map[string]interface{}, opts EnqueueOptions) (bool, error)
	LiveWorkerCount(ctx context.Context) (int, error)
	// ClearDeadJob removes a job left behind by a dead worker for the
	// given dedup key. Best effort.
	ClearDeadJob(ctx context.Context, dedupKey string) error
}
