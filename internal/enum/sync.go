package enum

type SyncStatus string

const (
	SyncIdle            SyncStatus = "idle"
	SyncRunning         SyncStatus = "syncing"
	SyncCompleted       SyncStatus = "completed"
	SyncError           SyncStatus = "error"
	SyncCancelRequested SyncStatus = "cancel_requested"
)

type SyncEventType string

const (
	EventSyncStarted     SyncEventType = "sync_started"
	EventSyncCompleted   SyncEventType = "sync_completed"
	EventSyncError       SyncEventType = "sync_error"
	EventMessageReceived SyncEventType = "message_received"
	EventMessageDeleted  SyncEventType = "message_deleted"
	EventWatchRenewed    SyncEventType = "watch_renewed"
	EventWatchFailed     SyncEventType = "watch_failed"
)

func (e SyncEventType) String() string {
	return string(e)
}

type JobPriority string

const (
	PriorityHigh   JobPriority = "high"
	PriorityNormal JobPriority = "normal"
	PriorityLow    JobPriority = "low"
)

// Rank orders priorities for queue claiming, lower is more urgent.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type DedupMode string

const (
	// DedupPreserveRunAt keeps the existing job and schedules a follow-up
	// run after the in-flight one finishes.
	DedupPreserveRunAt DedupMode = "preserve_run_at"
	// DedupReplace drops the pending job and replaces its payload.
	DedupReplace DedupMode = "replace"
)
