package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/utils"
)

// SyncJob is a durable queue entry. Dedup is by DedupKey among pending
// and running jobs.
type SyncJob struct {
	ID       string `gorm:"column:id;type:varchar(50);primaryKey"`
	TaskName string `gorm:"column:task_name;type:varchar(100);index;not null"`
	DedupKey string `gorm:"column:dedup_key;type:varchar(255);index"`

	Payload  JSONMap          `gorm:"column:payload;type:jsonb"`
	Priority enum.JobPriority `gorm:"column:priority;type:varchar(20);default:'normal'"`
	// PriorityRank mirrors Priority for index-friendly ordering.
	PriorityRank int `gorm:"column:priority_rank;default:1;index"`

	Status      enum.JobStatus `gorm:"column:status;type:varchar(20);index;default:'pending'"`
	RunAt       time.Time      `gorm:"column:run_at;type:timestamp;index"`
	Attempts    int            `gorm:"column:attempts;default:0"`
	MaxAttempts int            `gorm:"column:max_attempts;default:3"`
	// RunAgain marks an in-flight job that received a duplicate request
	// and must be rescheduled after it finishes.
	RunAgain bool `gorm:"column:run_again;default:false"`

	ClaimedBy   string     `gorm:"column:claimed_by;type:varchar(100)"`
	ClaimedAt   *time.Time `gorm:"column:claimed_at;type:timestamp"`
	CompletedAt *time.Time `gorm:"column:completed_at;type:timestamp"`
	LastError   string     `gorm:"column:last_error;type:text"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp"`
}

func (SyncJob) TableName() string {
	return "sync_jobs"
}

func (j *SyncJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = utils.GenerateNanoIDWithPrefix("job", 16)
	}
	if j.RunAt.IsZero() {
		j.RunAt = utils.Now()
	}
	j.PriorityRank = j.Priority.Rank()
	return nil
}

// SyncWorker is a heartbeat row per live worker process, used to detect
// dead pools before enqueueing.
type SyncWorker struct {
	ID          string    `gorm:"column:id;type:varchar(100);primaryKey"`
	Hostname    string    `gorm:"column:hostname;type:varchar(255)"`
	Concurrency int       `gorm:"column:concurrency;default:1"`
	HeartbeatAt time.Time `gorm:"column:heartbeat_at;type:timestamp;index"`
	StartedAt   time.Time `gorm:"column:started_at;type:timestamp"`
}

func (SyncWorker) TableName() string {
	return "sync_workers"
}
