package config

import (
	"time"

	"github.com/inboxhq/mailcore/internal/database"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/tracing"
)

type Config struct {
	AppConfig      *AppConfig
	Logger         *logger.Config
	Tracing        *tracing.JaegerConfig
	DatabaseConfig *database.DatabaseConfig
	StorageConfig  *StorageConfig
	GoogleConfig   *GoogleConfig
	SyncConfig     *SyncConfig
}

type AppConfig struct {
	APIPort     string `env:"PORT" envDefault:"12333"`
	APIKey      string `env:"API_KEY,required"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
}

type StorageConfig struct {
	AccountID       string `env:"R2_ACCOUNT_ID"`
	AccessKeyID     string `env:"R2_ACCESS_KEY_ID"`
	AccessKeySecret string `env:"R2_ACCESS_KEY_SECRET"`
	MessageBucket   string `env:"BUCKET_NAME_RAW_MESSAGES" envDefault:"raw-messages"`
}

type GoogleConfig struct {
	ClientID     string `env:"GOOGLE_CLIENT_ID"`
	ClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	// PubSubTopic is the fully qualified topic Gmail watch publishes to.
	PubSubTopic string `env:"GOOGLE_PUBSUB_TOPIC"`
	// WebhookAudience is the expected audience claim on Pub/Sub push JWTs.
	WebhookAudience string `env:"GOOGLE_WEBHOOK_AUDIENCE"`
}

// SyncConfig makes every staleness window and sync knob visible in
// configuration. Claim exclusivity is best-effort; these windows are its
// only tuning surface.
type SyncConfig struct {
	HeartbeatStale     time.Duration `env:"SYNC_HEARTBEAT_STALE" envDefault:"2m"`
	SyncStale          time.Duration `env:"SYNC_STALE_CEILING" envDefault:"30m"`
	TokenRefreshLead   time.Duration `env:"SYNC_TOKEN_REFRESH_LEAD" envDefault:"5m"`
	WatchRenewalLead   time.Duration `env:"SYNC_WATCH_RENEWAL_LEAD" envDefault:"24h"`
	MaxIdleDuration    time.Duration `env:"SYNC_MAX_IDLE_DURATION" envDefault:"25m"`
	IdleReconnectDelay time.Duration `env:"SYNC_IDLE_RECONNECT_DELAY" envDefault:"5s"`
	ActiveMailboxTTL   time.Duration `env:"SYNC_ACTIVE_MAILBOX_TTL" envDefault:"5m"`
	WorkerHeartbeat    time.Duration `env:"SYNC_WORKER_HEARTBEAT" envDefault:"30s"`
	JobClaimStale      time.Duration `env:"SYNC_JOB_CLAIM_STALE" envDefault:"10m"`
	FetchBatchSize     int           `env:"SYNC_FETCH_BATCH_SIZE" envDefault:"50"`
	// MetadataWindow bounds how many trailing UIDs get a flag refresh
	// during full reconciliation.
	MetadataWindow int `env:"SYNC_METADATA_WINDOW" envDefault:"100"`
	WorkerCount    int `env:"SYNC_WORKER_COUNT" envDefault:"4"`
}
