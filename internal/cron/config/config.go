package cron_config

type Config struct {
	// Heartbeat check, every minute
	CronScheduleHeartbeat string `env:"CRON_SCHEDULE_HEARTBEAT" envDefault:"0 * * * * *"`
	// Scheduled reconciliation of watched mailboxes, every 5 minutes
	CronScheduleMailboxSync string `env:"CRON_SCHEDULE_MAILBOX_SYNC" envDefault:"0 */5 * * * *"`
	// Gmail watch renewal sweep, hourly
	CronScheduleWatchRenewal string `env:"CRON_SCHEDULE_WATCH_RENEWAL" envDefault:"0 0 * * * *"`
	// Requeue jobs abandoned by dead workers, every minute
	CronScheduleRequeueStale string `env:"CRON_SCHEDULE_REQUEUE_STALE" envDefault:"30 * * * * *"`
}
