package config

import "time"

// Config is the full gateway configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Payout    PayoutConfig    `json:"payout,omitempty"`
	Payment   PaymentConfig   `json:"payment"`
	Storage   StorageConfig   `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// Admins is the static allow-list for privileged commands.
	Admins []int64 `json:"admins"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// QueueConfig maps onto queue.Config. Zero values apply queue defaults.
type QueueConfig struct {
	Concurrency      int    `json:"concurrency,omitempty"`
	MaxRetries       int    `json:"max_retries,omitempty"`
	BreakerThreshold int    `json:"breaker_threshold,omitempty"`
	BreakerCooldown  string `json:"breaker_cooldown,omitempty"`
	RecheckInterval  string `json:"recheck_interval,omitempty"`
}

type BroadcastConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type PayoutConfig struct {
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	InterItemDelay string `json:"inter_item_delay,omitempty"`
	ProgressEveryN int    `json:"progress_every_n,omitempty"`
	ClaimTimeout   string `json:"claim_timeout,omitempty"`
}

type PaymentConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type StorageConfig struct {
	UsersPath   string `json:"users_path,omitempty"`
	WalletsPath string `json:"wallets_path,omitempty"`
	AuditPath   string `json:"audit_path,omitempty"`

	// FlushSchedule drives the periodic store flush (cron or "@every 30s").
	FlushSchedule string `json:"flush_schedule,omitempty"`
	// PruneSchedule drives audit pruning.
	PruneSchedule string `json:"prune_schedule,omitempty"`
	// AuditKeepDays bounds how far back audit records are kept.
	AuditKeepDays int `json:"audit_keep_days,omitempty"`
}

// ParseDurationOrDefault parses a duration string field, returning def when
// the field is empty.
func ParseDurationOrDefault(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}
