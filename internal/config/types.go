package config

// Config is the on-disk configuration, YAML or JSON. Parsing is strict:
// unknown keys fail the load so typos surface at startup instead of running
// with silent defaults.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Notifier controls the broadcast pipeline. Omitted means enabled with
	// runtime defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Maintenance controls the cron jobs (scheduled export, WAL checkpoint,
	// cache sweep). Omitted means disabled.
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`

	Ops OpsConfig `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AdminUserIDs may run mutating commands (add/remove/import/export/
	// broadcast). Everyone else only checks.
	AdminUserIDs []int64 `json:"admin_user_ids"`

	// GroupLog receives alert-level log lines, "<chat_id>" as text.
	GroupLog string `json:"group_log"`

	// PollTimeout is a Go duration string for long polling.
	PollTimeout string `json:"poll_timeout"`

	// PageSize bounds /wl list pages. 0 means the runtime default.
	PageSize int `json:"page_size,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the SQLite store. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// CacheTTL bounds staleness of cached whitelist reads. "0s" disables
	// caching entirely.
	CacheTTL string `json:"cache_ttl,omitempty"`

	DefaultCategory string `json:"default_category,omitempty"`
	DefaultReason   string `json:"default_reason,omitempty"`

	PreserveAddressOnBlank *bool `json:"preserve_address_on_blank,omitempty"`

	// StatsTimezone is the IANA zone for weekday activity buckets.
	StatsTimezone string `json:"stats_timezone,omitempty"`

	ExportDir string `json:"export_dir,omitempty"`
}

type NotifierConfig struct {
	Enabled    bool `json:"enabled"`
	Workers    int  `json:"workers"`
	QueueSize  int  `json:"queue_size"`
	RatePerSec int  `json:"rate_per_sec"`
	RetryMax   int  `json:"retry_max"`
}

// MaintenanceConfig schedules background jobs with cron specs
// (e.g. "0 3 * * *").
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// ExportCron runs a scheduled whitelist export; empty disables it.
	ExportCron string `json:"export_cron,omitempty"`
	ExportName string `json:"export_name,omitempty"`

	// CheckpointCron truncates the SQLite WAL; empty disables it.
	CheckpointCron string `json:"checkpoint_cron,omitempty"`

	// CacheSweepCron drops expired cache entries; empty disables it.
	CacheSweepCron string `json:"cache_sweep_cron,omitempty"`
}

// OpsConfig controls the operational HTTP server (health, stats, metrics,
// optional pprof).
//
// Bind it to localhost unless a token is set or allow_insecure says you
// know what you are doing.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8701"
	Token         string `json:"token,omitempty"` // optional bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`

	// Server timeouts as Go duration strings. Write stays 0 by default so
	// long profile captures are not cut off.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
