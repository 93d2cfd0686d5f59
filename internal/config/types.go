package config

// Config is the bot's file configuration (JSON or YAML).
//
// All durations are Go duration strings ("100ms", "30s", "6h").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Artifact  ArtifactConfig  `json:"artifact"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Inbound   InboundConfig   `json:"inbound"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Reactions ReactionsConfig `json:"reactions"`
	Metrics   MetricsConfig   `json:"metrics"`

	// Notifier may be omitted; it then defaults to enabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through BOT_TOKEN.
	Token string `json:"token"`
	// OperatorID receives alerts, summaries and forwarded messages.
	OperatorID  int64  `json:"operator_id"`
	PollTimeout string `json:"poll_timeout"`
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

// LoggingTelegram mirrors log lines at or above MinLevel to the operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects where the subscriber registry lives.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./usuarios_bot.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ArtifactConfig locates the daily report: <dir>/<prefix><date><ext>.
type ArtifactConfig struct {
	Dir        string `json:"dir"`
	Prefix     string `json:"prefix,omitempty"`      // default "Moneda_"
	DateLayout string `json:"date_layout,omitempty"` // Go layout, default "02-01-2006"
	Ext        string `json:"ext,omitempty"`         // default ".txt"
}

type BroadcastConfig struct {
	// TextLimit is the length from which the report goes out as a document.
	TextLimit    int    `json:"text_limit,omitempty"`
	SendInterval string `json:"send_interval,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`
	// OperatorOnly restricts /publicarbcv to the operator.
	OperatorOnly bool `json:"operator_only,omitempty"`
}

type InboundConfig struct {
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
}

// SchedulerConfig runs the broadcast automatically.
//
// Broadcast accepts a cron spec ("0 9 * * 1-5"), a daily time ("at:09:00")
// or an interval ("6h").
type SchedulerConfig struct {
	Enabled   bool   `json:"enabled"`
	Broadcast string `json:"broadcast"`
	Timezone  string `json:"timezone,omitempty"`
}

type ReactionsConfig struct {
	AudioDir string `json:"audio_dir"`
	// Rules replaces the built-in keyword table when non-empty.
	Rules []ReactionRule `json:"rules,omitempty"`
}

type ReactionRule struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
	Audio    string   `json:"audio"`
	Missing  string   `json:"missing,omitempty"`
}

// MetricsConfig controls the HTTP server exposing /metrics (and optionally pprof).
//
// Prefer binding to localhost.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Path    string `json:"path,omitempty"` // default "/metrics"
	Pprof   bool   `json:"pprof,omitempty"`
	// Token is required when Addr is not a loopback address.
	Token string `json:"token,omitempty"`
}
