package config

type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Logging   LoggingConfig    `json:"logging"`
	Instagram *InstagramConfig `json:"instagram,omitempty"`
	VK        *VKConfig        `json:"vk,omitempty"`
	Media     MediaConfig      `json:"media"`
	Publish   PublishConfig    `json:"publish"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Pprof     *PprofConfig     `json:"pprof,omitempty"`
}

// PprofConfig controls the optional profiling HTTP server.
// A nil section keeps it off.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default 127.0.0.1:6060
	Token   string `json:"token,omitempty"` // required for non-loopback binds
}

type TelegramConfig struct {
	Token string `json:"token"`

	// OperatorID is the only Telegram user the bot talks to.
	// Updates from anyone else are dropped.
	OperatorID int64 `json:"operator_id"`

	// GroupChatID is the target chat for the group publish adapter.
	GroupChatID int64 `json:"group_chat_id"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
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

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// InstagramConfig holds publish credentials. The auth chain is
// session_id, then session_file, then username/password login.
// A nil section disables the Instagram adapter.
type InstagramConfig struct {
	Username    string `json:"username"`
	Password    string `json:"password,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	SessionFile string `json:"session_file,omitempty"`
}

// VKConfig holds community-wall publishing settings.
// A nil section disables the VK adapter.
type VKConfig struct {
	Token   string `json:"token"`
	GroupID int64  `json:"group_id"`
	// RatePerSec caps VK API calls. Default 3 (VK user-token limit).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type MediaConfig struct {
	// Dir is where downloaded and normalized media lands. Default "./media".
	Dir string `json:"dir"`

	// ConnectTimeout bounds connection setup and the wait for response
	// headers on a remote fetch. The transfer itself is unbounded; a slow
	// large download is stopped by /cancel, not by a deadline.
	// Go duration string, default "30s".
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// PublishConfig tunes the publish coordinator and retry policy.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type PublishConfig struct {
	// Signature is appended to every caption when set.
	Signature string `json:"signature,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`       // default 3
	RetryBase     string `json:"retry_base,omitempty"`      // default "500ms"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "15s"

	// AdapterTimeout bounds one adapter's whole publish call. Default "5m".
	AdapterTimeout string `json:"adapter_timeout,omitempty"`
}

// SchedulerConfig controls the deferred-publish service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Tick is the sweep interval. Go duration string, default "30s".
	Tick string `json:"tick,omitempty"`

	// Timezone for schedule-time parsing and slot math. Default local.
	Timezone string `json:"timezone,omitempty"`

	// SlotHours are the fixed auto-queue hours. Default 8..22 every 2h.
	SlotHours []int `json:"slot_hours,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
