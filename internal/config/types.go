package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/karin0/bili-live-bot/pkg/logx"
)

// Defaults applied when a field is omitted or zero.
const (
	DefaultSendInterval      = 100 * time.Millisecond
	DefaultSendTimeout       = 15 * time.Second
	DefaultMaxWatchPerChat   = 5
	DefaultPollTimeout       = 10 * time.Second
	DefaultCommandTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultAdminAddr         = "127.0.0.1:9090"
)

// Environment overrides. Secrets usually live here rather than in the file.
const (
	EnvBotToken = "BOT_TOKEN"
	EnvSessData = "SESSDATA"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Delivery DeliveryConfig `json:"delivery"`
	Bilibili BilibiliConfig `json:"bilibili"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Admin    AdminConfig    `json:"admin"`

	// Watches are "chat_id:room_id" pairs watched at startup, in addition to
	// the ones given on the command line.
	Watches []string `json:"watches,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is "<chat_id>" or "<chat_id>:<thread_id>" for the log sink.
	GroupLog string `json:"group_log"`
	// PollTimeout and CommandTimeout are Go duration strings (e.g. "10s", "2m").
	PollTimeout    string `json:"poll_timeout"`
	CommandTimeout string `json:"command_timeout,omitempty"`
	APIURL         string `json:"api_url,omitempty"`
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

// DeliveryConfig controls the outgoing message queue.
//
//	"delivery": { "send_interval": "100ms", "send_timeout": "15s", "max_watch_per_chat": 5 }
type DeliveryConfig struct {
	SendInterval    string `json:"send_interval,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	MaxWatchPerChat int    `json:"max_watch_per_chat,omitempty"`
}

// BilibiliConfig controls the live websocket client and the room API.
// SessData is a secret and is never logged.
type BilibiliConfig struct {
	SessData          string `json:"sessdata,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	APIBase           string `json:"api_base,omitempty"`
	ReconnectMin      string `json:"reconnect_min,omitempty"`
	ReconnectMax      string `json:"reconnect_max,omitempty"`
}

// StorageConfig controls the optional persistence layer (audit log, room alias cache).
//
//	"storage": { "driver": "sqlite", "path": "./bili-live-bot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	AliasTTL    string `json:"alias_ttl,omitempty"`
}

// AdminConfig controls the HTTP admin server (health, metrics, pprof).
//
// Prefer a loopback address. A non-loopback address needs a token or an
// explicit allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(EnvBotToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSessData)); v != "" {
		cfg.Bilibili.SessData = v
	}
}

// Logx converts the logging section into the logger's own config.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// ParseGroupLog splits "<chat_id>[:<thread_id>]". ok is false for an empty
// or malformed value.
func ParseGroupLog(s string) (chatID int64, threadID int, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, false
	}
	chat, thread, hasThread := strings.Cut(s, ":")
	id, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil || id == 0 {
		return 0, 0, false
	}
	if hasThread {
		t, err := strconv.Atoi(strings.TrimSpace(thread))
		if err != nil || t < 0 {
			return 0, 0, false
		}
		threadID = t
	}
	return id, threadID, true
}

func (d DeliveryConfig) Interval() time.Duration {
	v, _ := ParseDurationOrDefault("delivery.send_interval", d.SendInterval, DefaultSendInterval)
	return v
}

func (d DeliveryConfig) Timeout() time.Duration {
	v, _ := ParseDurationOrDefault("delivery.send_timeout", d.SendTimeout, DefaultSendTimeout)
	return v
}

func (d DeliveryConfig) WatchLimit() int {
	if d.MaxWatchPerChat <= 0 {
		return DefaultMaxWatchPerChat
	}
	return d.MaxWatchPerChat
}

func (t TelegramConfig) Poll() time.Duration {
	v, _ := ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, DefaultPollTimeout)
	return v
}

func (t TelegramConfig) CommandDeadline() time.Duration {
	v, _ := ParseDurationOrDefault("telegram.command_timeout", t.CommandTimeout, DefaultCommandTimeout)
	return v
}

func (b BilibiliConfig) Heartbeat() time.Duration {
	v, _ := ParseDurationOrDefault("bilibili.heartbeat_interval", b.HeartbeatInterval, DefaultHeartbeatInterval)
	return v
}

// Reconnect returns the backoff window; zero values mean the client's defaults.
func (b BilibiliConfig) Reconnect() (lo, hi time.Duration) {
	lo, _ = ParseDurationField("bilibili.reconnect_min", b.ReconnectMin)
	hi, _ = ParseDurationField("bilibili.reconnect_max", b.ReconnectMax)
	return lo, hi
}

func (a AdminConfig) Address() string {
	if s := strings.TrimSpace(a.Addr); s != "" {
		return s
	}
	return DefaultAdminAddr
}
