package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "250ms", "10s", "1h").
// Unknown fields are rejected so typos surface on load and on reload.
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Broker    BrokerConfig    `json:"broker"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Notify    NotifyConfig    `json:"notify"`
	Realtime  RealtimeConfig  `json:"realtime"`
	Metrics   MetricsConfig   `json:"metrics"`
	Clock     ClockConfig     `json:"clock"`
	Channels  ChannelsConfig  `json:"channels"`
}

// HTTPConfig controls the listener serving /metrics and the websocket endpoint.
// An empty Addr disables the listener.
type HTTPConfig struct {
	Addr            string      `json:"addr,omitempty"`
	ReadTimeout     string      `json:"read_timeout,omitempty"`
	ShutdownTimeout string      `json:"shutdown_timeout,omitempty"` // default "5s"
	Pprof           PprofConfig `json:"pprof"`
}

// PprofConfig mounts net/http/pprof on the HTTP listener. A non-loopback
// addr requires Token unless AllowInsecure is set.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BrokerConfig selects the durable queue.
//
// Example:
//
//	"broker": { "driver": "redis", "addr": "127.0.0.1:6379", "prefix": "timerd:" }
type BrokerConfig struct {
	Driver       string `json:"driver"` // "redis" (default) or "memory"
	Addr         string `json:"addr,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"` // never logged
	DB           int    `json:"db,omitempty"`
	Prefix       string `json:"prefix,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`
	// Lease bounds how long a claimed job may go without a heartbeat
	// before another consumer reclaims it.
	Lease string `json:"lease,omitempty"`
}

type SchedulerConfig struct {
	DialTimeout string `json:"dial_timeout,omitempty"`
	// ReconnectInterval retries a failed broker dial; "0s" stays degraded.
	ReconnectInterval string `json:"reconnect_interval,omitempty"`
}

// StorageConfig controls notification persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/timerd.db" }
type StorageConfig struct {
	Driver       string `json:"driver"` // "memory", "sqlite" or "postgres"
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

type NotifyConfig struct {
	DefaultChannel string `json:"default_channel,omitempty"`
	// PruneAfter deletes read notifications older than this; "0s" keeps them.
	PruneAfter string `json:"prune_after,omitempty"`
	PruneEvery string `json:"prune_every,omitempty"`
}

type RealtimeConfig struct {
	Enabled      bool   `json:"enabled"`
	Path         string `json:"path,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	SendBuffer   int    `json:"send_buffer,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default "/metrics"
}

type ClockConfig struct {
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token,omitempty"` // never logged
	Channel       string `json:"channel,omitempty"`
	DefaultChatID int64  `json:"default_chat_id,omitempty"`
	ParseMode     string `json:"parse_mode,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
}
