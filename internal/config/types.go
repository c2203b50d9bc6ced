package config

// Config is the root of the linkmux configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2m"). Omitted
// fields take the runtime defaults documented on each section.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Link        LinkConfig        `json:"link"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	QR          QRConfig          `json:"qr"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// ServerConfig controls the HTTP API.
//
// Security note:
//   - The tenant id is taken from the X-Tenant-ID header, which must be set by
//     an authenticating proxy in front of linkmux.
//   - When APIKey is set, every request must carry it in X-API-Key.
type ServerConfig struct {
	Addr   string `json:"addr,omitempty"`    // default ":3001"
	APIKey string `json:"api_key,omitempty"` // do not log

	// Per-tenant request limit. 0 disables limiting.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"` // default "0s": broadcasts can run long
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	MaxUploadBytes  int64  `json:"max_upload_bytes,omitempty"` // default 64 MiB

	// Pprof serves /debug/pprof and /debug/state on the API listener, behind the API key.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the credential backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/linkmux.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
	ChunkSize   int    `json:"chunk_size,omitempty"`   // batch write chunk, default 50
}

// LinkConfig controls the connection supervisor.
//
// Defaults:
//   - transport: "loopback"
//   - connect_timeout, query_timeout: "60s"
//   - transient_delay: "3s", conflict_delay: "10s"
//   - max_reconnect_delay: "2m"
//   - max_reconnect_attempts: 0 (unlimited)
//   - resume_concurrency: 4
type LinkConfig struct {
	Transport         string            `json:"transport,omitempty"`
	TransportSettings map[string]string `json:"transport_settings,omitempty"`

	ConnectTimeout string `json:"connect_timeout,omitempty"`
	QueryTimeout   string `json:"query_timeout,omitempty"`

	TransientDelay       string  `json:"transient_delay,omitempty"`
	ConflictDelay        string  `json:"conflict_delay,omitempty"`
	MaxReconnectDelay    string  `json:"max_reconnect_delay,omitempty"`
	ReconnectJitter      float64 `json:"reconnect_jitter,omitempty"`
	MaxReconnectAttempts int     `json:"max_reconnect_attempts,omitempty"`

	ResumeOnStart     bool `json:"resume_on_start"`
	ResumeConcurrency int  `json:"resume_concurrency,omitempty"`
}

// BroadcastConfig controls the dispatcher.
//
// Defaults: pacing "1s" (use "off" to disable), retry_max 0, retry_delay
// "500ms", history_max 200, history_ttl "24h".
type BroadcastConfig struct {
	Pacing     string `json:"pacing,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`
	HistoryMax int    `json:"history_max,omitempty"`
	HistoryTTL string `json:"history_ttl,omitempty"`
}

type QRConfig struct {
	Size  int    `json:"size,omitempty"`  // pixels, default 256
	Level string `json:"level,omitempty"` // low, medium, high, highest
}

// MaintenanceConfig holds cron schedules ("off" disables a job).
type MaintenanceConfig struct {
	PruneSchedule  string `json:"prune_schedule,omitempty"`
	ReportSchedule string `json:"report_schedule,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	JobTimeout     string `json:"job_timeout,omitempty"`
}
