package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownDrivers = map[string]bool{
	"": true, "memory": true, "file": true,
	"sqlite": true, "sqlite3": true,
	"postgres": true, "postgresql": true, "pgx": true,
}

// Validate checks field formats and ranges. Cron schedules and transport names
// are checked by the components that own them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("server.read_timeout", cfg.Server.ReadTimeout)
	dur("server.write_timeout", cfg.Server.WriteTimeout)
	dur("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	if cfg.Server.RatePerSec < 0 || cfg.Server.Burst < 0 {
		add(errors.New("server.rate_per_sec and server.burst must be >= 0"))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		add(errors.New("server.max_upload_bytes must be >= 0"))
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if !knownDrivers[driver] {
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	switch driver {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", driver))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(fmt.Errorf("storage.dsn is required for driver %q", driver))
		}
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if cfg.Storage.ChunkSize < 0 || cfg.Storage.MaxConns < 0 {
		add(errors.New("storage.chunk_size and storage.max_conns must be >= 0"))
	}

	dur("link.connect_timeout", cfg.Link.ConnectTimeout)
	dur("link.query_timeout", cfg.Link.QueryTimeout)
	dur("link.transient_delay", cfg.Link.TransientDelay)
	dur("link.conflict_delay", cfg.Link.ConflictDelay)
	dur("link.max_reconnect_delay", cfg.Link.MaxReconnectDelay)
	if cfg.Link.ReconnectJitter < 0 || cfg.Link.ReconnectJitter >= 1 {
		add(errors.New("link.reconnect_jitter must be in [0, 1)"))
	}
	if cfg.Link.MaxReconnectAttempts < 0 || cfg.Link.ResumeConcurrency < 0 {
		add(errors.New("link.max_reconnect_attempts and link.resume_concurrency must be >= 0"))
	}

	if !IsOff(cfg.Broadcast.Pacing) {
		dur("broadcast.pacing", cfg.Broadcast.Pacing)
	}
	dur("broadcast.retry_delay", cfg.Broadcast.RetryDelay)
	dur("broadcast.history_ttl", cfg.Broadcast.HistoryTTL)
	if cfg.Broadcast.RetryMax < 0 || cfg.Broadcast.HistoryMax < 0 {
		add(errors.New("broadcast.retry_max and broadcast.history_max must be >= 0"))
	}

	if cfg.QR.Size < 0 || cfg.QR.Size > 2048 {
		add(errors.New("qr.size must be between 0 and 2048"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.QR.Level)) {
	case "", "low", "medium", "high", "highest":
	default:
		add(fmt.Errorf("qr.level: unknown level %q", cfg.QR.Level))
	}

	dur("maintenance.job_timeout", cfg.Maintenance.JobTimeout)
	return errors.Join(errs...)
}
