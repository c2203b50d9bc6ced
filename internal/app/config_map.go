package app

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"linkmux/internal/broadcast"
	"linkmux/internal/config"
	"linkmux/internal/httpapi"
	"linkmux/internal/link"
	"linkmux/internal/maintenance"
	"linkmux/internal/qr"
	"linkmux/internal/storage"
	"linkmux/internal/transport"
	logx "linkmux/pkg/logx"
)

const (
	defaultAddr            = ":3001"
	defaultTransport       = "loopback"
	defaultShutdownTimeout = 10 * time.Second
)

// settings is the typed form of a config file.
type settings struct {
	log         logx.Config
	storage     storage.Config
	chunkSize   int
	transport   string
	link        link.Config
	resume      bool
	broadcast   broadcast.Config
	maintenance maintenance.Config
	http        httpapi.Options
	server      serverTimeouts
}

type serverTimeouts struct {
	addr     string
	read     time.Duration
	write    time.Duration
	shutdown time.Duration
}

// mapConfig converts and checks cfg. It is also the reload validator, so a
// config that maps cleanly is one every component accepts.
func mapConfig(cfg *config.Config) (settings, error) {
	if err := config.Validate(cfg); err != nil {
		return settings{}, err
	}
	var s settings
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	s.log = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}

	s.storage = storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		DSN:         strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout: dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 0),
		MaxConns:    cfg.Storage.MaxConns,
	}
	s.chunkSize = cfg.Storage.ChunkSize

	s.transport = strings.TrimSpace(cfg.Link.Transport)
	if s.transport == "" {
		s.transport = defaultTransport
	}
	if !slices.Contains(transport.Names(), s.transport) {
		errs = append(errs, fmt.Errorf("link.transport: unknown transport %q (have %s)",
			s.transport, strings.Join(transport.Names(), ", ")))
	}
	s.link = link.Config{
		ConnectTimeout:       dur("link.connect_timeout", cfg.Link.ConnectTimeout, link.DefaultConnectTimeout),
		QueryTimeout:         dur("link.query_timeout", cfg.Link.QueryTimeout, link.DefaultQueryTimeout),
		TransientDelay:       dur("link.transient_delay", cfg.Link.TransientDelay, link.DefaultTransientDelay),
		ConflictDelay:        dur("link.conflict_delay", cfg.Link.ConflictDelay, link.DefaultConflictDelay),
		MaxReconnectDelay:    dur("link.max_reconnect_delay", cfg.Link.MaxReconnectDelay, link.DefaultMaxReconnectDelay),
		ReconnectJitter:      cfg.Link.ReconnectJitter,
		MaxReconnectAttempts: cfg.Link.MaxReconnectAttempts,
		ResumeConcurrency:    cfg.Link.ResumeConcurrency,
		QR:                   qr.Options{Size: cfg.QR.Size, Level: cfg.QR.Level},
	}
	s.resume = cfg.Link.ResumeOnStart

	pacing := time.Duration(-1)
	if !config.IsOff(cfg.Broadcast.Pacing) {
		pacing = dur("broadcast.pacing", cfg.Broadcast.Pacing, broadcast.DefaultPacing)
	}
	s.broadcast = broadcast.Config{
		Pacing:     pacing,
		RetryMax:   cfg.Broadcast.RetryMax,
		RetryDelay: dur("broadcast.retry_delay", cfg.Broadcast.RetryDelay, broadcast.DefaultRetryDelay),
		HistoryMax: cfg.Broadcast.HistoryMax,
		HistoryTTL: dur("broadcast.history_ttl", cfg.Broadcast.HistoryTTL, 0),
	}

	s.maintenance = maintenance.Config{
		PruneSchedule:  cfg.Maintenance.PruneSchedule,
		ReportSchedule: cfg.Maintenance.ReportSchedule,
		Timezone:       cfg.Maintenance.Timezone,
		JobTimeout:     dur("maintenance.job_timeout", cfg.Maintenance.JobTimeout, 0),
	}
	if err := maintenance.Validate(s.maintenance); err != nil {
		errs = append(errs, err)
	}

	s.http = httpapi.Options{
		APIKey:         strings.TrimSpace(cfg.Server.APIKey),
		RatePerSec:     cfg.Server.RatePerSec,
		Burst:          cfg.Server.Burst,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Pprof:          cfg.Server.Pprof,
	}
	s.server = serverTimeouts{
		addr:     strings.TrimSpace(cfg.Server.Addr),
		read:     dur("server.read_timeout", cfg.Server.ReadTimeout, 0),
		write:    dur("server.write_timeout", cfg.Server.WriteTimeout, 0),
		shutdown: dur("server.shutdown_timeout", cfg.Server.ShutdownTimeout, defaultShutdownTimeout),
	}
	if s.server.addr == "" {
		s.server.addr = defaultAddr
	}

	if err := errors.Join(errs...); err != nil {
		return settings{}, err
	}
	return s, nil
}
