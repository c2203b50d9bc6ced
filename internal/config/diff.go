package config

import (
	"reflect"
	"sort"
	"strings"

	logx "linkmux/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (api key, DSN) are reported only as
// "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.api_key_set", strings.TrimSpace(newCfg.Server.APIKey) != ""),
			logx.Any("server.rate_per_sec", newCfg.Server.RatePerSec),
			logx.Bool("server.pprof", newCfg.Server.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Link, newCfg.Link) {
		changed = append(changed, "link")
		attrs = append(attrs,
			logx.String("link.transport", newCfg.Link.Transport),
			logx.String("link.transient_delay", newCfg.Link.TransientDelay),
			logx.String("link.conflict_delay", newCfg.Link.ConflictDelay),
			logx.String("link.max_reconnect_delay", newCfg.Link.MaxReconnectDelay),
			logx.Int("link.max_reconnect_attempts", newCfg.Link.MaxReconnectAttempts),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.pacing", newCfg.Broadcast.Pacing),
			logx.Int("broadcast.retry_max", newCfg.Broadcast.RetryMax),
			logx.Int("broadcast.history_max", newCfg.Broadcast.HistoryMax),
		)
	}

	if oldCfg.QR != newCfg.QR {
		changed = append(changed, "qr")
		attrs = append(attrs, logx.Int("qr.size", newCfg.QR.Size), logx.String("qr.level", newCfg.QR.Level))
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.prune_schedule", newCfg.Maintenance.PruneSchedule),
			logx.String("maintenance.report_schedule", newCfg.Maintenance.ReportSchedule),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
