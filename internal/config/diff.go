package config

import (
	"reflect"
	"sort"
	"strings"

	logx "wlbot/pkg/logx"
)

// SummarizeChange reports which sections differ between two configs plus
// structured attrs safe for logging. Secrets (telegram token, ops token)
// never appear in the attrs, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.AdminUserIDs, newCfg.Telegram.AdminUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.PageSize != newCfg.Telegram.PageSize ||
		(oldCfg.Telegram.Token != "") != (newCfg.Telegram.Token != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.cache_ttl", strings.TrimSpace(newCfg.Storage.CacheTTL)),
			logx.String("storage.stats_timezone", strings.TrimSpace(newCfg.Storage.StatsTimezone)),
		)
	}

	oldN := derefNotifier(oldCfg.Notifier)
	newN := derefNotifier(newCfg.Notifier)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	oldM := derefMaintenance(oldCfg.Maintenance)
	newM := derefMaintenance(newCfg.Maintenance)
	if oldM != newM {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newM.Enabled),
			logx.Bool("maintenance.export_set", strings.TrimSpace(newM.ExportCron) != ""),
			logx.Bool("maintenance.checkpoint_set", strings.TrimSpace(newM.CheckpointCron) != ""),
			logx.Bool("maintenance.cache_sweep_set", strings.TrimSpace(newM.CacheSweepCron) != ""),
		)
	}

	if oldCfg.Ops.Enabled != newCfg.Ops.Enabled ||
		strings.TrimSpace(oldCfg.Ops.Addr) != strings.TrimSpace(newCfg.Ops.Addr) ||
		oldCfg.Ops.AllowInsecure != newCfg.Ops.AllowInsecure ||
		oldCfg.Ops.Pprof != newCfg.Ops.Pprof ||
		strings.TrimSpace(oldCfg.Ops.ReadTimeout) != strings.TrimSpace(newCfg.Ops.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Ops.WriteTimeout) != strings.TrimSpace(newCfg.Ops.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Ops.IdleTimeout) != strings.TrimSpace(newCfg.Ops.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Ops.Token) != "") != (strings.TrimSpace(newCfg.Ops.Token) != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefMaintenance(m *MaintenanceConfig) MaintenanceConfig {
	if m == nil {
		return MaintenanceConfig{}
	}
	return *m
}
