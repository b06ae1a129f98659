package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"wlbot/internal/config"
	"wlbot/internal/maintenance"
	"wlbot/internal/notifier"
	"wlbot/internal/observability/ops"
	"wlbot/internal/storage"
	logx "wlbot/pkg/logx"
)

// mapLogConfig translates the file config into the logx service config.
// The Telegram enable flag is carried as-is; NewApp flips it off for the
// bootstrap Apply and restores it once the target chat is set.
func mapLogConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "INFO", Console: true}
	}
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// groupLogChatID parses telegram.group_log as a chat id. Blank or
// unparseable means no Telegram log target.
func groupLogChatID(cfg *config.Config) (int64, bool) {
	if cfg == nil {
		return 0, false
	}
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, false
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || chatID == 0 {
		return 0, false
	}
	return chatID, true
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, fmt.Errorf("storage: config is nil")
	}
	sc := cfg.Storage

	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	// cache_ttl distinguishes "unset" (default) from an explicit "0s"
	// (cache disabled), so the default only fills a blank field.
	cacheTTL, err := config.ParseDurationField("storage.cache_ttl", sc.CacheTTL)
	if err != nil {
		return storage.Config{}, err
	}
	if strings.TrimSpace(sc.CacheTTL) == "" {
		cacheTTL = 5 * time.Minute
	}

	// Keeping a stored address on a blank upsert is the safer default;
	// an explicit false opts into overwrite semantics.
	preserve := true
	if sc.PreserveAddressOnBlank != nil {
		preserve = *sc.PreserveAddressOnBlank
	}

	if tz := strings.TrimSpace(sc.StatsTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return storage.Config{}, fmt.Errorf("storage.stats_timezone: invalid %q: %w", tz, err)
		}
	}

	return storage.Config{
		Path:                   path,
		BusyTimeout:            busy,
		CacheTTL:               cacheTTL,
		DefaultCategory:        strings.TrimSpace(sc.DefaultCategory),
		DefaultReason:          strings.TrimSpace(sc.DefaultReason),
		PreserveAddressOnBlank: preserve,
		StatsTimezone:          strings.TrimSpace(sc.StatsTimezone),
		ExportDir:              strings.TrimSpace(sc.ExportDir),
	}, nil
}

// mapNotifierConfig treats an omitted notifier block as enabled with the
// service's runtime defaults (the service normalizes zero workers/queue/rate).
func mapNotifierConfig(cfg *config.Config) notifier.Config {
	if cfg == nil || cfg.Notifier == nil {
		return notifier.Config{Enabled: true}
	}
	n := cfg.Notifier
	return notifier.Config{
		Enabled:    n.Enabled,
		Workers:    n.Workers,
		QueueSize:  n.QueueSize,
		RatePerSec: n.RatePerSec,
		RetryMax:   n.RetryMax,
	}
}

// mapMaintenanceConfig treats an omitted maintenance block as disabled.
func mapMaintenanceConfig(cfg *config.Config) maintenance.Config {
	if cfg == nil || cfg.Maintenance == nil {
		return maintenance.Config{}
	}
	m := cfg.Maintenance
	return maintenance.Config{
		Enabled:        m.Enabled,
		Timezone:       strings.TrimSpace(m.Timezone),
		ExportCron:     strings.TrimSpace(m.ExportCron),
		ExportName:     strings.TrimSpace(m.ExportName),
		CheckpointCron: strings.TrimSpace(m.CheckpointCron),
		CacheSweepCron: strings.TrimSpace(m.CacheSweepCron),
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	if cfg == nil {
		return ops.Config{}, nil
	}
	oc := cfg.Ops

	readTO, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// Write timeout defaults to 0 so pprof profile captures are not cut off.
	writeTO, err := config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 0)
	if err != nil {
		return ops.Config{}, err
	}
	idleTO, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}

	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   readTO,
		WriteTimeout:  writeTO,
		IdleTimeout:   idleTO,
	}, nil
}
