package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "wlbot.yaml", `
telegram:
  token: "123:abc"
  admin_user_ids: [10, 20]
  group_log: "-100123"
  poll_timeout: "10s"
logging:
  level: "info"
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: false
    thread_id: 0
    min_level: "error"
    rate_per_sec: 1
storage:
  path: "./data/wlbot.db"
  cache_ttl: "2m"
  default_category: "general"
  stats_timezone: "Europe/Berlin"
notifier:
  enabled: true
  workers: 2
  queue_size: 64
  rate_per_sec: 5
  retry_max: 3
maintenance:
  enabled: true
  export_cron: "0 3 * * *"
ops:
  enabled: true
  addr: "127.0.0.1:8701"
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminUserIDs) != 2 || cfg.Telegram.AdminUserIDs[1] != 20 {
		t.Fatalf("admin ids = %v", cfg.Telegram.AdminUserIDs)
	}
	if cfg.Storage.CacheTTL != "2m" || cfg.Storage.StatsTimezone != "Europe/Berlin" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Notifier == nil || cfg.Notifier.RatePerSec != 5 {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	if cfg.Maintenance == nil || cfg.Maintenance.ExportCron != "0 3 * * *" {
		t.Fatalf("maintenance = %+v", cfg.Maintenance)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "wlbot.yaml", `
telegram:
  token: "x"
  tokenn: "typo"
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("Load accepted an unknown key")
	}
}

func TestLoadRejectsTrailingJSON(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "wlbot.json", `{"telegram":{"token":"x"}}{"extra":1}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("Load accepted trailing data")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"150ms", 150 * time.Millisecond, false},
		{"2m", 2 * time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("test.field", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationField(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}

	d, err := ParseDurationOrDefault("test.field", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Fatalf("ParseDurationOrDefault = (%v, %v), want 7s", d, err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Telegram.AdminUserIDs = []int64{1}
	newCfg.Storage.Path = "./db"
	newCfg.Ops.Enabled = true

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	want := []string{"ops", "storage", "telegram"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs for changed sections")
	}

	changed, _ = SummarizeChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestSubscribePublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{}
	second.Telegram.Token = "new"

	m.publish(first)
	m.publish(second) // buffer full: oldest dropped, newest delivered

	got := <-ch
	if got.Telegram.Token != "new" {
		t.Fatalf("subscriber got stale config, token = %q", got.Telegram.Token)
	}
}
