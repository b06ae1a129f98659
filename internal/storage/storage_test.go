package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "wlbot/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreCfg(t, nil)
}

func newTestStoreCfg(t *testing.T, mutate func(*Config)) *Store {
	t.Helper()

	dir := t.TempDir()
	cfg := Config{
		Path:                   filepath.Join(dir, "wlbot.db"),
		CacheTTL:               time.Minute,
		DefaultCategory:        "general",
		DefaultReason:          "added manually",
		PreserveAddressOnBlank: true,
		ExportDir:              filepath.Join(dir, "exports"),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := Open(cfg, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func eventCount(t *testing.T, s *Store, eventType string) int64 {
	t.Helper()
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = ?`, eventType).Scan(&n)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func mustAdd(t *testing.T, s *Store, value, category, reason string) Entry {
	t.Helper()
	res, err := s.Add(context.Background(), value, category, reason)
	if err != nil {
		t.Fatalf("Add(%q): %v", value, err)
	}
	if res.Outcome != AddOutcomeAdded {
		t.Fatalf("Add(%q) outcome = %v, want added", value, res.Outcome)
	}
	return res.Entry
}

func TestApplyUpdatesTunablesKeepsPath(t *testing.T) {
	s := newTestStore(t)
	orig := s.config()

	next := orig
	next.Path = "/nonsense/other.db"
	next.DefaultCategory = "imported"
	next.CacheTTL = 0
	next.StatsTimezone = "America/New_York"
	s.Apply(next)

	got := s.config()
	if got.Path != orig.Path {
		t.Fatalf("Path = %q, Apply must not change the open database", got.Path)
	}
	if got.DefaultCategory != "imported" {
		t.Fatalf("DefaultCategory = %q, want imported", got.DefaultCategory)
	}
	if s.location().String() != "America/New_York" {
		t.Fatalf("location = %s, want America/New_York", s.location())
	}

	// TTL 0 disables the read cache: the same Check hits the database twice.
	mustAdd(t, s, "apply@example.org", "", "")
	for i := 0; i < 2; i++ {
		if _, err := s.Check(context.Background(), "apply@example.org", 1); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}
	if n := s.checks.Len(); n != 0 {
		t.Fatalf("cache entries = %d, want 0 after disabling TTL", n)
	}
}

func TestApplyFallsBackToUTCOnBadTimezone(t *testing.T) {
	s := newTestStore(t)
	next := s.config()
	next.StatsTimezone = "Not/AZone"
	s.Apply(next)
	if s.location() != time.UTC {
		t.Fatalf("location = %s, want UTC fallback", s.location())
	}
}
