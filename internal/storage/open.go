package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"wlbot/internal/cache"
	"wlbot/internal/eventbus"
	logx "wlbot/pkg/logx"
)

// sqlTimeFormat is RFC3339 UTC with a fixed-width fraction so that
// lexicographic comparison in SQL matches chronological order.
const sqlTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Cache keys for the aggregate caches.
const (
	cacheKeyCount = "whitelist.count"
	cacheKeyList  = "whitelist.all"
)

// Store is the SQLite-backed persistence core. Safe for concurrent use; the
// database handle is limited to one connection and every operation is its own
// transaction or statement.
type Store struct {
	db  *sql.DB
	log logx.Logger
	bus eventbus.Bus

	// cfgMu guards cfg and loc; both are hot-reloadable via Apply.
	cfgMu sync.RWMutex
	cfg   Config
	loc   *time.Location

	checks *cache.TTL[string, CheckResult]
	counts *cache.TTL[string, int64]
	lists  *cache.TTL[string, []Entry]

	// userActivity reflects whether users.last_activity exists after
	// migration; CountUsersActiveSince degrades to CountUsers without it.
	userActivity atomic.Bool

	now func() time.Time
}

// Open creates the database file if needed, applies pragmas, ensures the
// schema and returns a ready store. bus may be nil.
func Open(cfg Config, log logx.Logger, bus eventbus.Bus) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.StatsTimezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("stats timezone %q: %w", tz, err)
		}
		loc = l
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{
		db:     db,
		cfg:    cfg,
		log:    log,
		bus:    bus,
		loc:    loc,
		checks: cache.New[string, CheckResult](cfg.CacheTTL),
		counts: cache.New[string, int64](cfg.CacheTTL),
		lists:  cache.New[string, []Entry](cfg.CacheTTL),
		now:    time.Now,
	}

	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Apply updates the tunable parts of the config: cache TTL, category/reason
// defaults, upsert address policy, stats timezone and export directory. Path
// and busy timeout stay as opened; changing those needs a restart.
func (s *Store) Apply(cfg Config) {
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.StatsTimezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("stats timezone invalid, keeping UTC", logx.String("tz", tz), logx.Err(err))
		}
	}

	s.cfgMu.Lock()
	prevTTL := s.cfg.CacheTTL
	cfg.Path = s.cfg.Path
	cfg.BusyTimeout = s.cfg.BusyTimeout
	s.cfg = cfg
	s.loc = loc
	s.cfgMu.Unlock()

	if cfg.CacheTTL != prevTTL {
		s.checks.SetTTL(cfg.CacheTTL)
		s.counts.SetTTL(cfg.CacheTTL)
		s.lists.SetTTL(cfg.CacheTTL)
		s.log.Info("whitelist cache ttl updated", logx.Duration("ttl", cfg.CacheTTL))
	}
}

// config returns a point-in-time copy for lock-free field reads.
func (s *Store) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Store) location() *time.Location {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.loc
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database file is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Checkpoint truncates the WAL. Driven by the maintenance service.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// SweepCaches drops expired cache entries and reports how many were removed.
func (s *Store) SweepCaches() int {
	return s.checks.Sweep() + s.counts.Sweep() + s.lists.Sweep()
}

// invalidateValue drops everything that could be stale after a write to one
// whitelist value: the per-value lookup plus all aggregates.
func (s *Store) invalidateValue(value string) {
	s.checks.Invalidate(value)
	s.counts.InvalidateAll()
	s.lists.InvalidateAll()
}

// invalidateWhitelist drops every cached whitelist read. Used by bulk paths.
func (s *Store) invalidateWhitelist() {
	s.checks.InvalidateAll()
	s.counts.InvalidateAll()
	s.lists.InvalidateAll()
}

func (s *Store) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func (s *Store) formatTime(t time.Time) string {
	return t.UTC().Format(sqlTimeFormat)
}

// querier covers *sql.DB and *sql.Tx so row-level helpers can run inside or
// outside an explicit transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
