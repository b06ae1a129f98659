// Package maintenance runs the background housekeeping jobs: scheduled CSV
// exports, SQLite WAL checkpoints and cache sweeps. Schedules are cron specs
// from the config; an empty spec disables that job.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wlbot/internal/storage"
	logx "wlbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string

	// ExportCron writes a timestamped CSV to the store's export dir.
	ExportCron string
	ExportName string

	// CheckpointCron truncates the SQLite WAL.
	CheckpointCron string

	// CacheSweepCron drops expired read-cache entries.
	CacheSweepCron string
}

// Validate checks the timezone and cron specs without starting anything.
// Empty specs are fine, they just disable that job.
func Validate(cfg Config) error {
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for field, spec := range map[string]string{
		"maintenance.export_cron":      cfg.ExportCron,
		"maintenance.checkpoint_cron":  cfg.CheckpointCron,
		"maintenance.cache_sweep_cron": cfg.CacheSweepCron,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: invalid spec %q: %w", field, spec, err)
		}
	}
	return nil
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store *storage.Store
	log   logx.Logger

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
}

func New(cfg Config, store *storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		store: store,
		log:   log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx // jobs run with their own bounded contexts

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Debug("maintenance disabled")
		return
	}
	s.startCronLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort: running jobs finish on their own timeouts
	}
	s.log.Info("maintenance stopped")
}

// Apply swaps the schedule config. Any change restarts the cron so new specs
// and timezone take effect; a no-op diff leaves running jobs alone.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == cfg {
		return
	}
	s.cfg = cfg

	if s.c != nil {
		// Async stop: Stop().Done() waits for in-flight jobs and we are
		// holding the mutex here.
		c := s.c
		s.c = nil
		go func() { <-c.Stop().Done() }()
	}
	if s.cfg.Enabled {
		s.startCronLocked()
	}
}

func (s *Service) startCronLocked() {
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	jobs := 0
	add := func(name, spec string, job func()) {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			return
		}
		if _, err := s.c.AddFunc(spec, job); err != nil {
			s.log.Warn("bad cron spec, job skipped",
				logx.String("job", name), logx.String("spec", spec), logx.Any("err", err))
			return
		}
		jobs++
		s.log.Debug("job scheduled", logx.String("job", name), logx.String("spec", spec))
	}

	add("export", s.cfg.ExportCron, s.runExport)
	add("checkpoint", s.cfg.CheckpointCron, s.runCheckpoint)
	add("cache_sweep", s.cfg.CacheSweepCron, s.runCacheSweep)

	s.c.Start()
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", jobs))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("unknown timezone, falling back to UTC", logx.String("tz", tz), logx.Any("err", err))
		return time.UTC
	}
	return loc
}

func (s *Service) exportName() string {
	s.mu.Lock()
	name := s.cfg.ExportName
	s.mu.Unlock()
	return name
}

func (s *Service) runExport() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	path, ok, err := s.store.ExportCSV(ctx, s.exportName())
	switch {
	case err != nil:
		s.log.Warn("scheduled export failed", logx.Any("err", err))
	case !ok:
		s.log.Debug("scheduled export skipped, whitelist empty")
	default:
		s.log.Info("scheduled export written", logx.String("path", path))
	}
}

func (s *Service) runCheckpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.store.Checkpoint(ctx); err != nil {
		s.log.Warn("wal checkpoint failed", logx.Any("err", err))
		return
	}
	s.log.Debug("wal checkpoint done")
}

func (s *Service) runCacheSweep() {
	n := s.store.SweepCaches()
	if n > 0 {
		s.log.Debug("cache sweep", logx.Int("dropped", n))
	}
}
