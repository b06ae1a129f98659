package storage

import (
	"context"
	"time"

	logx "wlbot/pkg/logx"
)

// Stats assembles the aggregate usage snapshot. Each metric is computed
// independently; one failing query logs a warning and leaves its field at
// zero rather than sinking the whole snapshot.
func (s *Store) Stats(ctx context.Context) StatsSnapshot {
	now := s.now()
	day := now.Add(-24 * time.Hour)
	week := now.Add(-7 * 24 * time.Hour)

	snap := StatsSnapshot{GeneratedAt: now}

	snap.TotalUsers = s.statCount("total_users", func() (int64, error) {
		return s.CountUsers(ctx)
	})
	snap.ActiveUsers24 = s.statCount("active_users_24h", func() (int64, error) {
		return s.CountUsersActiveSince(ctx, day)
	})
	snap.ActiveUsers7d = s.statCount("active_users_7d", func() (int64, error) {
		return s.CountUsersActiveSince(ctx, week)
	})
	snap.NewUsers7d = s.statCount("new_users_7d", func() (int64, error) {
		return s.CountUsersNewSince(ctx, week)
	})
	snap.Checks24h = s.statCount("checks_24h", func() (int64, error) {
		return s.CountEventsSince(ctx, EventCheck, day)
	})
	snap.Checks7d = s.statCount("checks_7d", func() (int64, error) {
		return s.CountEventsSince(ctx, EventCheck, week)
	})
	snap.SuccessfulChecks7d = s.statCount("successful_checks_7d", func() (int64, error) {
		return s.CountSuccessfulEventsSince(ctx, EventCheck, week)
	})
	snap.WhitelistEntries = s.statCount("whitelist_entries", func() (int64, error) {
		return s.Count(ctx)
	})

	weekday, err := s.ActivityByWeekday(ctx, week)
	if err != nil {
		s.log.Warn("stat query failed", logx.String("stat", "weekday_activity"), logx.Err(err))
		weekday = make(map[time.Weekday]int64, 7)
		for d := time.Sunday; d <= time.Saturday; d++ {
			weekday[d] = 0
		}
	}
	snap.WeekdayActivity = weekday

	return snap
}

func (s *Store) statCount(name string, load func() (int64, error)) int64 {
	n, err := load()
	if err != nil {
		s.log.Warn("stat query failed", logx.String("stat", name), logx.Err(err))
		return 0
	}
	return n
}
