package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wlbot/internal/observability/metrics"
	logx "wlbot/pkg/logx"
)

// RecordEvent appends one row to the event log. It never returns an error:
// a lookup or mutation must not fail because its audit row did not land.
// Failures are logged and counted instead. userID <= 0 stores NULL, a nil
// payload stores NULL.
func (s *Store) RecordEvent(ctx context.Context, eventType string, userID int64, payload map[string]any, success bool) {
	var payloadArg any
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			s.log.Warn("event payload not serializable",
				logx.String("event_type", eventType), logx.Err(err))
		} else {
			payloadArg = string(b)
		}
	}

	var userArg any
	if userID > 0 {
		userArg = userID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_type, user_id, timestamp, payload, success)
		 VALUES (?, ?, ?, ?, ?)`,
		eventType, userArg, s.formatTime(s.now()), payloadArg, btoi(success))
	if err != nil {
		metrics.EventWriteFailures.Inc()
		s.log.Warn("event write failed",
			logx.String("event_type", eventType), logx.Err(err))
	}
}

// CountEventsSince counts events of one type at or after cutoff. A zero
// cutoff counts the whole log.
func (s *Store) CountEventsSince(ctx context.Context, eventType string, cutoff time.Time) (int64, error) {
	return s.countEvents(ctx, eventType, cutoff, false)
}

// CountSuccessfulEventsSince is CountEventsSince restricted to success rows.
func (s *Store) CountSuccessfulEventsSince(ctx context.Context, eventType string, cutoff time.Time) (int64, error) {
	return s.countEvents(ctx, eventType, cutoff, true)
}

func (s *Store) countEvents(ctx context.Context, eventType string, cutoff time.Time, successOnly bool) (int64, error) {
	stmt := `SELECT COUNT(*) FROM events WHERE event_type = ?`
	args := []any{eventType}
	if !cutoff.IsZero() {
		stmt += ` AND timestamp >= ?`
		args = append(args, s.formatTime(cutoff))
	}
	if successOnly {
		stmt += ` AND success = 1`
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// ActivityByWeekday buckets events at or after cutoff by weekday in the
// store's stats timezone. Weekdays without events are present with a zero,
// so callers render a stable seven-row table.
func (s *Store) ActivityByWeekday(ctx context.Context, cutoff time.Time) (map[time.Weekday]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp FROM events WHERE timestamp >= ?`,
		s.formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("weekday activity: %w", err)
	}
	defer rows.Close()

	loc := s.location()
	out := make(map[time.Weekday]int64, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		out[d] = 0
	}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("weekday activity: %w", err)
		}
		t, err := time.Parse(sqlTimeFormat, raw)
		if err != nil {
			s.log.Warn("unparseable event timestamp", logx.String("raw", raw))
			continue
		}
		out[t.In(loc).Weekday()]++
	}
	return out, rows.Err()
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
