package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func TestRecordEventStoresNullables(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	s.RecordEvent(ctx, "check", 0, nil, false)

	var (
		userID  sql.NullInt64
		payload sql.NullString
		success int
	)
	err := s.db.QueryRow(
		`SELECT user_id, payload, success FROM events WHERE event_type = 'check'`).
		Scan(&userID, &payload, &success)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if userID.Valid {
		t.Fatalf("user_id = %v, want NULL", userID.Int64)
	}
	if payload.Valid {
		t.Fatalf("payload = %q, want NULL", payload.String)
	}
	if success != 0 {
		t.Fatalf("success = %d, want 0", success)
	}
}

func TestRecordEventStoresPayloadJSON(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	s.RecordEvent(ctx, "import", 5, map[string]any{"added": 2}, true)

	var payload string
	err := s.db.QueryRow(`SELECT payload FROM events WHERE event_type = 'import'`).Scan(&payload)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if payload != `{"added":2}` {
		t.Fatalf("payload = %q, want %q", payload, `{"added":2}`)
	}
}

func TestCountEventsSinceCutoff(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	s.RecordEvent(ctx, "broadcast", 0, nil, true)

	s.now = func() time.Time { return t0.Add(2 * time.Hour) }
	s.RecordEvent(ctx, "broadcast", 0, nil, true)

	n, err := s.CountEventsSince(ctx, "broadcast", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("CountEventsSince: %v", err)
	}
	if n != 1 {
		t.Fatalf("events since t0+1h = %d, want 1", n)
	}

	n, err = s.CountEventsSince(ctx, "broadcast", time.Time{})
	if err != nil {
		t.Fatalf("CountEventsSince zero cutoff: %v", err)
	}
	if n != 2 {
		t.Fatalf("all events = %d, want 2", n)
	}
}

func TestActivityByWeekdayBucketsInStoreTimezone(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	// 2025-06-02 is a Monday.
	monday := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	tuesday := monday.Add(24 * time.Hour)

	s.now = func() time.Time { return monday }
	s.RecordEvent(ctx, "check", 0, nil, true)
	s.RecordEvent(ctx, "check", 0, nil, true)

	s.now = func() time.Time { return tuesday }
	s.RecordEvent(ctx, "check", 0, nil, true)

	buckets, err := s.ActivityByWeekday(ctx, monday.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ActivityByWeekday: %v", err)
	}
	if len(buckets) != 7 {
		t.Fatalf("bucket count = %d, want all 7 weekdays", len(buckets))
	}
	if buckets[time.Monday] != 2 {
		t.Fatalf("monday = %d, want 2", buckets[time.Monday])
	}
	if buckets[time.Tuesday] != 1 {
		t.Fatalf("tuesday = %d, want 1", buckets[time.Tuesday])
	}
	if buckets[time.Sunday] != 0 {
		t.Fatalf("sunday = %d, want 0", buckets[time.Sunday])
	}
}

func TestStatsSnapshotDegradesGracefully(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	mustAdd(t, s, "one", "", "")
	if err := s.UpsertUser(ctx, UserProfile{UserID: 3, Username: "c"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if _, err := s.Check(ctx, "one", 3); err != nil {
		t.Fatalf("Check: %v", err)
	}

	snap := s.Stats(ctx)
	if snap.TotalUsers != 1 {
		t.Fatalf("TotalUsers = %d, want 1", snap.TotalUsers)
	}
	if snap.WhitelistEntries != 1 {
		t.Fatalf("WhitelistEntries = %d, want 1", snap.WhitelistEntries)
	}
	if snap.Checks24h != 1 || snap.SuccessfulChecks7d != 1 {
		t.Fatalf("check stats = %d/%d, want 1/1", snap.Checks24h, snap.SuccessfulChecks7d)
	}
	if len(snap.WeekdayActivity) != 7 {
		t.Fatalf("WeekdayActivity buckets = %d, want 7", len(snap.WeekdayActivity))
	}

	// A broken events table must zero the event metrics, not sink Stats.
	if _, err := s.db.Exec(`DROP TABLE events`); err != nil {
		t.Fatalf("drop events: %v", err)
	}
	snap = s.Stats(ctx)
	if snap.Checks24h != 0 {
		t.Fatalf("Checks24h after drop = %d, want 0", snap.Checks24h)
	}
	if snap.TotalUsers != 1 {
		t.Fatalf("TotalUsers after drop = %d, want 1", snap.TotalUsers)
	}
}
