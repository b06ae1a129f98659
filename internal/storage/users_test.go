package storage

import (
	"context"
	"testing"
	"time"
)

func TestUpsertEmitsNewUserOnce(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	p := UserProfile{UserID: 7, Username: "ann", FirstName: "Ann"}
	if err := s.UpsertUser(ctx, p); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	p.Username = "ann_v2"
	if err := s.UpsertUser(ctx, p); err != nil {
		t.Fatalf("second UpsertUser: %v", err)
	}

	if got := eventCount(t, s, EventNewUser); got != 1 {
		t.Fatalf("new_user events = %d, want 1", got)
	}

	var username string
	if err := s.db.QueryRow(`SELECT username FROM users WHERE user_id = 7`).Scan(&username); err != nil {
		t.Fatalf("read user: %v", err)
	}
	if username != "ann_v2" {
		t.Fatalf("username = %q, want refreshed %q", username, "ann_v2")
	}
}

func TestUpsertPreservesAddressOnBlank(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	p := UserProfile{UserID: 9, Username: "bob", DeliveryAddress: "9001"}
	if err := s.UpsertUser(ctx, p); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	p.DeliveryAddress = ""
	if err := s.UpsertUser(ctx, p); err != nil {
		t.Fatalf("blank UpsertUser: %v", err)
	}

	recipients, err := s.Recipients(ctx)
	if err != nil {
		t.Fatalf("Recipients: %v", err)
	}
	if len(recipients) != 1 || recipients[0].Address != "9001" {
		t.Fatalf("Recipients = %+v, want the original address kept", recipients)
	}
}

func TestUpsertClearsAddressWhenPolicyOff(t *testing.T) {
	t.Parallel()

	s := newTestStoreCfg(t, func(cfg *Config) { cfg.PreserveAddressOnBlank = false })
	ctx := context.Background()

	p := UserProfile{UserID: 9, Username: "bob", DeliveryAddress: "9001"}
	if err := s.UpsertUser(ctx, p); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	p.DeliveryAddress = ""
	if err := s.UpsertUser(ctx, p); err != nil {
		t.Fatalf("blank UpsertUser: %v", err)
	}

	recipients, err := s.Recipients(ctx)
	if err != nil {
		t.Fatalf("Recipients: %v", err)
	}
	if len(recipients) != 0 {
		t.Fatalf("Recipients = %+v, want none after address cleared", recipients)
	}
}

func TestActivityCounts(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }

	if err := s.UpsertUser(ctx, UserProfile{UserID: 1, Username: "a"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	n, err := s.CountUsersActiveSince(ctx, t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountUsersActiveSince: %v", err)
	}
	if n != 1 {
		t.Fatalf("active since t0-1h = %d, want 1", n)
	}

	n, err = s.CountUsersActiveSince(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("CountUsersActiveSince: %v", err)
	}
	if n != 0 {
		t.Fatalf("active since t0+1m = %d, want 0", n)
	}

	s.now = func() time.Time { return t0.Add(2 * time.Minute) }
	if err := s.TouchActivity(ctx, 1); err != nil {
		t.Fatalf("TouchActivity: %v", err)
	}
	n, err = s.CountUsersActiveSince(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("CountUsersActiveSince: %v", err)
	}
	if n != 1 {
		t.Fatalf("active after touch = %d, want 1", n)
	}

	n, err = s.CountUsersNewSince(ctx, t0.Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountUsersNewSince: %v", err)
	}
	if n != 1 {
		t.Fatalf("new since t0-1m = %d, want 1", n)
	}
}

func TestActiveCountDegradesWithoutActivityColumn(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		if err := s.UpsertUser(ctx, UserProfile{UserID: id}); err != nil {
			t.Fatalf("UpsertUser(%d): %v", id, err)
		}
	}

	s.userActivity.Store(false)
	n, err := s.CountUsersActiveSince(ctx, time.Now())
	if err != nil {
		t.Fatalf("CountUsersActiveSince: %v", err)
	}
	if n != 3 {
		t.Fatalf("degraded active count = %d, want total 3", n)
	}
}
