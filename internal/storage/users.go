package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	logx "wlbot/pkg/logx"
)

// UpsertUser records a user sighting. First sight inserts the row and emits
// a new_user event; later sights refresh the profile fields. When the store
// is configured to preserve addresses, a blank incoming delivery address is
// treated as "unknown" and the stored one survives the upsert.
func (s *Store) UpsertUser(ctx context.Context, p UserProfile) error {
	if p.UserID <= 0 {
		return fmt.Errorf("upsert user: invalid user id %d", p.UserID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM users WHERE user_id = ?`, p.UserID).Scan(&existing)
	isNew := errors.Is(err, sql.ErrNoRows)
	if err != nil && !isNew {
		return fmt.Errorf("upsert user: %w", err)
	}

	now := s.formatTime(s.now())
	addrExpr := "excluded.delivery_address"
	if s.config().PreserveAddressOnBlank {
		addrExpr = "COALESCE(excluded.delivery_address, users.delivery_address)"
	}

	cols := "user_id, username, first_name, last_name, delivery_address, joined_at"
	vals := "?, ?, ?, ?, ?, ?"
	set := "username = excluded.username, first_name = excluded.first_name, " +
		"last_name = excluded.last_name, delivery_address = " + addrExpr
	args := []any{
		p.UserID,
		nullStr(p.Username),
		nullStr(p.FirstName),
		nullStr(p.LastName),
		nullStr(p.DeliveryAddress),
		now,
	}
	if s.userActivity.Load() {
		cols += ", last_activity"
		vals += ", ?"
		set += ", last_activity = excluded.last_activity"
		args = append(args, now)
	}

	stmt := fmt.Sprintf(
		`INSERT INTO users (%s) VALUES (%s) ON CONFLICT(user_id) DO UPDATE SET %s`,
		cols, vals, set)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	if isNew {
		s.publish(EventNewUser, map[string]any{"user_id": p.UserID, "username": p.Username})
		s.RecordEvent(ctx, EventNewUser, p.UserID, map[string]any{"username": p.Username}, true)
		s.log.Info("new user", logx.Int64("user_id", p.UserID), logx.String("username", p.Username))
	}
	return nil
}

// TouchActivity bumps a user's last_activity timestamp. A no-op when the
// activity column is unavailable or the user is unknown.
func (s *Store) TouchActivity(ctx context.Context, userID int64) error {
	if !s.userActivity.Load() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_activity = ? WHERE user_id = ?`,
		s.formatTime(s.now()), userID)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// Recipients returns every user with a usable delivery address, the
// broadcast target set.
func (s *Store) Recipients(ctx context.Context) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, delivery_address FROM users
		 WHERE delivery_address IS NOT NULL AND TRIM(delivery_address) <> ''
		 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.UserID, &r.Address); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountUsers returns the total number of known users.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// CountUsersNewSince counts users whose first sighting is at or after cutoff.
func (s *Store) CountUsersNewSince(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE joined_at >= ?`,
		s.formatTime(cutoff)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count new users: %w", err)
	}
	return n, nil
}

// CountUsersActiveSince counts users active at or after cutoff. When the
// activity column is unavailable the total user count stands in, which
// overstates rather than hides activity.
func (s *Store) CountUsersActiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	if !s.userActivity.Load() {
		s.log.Warn("activity column unavailable, reporting total users as active")
		return s.CountUsers(ctx)
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE last_activity >= ?`,
		s.formatTime(cutoff)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return n, nil
}
