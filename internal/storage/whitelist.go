package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"wlbot/internal/observability/metrics"
)

// Add inserts a value into the whitelist. A duplicate is a normal outcome,
// not an error: the unique constraint on value is the single authority, so
// two concurrent adds of the same value yield one Added and one Exists.
func (s *Store) Add(ctx context.Context, value, category, reason string) (AddResult, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return AddResult{}, ErrEmptyValue
	}
	cfg := s.config()
	if category == "" {
		category = cfg.DefaultCategory
	}
	if reason == "" {
		reason = cfg.DefaultReason
	}

	id, err := s.insertEntry(ctx, s.db, value, category, reason)
	switch {
	case err == nil:
		s.invalidateValue(value)
		s.publish(EventAddWhitelist, map[string]any{"value": value, "category": category})
		s.RecordEvent(ctx, EventAddWhitelist, 0, map[string]any{"value": value, "category": category}, true)
		metrics.WhitelistMutations.WithLabelValues("add", "added").Inc()
		return AddResult{
			Outcome: AddOutcomeAdded,
			Entry:   Entry{ID: id, Value: value, Category: category, Reason: reason},
		}, nil

	case isUniqueViolation(err):
		entry, gerr := s.entryByValue(ctx, value)
		if gerr != nil {
			return AddResult{}, fmt.Errorf("load existing entry: %w", gerr)
		}
		metrics.WhitelistMutations.WithLabelValues("add", "exists").Inc()
		return AddResult{Outcome: AddOutcomeExists, Entry: entry}, nil

	default:
		return AddResult{}, fmt.Errorf("insert whitelist entry: %w", err)
	}
}

// insertEntry is the single insert path, shared by Add and the CSV importer.
func (s *Store) insertEntry(ctx context.Context, q querier, value, category, reason string) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO whitelist (value, category, reason) VALUES (?, ?, ?)`,
		value, category, reason)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Check reports whether a value is whitelisted. Results are cached with a
// TTL; a hit never touches the database. Every call records a "check" event,
// cached or not, so the event log stays a complete usage record.
func (s *Store) Check(ctx context.Context, value string, userID int64) (CheckResult, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return CheckResult{}, ErrEmptyValue
	}

	result, cached := s.checks.Get(value)
	if cached {
		metrics.CacheEvents.WithLabelValues("checks", "hit").Inc()
	} else {
		metrics.CacheEvents.WithLabelValues("checks", "miss").Inc()
		entry, err := s.entryByValue(ctx, value)
		switch {
		case err == nil:
			result = CheckResult{Found: true, Entry: entry}
		case errors.Is(err, sql.ErrNoRows):
			result = CheckResult{Found: false}
		default:
			return CheckResult{}, fmt.Errorf("check whitelist: %w", err)
		}
		s.checks.Set(value, result)
	}

	outcome := "not_found"
	if result.Found {
		outcome = "found"
	}
	metrics.ChecksTotal.WithLabelValues(outcome).Inc()
	s.RecordEvent(ctx, EventCheck, userID, map[string]any{"value": value, "found": result.Found}, result.Found)
	return result, nil
}

// Remove deletes a value. The returned bool tells whether a row actually
// went away; removing an absent value is not an error.
func (s *Store) Remove(ctx context.Context, value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, ErrEmptyValue
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM whitelist WHERE value = ?`, value)
	if err != nil {
		return false, fmt.Errorf("delete whitelist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete whitelist entry: %w", err)
	}
	if n == 0 {
		metrics.WhitelistMutations.WithLabelValues("remove", "missing").Inc()
		return false, nil
	}

	s.invalidateValue(value)
	s.publish(EventRemoveWhitelist, map[string]any{"value": value})
	s.RecordEvent(ctx, EventRemoveWhitelist, 0, map[string]any{"value": value}, true)
	metrics.WhitelistMutations.WithLabelValues("remove", "removed").Inc()
	return true, nil
}

// Count returns the number of whitelist entries, cached alongside the list.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.counts.GetOrLoad(cacheKeyCount, func() (int64, error) {
		var n int64
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM whitelist`).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count whitelist: %w", err)
		}
		return n, nil
	})
}

// List returns one page of entries ordered by value, plus the total count.
// Pages are 1-based; perPage <= 0 returns everything. The full ordered list
// is what gets cached, pagination is an in-memory slice.
func (s *Store) List(ctx context.Context, page, perPage int) ([]Entry, int64, error) {
	all, err := s.lists.GetOrLoad(cacheKeyList, func() ([]Entry, error) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, value, category, reason FROM whitelist ORDER BY value`)
		if err != nil {
			return nil, fmt.Errorf("list whitelist: %w", err)
		}
		defer rows.Close()

		var entries []Entry
		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.ID, &e.Value, &e.Category, &e.Reason); err != nil {
				return nil, fmt.Errorf("scan whitelist entry: %w", err)
			}
			entries = append(entries, e)
		}
		return entries, rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}

	total := int64(len(all))
	if perPage <= 0 {
		return append([]Entry(nil), all...), total, nil
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	return append([]Entry(nil), all[start:end]...), total, nil
}

func (s *Store) entryByValue(ctx context.Context, value string) (Entry, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, value, category, reason FROM whitelist WHERE value = ?`, value).
		Scan(&e.ID, &e.Value, &e.Category, &e.Reason)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}
