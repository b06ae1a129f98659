package storage

import (
	"context"
	"database/sql"
	"fmt"

	logx "wlbot/pkg/logx"
)

// Base schema. CREATE IF NOT EXISTS keeps a second run a no-op; older files
// that predate the category/reason/last_activity columns are brought forward
// by the column migrations below.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS whitelist (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	value     TEXT NOT NULL UNIQUE,
	category  TEXT NOT NULL DEFAULT '',
	reason    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	user_id          INTEGER PRIMARY KEY,
	username         TEXT,
	first_name       TEXT,
	last_name        TEXT,
	delivery_address TEXT,
	joined_at        TEXT NOT NULL,
	last_activity    TEXT
);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	user_id    INTEGER,
	timestamp  TEXT NOT NULL,
	payload    TEXT,
	success    INTEGER NOT NULL DEFAULT 1
);
`

// Indexes are created one by one and tolerate failure: an index on a column
// whose migration was skipped must not take the store down.
var indexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_events_type_time ON events(event_type, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_users_last_activity ON users(last_activity)`,
}

// columnMigration adds one column to an existing table. Steps are independent:
// one failing step is logged and skipped, the rest still run.
type columnMigration struct {
	table    string
	column   string
	alter    string
	backfill string
	// backfillArgs is evaluated at run time (backfills may need "now").
	backfillArgs func(s *Store) []any
}

func (s *Store) columnMigrations() []columnMigration {
	return []columnMigration{
		{
			table:    "whitelist",
			column:   "category",
			alter:    `ALTER TABLE whitelist ADD COLUMN category TEXT NOT NULL DEFAULT ''`,
			backfill: `UPDATE whitelist SET category = ? WHERE category = ''`,
			backfillArgs: func(s *Store) []any {
				return []any{s.config().DefaultCategory}
			},
		},
		{
			table:    "whitelist",
			column:   "reason",
			alter:    `ALTER TABLE whitelist ADD COLUMN reason TEXT NOT NULL DEFAULT ''`,
			backfill: `UPDATE whitelist SET reason = ? WHERE reason = ''`,
			backfillArgs: func(s *Store) []any {
				return []any{s.config().DefaultReason}
			},
		},
		{
			table:    "users",
			column:   "last_activity",
			alter:    `ALTER TABLE users ADD COLUMN last_activity TEXT`,
			backfill: `UPDATE users SET last_activity = ? WHERE last_activity IS NULL`,
			backfillArgs: func(s *Store) []any {
				return []any{s.formatTime(s.now())}
			},
		},
	}
}

// ensureSchema is idempotent and safe to run on every startup. It fails only
// when the base tables cannot be created; column and index steps are
// best-effort (logged and skipped on failure).
func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}

	s.runColumnMigrations(ctx, s.columnMigrations())

	for _, stmt := range indexSQL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.log.Warn("index creation skipped", logx.String("stmt", stmt), logx.Err(err))
		}
	}

	// Re-introspect: the activity column may be missing when its step failed.
	cols, err := s.tableColumns(ctx, "users")
	if err != nil {
		return fmt.Errorf("introspect users: %w", err)
	}
	s.userActivity.Store(cols["last_activity"])

	return nil
}

// runColumnMigrations applies each step whose column is still missing.
// Detection is by introspection, never a version counter, so a half-migrated
// file converges on every start.
func (s *Store) runColumnMigrations(ctx context.Context, steps []columnMigration) {
	for _, m := range steps {
		cols, err := s.tableColumns(ctx, m.table)
		if err != nil {
			s.log.Warn("schema introspection failed; migration step skipped",
				logx.String("table", m.table), logx.String("column", m.column), logx.Err(err))
			continue
		}
		if cols[m.column] {
			continue
		}

		if _, err := s.db.ExecContext(ctx, m.alter); err != nil {
			s.log.Warn("column migration failed; step skipped",
				logx.String("table", m.table), logx.String("column", m.column), logx.Err(err))
			continue
		}
		if m.backfill != "" {
			var args []any
			if m.backfillArgs != nil {
				args = m.backfillArgs(s)
			}
			if _, err := s.db.ExecContext(ctx, m.backfill, args...); err != nil {
				s.log.Warn("column backfill failed",
					logx.String("table", m.table), logx.String("column", m.column), logx.Err(err))
				continue
			}
		}
		s.log.Info("schema migrated",
			logx.String("table", m.table), logx.String("column", m.column))
	}
}

// tableColumns returns the column set of a table via PRAGMA table_info.
func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
