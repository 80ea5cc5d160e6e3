package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema changes. Applied versions are
// tracked in schema_version; never edit a released migration, append one.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Create task_records, attempts and verdicts tables",
		SQL: `
CREATE TABLE IF NOT EXISTS task_records (
  id TEXT PRIMARY KEY,
  workflow TEXT NOT NULL DEFAULT '',
  task_id TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  context TEXT NOT NULL DEFAULT '[]',
  metadata TEXT NOT NULL DEFAULT '{}',
  state TEXT NOT NULL,
  final_result TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT '',
  attempt_count INTEGER NOT NULL DEFAULT 0,
  started_at INTEGER NOT NULL DEFAULT 0,
  finished_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attempts (
  record_id TEXT NOT NULL REFERENCES task_records(id) ON DELETE CASCADE,
  idx INTEGER NOT NULL,
  input_snapshot TEXT NOT NULL DEFAULT '[]',
  result TEXT NOT NULL DEFAULT '',
  side_effects TEXT NOT NULL DEFAULT '[]',
  err TEXT NOT NULL DEFAULT '',
  started_at INTEGER NOT NULL DEFAULT 0,
  duration_ns INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (record_id, idx)
);

CREATE TABLE IF NOT EXISTS verdicts (
  record_id TEXT NOT NULL REFERENCES task_records(id) ON DELETE CASCADE,
  idx INTEGER NOT NULL,
  is_adequate INTEGER NOT NULL,
  feedback TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (record_id, idx)
);
`,
	},
	{
		Version:     2,
		Description: "Add indexes for record listing and pruning",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_task_records_workflow ON task_records(workflow);
CREATE INDEX IF NOT EXISTS idx_task_records_state ON task_records(state);
CREATE INDEX IF NOT EXISTS idx_task_records_finished_at ON task_records(finished_at);
`,
	},
}

// MigrationVersion represents a record of an applied migration
type MigrationVersion struct {
	Version   int
	AppliedAt time.Time
}

// ApplyMigrations applies all pending migrations inside one serializable
// transaction so concurrent openers of the same file do not race.
func (s *Store) ApplyMigrations(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin exclusive transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure schema_version table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := tx.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if m.SQL != "" {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
			m.Version, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// GetAppliedVersions retrieves all applied migration versions
func (s *Store) GetAppliedVersions(ctx context.Context) ([]MigrationVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_version ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query schema versions: %w", err)
	}
	defer rows.Close()

	var versions []MigrationVersion
	for rows.Next() {
		var v MigrationVersion
		var at int64
		if err := rows.Scan(&v.Version, &at); err != nil {
			return nil, fmt.Errorf("scan schema version: %w", err)
		}
		v.AppliedAt = time.Unix(0, at)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// SchemaVersion returns the highest applied migration version, 0 when none.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return int(v.Int64), nil
}
