package sqlite

import (
	"context"
	"fmt"
	"log"
)

// Migration is one ordered schema change. Each runs inside a transaction
// that also records its version, so a crash mid-migration cannot leave the
// schema and the ledger out of sync.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the append-only schema history. Versions must be unique
// and strictly ascending.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_events",
		SQL: `
CREATE TABLE IF NOT EXISTS events (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    start_date TIMESTAMP NOT NULL,
    status     TEXT NOT NULL DEFAULT 'pending',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	},
	{
		Version: 2,
		Name:    "create_scheduled_jobs",
		SQL: `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
    event_id       TEXT PRIMARY KEY REFERENCES events(id),
    event_name     TEXT NOT NULL,
    scheduled_time TIMESTAMP NOT NULL,
    status         TEXT NOT NULL DEFAULT 'scheduled',
    retry_count    INTEGER NOT NULL DEFAULT 0,
    error_message  TEXT,
    created_at     TIMESTAMP NOT NULL,
    updated_at     TIMESTAMP NOT NULL
)`,
	},
	{
		Version: 3,
		Name:    "add_status_indexes",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
CREATE INDEX IF NOT EXISTS idx_jobs_status_time ON scheduled_jobs(status, scheduled_time)`,
	},
}

const queryCreateMigrationsTable = `
CREATE TABLE IF NOT EXISTS migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
)`

const queryAppliedVersions = `
SELECT version FROM migrations ORDER BY version ASC
`

const queryRecordMigration = `
INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, ?)
`

// Migrate applies pending migrations in ascending version order.
func (s *Store) Migrate(ctx context.Context) error {
	return s.migrate(ctx, migrations)
}

func (s *Store) migrate(ctx context.Context, migs []Migration) error {
	if err := validateMigrations(migs); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, queryCreateMigrationsTable); err != nil {
		return fmt.Errorf("store: create migrations table: %w", err)
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("store: migration %03d_%s: %w", m.Version, m.Name, err)
		}
		log.Printf("store: applied migration %03d_%s", m.Version, m.Name)
	}
	return nil
}

// applyMigration runs one migration and records its version atomically.
func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryRecordMigration, m.Version, m.Name, s.clock().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, queryAppliedVersions)
	if err != nil {
		return nil, fmt.Errorf("store: read migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// validateMigrations rejects duplicate, out-of-order or gapped version
// numbers before anything touches the database.
func validateMigrations(migs []Migration) error {
	last := 0
	for _, m := range migs {
		if m.Version <= 0 {
			return fmt.Errorf("store: migration %q has non-positive version %d", m.Name, m.Version)
		}
		if m.Version == last {
			return fmt.Errorf("store: duplicate migration version %d", m.Version)
		}
		if m.Version != last+1 {
			return fmt.Errorf("store: migration versions must be contiguous: %d after %d", m.Version, last)
		}
		last = m.Version
	}
	return nil
}
