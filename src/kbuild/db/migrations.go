package db

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents a single schema migration
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrationRunner applies pending migrations in version order
type migrationRunner struct {
	db         *sql.DB
	migrations []Migration
}

func newMigrationRunner(db *sql.DB) *migrationRunner {
	r := &migrationRunner{
		db: db,
		migrations: []Migration{
			{
				Version:     1,
				Description: "Artifact history table",
				Up:          execStatements(artifactsTableSQL),
			},
			{
				Version:     2,
				Description: "Artifact lookup indexes",
				Up:          execStatements(artifactsIndexesSQL),
			},
		},
	}
	sort.Slice(r.migrations, func(i, j int) bool {
		return r.migrations[i].Version < r.migrations[j].Version
	})
	return r
}

const artifactsTableSQL = `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		device TEXT NOT NULL,
		variant TEXT NOT NULL,
		kernelsu BOOLEAN NOT NULL DEFAULT 0,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		sha256 TEXT NOT NULL,
		revision TEXT NOT NULL,
		kpm_patched BOOLEAN NOT NULL DEFAULT 0,
		build_seconds REAL NOT NULL DEFAULT 0,
		storage_key TEXT,
		created_at DATETIME NOT NULL
	)
`

const artifactsIndexesSQL = `
	CREATE INDEX IF NOT EXISTS idx_artifacts_device ON artifacts(device);
	CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at)
`

func execStatements(stmt string) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.Exec(stmt)
		return err
	}
}

func (r *migrationRunner) ensureMigrationsTable() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (r *migrationRunner) appliedVersions() (map[int]bool, error) {
	rows, err := r.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Run executes all pending migrations
func (r *migrationRunner) Run() error {
	if err := r.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	applied, err := r.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, m := range r.migrations {
		if applied[m.Version] {
			continue
		}
		if err := r.runMigration(m); err != nil {
			log.Error("Migration failed", "version", m.Version, "description", m.Description, "error", err)
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		log.Debug("Applied migration", "version", m.Version, "description", m.Description)
	}

	return nil
}

func (r *migrationRunner) runMigration(m Migration) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.Up(tx); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", m.Version, m.Description); err != nil {
		return err
	}
	return tx.Commit()
}
