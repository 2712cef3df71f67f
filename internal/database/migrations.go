package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"
)

//go:embed schema.sql
var schemaSQL string

// Migration represents a single database migration
type Migration struct {
	Version     int
	Name        string
	AppliedAt   time.Time
	Description string
}

// Migrator handles database schema migrations
type Migrator interface {
	// Migrate runs all pending migrations
	Migrate(ctx context.Context) error

	// CurrentVersion returns the current schema version
	CurrentVersion(ctx context.Context) (int, error)

	// Rollback rolls back to a specific version
	Rollback(ctx context.Context, targetVersion int) error

	// GetAppliedMigrations returns all applied migrations
	GetAppliedMigrations(ctx context.Context) ([]Migration, error)
}

type migrator struct {
	db *DB
}

// NewMigrator creates a new migrator instance
func NewMigrator(db *DB) Migrator {
	return &migrator{db: db}
}

// migration defines a single migration with up and down functions
type migration struct {
	version int
	name    string
	up      func(tx *sql.Tx) error
	down    func(tx *sql.Tx) error
}

// migrations returns the full ordered list of migrations
func (m *migrator) migrations() []migration {
	return []migration{
		{
			version: 1,
			name:    "initial_schema",
			up: func(tx *sql.Tx) error {
				statements := splitSQL(schemaSQL)
				for _, stmt := range statements {
					if strings.TrimSpace(stmt) == "" {
						continue
					}
					if _, err := tx.Exec(stmt); err != nil {
						return fmt.Errorf("failed to execute statement: %w\nStatement: %s", err, stmt)
					}
				}
				return nil
			},
			down: func(tx *sql.Tx) error {
				tables := []string{"run_events", "runs"}
				for _, table := range tables {
					if _, err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
						return fmt.Errorf("failed to drop table %s: %w", table, err)
					}
				}
				return nil
			},
		},
		{
			version: 2,
			name:    "snapshot_registry",
			up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS snapshots (
						name TEXT PRIMARY KEY,
						path TEXT NOT NULL,
						node_count INTEGER NOT NULL DEFAULT 0,
						edge_count INTEGER NOT NULL DEFAULT 0,
						created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
					)
				`)
				if err != nil {
					return fmt.Errorf("failed to create snapshots table: %w", err)
				}
				return nil
			},
			down: func(tx *sql.Tx) error {
				if _, err := tx.Exec("DROP TABLE IF EXISTS snapshots"); err != nil {
					return fmt.Errorf("failed to drop snapshots table: %w", err)
				}
				return nil
			},
		},
		{
			version: 3,
			name:    "run_resume_checkpoint",
			up: func(tx *sql.Tx) error {
				// phase records the last phase the controller entered, so a
				// stopped run knows where to pick up. checkpoint carries the
				// current merged plan and per-node repair attempt counts.
				statements := []string{
					"ALTER TABLE runs ADD COLUMN phase TEXT NOT NULL DEFAULT ''",
					"ALTER TABLE runs ADD COLUMN checkpoint TEXT",
				}
				for _, stmt := range statements {
					if _, err := tx.Exec(stmt); err != nil {
						return fmt.Errorf("failed to execute statement: %w\nStatement: %s", err, stmt)
					}
				}
				return nil
			},
			down: func(tx *sql.Tx) error {
				statements := []string{
					"ALTER TABLE runs DROP COLUMN checkpoint",
					"ALTER TABLE runs DROP COLUMN phase",
				}
				for _, stmt := range statements {
					if _, err := tx.Exec(stmt); err != nil {
						return fmt.Errorf("failed to execute statement: %w\nStatement: %s", err, stmt)
					}
				}
				return nil
			},
		},
	}
}

// Migrate runs all pending migrations
func (m *migrator) Migrate(ctx context.Context) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, mig := range m.migrations() {
		if mig.version <= currentVersion {
			continue
		}

		if err := m.applyMigration(ctx, mig); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", mig.version, mig.name, err)
		}
	}

	return nil
}

// CurrentVersion returns the current schema version
func (m *migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64

	query := "SELECT MAX(version) FROM schema_migrations"
	err := m.db.conn.QueryRowContext(ctx, query).Scan(&version)
	if err != nil {
		if isTableNotExistError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query version: %w", err)
	}

	if !version.Valid {
		return 0, nil
	}

	return int(version.Int64), nil
}

// Rollback rolls back to a specific version
func (m *migrator) Rollback(ctx context.Context, targetVersion int) error {
	currentVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	if targetVersion >= currentVersion {
		return fmt.Errorf("target version %d must be less than current version %d", targetVersion, currentVersion)
	}

	migs := m.migrations()
	for i := len(migs) - 1; i >= 0; i-- {
		mig := migs[i]
		if mig.version <= targetVersion || mig.version > currentVersion {
			continue
		}

		if err := m.rollbackMigration(ctx, mig); err != nil {
			return fmt.Errorf("failed to rollback migration %d (%s): %w", mig.version, mig.name, err)
		}
	}

	return nil
}

// GetAppliedMigrations returns all applied migrations
func (m *migrator) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT version, name, applied_at
		FROM schema_migrations
		ORDER BY version ASC
	`

	rows, err := m.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		if err := rows.Scan(&mig.Version, &mig.Name, &mig.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		migrations = append(migrations, mig)
	}

	return migrations, rows.Err()
}

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist
func (m *migrator) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := m.db.conn.ExecContext(ctx, query)
	return err
}

// applyMigration applies a single migration within a transaction
func (m *migrator) applyMigration(ctx context.Context, mig migration) error {
	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := mig.up(tx); err != nil {
			return err
		}

		query := "INSERT INTO schema_migrations (version, name) VALUES (?, ?)"
		if _, err := tx.Exec(query, mig.version, mig.name); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}

		return nil
	})
}

// rollbackMigration rolls back a single migration within a transaction
func (m *migrator) rollbackMigration(ctx context.Context, mig migration) error {
	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := mig.down(tx); err != nil {
			return err
		}

		query := "DELETE FROM schema_migrations WHERE version = ?"
		if _, err := tx.Exec(query, mig.version); err != nil {
			return fmt.Errorf("failed to remove migration record: %w", err)
		}

		return nil
	})
}

// splitSQL splits a SQL script into individual statements.
// Comment lines are stripped first so semicolons inside comments
// do not produce phantom statements.
func splitSQL(script string) []string {
	cleaned := removeComments(script)
	statements := strings.Split(cleaned, ";")

	var result []string
	for _, stmt := range statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// removeComments strips SQL line comments from a script
func removeComments(script string) string {
	lines := strings.Split(script, "\n")
	var result []string

	for _, line := range lines {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		if strings.TrimSpace(line) != "" {
			result = append(result, line)
		}
	}

	return strings.Join(result, "\n")
}

// isTableNotExistError checks if the error indicates a missing table
func isTableNotExistError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "no such table")
}
