package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "llmitm-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

// TestOpen tests database opening with WAL mode verification
func TestOpen(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if db == nil {
		t.Fatal("expected non-nil database")
	}

	var journalMode string
	err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("failed to query journal mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected WAL mode, got %s", journalMode)
	}

	var foreignKeys int
	err = db.conn.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
	if err != nil {
		t.Fatalf("failed to query foreign keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("expected foreign keys enabled, got %d", foreignKeys)
	}
}

// TestOpenWithConfig tests database opening with custom configuration
func TestOpenWithConfig(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "llmitm-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := Config{
		Path:            filepath.Join(tmpDir, "test.db"),
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		BusyTimeout:     3 * time.Second,
	}

	db, err := OpenWithConfig(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if db.Path() != cfg.Path {
		t.Errorf("expected path %s, got %s", cfg.Path, db.Path())
	}
}

// TestClose tests database closing
func TestClose(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}

	if err := db.conn.Ping(); err == nil {
		t.Error("expected error pinging closed database")
	}
}

// TestCloseNilConnection tests closing nil connection
func TestCloseNilConnection(t *testing.T) {
	db := &DB{conn: nil}
	if err := db.Close(); err != nil {
		t.Errorf("expected no error closing nil connection, got %v", err)
	}
}

// TestHealth tests database health check
func TestHealth(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Health(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := db.Health(ctx); err == nil {
		t.Error("expected error with cancelled context")
	}
}

// TestWithTx tests transaction commit
func TestWithTx(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	migrator := NewMigrator(db)
	if err := migrator.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO runs (id, target_profile, capture_mode, status)
			VALUES (?, ?, ?, ?)`,
			"run-1", "juice_shop", "replay", "pending")
		return err
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	var count int
	err = db.conn.QueryRow("SELECT COUNT(*) FROM runs WHERE id = ?", "run-1").Scan(&count)
	if err != nil {
		t.Fatalf("failed to query runs: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 run, got %d", count)
	}
}

// TestWithTxRollback tests transaction rollback
func TestWithTxRollback(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	migrator := NewMigrator(db)
	if err := migrator.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO runs (id, target_profile, capture_mode, status)
			VALUES (?, ?, ?, ?)`,
			"run-2", "juice_shop", "replay", "pending")
		if err != nil {
			return err
		}
		return sql.ErrTxDone
	})
	if err == nil {
		t.Fatal("expected transaction to fail")
	}

	var count int
	err = db.conn.QueryRow("SELECT COUNT(*) FROM runs WHERE id = ?", "run-2").Scan(&count)
	if err != nil {
		t.Fatalf("failed to query runs: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 runs (rolled back), got %d", count)
	}
}

// TestWithTxPanic tests transaction rollback on panic
func TestWithTxPanic(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	migrator := NewMigrator(db)
	if err := migrator.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic to be re-thrown")
		}
	}()

	db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO runs (id, target_profile, capture_mode, status)
			VALUES (?, ?, ?, ?)`,
			"run-panic", "juice_shop", "replay", "pending")
		if err != nil {
			return err
		}
		panic("test panic")
	})
}

// TestMigrate tests migration application
func TestMigrate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := NewMigrator(db)

	version, err := migrator.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}

	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	version, err = migrator.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 3 {
		t.Errorf("expected version 3, got %d", version)
	}

	tables := []string{"runs", "run_events", "snapshots"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}

	columns := []string{"phase", "checkpoint"}
	for _, column := range columns {
		var count int
		query := `SELECT COUNT(*) FROM pragma_table_info('runs') WHERE name=?`
		if err := db.conn.QueryRow(query, column).Scan(&count); err != nil {
			t.Fatalf("failed to check column %s: %v", column, err)
		}
		if count != 1 {
			t.Errorf("expected runs column %s to exist", column)
		}
	}
}

// TestMigrateIdempotent tests that migrations can be run multiple times
func TestMigrateIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := NewMigrator(db)

	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("first migrate failed: %v", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	version, err := migrator.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 3 {
		t.Errorf("expected version 3, got %d", version)
	}
}

// TestRollback tests migration rollback
func TestRollback(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := NewMigrator(db)

	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	if err := migrator.Rollback(ctx, 0); err != nil {
		t.Fatalf("failed to rollback: %v", err)
	}

	version, err := migrator.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}

	var count int
	query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='runs'`
	if err := db.conn.QueryRow(query).Scan(&count); err != nil {
		t.Fatalf("failed to check runs table: %v", err)
	}
	if count != 0 {
		t.Error("expected runs table to be dropped")
	}
}

// TestRollbackInvalidVersion tests rollback with invalid version
func TestRollbackInvalidVersion(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := NewMigrator(db)

	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	if err := migrator.Rollback(ctx, 999); err == nil {
		t.Error("expected error for future target version")
	}
}

// TestGetAppliedMigrations tests migration history retrieval
func TestGetAppliedMigrations(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := NewMigrator(db)

	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	migrations, err := migrator.GetAppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("failed to get applied migrations: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 applied migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "initial_schema" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[1].Version != 2 || migrations[1].Name != "snapshot_registry" {
		t.Errorf("unexpected second migration: %+v", migrations[1])
	}
	if migrations[2].Version != 3 || migrations[2].Name != "run_resume_checkpoint" {
		t.Errorf("unexpected third migration: %+v", migrations[2])
	}
}

// TestEventLogCascade verifies run_events rows are removed with their run
func TestEventLogCascade(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := NewMigrator(db)
	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	_, err := db.conn.Exec(`
		INSERT INTO runs (id, target_profile, capture_mode, status)
		VALUES (?, ?, ?, ?)`,
		"run-3", "dvwa", "replay", "pending")
	if err != nil {
		t.Fatalf("failed to insert run: %v", err)
	}

	for seq := 1; seq <= 3; seq++ {
		_, err := db.conn.Exec(`
			INSERT INTO run_events (run_id, sequence, type, payload)
			VALUES (?, ?, ?, ?)`,
			"run-3", seq, "step_start", `{"node_id":"n1"}`)
		if err != nil {
			t.Fatalf("failed to insert event %d: %v", seq, err)
		}
	}

	if _, err := db.conn.Exec("DELETE FROM runs WHERE id = ?", "run-3"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	var count int
	err = db.conn.QueryRow("SELECT COUNT(*) FROM run_events WHERE run_id = ?", "run-3").Scan(&count)
	if err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if count != 0 {
		t.Errorf("expected cascade delete of events, got %d remaining", count)
	}
}

// TestEventLogDuplicateSequence verifies the primary key rejects duplicate sequences
func TestEventLogDuplicateSequence(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := NewMigrator(db)
	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	_, err := db.conn.Exec(`
		INSERT INTO runs (id, target_profile, capture_mode, status)
		VALUES (?, ?, ?, ?)`,
		"run-4", "dvwa", "replay", "pending")
	if err != nil {
		t.Fatalf("failed to insert run: %v", err)
	}

	insert := `INSERT INTO run_events (run_id, sequence, type) VALUES (?, ?, ?)`
	if _, err := db.conn.Exec(insert, "run-4", 1, "run_start"); err != nil {
		t.Fatalf("failed to insert event: %v", err)
	}
	if _, err := db.conn.Exec(insert, "run-4", 1, "run_start"); err == nil {
		t.Error("expected duplicate sequence insert to fail")
	}
}

// TestCheckpoint tests WAL checkpoint operation
func TestCheckpoint(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Checkpoint(context.Background()); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
}

// TestVacuum tests database vacuum operation
func TestVacuum(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Vacuum(context.Background()); err != nil {
		t.Fatalf("vacuum failed: %v", err)
	}
}

// TestDefaultConfig tests default configuration
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/tmp/test.db")

	if cfg.Path != "/tmp/test.db" {
		t.Errorf("expected path /tmp/test.db, got %s", cfg.Path)
	}
	if cfg.MaxOpenConns != 10 {
		t.Errorf("expected MaxOpenConns 10, got %d", cfg.MaxOpenConns)
	}
	if cfg.BusyTimeout != 5*time.Second {
		t.Errorf("expected BusyTimeout 5s, got %v", cfg.BusyTimeout)
	}
}

// TestOpenErrors tests error handling in Open
func TestOpenErrors(t *testing.T) {
	_, err := Open("/nonexistent/path/db.sqlite")
	if err == nil {
		t.Error("expected error opening database in nonexistent directory")
	}
}
