package run

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/capture"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/database"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// Store provides persistence for run rows. All lifecycle writes go
// through UpdateStatus, which enforces the transition table inside a
// transaction so two controllers racing on the same run cannot both
// move it.
type Store interface {
	// Create persists a new run.
	Create(ctx context.Context, run *Run) error

	// Get retrieves a run by ID, or a RUN_NOT_FOUND error if absent.
	Get(ctx context.Context, id string) (*Run, error)

	// List retrieves all runs, newest first.
	List(ctx context.Context) ([]*Run, error)

	// UpdateStatus transitions the run's status, enforcing the lifecycle
	// table. errMsg is stored when non-empty and cleared otherwise. Phase
	// states are recorded in the phase column for resume; terminal and
	// stopped states set ended_at.
	UpdateStatus(ctx context.Context, id string, to Status, errMsg string) error

	// RequestStop sets the cooperative stop flag. Stopping a terminal
	// run returns RUN_ALREADY_TERMINAL.
	RequestStop(ctx context.Context, id string) error

	// StopRequested reads the stop flag.
	StopRequested(ctx context.Context, id string) (bool, error)

	// ClearStop clears the stop flag, done at the start of every session.
	ClearStop(ctx context.Context, id string) error

	// IncrementRepairs bumps the run-wide repair attempt counter.
	IncrementRepairs(ctx context.Context, id string) error

	// SaveCheckpoint stores the encoded execution checkpoint.
	SaveCheckpoint(ctx context.Context, id string, data []byte) error

	// LoadCheckpoint returns the stored checkpoint, or nil when the run
	// has none.
	LoadCheckpoint(ctx context.Context, id string) ([]byte, error)

	// Reset rewinds the run to pending and deletes its event log. This
	// deliberately bypasses the transition table; reset is the one
	// operation allowed to rewind a terminal run.
	Reset(ctx context.Context, id string) error
}

// DBStore implements Store using SQLite.
type DBStore struct {
	db *database.DB
}

// NewDBStore creates a new database-backed run store.
func NewDBStore(db *database.DB) *DBStore {
	return &DBStore{db: db}
}

const runColumns = `
	id, target_profile, capture_mode, status, phase, error,
	repair_limit, repairs_used, stop_requested,
	started_at, ended_at, created_at, updated_at
`

// Create persists a new run.
func (s *DBStore) Create(ctx context.Context, run *Run) error {
	if run == nil {
		return fmt.Errorf("run cannot be nil")
	}
	if err := run.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.TargetProfile,
		string(run.CaptureMode),
		string(run.Status),
		string(run.Phase),
		nullString(run.Error),
		run.RepairLimit,
		run.RepairsUsed,
		run.StopRequested,
		timePtr(run.StartedAt),
		timePtr(run.EndedAt),
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	return nil
}

// Get retrieves a run by ID.
func (s *DBStore) Get(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	run, err := s.scanRun(row)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.RUN_NOT_FOUND, fmt.Sprintf("run %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// List retrieves all runs, newest first.
func (s *DBStore) List(ctx context.Context) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	return s.scanRuns(rows)
}

// UpdateStatus transitions the run's status, enforcing the lifecycle table.
func (s *DBStore) UpdateStatus(ctx context.Context, id string, to Status, errMsg string) error {
	if !to.IsValid() {
		return fmt.Errorf("invalid run status: %s", to)
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			fromStr   string
			phaseStr  string
			startedAt sql.NullTime
		)
		err := tx.QueryRowContext(ctx,
			"SELECT status, phase, started_at FROM runs WHERE id = ?", id,
		).Scan(&fromStr, &phaseStr, &startedAt)
		if err == sql.ErrNoRows {
			return types.NewError(types.RUN_NOT_FOUND, fmt.Sprintf("run %s not found", id))
		}
		if err != nil {
			return fmt.Errorf("failed to read run status: %w", err)
		}

		from := Status(fromStr)
		if !from.CanTransitionTo(to) {
			if from.IsTerminal() {
				return types.NewError(types.RUN_ALREADY_TERMINAL,
					fmt.Sprintf("run %s is %s and cannot move to %s", id, from, to))
			}
			return types.NewError(types.RUN_INVALID_TRANSITION,
				fmt.Sprintf("run %s cannot move from %s to %s", id, from, to))
		}

		now := time.Now().UTC()

		phase := Status(phaseStr)
		if to.IsPhase() {
			phase = to
		}

		// started_at marks the first time the run left pending, across
		// stop/resume cycles.
		if !startedAt.Valid && to != StatusPending {
			startedAt = sql.NullTime{Time: now, Valid: true}
		}

		var endedAt interface{}
		if to.IsTerminal() || to == StatusStopped {
			endedAt = now
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET
				status = ?,
				phase = ?,
				error = ?,
				started_at = ?,
				ended_at = ?,
				updated_at = ?
			WHERE id = ?
		`,
			string(to),
			string(phase),
			nullString(errMsg),
			startedAt,
			endedAt,
			now,
			id,
		)
		if err != nil {
			return fmt.Errorf("failed to update run status: %w", err)
		}

		return nil
	})
}

// RequestStop sets the cooperative stop flag.
func (s *DBStore) RequestStop(ctx context.Context, id string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var statusStr string
		err := tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&statusStr)
		if err == sql.ErrNoRows {
			return types.NewError(types.RUN_NOT_FOUND, fmt.Sprintf("run %s not found", id))
		}
		if err != nil {
			return fmt.Errorf("failed to read run status: %w", err)
		}

		if Status(statusStr).IsTerminal() {
			return types.NewError(types.RUN_ALREADY_TERMINAL,
				fmt.Sprintf("run %s is already %s", id, statusStr))
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET stop_requested = 1, updated_at = ? WHERE id = ?",
			time.Now().UTC(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to request stop: %w", err)
		}

		return nil
	})
}

// StopRequested reads the stop flag.
func (s *DBStore) StopRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx,
		"SELECT stop_requested FROM runs WHERE id = ?", id,
	).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, types.NewError(types.RUN_NOT_FOUND, fmt.Sprintf("run %s not found", id))
	}
	if err != nil {
		return false, fmt.Errorf("failed to read stop flag: %w", err)
	}
	return flag, nil
}

// ClearStop clears the stop flag.
func (s *DBStore) ClearStop(ctx context.Context, id string) error {
	return s.exec(ctx, id,
		"UPDATE runs SET stop_requested = 0, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
}

// IncrementRepairs bumps the run-wide repair attempt counter.
func (s *DBStore) IncrementRepairs(ctx context.Context, id string) error {
	return s.exec(ctx, id,
		"UPDATE runs SET repairs_used = repairs_used + 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
}

// SaveCheckpoint stores the encoded execution checkpoint.
func (s *DBStore) SaveCheckpoint(ctx context.Context, id string, data []byte) error {
	return s.exec(ctx, id,
		"UPDATE runs SET checkpoint = ?, updated_at = ? WHERE id = ?",
		nullString(string(data)), time.Now().UTC(), id,
	)
}

// LoadCheckpoint returns the stored checkpoint, or nil when the run has none.
func (s *DBStore) LoadCheckpoint(ctx context.Context, id string) ([]byte, error) {
	var checkpoint sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT checkpoint FROM runs WHERE id = ?", id,
	).Scan(&checkpoint)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.RUN_NOT_FOUND, fmt.Sprintf("run %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !checkpoint.Valid || checkpoint.String == "" {
		return nil, nil
	}
	return []byte(checkpoint.String), nil
}

// Reset rewinds the run to pending and deletes its event log.
func (s *DBStore) Reset(ctx context.Context, id string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE runs SET
				status = ?,
				phase = '',
				checkpoint = NULL,
				error = NULL,
				repairs_used = 0,
				stop_requested = 0,
				started_at = NULL,
				ended_at = NULL,
				updated_at = ?
			WHERE id = ?
		`, string(StatusPending), time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to reset run: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return types.NewError(types.RUN_NOT_FOUND, fmt.Sprintf("run %s not found", id))
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM run_events WHERE run_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete run events: %w", err)
		}

		return nil
	})
}

// exec runs a single-row UPDATE and maps zero affected rows to RUN_NOT_FOUND.
func (s *DBStore) exec(ctx context.Context, id, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return types.NewError(types.RUN_NOT_FOUND, fmt.Sprintf("run %s not found", id))
	}

	return nil
}

// scanRun scans a single run from a query row.
func (s *DBStore) scanRun(scanner interface {
	Scan(dest ...interface{}) error
}) (*Run, error) {
	var r Run
	var (
		modeStr   string
		statusStr string
		phaseStr  string
		errorStr  sql.NullString
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)

	err := scanner.Scan(
		&r.ID,
		&r.TargetProfile,
		&modeStr,
		&statusStr,
		&phaseStr,
		&errorStr,
		&r.RepairLimit,
		&r.RepairsUsed,
		&r.StopRequested,
		&startedAt,
		&endedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.CaptureMode = capture.Mode(modeStr)
	r.Status = Status(statusStr)
	r.Phase = Status(phaseStr)

	if errorStr.Valid {
		r.Error = errorStr.String
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}

	return &r, nil
}

// scanRuns scans multiple runs from query rows.
func (s *DBStore) scanRuns(rows *sql.Rows) ([]*Run, error) {
	runs := make([]*Run, 0)

	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return runs, nil
}

// nullString maps an empty string to NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// timePtr maps a nil time pointer to NULL.
func timePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// Ensure DBStore implements Store at compile time.
var _ Store = (*DBStore)(nil)
