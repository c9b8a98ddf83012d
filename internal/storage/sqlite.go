package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/forkharness/pkg/types"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string, logger *slog.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		deposit_asset TEXT NOT NULL,
		loan_asset TEXT NOT NULL,
		deposit_amount TEXT NOT NULL,
		delegated_amount TEXT NOT NULL,
		rate_mode INTEGER NOT NULL,
		dialect TEXT NOT NULL,
		status TEXT DEFAULT 'running',
		error_message TEXT,
		duration_ms INTEGER DEFAULT 0,
		passed INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		blocked INTEGER DEFAULT 0,
		aborted INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS step_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		path TEXT NOT NULL,
		depth INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		duration_ms INTEGER DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_step_results_run ON step_results(run_id, seq);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema; applied when missing.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "rpc_url", "ALTER TABLE runs ADD COLUMN rpc_url TEXT"},
		{"runs", "fork_block", "ALTER TABLE runs ADD COLUMN fork_block INTEGER"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				s.logger.Warn("migration failed",
					slog.String("table", m.table),
					slog.String("column", m.column),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Table and column names are validated to prevent SQL injection.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run record.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	status := run.Status
	if status == "" {
		status = types.RunRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, deposit_asset, loan_asset, deposit_amount, delegated_amount, rate_mode,
			dialect, status, rpc_url, fork_block)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.Pair.DepositAsset, run.Pair.LoanAsset, run.Pair.DepositAmount,
		run.Pair.DelegatedAmount, int(run.Pair.RateMode), run.Dialect, string(status),
		nullString(run.RPCURL), nullInt64(int64(run.ForkBlock)))

	return err
}

// CompleteRun records the final status and step counts of a run.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, id string, run *Run) error {
	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			status = ?,
			error_message = ?,
			duration_ms = ?,
			passed = ?,
			failed = ?,
			skipped = ?,
			blocked = ?,
			aborted = ?
		WHERE id = ?
	`, completedAt, string(run.Status), nullString(run.ErrorMessage), run.DurationMs,
		run.Passed, run.Failed, run.Skipped, run.Blocked, run.Aborted, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

const runColumns = `id, started_at, completed_at, deposit_asset, loan_asset, deposit_amount, delegated_amount,
	rate_mode, dialect, status, error_message, COALESCE(duration_ms, 0),
	COALESCE(passed, 0), COALESCE(failed, 0), COALESCE(skipped, 0), COALESCE(blocked, 0), COALESCE(aborted, 0),
	rpc_url, fork_block`

// GetRun retrieves a run and its step results. It returns nil if the run does not exist.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*RunDetail, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	steps, err := s.getStepResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: *run, Steps: steps}, nil
}

// ListRuns returns a page of runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+`
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and its step results.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

// InsertStepResults stores the step results of a run in a single transaction.
func (s *SQLiteStorage) InsertStepResults(ctx context.Context, runID string, steps []types.StepResult) error {
	if len(steps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO step_results (run_id, seq, path, depth, status, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, step := range steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, runID, i, step.Path, step.Depth, string(step.Status),
			nullString(step.Error), step.DurationMs)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStorage) getStepResults(ctx context.Context, runID string) ([]types.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, depth, status, error, COALESCE(duration_ms, 0)
		FROM step_results
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []types.StepResult{}
	for rows.Next() {
		var step types.StepResult
		var status string
		var errText sql.NullString
		if err := rows.Scan(&step.Path, &step.Depth, &status, &errText, &step.DurationMs); err != nil {
			return nil, err
		}
		step.Status = types.StepStatus(status)
		step.Error = errText.String
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var rateMode int
	var status string
	var errMsg, rpcURL sql.NullString
	var forkBlock sql.NullInt64

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt,
		&run.Pair.DepositAsset, &run.Pair.LoanAsset, &run.Pair.DepositAmount, &run.Pair.DelegatedAmount,
		&rateMode, &run.Dialect, &status, &errMsg, &run.DurationMs,
		&run.Passed, &run.Failed, &run.Skipped, &run.Blocked, &run.Aborted,
		&rpcURL, &forkBlock)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.Pair.RateMode = types.RateMode(rateMode)
	run.Status = types.RunStatus(status)
	run.ErrorMessage = errMsg.String
	run.RPCURL = rpcURL.String
	run.ForkBlock = uint64(forkBlock.Int64)
	return &run, nil
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
