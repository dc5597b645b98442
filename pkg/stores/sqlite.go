package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// SQLiteStore records runs and step samples in a SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a store handle; Init opens the database.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database, enables WAL mode and foreign keys, and brings
// the schema up to date.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("enabling foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// CreateRun inserts a run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	const query = `
		INSERT INTO runs (id, name, script, md_engine, natoms, timestep, status,
			exit_code, error, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Name, run.Script, run.MDEngine, run.Natoms, run.Timestep,
		run.Status, run.ExitCode, run.Error, run.StartedAt, run.CompletedAt,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	const query = `
		SELECT id, name, script, md_engine, natoms, timestep, status,
			exit_code, error, started_at, completed_at, created_at, updated_at
		FROM runs WHERE id = ?
	`
	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.Name, &run.Script, &run.MDEngine, &run.Natoms, &run.Timestep,
		&run.Status, &run.ExitCode, &run.Error, &run.StartedAt, &run.CompletedAt,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// FinishRun marks a run terminal: its status, exit code and error.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, exitCode int, errMsg *string) error {
	const query = `
		UPDATE runs SET status = ?, exit_code = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, status, exitCode, errMsg, now, now, id)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ListRuns lists runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	const query = `
		SELECT id, name, script, md_engine, natoms, timestep, status,
			exit_code, error, started_at, completed_at, created_at, updated_at
		FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(
			&run.ID, &run.Name, &run.Script, &run.MDEngine, &run.Natoms, &run.Timestep,
			&run.Status, &run.ExitCode, &run.Error, &run.StartedAt, &run.CompletedAt,
			&run.CreatedAt, &run.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordStep inserts one step sample. Re-recording a step replaces it,
// which keeps restarts idempotent.
func (s *SQLiteStore) RecordStep(ctx context.Context, sample *StepSample) error {
	const query = `
		INSERT OR REPLACE INTO steps (run_id, step, bias, active, outputs, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	outputs := sample.Outputs
	if outputs == "" {
		outputs = "{}"
	}
	_, err := s.db.ExecContext(ctx, query,
		sample.RunID, sample.Step, sample.Bias, sample.Active, outputs, sample.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("recording step %d: %w", sample.Step, err)
	}
	return nil
}

// Steps returns a run's samples in step order.
func (s *SQLiteStore) Steps(ctx context.Context, runID string, limit, offset int) ([]*StepSample, error) {
	const query = `
		SELECT run_id, step, bias, active, outputs, recorded_at
		FROM steps WHERE run_id = ? ORDER BY step ASC LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	defer rows.Close()

	var samples []*StepSample
	for rows.Next() {
		sm := &StepSample{}
		if err := rows.Scan(&sm.RunID, &sm.Step, &sm.Bias, &sm.Active, &sm.Outputs, &sm.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// CountSteps returns the number of recorded samples for a run.
func (s *SQLiteStore) CountSteps(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM steps WHERE run_id = ?", runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting steps: %w", err)
	}
	return n, nil
}

// DeleteRun removes a run and, via the schema's cascade, its samples.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
