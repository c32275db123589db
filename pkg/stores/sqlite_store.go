package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath keeps the ledger in process memory.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	// Path is the database file, or MemoryPath.
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.Path == MemoryPath {
		// Every connection to :memory: opens a separate database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	} else {
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 4
		}
		if cfg.MaxIdleConns == 0 {
			cfg.MaxIdleConns = 2
		}
		if cfg.ConnMaxLifetime == 0 {
			cfg.ConnMaxLifetime = 30 * time.Minute
		}
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string { return s.cfg.Path }

func (s *SQLiteStore) dsn() string {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}
	if s.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func checkAffected(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// CreateExperiment creates a new experiment record
func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	now := time.Now()
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = now
	}
	exp.UpdatedAt = now

	query := `
		INSERT INTO experiments (id, name, state, workers, error, started_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		exp.ID,
		exp.Name,
		exp.State,
		exp.Workers,
		exp.Error,
		exp.StartedAt,
		exp.FinishedAt,
		exp.CreatedAt,
		exp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create experiment: %w", err)
	}
	return nil
}

// EnsureExperiment inserts a RUNNING experiment unless it already exists.
func (s *SQLiteStore) EnsureExperiment(ctx context.Context, id string, startedAt time.Time) error {
	now := time.Now()
	query := `
		INSERT OR IGNORE INTO experiments (id, name, state, workers, started_at, created_at, updated_at)
		VALUES (?, '', 'RUNNING', 0, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, id, startedAt, now, now); err != nil {
		return fmt.Errorf("failed to ensure experiment: %w", err)
	}
	return nil
}

// GetExperiment retrieves an experiment by ID
func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	query := `
		SELECT id, name, state, workers, error, started_at, finished_at, created_at, updated_at
		FROM experiments
		WHERE id = ?
	`

	exp := &Experiment{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&exp.ID,
		&exp.Name,
		&exp.State,
		&exp.Workers,
		&exp.Error,
		&exp.StartedAt,
		&exp.FinishedAt,
		&exp.CreatedAt,
		&exp.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return exp, nil
}

// UpdateExperimentState records a controller state change. Leaving
// RUNNING sets finished_at.
func (s *SQLiteStore) UpdateExperimentState(ctx context.Context, id, state string, errMsg *string) error {
	now := time.Now()
	query := `
		UPDATE experiments
		SET state = ?,
			error = COALESCE(?, error),
			finished_at = CASE WHEN ? != 'RUNNING' THEN COALESCE(finished_at, ?) ELSE finished_at END,
			updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, state, errMsg, state, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to update experiment state: %w", err)
	}
	return checkAffected(result, "experiment", id)
}

// SetExperimentInfo fills the name and worker count of an experiment.
func (s *SQLiteStore) SetExperimentInfo(ctx context.Context, id, name string, workers int) error {
	query := `UPDATE experiments SET name = CASE WHEN ? != '' THEN ? ELSE name END, workers = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, name, name, workers, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update experiment: %w", err)
	}
	return checkAffected(result, "experiment", id)
}

// ListExperiments lists experiments, newest first
func (s *SQLiteStore) ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error) {
	query := `
		SELECT id, name, state, workers, error, started_at, finished_at, created_at, updated_at
		FROM experiments
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	exps := []*Experiment{}
	for rows.Next() {
		exp := &Experiment{}
		err := rows.Scan(
			&exp.ID,
			&exp.Name,
			&exp.State,
			&exp.Workers,
			&exp.Error,
			&exp.StartedAt,
			&exp.FinishedAt,
			&exp.CreatedAt,
			&exp.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		exps = append(exps, exp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating experiments: %w", err)
	}
	return exps, nil
}

// UpsertResource inserts or updates the last known state of a resource
func (s *SQLiteStore) UpsertResource(ctx context.Context, res *Resource) error {
	now := time.Now()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now

	query := `
		INSERT INTO resources (exp_id, guid, type, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(exp_id, guid) DO UPDATE SET
			type = CASE WHEN excluded.type != '' THEN excluded.type ELSE resources.type END,
			state = excluded.state,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		res.ExpID,
		res.Guid,
		res.Type,
		res.State,
		res.CreatedAt,
		res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}
	return nil
}

// ListResources lists the resources of an experiment by guid
func (s *SQLiteStore) ListResources(ctx context.Context, expID string) ([]*Resource, error) {
	query := `
		SELECT exp_id, guid, type, state, created_at, updated_at
		FROM resources
		WHERE exp_id = ?
		ORDER BY guid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, expID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	out := []*Resource{}
	for rows.Next() {
		res := &Resource{}
		if err := rows.Scan(&res.ExpID, &res.Guid, &res.Type, &res.State, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return out, nil
}

// AppendTransition appends a resource state change
func (s *SQLiteStore) AppendTransition(ctx context.Context, tr *Transition) error {
	if tr.Timestamp.IsZero() {
		tr.Timestamp = time.Now()
	}

	query := `
		INSERT INTO transitions (exp_id, guid, from_state, to_state, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query, tr.ExpID, tr.Guid, tr.From, tr.To, tr.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get transition ID: %w", err)
	}
	tr.ID = id
	return nil
}

// ListTransitions lists the state changes of an experiment in insertion
// order, optionally for one guid
func (s *SQLiteStore) ListTransitions(ctx context.Context, expID string, guid *int64) ([]*Transition, error) {
	query := `
		SELECT id, exp_id, guid, from_state, to_state, timestamp
		FROM transitions
		WHERE exp_id = ?
		  AND (? IS NULL OR guid = ?)
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, expID, guid, guid)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	out := []*Transition{}
	for rows.Next() {
		tr := &Transition{}
		if err := rows.Scan(&tr.ID, &tr.ExpID, &tr.Guid, &tr.From, &tr.To, &tr.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return out, nil
}

// RecordTask stores the outcome of an executed task
func (s *SQLiteStore) RecordTask(ctx context.Context, task *TaskRecord) error {
	if task.CompletedAt.IsZero() {
		task.CompletedAt = time.Now()
	}

	query := `
		INSERT INTO tasks (exp_id, task_id, name, guid, status, error, duration_ms, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		task.ExpID,
		task.TaskID,
		task.Name,
		task.Guid,
		task.Status,
		task.Error,
		task.DurationMs,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get task ID: %w", err)
	}
	task.ID = id
	return nil
}

// ListTasks lists executed tasks of an experiment with optional status filter
func (s *SQLiteStore) ListTasks(ctx context.Context, expID string, status *string, limit, offset int) ([]*TaskRecord, error) {
	query := `
		SELECT id, exp_id, task_id, name, guid, status, error, duration_ms, completed_at
		FROM tasks
		WHERE exp_id = ?
		  AND (? IS NULL OR status = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, expID, status, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	out := []*TaskRecord{}
	for rows.Next() {
		task := &TaskRecord{}
		err := rows.Scan(
			&task.ID,
			&task.ExpID,
			&task.TaskID,
			&task.Name,
			&task.Guid,
			&task.Status,
			&task.Error,
			&task.DurationMs,
			&task.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO events (exp_id, guid, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.ExpID,
		event.Guid,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters, oldest first
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	if q.Limit <= 0 {
		q.Limit = -1
	}

	query := `
		SELECT id, exp_id, guid, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR exp_id = ?)
		  AND (? IS NULL OR guid = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		q.ExpID, q.ExpID,
		q.Guid, q.Guid,
		q.Level, q.Level,
		q.Limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.ExpID,
			&event.Guid,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// CreateRun records the start of a runner iteration
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	query := `
		INSERT INTO runs (id, name, run_index, exp_id, status, metric, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Name,
		run.Index,
		run.ExpID,
		run.Status,
		run.Metric,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// CompleteRun records the outcome of a runner iteration
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status RunStatus, metric *float64, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, metric = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, metric, errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return checkAffected(result, "run", id)
}

// ListRuns lists the iterations of a named experiment in order
func (s *SQLiteStore) ListRuns(ctx context.Context, name string) ([]*Run, error) {
	query := `
		SELECT id, name, run_index, exp_id, status, metric, error, started_at, completed_at
		FROM runs
		WHERE name = ?
		ORDER BY run_index ASC
	`

	rows, err := s.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID,
			&run.Name,
			&run.Index,
			&run.ExpID,
			&run.Status,
			&run.Metric,
			&run.Error,
			&run.StartedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
