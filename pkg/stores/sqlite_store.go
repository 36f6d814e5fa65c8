package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/stagehand/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore keeps the run history archive and the event log.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
	now  func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
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

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
		now:  time.Now,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
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

// ArchiveRun inserts or replaces the archived copy of a run.
func (s *SQLiteStore) ArchiveRun(ctx context.Context, state *engine.RunState) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("run state with a session id is required")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	query := `
		INSERT INTO runs (session_id, role, status, reboot_mode, start_time, archived_at,
			total_steps, completed_steps, failed_steps, reboot_count, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			role = excluded.role,
			status = excluded.status,
			reboot_mode = excluded.reboot_mode,
			archived_at = excluded.archived_at,
			total_steps = excluded.total_steps,
			completed_steps = excluded.completed_steps,
			failed_steps = excluded.failed_steps,
			reboot_count = excluded.reboot_count,
			state = excluded.state
	`

	_, err = s.db.ExecContext(ctx, query,
		state.SessionID,
		state.Role,
		string(state.Status),
		string(state.RebootMode),
		state.StartTime.UTC(),
		s.now().UTC(),
		state.TotalSteps,
		len(state.CompletedSteps),
		len(state.FailedSteps),
		state.RebootCount,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to archive run: %w", err)
	}

	return nil
}

const runColumns = `session_id, role, status, reboot_mode, start_time, archived_at,
	total_steps, completed_steps, failed_steps, reboot_count, state`

// GetRun retrieves an archived run by session id.
func (s *SQLiteStore) GetRun(ctx context.Context, sessionID string) (*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE session_id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns returns archived runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY start_time DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
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

// PruneRuns keeps the newest keep runs and deletes older runs with their events.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stale := `SELECT session_id FROM runs ORDER BY start_time DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE session_id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	return result.RowsAffected()
}

// Publish appends an engine event to the event log.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}

	var details *string
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
		d := string(data)
		details = &d
	}

	level := event.Level
	if level == "" {
		level = event.Type.Severity()
	}

	query := `
		INSERT INTO events (id, session_id, type, level, step, step_number, message, duration_ms, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.SessionID,
		string(event.Type),
		level,
		event.Step,
		event.StepNumber,
		event.Message,
		event.Duration.Milliseconds(),
		details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents returns events matching filter in timeline order.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, session_id, type, level, step, step_number, message, duration_ms, details, timestamp
		FROM events
		WHERE (? = '' OR session_id = ?)
		  AND (? = '' OR level = ?)
		  AND (? = '' OR type = ?)
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.SessionID, filter.SessionID,
		filter.Level, filter.Level,
		string(filter.Type), string(filter.Type),
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		var (
			event      EventRecord
			eventType  string
			step       sql.NullString
			stepNumber sql.NullInt64
			durationMS int64
			details    sql.NullString
		)
		err := rows.Scan(
			&event.ID,
			&event.SessionID,
			&eventType,
			&event.Level,
			&step,
			&stepNumber,
			&event.Message,
			&durationMS,
			&details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		event.Step = step.String
		event.StepNumber = int(stepNumber.Int64)
		event.Duration = time.Duration(durationMS) * time.Millisecond
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		run    RunRecord
		status string
		mode   string
		state  string
	)
	err := row.Scan(
		&run.SessionID,
		&run.Role,
		&status,
		&mode,
		&run.StartTime,
		&run.ArchivedAt,
		&run.TotalSteps,
		&run.CompletedSteps,
		&run.FailedSteps,
		&run.RebootCount,
		&state,
	)
	if err != nil {
		return nil, err
	}

	run.Status = engine.RunStatus(status)
	run.RebootMode = engine.RebootMode(mode)
	if state != "" {
		var rs engine.RunState
		if err := json.Unmarshal([]byte(state), &rs); err != nil {
			return nil, fmt.Errorf("failed to decode archived state: %w", err)
		}
		run.State = &rs
	}

	return &run, nil
}
