package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/batchos/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection: an in-memory database exists per connection, and a
	// single writer never sees SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	appsJSON, err := json.Marshal(run.Apps)
	if err != nil {
		return fmt.Errorf("marshal apps: %w", err)
	}
	exitJSON, err := json.Marshal(run.ExitCodes)
	if err != nil {
		return fmt.Errorf("marshal exit codes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, state, apps, switches, error, exit_codes, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.State), string(appsJSON), run.Switches, run.Error, string(exitJSON),
		run.StartedAt.Format(time.RFC3339Nano), formatTime(run.FinishedAt),
	)
	return err
}

// FinishRun records the outcome of a run. The stored state must allow the
// transition to run.State.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID, "state", run.State)

	current, err := s.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("run %s not found", run.ID)
	}
	if !current.State.CanTransitionTo(run.State) {
		return &model.InvalidTransitionError{
			Entity: "Run",
			ID:     run.ID,
			From:   current.State.String(),
			To:     run.State.String(),
		}
	}

	exitJSON, err := json.Marshal(run.ExitCodes)
	if err != nil {
		return fmt.Errorf("marshal exit codes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET state=?, switches=?, error=?, exit_codes=?, finished_at=? WHERE id=?`,
		string(run.State), run.Switches, run.Error, string(exitJSON), formatTime(run.FinishedAt), run.ID,
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, apps, switches, error, exit_codes, started_at, finished_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	whereSQL := ""
	var countArgs []any
	if opts.State != "" {
		whereSQL = " WHERE state = ?"
		countArgs = append(countArgs, string(opts.State))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, apps, switches, error, exit_codes, started_at, finished_at
		 FROM runs`+whereSQL+` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`,
		listArgs...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.Run, error) {
	var run model.Run
	var state, appsJSON, exitJSON, startedAt string
	var finishedAt sql.NullString
	if err := sc.Scan(&run.ID, &state, &appsJSON, &run.Switches, &run.Error, &exitJSON, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	run.State = model.RunState(state)
	if err := json.Unmarshal([]byte(appsJSON), &run.Apps); err != nil {
		return nil, fmt.Errorf("unmarshal apps: %w", err)
	}
	if err := json.Unmarshal([]byte(exitJSON), &run.ExitCodes); err != nil {
		return nil, fmt.Errorf("unmarshal exit codes: %w", err)
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

// --- Events ---

// AppendEvents stores a batch of events for a run in one transaction.
func (s *SQLiteStore) AppendEvents(ctx context.Context, runID string, events []model.Event) error {
	s.logger.Debug("sql", "op", "insert", "table", "events", "run_id", runID, "count", len(events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (run_id, seq, kind, task, next, from_status, to_status, code, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, runID, ev.Seq, string(ev.Kind), ev.Task, ev.Next,
			string(ev.From), string(ev.To), ev.Code, ev.Detail, ev.At.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert event %d: %w", ev.Seq, err)
		}
	}
	return tx.Commit()
}

// ListEvents returns a run's events in sequence order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]model.Event, error) {
	s.logger.Debug("sql", "op", "list", "table", "events", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, task, next, from_status, to_status, code, detail, at
		 FROM events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var ev model.Event
		var kind, from, to, at string
		if err := rows.Scan(&ev.Seq, &kind, &ev.Task, &ev.Next, &from, &to, &ev.Code, &ev.Detail, &at); err != nil {
			return nil, err
		}
		ev.Kind = model.EventKind(kind)
		ev.From = model.TaskStatus(from)
		ev.To = model.TaskStatus(to)
		ev.At, _ = time.Parse(time.RFC3339Nano, at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}
