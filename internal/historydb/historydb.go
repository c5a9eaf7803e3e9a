// Package historydb persists kernel input/output history across sessions in
// a sqlite database, the way notebook shells keep history.sqlite.
package historydb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	kernel "github.com/daios-ai/nbkernel"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Entry is one evaluated chunk.
type Entry struct {
	SessionID string
	Count     int
	Source    string
	// Output is the text/plain result, or the formatted error when Failed.
	Output    string
	Failed    bool
	CreatedAt time.Time
}

// Session summarizes one kernel lifetime.
type Session struct {
	ID        string
	Filename  string
	StartedAt time.Time
	EndedAt   sql.NullTime
	Entries   int
}

// Store is the history database.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and its directory) if needed, applies
// the embedded migrations and returns the store.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir history dir: %w", err)
	}
	if err := runMigrations(path); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)
	return &Store{db: db}, nil
}

// runMigrations applies all up migrations on a connection of its own;
// migrate closes its database driver when done.
func runMigrations(path string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite3://"+path)
	if err != nil {
		return err
	}
	defer m.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// now returns UTC time truncated to seconds (consistent with SQLite default).
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// StartSession registers a session. Starting a known id is a no-op.
func (s *Store) StartSession(ctx context.Context, id, filename string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, filename, started_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`, id, filename, now())
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// EndSession stamps the end time of a session.
func (s *Store) EndSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// Record appends an entry. A zero CreatedAt is set to now.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (session_id, execution_count, source, output, failed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Count, e.Source, e.Output, e.Failed, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries across all sessions, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, execution_count, source, output, failed, created_at
		 FROM (SELECT * FROM entries ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent entries: %w", err)
	}
	return scanEntries(rows)
}

// SessionEntries returns every entry of one session in evaluation order.
func (s *Store) SessionEntries(ctx context.Context, id string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, execution_count, source, output, failed, created_at
		 FROM entries WHERE session_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("session entries: %w", err)
	}
	return scanEntries(rows)
}

// Sessions lists the most recent sessions first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.filename, s.started_at, s.ended_at, COUNT(e.id)
		 FROM sessions s LEFT JOIN entries e ON e.session_id = s.id
		 GROUP BY s.id
		 ORDER BY s.started_at DESC, s.rowid DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var ss Session
		if err := rows.Scan(&ss.ID, &ss.Filename, &ss.StartedAt, &ss.EndedAt, &ss.Entries); err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SessionID, &e.Count, &e.Source, &e.Output, &e.Failed, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Recorder writes the evaluations of one kernel session. A nil *Recorder
// records nothing.
type Recorder struct {
	store   *Store
	session string
}

// Recorder starts (or resumes) session id and returns its recorder.
func (s *Store) Recorder(ctx context.Context, id, filename string) (*Recorder, error) {
	if err := s.StartSession(ctx, id, filename); err != nil {
		return nil, err
	}
	return &Recorder{store: s, session: id}, nil
}

// Record stores the outcome of one Eval.
func (r *Recorder) Record(ctx context.Context, src string, res kernel.Result, evalErr error) error {
	if r == nil {
		return nil
	}
	e := Entry{SessionID: r.session, Count: res.Count, Source: src}
	if evalErr != nil {
		e.Output, e.Failed = evalErr.Error(), true
	} else {
		e.Output = res.Data[kernel.MimePlain]
	}
	return r.store.Record(ctx, e)
}

// Close ends the session.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.store.EndSession(ctx, r.session)
}
