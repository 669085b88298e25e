package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run outcomes recorded in the history.
const (
	RunCompleted   = "completed"
	RunFailed      = "failed"
	RunInterrupted = "interrupted"
)

// RunRecord is one row of the run history.
type RunRecord struct {
	ID         uuid.UUID
	Backend    string // "webodm" or "nodeodm"
	Project    string
	ProjectID  int
	TaskID     string
	Status     string
	Asset      string
	Path       string
	Remote     string
	Bytes      int64
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store is a SQLite-backed run history. Writers from concurrent odmctl
// processes are serialized with a lock file next to the database.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, lock: flock.New(path + ".lock")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record inserts r, assigning an id when it has none.
func (s *Store) Record(ctx context.Context, r RunRecord) (uuid.UUID, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	ok, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return uuid.Nil, fmt.Errorf("acquire history lock: %w", err)
	}
	if !ok {
		return uuid.Nil, errors.New("acquire history lock: not acquired")
	}
	defer s.lock.Unlock()

	_, err = s.db.ExecContext(ctx, `INSERT INTO runs
		(id, backend, project, project_id, task_id, status, asset, path, remote, bytes, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Backend, r.Project, r.ProjectID, r.TaskID, r.Status, r.Asset, r.Path, r.Remote,
		r.Bytes, r.Error, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli())
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert run: %w", err)
	}
	return r.ID, nil
}

// List returns the most recent runs first. A non-positive limit returns all.
func (s *Store) List(ctx context.Context, limit int) ([]RunRecord, error) {
	q := `SELECT id, backend, project, project_id, task_id, status, asset, path, remote, bytes, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id`
	var args []interface{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			id                string
			started, finished int64
		)
		if err := rows.Scan(&id, &r.Backend, &r.Project, &r.ProjectID, &r.TaskID, &r.Status, &r.Asset,
			&r.Path, &r.Remote, &r.Bytes, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("scan run: bad id %q: %w", id, err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
