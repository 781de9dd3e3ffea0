// Package catalog keeps a queryable copy of checkpoint records in sqlite.
//
// The per-directory state file stays the source of truth; the catalog lets
// tools answer questions across directories and runs ("which run produced
// the best val_loss?") without walking the filesystem. Store implements
// checkpoint.Ledger.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/born-ml/savepoint/internal/checkpoint"
)

// Entry is one catalogued checkpoint.
type Entry struct {
	RunID string
	Dir   string
	checkpoint.Record
}

// Store is a sqlite-backed checkpoint catalog. Each Store opened gets its own
// run ID; records written through it are tagged with that ID.
type Store struct {
	db    *sql.DB
	runID string
}

var _ checkpoint.Ledger = (*Store)(nil)

// Open opens (creating if needed) the catalog database at path.
// ":memory:" gives a throwaway catalog.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open catalog %s", path)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, runID: uuid.NewString()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to migrate catalog")
	}
	return s, nil
}

// RunID identifies the records written through this Store.
func (s *Store) RunID() string { return s.runID }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS checkpoints (
  dir TEXT NOT NULL,
  path TEXT NOT NULL,
  seq INTEGER NOT NULL,
  id TEXT NOT NULL,
  run_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  epoch INTEGER NOT NULL DEFAULT 0,
  step INTEGER NOT NULL DEFAULT 0,
  logs TEXT NOT NULL DEFAULT '{}',
  bytes INTEGER NOT NULL DEFAULT 0,
  sha256 TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  PRIMARY KEY (dir, path)
);

CREATE INDEX IF NOT EXISTS checkpoints_run ON checkpoints(run_id);
`)
	return err
}

// Record implements checkpoint.Ledger. A record for an already catalogued
// path replaces it.
func (s *Store) Record(ctx context.Context, dir string, rec checkpoint.Record) error {
	logs, err := json.Marshal(rec.Logs)
	if err != nil {
		return errors.Wrap(err, "failed to encode logs")
	}
	if rec.Logs == nil {
		logs = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints(dir, path, seq, id, run_id, kind, epoch, step, logs, bytes, sha256, created_at)
VALUES(?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints), ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(dir, path) DO UPDATE SET
  seq=excluded.seq, id=excluded.id, run_id=excluded.run_id, kind=excluded.kind,
  epoch=excluded.epoch, step=excluded.step, logs=excluded.logs, bytes=excluded.bytes,
  sha256=excluded.sha256, created_at=excluded.created_at;
`, cleanDir(dir), rec.Path, rec.ID, s.runID, string(rec.Kind), rec.Epoch, rec.Step,
		string(logs), rec.Bytes, rec.SHA256, rec.CreatedAt.UnixNano())
	return errors.Wrapf(err, "failed to catalog %s", rec.Path)
}

// Forget implements checkpoint.Ledger.
func (s *Store) Forget(ctx context.Context, dir, path string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE dir=? AND path=?;", cleanDir(dir), path)
	return errors.Wrapf(err, "failed to forget %s", path)
}

const selectEntry = `
SELECT run_id, dir, id, path, kind, epoch, step, logs, bytes, sha256, created_at
FROM checkpoints`

// List returns the entries catalogued for dir, oldest first.
func (s *Store) List(ctx context.Context, dir string) ([]Entry, error) {
	return s.query(ctx, selectEntry+" WHERE dir=? ORDER BY seq;", cleanDir(dir))
}

// ListRun returns the entries written by run, oldest first.
func (s *Store) ListRun(ctx context.Context, runID string) ([]Entry, error) {
	return s.query(ctx, selectEntry+" WHERE run_id=? ORDER BY seq;", runID)
}

// Latest returns the most recent entry for dir, or an error wrapping
// checkpoint.ErrNoCheckpoint.
func (s *Store) Latest(ctx context.Context, dir string) (Entry, error) {
	entries, err := s.query(ctx, selectEntry+" WHERE dir=? ORDER BY seq DESC LIMIT 1;", cleanDir(dir))
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, errors.Wrapf(checkpoint.ErrNoCheckpoint, "catalog has nothing for %s", dir)
	}
	return entries[0], nil
}

// Dirs returns every directory with catalogued checkpoints.
func (s *Store) Dirs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT dir FROM checkpoints ORDER BY dir;")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query catalog")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			return nil, errors.Wrap(err, "failed to read catalog row")
		}
		out = append(out, dir)
	}
	return out, errors.Wrap(rows.Err(), "failed to query catalog")
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query catalog")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			kind    string
			logs    string
			created int64
		)
		if err := rows.Scan(&e.RunID, &e.Dir, &e.ID, &e.Path, &kind, &e.Epoch, &e.Step,
			&logs, &e.Bytes, &e.SHA256, &created); err != nil {
			return nil, errors.Wrap(err, "failed to read catalog row")
		}
		e.Kind = checkpoint.Kind(kind)
		e.CreatedAt = time.Unix(0, created).UTC()
		if err := json.Unmarshal([]byte(logs), &e.Logs); err != nil {
			return nil, errors.Wrapf(err, "corrupt logs for %s", e.Path)
		}
		if len(e.Logs) == 0 {
			e.Logs = nil
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "failed to query catalog")
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func cleanDir(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}
