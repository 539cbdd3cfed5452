package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id      TEXT PRIMARY KEY,
	ts      INTEGER NOT NULL,
	created INTEGER NOT NULL,
	updated INTEGER NOT NULL,
	skipped INTEGER NOT NULL,
	errors  INTEGER NOT NULL,
	note    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS runs_ts ON runs (ts);
`

// SQLiteStore keeps run history in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create history directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open history database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create history schema")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, ts, created, updated, skipped, errors, note) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UnixNano(), e.Created, e.Updated, e.Skipped, e.Errors, e.Note)
	if err != nil {
		return errors.Wrap(err, "failed to insert run")
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY ts DESC, rowid DESC LIMIT ?)`,
		MaxEntries)
	if err != nil {
		return errors.Wrap(err, "failed to trim history")
	}

	return errors.Wrap(tx.Commit(), "failed to commit run")
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = MaxEntries
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, created, updated, skipped, errors, note FROM runs ORDER BY ts DESC, rowid DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query history")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.Created, &e.Updated, &e.Skipped, &e.Errors, &e.Note); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		e.Time = time.Unix(0, ts)
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "failed to read history")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
