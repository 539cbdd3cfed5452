// Package history records the outcome of each sync run.
package history

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxEntries is how many runs are kept; older ones are dropped on append.
const MaxEntries = 100

// Entry is one recorded run.
type Entry struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Created int       `json:"created"`
	Updated int       `json:"updated"`
	Skipped int       `json:"skipped"`
	Errors  int       `json:"errors"`
	Note    string    `json:"note,omitempty"`
}

// Store persists run entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// List returns up to limit entries, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// NewEntry stamps a fresh entry with a run ID.
func NewEntry(at time.Time, created, updated, skipped, errs int, note string) Entry {
	return Entry{
		ID:      uuid.NewString(),
		Time:    at,
		Created: created,
		Updated: updated,
		Skipped: skipped,
		Errors:  errs,
		Note:    note,
	}
}

// Open returns a JSON store when path ends in .json and a SQLite store otherwise.
func Open(path string) (Store, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		s, err := OpenJSON(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

