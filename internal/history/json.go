package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type jsonFile struct {
	Version int     `json:"version"`
	Runs    []Entry `json:"runs"`
}

// JSONStore keeps run history in a single JSON file.
type JSONStore struct {
	path string
	mu   sync.Mutex
}

// OpenJSON returns a store backed by path. The file is created on first append.
func OpenJSON(path string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create history directory")
	}
	return &JSONStore{path: path}, nil
}

func (s *JSONStore) load() (*jsonFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &jsonFile{Version: 1}, nil
		}
		return nil, errors.Wrap(err, "failed to read history")
	}
	var f jsonFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to parse history")
	}
	return &f, nil
}

func (s *JSONStore) save(f *jsonFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal history")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to write history")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "failed to replace history")
}

func (s *JSONStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	f.Runs = append(f.Runs, e)
	sort.SliceStable(f.Runs, func(i, j int) bool { return f.Runs[i].Time.Before(f.Runs[j].Time) })
	if n := len(f.Runs); n > MaxEntries {
		f.Runs = f.Runs[n-MaxEntries:]
	}
	return s.save(f)
}

func (s *JSONStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(f.Runs))
	for i := len(f.Runs) - 1; i >= 0; i-- {
		entries = append(entries, f.Runs[i])
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (s *JSONStore) Close() error { return nil }
