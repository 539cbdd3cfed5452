package roster

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CachingFetcher writes every successful download to Dir as
// roster_YYYY-MM.ics before handing it on.
type CachingFetcher struct {
	Next Fetcher
	Dir  string
}

// NewCachingFetcher wraps next. An empty dir disables caching.
func NewCachingFetcher(next Fetcher, dir string) *CachingFetcher {
	return &CachingFetcher{Next: next, Dir: dir}
}

func (c *CachingFetcher) Fetch(ctx context.Context, month time.Time) ([]byte, error) {
	data, err := c.Next.Fetch(ctx, month)
	if err != nil {
		return nil, err
	}
	if c.Dir == "" {
		return data, nil
	}

	path := c.Path(month)
	if err := writeFileAtomic(path, data); err != nil {
		// The download itself succeeded; a cache failure is not fatal.
		log.Warn().Err(err).Str("path", path).Msg("Failed to cache roster download")
	} else {
		log.Debug().Str("path", path).Msg("Cached roster download")
	}
	return data, nil
}

// Path returns where the download for month is cached.
func (c *CachingFetcher) Path(month time.Time) string {
	return filepath.Join(c.Dir, "roster_"+Label(month)+".ics")
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create cache dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".roster-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename temp file")
	}
	return nil
}
