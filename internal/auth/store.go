package auth

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// FileTokenStore is a file-based implementation of token storage.
type FileTokenStore struct {
	Path string
}

// NewFileTokenStore creates a new FileTokenStore with the given path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{Path: path}
}

// SaveToken saves an OAuth token to the file at store.Path with 0600 permissions.
func (store *FileTokenStore) SaveToken(token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return errors.Wrap(err, "failed to marshal token")
	}

	if err := os.MkdirAll(filepath.Dir(store.Path), 0o700); err != nil {
		return errors.Wrap(err, "failed to create token directory")
	}
	if err := os.WriteFile(store.Path, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to write token file")
	}

	return nil
}

// LoadToken loads an OAuth token from the file at store.Path.
// Returns nil, nil if the file does not exist. A file that cannot be decoded,
// or holds no usable token, is removed so the next run re-authorizes.
func (store *FileTokenStore) LoadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(store.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read token file")
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil || (token.AccessToken == "" && token.RefreshToken == "") {
		log.Warn().Err(err).Str("path", store.Path).Msg("Discarding corrupted token file")
		if rmErr := os.Remove(store.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, errors.Wrap(rmErr, "failed to remove corrupted token file")
		}
		return nil, nil
	}

	return &token, nil
}
