// Package keyring keeps the portal password in the OS credential store.
package keyring

import (
	"github.com/pkg/errors"
	"github.com/zalando/go-keyring"
)

// Service is the keyring service name entries are filed under.
const Service = "roster-sync"

var (
	// ErrNotFound is returned when no password is stored for the user.
	ErrNotFound = errors.New("password not found in keyring")
	// ErrKeyringUnavailable is returned when the OS keyring cannot be used.
	ErrKeyringUnavailable = errors.New("OS keyring is not available")
)

// Store reads and writes portal passwords keyed by username.
type Store struct {
	Service string
}

// New returns a Store using the default service name.
func New() *Store {
	return &Store{Service: Service}
}

// Get returns the password stored for username.
func (s *Store) Get(username string) (string, error) {
	if username == "" {
		return "", ErrNotFound
	}
	secret, err := keyring.Get(s.Service, username)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", errors.Wrapf(ErrKeyringUnavailable, "%v", err)
	}
	return secret, nil
}

// Set stores password for username, replacing any previous value.
func (s *Store) Set(username, password string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}
	if err := keyring.Set(s.Service, username, password); err != nil {
		return errors.Wrap(err, "failed to store password in keyring")
	}
	return nil
}

// Delete removes the password for username.
func (s *Store) Delete(username string) error {
	if err := keyring.Delete(s.Service, username); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrNotFound
		}
		return errors.Wrap(err, "failed to delete password from keyring")
	}
	return nil
}

// IsAvailable reports whether the OS keyring answers at all.
func (s *Store) IsAvailable() bool {
	_, err := keyring.Get(s.Service, "availability-check")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}
