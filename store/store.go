// Package store persists the client's session state (tokens, cached profile,
// conversation log) in a small string key-value store that survives restarts.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Keys owned by the API client. Nothing outside package api writes them.
const (
	KeyToken   = "token"
	KeyRefresh = "refresh"
	KeyProfile = "profile"
)

// KeyConversations holds the JSON-encoded conversation log.
const KeyConversations = "NOVABOT_CONVERSATIONS_V1"

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// Store is a string key-value store scoped to one backend origin.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the store for backend at path. namespace separates sessions
// for different API roots sharing the same file or database.
func Open(backend, path, namespace string) (Store, error) {
	if path == "" {
		p, err := DefaultPath(backend)
		if err != nil {
			return nil, err
		}
		path = p
	}

	switch backend {
	case "", BackendFile:
		return NewFileStore(path, namespace), nil
	case BackendSQLite:
		return NewSQLiteStore(path, namespace)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

// DefaultPath returns the per-user location for backend, under ~/.novabot.
func DefaultPath(backend string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	name := "session.json"
	if backend == BackendSQLite {
		name = "novabot.db"
	}
	return filepath.Join(home, ".novabot", name), nil
}
