package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// sessionFile is the on-disk layout: one key-value map per namespace.
type sessionFile struct {
	Sessions map[string]map[string]string `json:"sessions"` // key = namespace
}

// FileStore keeps every namespace in a single JSON file. Writes take a lock
// file and replace the file atomically so concurrent processes never observe
// a partial write or drop each other's namespaces.
type FileStore struct {
	path      string
	namespace string
	lockWait  time.Duration
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path, namespace string) *FileStore {
	return &FileStore{path: path, namespace: namespace, lockWait: lockWait}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(key string) (string, error) {
	sf, err := s.read()
	if err != nil {
		return "", err
	}
	value, ok := sf.Sessions[s.namespace][key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *FileStore) Set(key, value string) error {
	return s.update(func(values map[string]string) {
		values[key] = value
	})
}

func (s *FileStore) Delete(key string) error {
	return s.update(func(values map[string]string) {
		delete(values, key)
	})
}

// Close is a no-op; the file is only open for the duration of each call.
func (s *FileStore) Close() error {
	return nil
}

// read loads the whole file. A missing file is an empty store.
func (s *FileStore) read() (*sessionFile, error) {
	var sf sessionFile
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &sf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return &sf, nil
}

// update applies fn to this namespace's map under the file lock.
func (s *FileStore) update(fn func(values map[string]string)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	lock, err := acquireFileLock(s.path, s.lockWait)
	if err != nil {
		var timeout *LockTimeoutError
		if errors.As(err, &timeout) {
			log.Warn().
				Str("path", s.path).
				Int("holder", timeout.Holder).
				Msg("session file is locked by another process")
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			log.Warn().Err(releaseErr).Str("path", s.path).Msg("failed to release lock")
		}
	}()

	// Re-read inside the lock; a corrupt file is replaced rather than fatal.
	sf, err := s.read()
	if err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("discarding unreadable session file")
		sf = &sessionFile{}
	}
	if sf.Sessions == nil {
		sf.Sessions = make(map[string]map[string]string)
	}
	values := sf.Sessions[s.namespace]
	if values == nil {
		values = make(map[string]string)
	}
	fn(values)
	if len(values) == 0 {
		delete(sf.Sessions, s.namespace)
	} else {
		sf.Sessions[s.namespace] = values
	}

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
