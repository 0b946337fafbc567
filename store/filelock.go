package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	lockWait       = 5 * time.Second
	lockPoll       = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// ErrLockTimeout matches any *LockTimeoutError.
var ErrLockTimeout = errors.New("store: timed out waiting for session lock")

// LockTimeoutError reports a session file that another process kept locked
// for longer than the store was willing to wait.
type LockTimeoutError struct {
	Path   string
	Holder int // PID recorded in the lock file, 0 when unreadable
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	if e.Holder > 0 {
		return fmt.Sprintf("session file %s is locked by process %d (waited %v)", e.Path, e.Holder, e.Waited)
	}
	return fmt.Sprintf("session file %s is locked (waited %v)", e.Path, e.Waited)
}

func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

// fileLock is an exclusive, cross-process lock on a session file, held by
// creating filePath+".lock".
type fileLock struct {
	path string
	file *os.File
}

// acquireFileLock waits up to wait for the lock on filePath. Lock files
// older than lockStaleAfter belong to a crashed writer and are removed.
func acquireFileLock(filePath string, wait time.Duration) (*fileLock, error) {
	lockPath := filePath + ".lock"
	deadline := time.Now().Add(wait)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			return &fileLock{path: lockPath, file: f}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		retryNow, err := breakStaleLock(lockPath)
		if err != nil {
			return nil, err
		}
		if retryNow {
			continue
		}
		if !time.Now().Before(deadline) {
			return nil, &LockTimeoutError{Path: lockPath, Holder: lockHolder(lockPath), Waited: wait}
		}
		time.Sleep(lockPoll)
	}
}

// breakStaleLock removes lockPath when it is stale. It reports true when the
// lock is gone and acquiring can be retried immediately.
func breakStaleLock(lockPath string) (bool, error) {
	info, err := os.Stat(lockPath)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist), nil
	}
	age := time.Since(info.ModTime())
	if age <= lockStaleAfter {
		return false, nil
	}

	holder := lockHolder(lockPath)
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, err)
	}
	log.Debug().
		Str("path", lockPath).
		Int("holder", holder).
		Dur("age", age).
		Msg("removed stale session lock")
	return true, nil
}

// lockHolder returns the PID written into lockPath, or 0.
func lockHolder(lockPath string) int {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// release closes and removes the lock file. A second release reports the
// missing file.
func (l *fileLock) release() error {
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	return os.Remove(l.path)
}
