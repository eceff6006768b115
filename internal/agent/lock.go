package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another agent holds the lock file.
var ErrAlreadyRunning = errors.New("another agent is already running for this device")

// DefaultLockPath returns the lock file used when none is configured.
func DefaultLockPath(deviceID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, deviceID)
	return filepath.Join(os.TempDir(), "sessionlog-agent-"+safe+".lock")
}

// AcquireLock takes an exclusive lock on path without blocking. Release it
// with Unlock.
func AcquireLock(path string) (*flock.Flock, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create lock directory: %w", err)
		}
	}

	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, path)
	}
	return lock, nil
}
