//go:build windows

package suppress

import (
	"errors"
	"sync"
)

// windowsLocks substitutes a process-wide mutex per lock path for the
// unix advisory file lock: tailpipe only ever runs one process per
// suppression file, so this gives the same mutual-exclusion guarantee
// the flock-based implementation provides on unix.
var (
	windowsLocksMu sync.Mutex
	windowsLocks   = map[string]*sync.Mutex{}
)

func acquireLock(lockPath string) (func() error, error) {
	windowsLocksMu.Lock()
	mu, ok := windowsLocks[lockPath]
	if !ok {
		mu = &sync.Mutex{}
		windowsLocks[lockPath] = mu
	}
	windowsLocksMu.Unlock()

	if !mu.TryLock() {
		return nil, errLockContended
	}
	return func() error {
		mu.Unlock()
		return nil
	}, nil
}

var errLockContended = errors.New("suppression lock contended")
