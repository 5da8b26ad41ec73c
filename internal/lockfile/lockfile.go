// Package lockfile prevents two Runner processes from managing the same
// state directory at once, which would otherwise flap the control-plane
// connection and race over the same workspace root. Grounded on the
// teacher's internal/lockfile package, which guards its own agent.lock the
// same way.
package lockfile

import (
	"errors"
	"fmt"
	"os"
)

// ErrAlreadyLocked means another process already holds this lock file.
var ErrAlreadyLocked = errors.New("lockfile: already held by another process")

// Lock is an acquired advisory file lock. Zero value is not usable; obtain
// one via Acquire.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive, non-blocking lock on path, creating the file
// if needed, and stamps it with the holding process's pid for operators
// diagnosing a stuck lock.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("lockfile: empty path")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

// Path returns the filesystem path backing this lock.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes the backing file. Safe to call on a nil Lock
// or more than once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
