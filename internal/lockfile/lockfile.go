// internal/lockfile/lockfile.go
//
// Crash-safe commit protocol for files that are replaced, never
// mutated in place. A sibling "<path>.lock" file is created with
// O_EXCL as the mutual-exclusion signal; the new content is streamed
// into it, synced, and renamed over the real path. Readers therefore
// always observe either the complete old file or the complete new one.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Suffix is appended to the target path to form the lock path.
const Suffix = ".lock"

// ErrLocked reports that another writer holds the lock. It is a
// retryable contention condition, distinct from I/O failures; no
// retry happens internally.
var ErrLocked = errors.New("lock file already held")

// Lock is an acquired write lock on a target path. Exactly one of
// Commit or Rollback must be called.
type Lock struct {
	target   string
	lockPath string
	f        *os.File
	w        *bufio.Writer
	done     bool
}

// Acquire creates the sibling lock file, failing with ErrLocked if it
// already exists. The target itself is left untouched.
func Acquire(target string) (*Lock, error) {
	lockPath := target + Suffix
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%s: %w", lockPath, ErrLocked)
		}
		return nil, fmt.Errorf("creating lock file %s: %w", lockPath, err)
	}
	return &Lock{
		target:   target,
		lockPath: lockPath,
		f:        f,
		w:        bufio.NewWriter(f),
	}, nil
}

// Path returns the lock file's own path.
func (l *Lock) Path() string { return l.lockPath }

// Write streams candidate content into the lock file.
func (l *Lock) Write(p []byte) (int, error) {
	if l.done {
		return 0, fmt.Errorf("writing to released lock for %s", l.target)
	}
	n, err := l.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("writing lock file %s: %w", l.lockPath, err)
	}
	return n, nil
}

// Commit flushes, syncs, and atomically renames the lock file over the
// target, releasing the lock.
func (l *Lock) Commit() error {
	if l.done {
		return fmt.Errorf("commit of released lock for %s", l.target)
	}
	if err := l.w.Flush(); err != nil {
		l.Rollback()
		return fmt.Errorf("flushing lock file %s: %w", l.lockPath, err)
	}
	if err := l.f.Sync(); err != nil {
		l.Rollback()
		return fmt.Errorf("syncing lock file %s: %w", l.lockPath, err)
	}
	if err := l.f.Close(); err != nil {
		l.Rollback()
		return fmt.Errorf("closing lock file %s: %w", l.lockPath, err)
	}
	if err := os.Rename(l.lockPath, l.target); err != nil {
		os.Remove(l.lockPath)
		l.done = true
		return fmt.Errorf("renaming %s over %s: %w", l.lockPath, l.target, err)
	}
	l.done = true
	return nil
}

// Rollback abandons the write, removing the lock file. It is a no-op
// after Commit or a previous Rollback, so it is safe to defer.
func (l *Lock) Rollback() error {
	if l.done {
		return nil
	}
	l.done = true
	l.f.Close()
	if err := os.Remove(l.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing lock file %s: %w", l.lockPath, err)
	}
	return nil
}
