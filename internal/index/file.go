// internal/index/file.go
package index

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"stix/internal/lockfile"
)

// File is an index state bound to its on-disk path, remembering the
// source stat so callers can detect replacement by another writer.
type File struct {
	*State
	Path string

	modTime time.Time
	size    int64
}

// Read opens and fully decodes the index file at path. The whole image
// is read in one pre-sized allocation; the mapping-style buffer is
// released before Read returns, so the same path can be reopened for
// writing immediately.
func Read(path string, opts DecodeOptions) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat of index %s: %w", path, err)
	}
	data := make([]byte, fi.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("reading index %s: %w", path, err)
	}
	state, err := Decode(data, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &File{
		State:   state,
		Path:    path,
		modTime: fi.ModTime(),
		size:    fi.Size(),
	}, nil
}

// Changed reports whether the file on disk no longer matches the
// snapshot this state was read from, by mtime and size.
func (f *File) Changed() (bool, error) {
	fi, err := os.Stat(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("stat of index %s: %w", f.Path, err)
	}
	return !fi.ModTime().Equal(f.modTime) || fi.Size() != f.size, nil
}

// Write commits the current state through the lock-and-rename
// protocol. On any failure the real index file is untouched; only the
// lock file can be left behind and it is removed on the way out.
// Contention surfaces as lockfile.ErrLocked without retrying.
func (f *File) Write() error {
	lk, err := lockfile.Acquire(f.Path)
	if err != nil {
		return err
	}
	if err := f.Encode(lk); err != nil {
		lk.Rollback()
		return err
	}
	if err := lk.Commit(); err != nil {
		return err
	}
	if fi, err := os.Stat(f.Path); err == nil {
		f.modTime = fi.ModTime()
		f.size = fi.Size()
	}
	return nil
}
