// internal/index/entry.go
package index

import (
	"bytes"
	"fmt"

	"stix/internal/hash"
)

// Mode is the file type and permission word stored per entry. Only the
// combinations below are produced by writers; anything else is carried
// through untouched.
type Mode uint32

const (
	ModeRegular    Mode = 0o100644
	ModeExecutable Mode = 0o100755
	ModeSymlink    Mode = 0o120000
	ModeSubmodule  Mode = 0o160000
	ModeDir        Mode = 0o040000 // sparse directory entries only
)

func (m Mode) IsRegular() bool   { return m&0o170000 == 0o100000 }
func (m Mode) IsSymlink() bool   { return m&0o170000 == 0o120000 }
func (m Mode) IsSubmodule() bool { return m == ModeSubmodule }
func (m Mode) IsDir() bool       { return m == ModeDir }

func (m Mode) String() string {
	return fmt.Sprintf("%06o", uint32(m))
}

// Stage is the merge-conflict slot of an entry: 0 for a normally staged
// path, 1 (base), 2 (ours) and 3 (theirs) during an unresolved merge.
type Stage uint8

// Stat is the cached filesystem snapshot used to decide whether a file
// needs re-hashing. All fields are truncated to 32 bits on disk.
type Stat struct {
	CTimeSec  uint32
	CTimeNsec uint32
	MTimeSec  uint32
	MTimeNsec uint32
	Dev       uint32
	Ino       uint32
	UID       uint32
	GID       uint32
	Size      uint32
}

func (s Stat) Equal(other Stat) bool { return s == other }

// Entry is one tracked path. Path keeps the original byte encoding; it
// is never normalized. For submodule entries ID names the referenced
// commit and no blob content exists.
type Entry struct {
	Path  []byte
	ID    hash.ObjectID
	Stage Stage
	Mode  Mode
	Stat  Stat

	AssumeValid  bool
	SkipWorktree bool
	IntentToAdd  bool
}

func (e *Entry) PathString() string { return string(e.Path) }

// extended reports whether the entry needs the version-3 extended flag
// word to be representable.
func (e *Entry) extended() bool { return e.SkipWorktree || e.IntentToAdd }

// compareKeys orders entries by path bytes, then stage.
func compareKeys(aPath []byte, aStage Stage, bPath []byte, bStage Stage) int {
	if c := bytes.Compare(aPath, bPath); c != 0 {
		return c
	}
	return int(aStage) - int(bStage)
}
