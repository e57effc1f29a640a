// internal/index/table.go
package index

import (
	"bytes"
	"iter"
	"sort"
)

// Table is the ordered entry collection of one index file. Entries are
// kept strictly sorted by (path, stage) with no duplicates; lookups
// binary-search on that order. A Table is owned by the State that
// built it and is not safe for concurrent mutation.
type Table struct {
	entries []*Entry
	sorted  bool
}

func NewTable(capacity int) *Table {
	return &Table{entries: make([]*Entry, 0, capacity), sorted: true}
}

func (t *Table) Len() int { return len(t.entries) }

func (t *Table) At(i int) *Entry { return t.entries[i] }

// MarkUnsorted tells the table a caller mutated entry paths or stages
// in place. The next read re-sorts first.
func (t *Table) MarkUnsorted() { t.sorted = false }

// Resort restores (path, stage) order after in-place mutation.
func (t *Table) Resort() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		return compareKeys(a.Path, a.Stage, b.Path, b.Stage) < 0
	})
	t.sorted = true
}

func (t *Table) ensureSorted() {
	if !t.sorted {
		t.Resort()
	}
}

// search returns the position of (path, stage) or, when absent, the
// position it would be inserted at.
func (t *Table) search(path []byte, stage Stage) (int, bool) {
	t.ensureSorted()
	i := sort.Search(len(t.entries), func(i int) bool {
		e := t.entries[i]
		return compareKeys(e.Path, e.Stage, path, stage) >= 0
	})
	if i < len(t.entries) {
		e := t.entries[i]
		if compareKeys(e.Path, e.Stage, path, stage) == 0 {
			return i, true
		}
	}
	return i, false
}

// Lookup finds the entry for (path, stage).
func (t *Table) Lookup(path []byte, stage Stage) (*Entry, bool) {
	i, ok := t.search(path, stage)
	if !ok {
		return nil, false
	}
	return t.entries[i], true
}

// Upsert inserts or replaces the entry at its (path, stage) slot.
// Stage-0 and conflict-stage entries for one path are mutually
// exclusive: staging either kind removes the other.
func (t *Table) Upsert(e *Entry) {
	if e.Stage == 0 {
		t.removeStages(e.Path, 1, 2, 3)
	} else {
		t.removeStages(e.Path, 0)
	}
	i, ok := t.search(e.Path, e.Stage)
	if ok {
		t.entries[i] = e
		return
	}
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

// Remove deletes the entry at (path, stage), reporting whether one
// existed.
func (t *Table) Remove(path []byte, stage Stage) bool {
	i, ok := t.search(path, stage)
	if !ok {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return true
}

func (t *Table) removeStages(path []byte, stages ...Stage) {
	for _, s := range stages {
		t.Remove(path, s)
	}
}

// All iterates over every entry in (path, stage) order. The sequence
// is restartable.
func (t *Table) All() iter.Seq[*Entry] {
	return func(yield func(*Entry) bool) {
		t.ensureSorted()
		for _, e := range t.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// RangePrefix iterates, in order, over the entries whose path starts
// with prefix. The sequence is finite and restartable.
func (t *Table) RangePrefix(prefix []byte) iter.Seq[*Entry] {
	return func(yield func(*Entry) bool) {
		t.ensureSorted()
		i := sort.Search(len(t.entries), func(i int) bool {
			return bytes.Compare(t.entries[i].Path, prefix) >= 0
		})
		for ; i < len(t.entries); i++ {
			e := t.entries[i]
			if !bytes.HasPrefix(e.Path, prefix) {
				return
			}
			if !yield(e) {
				return
			}
		}
	}
}

// appendDecoded is the decoder's fast path: the caller guarantees
// ascending key order.
func (t *Table) appendDecoded(e *Entry) {
	t.entries = append(t.entries, e)
}
