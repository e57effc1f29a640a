package index

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireOrdered asserts the table's core invariant: strictly
// ascending (path, stage), hence no duplicates.
func requireOrdered(t *testing.T, tbl *Table) {
	t.Helper()
	for i := 1; i < tbl.Len(); i++ {
		a, b := tbl.At(i-1), tbl.At(i)
		require.Negative(t, compareKeys(a.Path, a.Stage, b.Path, b.Stage),
			"entry %d (%q, %d) must sort before (%q, %d)", i-1, a.Path, a.Stage, b.Path, b.Stage)
	}
}

func TestTableUpsertKeepsOrder(t *testing.T) {
	paths := []string{"zoo.go", "a.go", "m/n.go", "m/a.go", "b.go", "m.go", "a/b.go"}
	rng := rand.New(rand.NewSource(7))

	tbl := NewTable(0)
	for i := 0; i < 200; i++ {
		p := paths[rng.Intn(len(paths))]
		switch rng.Intn(3) {
		case 0:
			tbl.Upsert(testEntry(p, 0))
		case 1:
			tbl.Upsert(testEntry(p, Stage(1+rng.Intn(3))))
		default:
			tbl.Remove([]byte(p), Stage(rng.Intn(4)))
		}
		requireOrdered(t, tbl)
	}
}

func TestTableUpsertReplaces(t *testing.T) {
	tbl := NewTable(0)
	tbl.Upsert(testEntry("a.go", 0))
	e := testEntry("a.go", 0)
	e.Stat.Size = 999
	tbl.Upsert(e)

	require.Equal(t, 1, tbl.Len())
	got, ok := tbl.Lookup([]byte("a.go"), 0)
	require.True(t, ok)
	assert.Equal(t, uint32(999), got.Stat.Size)
}

func TestConflictExclusivity(t *testing.T) {
	t.Run("Stage0EvictsConflicts", func(t *testing.T) {
		tbl := NewTable(0)
		tbl.Upsert(testEntry("f.go", 1))
		tbl.Upsert(testEntry("f.go", 2))
		tbl.Upsert(testEntry("f.go", 3))
		require.Equal(t, 3, tbl.Len())

		tbl.Upsert(testEntry("f.go", 0))
		require.Equal(t, 1, tbl.Len())
		_, ok := tbl.Lookup([]byte("f.go"), 0)
		assert.True(t, ok)
	})

	t.Run("ConflictEvictsStage0", func(t *testing.T) {
		tbl := NewTable(0)
		tbl.Upsert(testEntry("f.go", 0))
		tbl.Upsert(testEntry("other.go", 0))

		tbl.Upsert(testEntry("f.go", 2))
		_, ok := tbl.Lookup([]byte("f.go"), 0)
		assert.False(t, ok)
		_, ok = tbl.Lookup([]byte("f.go"), 2)
		assert.True(t, ok)
		_, ok = tbl.Lookup([]byte("other.go"), 0)
		assert.True(t, ok, "unrelated paths must stay")
	})
}

func TestTableRemove(t *testing.T) {
	tbl := NewTable(0)
	tbl.Upsert(testEntry("a.go", 0))

	assert.True(t, tbl.Remove([]byte("a.go"), 0))
	assert.False(t, tbl.Remove([]byte("a.go"), 0))
	assert.Equal(t, 0, tbl.Len())
}

func TestRangePrefix(t *testing.T) {
	tbl := NewTable(0)
	for _, p := range []string{"dir/a.go", "dir/b.go", "dir2/c.go", "aaa.go", "zzz.go"} {
		tbl.Upsert(testEntry(p, 0))
	}

	collect := func() []string {
		var got []string
		for e := range tbl.RangePrefix([]byte("dir/")) {
			got = append(got, e.PathString())
		}
		return got
	}

	assert.Equal(t, []string{"dir/a.go", "dir/b.go"}, collect())
	// The sequence is restartable.
	assert.Equal(t, []string{"dir/a.go", "dir/b.go"}, collect())

	t.Run("EarlyBreak", func(t *testing.T) {
		count := 0
		for range tbl.RangePrefix([]byte("dir")) {
			count++
			break
		}
		assert.Equal(t, 1, count)
	})

	t.Run("NoMatch", func(t *testing.T) {
		for range tbl.RangePrefix([]byte("nope/")) {
			t.Fatal("unexpected entry")
		}
	})
}

func TestResortAfterInPlaceMutation(t *testing.T) {
	tbl := NewTable(0)
	tbl.Upsert(testEntry("a.go", 0))
	tbl.Upsert(testEntry("b.go", 0))
	tbl.Upsert(testEntry("c.go", 0))

	// Renaming an entry in place breaks the order until the table is
	// told about it.
	tbl.At(0).Path = []byte("z.go")
	tbl.MarkUnsorted()

	got, ok := tbl.Lookup([]byte("z.go"), 0)
	require.True(t, ok)
	assert.Equal(t, "z.go", got.PathString())
	requireOrdered(t, tbl)
}
