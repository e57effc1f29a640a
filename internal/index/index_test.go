package index

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stix/internal/hash"
)

func testEntry(path string, stage Stage) *Entry {
	return &Entry{
		Path:  []byte(path),
		ID:    hash.Sum(hash.SHA1, []byte(path)),
		Stage: stage,
		Mode:  ModeRegular,
		Stat: Stat{
			CTimeSec: 1700000000, CTimeNsec: 12,
			MTimeSec: 1700000001, MTimeNsec: 34,
			Dev: 64769, Ino: 131, UID: 1000, GID: 1000,
			Size: uint32(len(path)),
		},
	}
}

func testState(v Version, paths ...string) *State {
	s := NewState(v, hash.SHA1)
	for _, p := range paths {
		s.Table.Upsert(testEntry(p, 0))
	}
	return s
}

// refreshChecksum fixes up the trailer after a test tampered with the
// body, so decoding exercises the intended failure instead of the
// checksum.
func refreshChecksum(data []byte) {
	sum := hash.Sum(hash.SHA1, data[:len(data)-hash.SHA1.Size()])
	copy(data[len(data)-hash.SHA1.Size():], sum)
}

func TestDecodeEmptyV2(t *testing.T) {
	// version 2, zero entries, no extensions, valid trailer.
	data := []byte("DIRC")
	data = binary.BigEndian.AppendUint32(data, 2)
	data = binary.BigEndian.AppendUint32(data, 0)
	data = append(data, hash.Sum(hash.SHA1, data)...)

	s, err := Decode(data, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, V2, s.Version)
	assert.Equal(t, 0, s.Table.Len())
	assert.Empty(t, s.Extensions)
}

func TestDecodeHeaderErrors(t *testing.T) {
	t.Run("TooShort", func(t *testing.T) {
		_, err := Decode([]byte("DIRC"), DecodeOptions{})
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("BadMagic", func(t *testing.T) {
		data, err := testState(V2, "a.txt").EncodeBytes()
		require.NoError(t, err)
		copy(data, "JUNK")
		refreshChecksum(data)

		_, err = Decode(data, DecodeOptions{})
		assert.ErrorIs(t, err, ErrMalformedHeader)
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		data, err := testState(V2, "a.txt").EncodeBytes()
		require.NoError(t, err)
		binary.BigEndian.PutUint32(data[4:], 5)
		refreshChecksum(data)

		_, err = Decode(data, DecodeOptions{})
		assert.ErrorIs(t, err, ErrUnsupportedVersion)

		var derr *DecodeError
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, int64(4), derr.Offset)
	})
}

func TestRoundTrip(t *testing.T) {
	paths := []string{
		".gitignore",
		"cmd/app/main.go",
		"internal/server/server.go",
		"internal/server/server_test.go",
		"internal/util/util.go",
		"docs/readme.md",
	}
	for _, v := range []Version{V2, V3, V4} {
		t.Run(fmt.Sprintf("Version%d", v), func(t *testing.T) {
			s := testState(v, paths...)
			s.Extensions = append(s.Extensions, &Opaque{
				Sig:     Signature{'Z', 'X', 'Y', 'W'},
				Payload: []byte{1, 2, 3, 4, 5},
			})
			s.IncludeEndOffset = true

			first, err := s.EncodeBytes()
			require.NoError(t, err)

			decoded, err := Decode(first, DecodeOptions{})
			require.NoError(t, err)
			assert.Equal(t, v, decoded.Version)
			assert.True(t, decoded.IncludeEndOffset)

			second, err := decoded.EncodeBytes()
			require.NoError(t, err)
			assert.Equal(t, first, second, "write(read(write(T))) must be byte-identical")
		})
	}
}

func TestConflictStagesRetained(t *testing.T) {
	// "a.txt" at stages 1 and 2 with no stage-0 entry.
	s := NewState(V2, hash.SHA1)
	s.Table.Upsert(testEntry("a.txt", 1))
	s.Table.Upsert(testEntry("a.txt", 2))

	data, err := s.EncodeBytes()
	require.NoError(t, err)
	decoded, err := Decode(data, DecodeOptions{})
	require.NoError(t, err)

	require.Equal(t, 2, decoded.Table.Len())
	assert.Equal(t, Stage(1), decoded.Table.At(0).Stage)
	assert.Equal(t, Stage(2), decoded.Table.At(1).Stage)
	assert.Equal(t, "a.txt", decoded.Table.At(0).PathString())
}

func TestTruncatedEntryCount(t *testing.T) {
	// header declares 3 entries but only 2 records exist.
	data, err := testState(V2, "a.txt", "b.txt").EncodeBytes()
	require.NoError(t, err)
	binary.BigEndian.PutUint32(data[8:], 3)
	refreshChecksum(data)

	_, err = Decode(data, DecodeOptions{})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestChecksumSensitivity(t *testing.T) {
	data, err := testState(V2, "a.txt", "b/c.txt").EncodeBytes()
	require.NoError(t, err)

	// Sanity: pristine bytes decode.
	_, err = Decode(data, DecodeOptions{})
	require.NoError(t, err)

	for i := range data {
		corrupted := make([]byte, len(data))
		copy(corrupted, data)
		corrupted[i] ^= 0x40

		_, err := Decode(corrupted, DecodeOptions{})
		assert.Error(t, err, "flipping byte %d must not go unnoticed", i)
	}
}

func TestChecksumMismatchIsFatal(t *testing.T) {
	data, err := testState(V2, "a.txt").EncodeBytes()
	require.NoError(t, err)
	// Flip a bit inside the entry's stat data: structurally still a
	// valid file, so only the trailer can catch it.
	data[headerLen] ^= 0x01

	_, err = Decode(data, DecodeOptions{})
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	// Lenient mode never excuses checksum failures.
	_, err = Decode(data, DecodeOptions{Lenient: true})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestEntryOrderEnforced(t *testing.T) {
	s := NewState(V2, hash.SHA1)
	s.Table.Upsert(testEntry("a.txt", 0))
	s.Table.Upsert(testEntry("b.txt", 0))
	data, err := s.EncodeBytes()
	require.NoError(t, err)

	// Swap the two entries wholesale; each v2 record here is 72 bytes.
	const rec = 72
	swapped := make([]byte, len(data))
	copy(swapped, data)
	copy(swapped[headerLen:], data[headerLen+rec:headerLen+2*rec])
	copy(swapped[headerLen+rec:], data[headerLen:headerLen+rec])
	refreshChecksum(swapped)

	_, err = Decode(swapped, DecodeOptions{})
	assert.ErrorIs(t, err, ErrEntryOrder)
}

func TestLargeRoundTrip(t *testing.T) {
	// 10,000 entries survive a write+read cycle entry by
	// entry.
	s := NewState(V2, hash.SHA1)
	for i := 0; i < 10000; i++ {
		s.Table.Upsert(testEntry(fmt.Sprintf("dir%03d/file%04d.go", i/100, i), 0))
	}
	data, err := s.EncodeBytes()
	require.NoError(t, err)

	decoded, err := Decode(data, DecodeOptions{})
	require.NoError(t, err)
	require.Equal(t, s.Table.Len(), decoded.Table.Len())
	for i := 0; i < s.Table.Len(); i++ {
		require.Equal(t, s.Table.At(i), decoded.Table.At(i), "entry %d", i)
	}
}

func TestV4DecodeAnyStripChoice(t *testing.T) {
	// A version-4 encoder may pick any valid strip count; decoding
	// must reconstruct identical paths regardless. This file encodes
	// the second path with a full strip (no shared prefix reused) even
	// though five bytes are shared.
	rawV4Entry := func(prev, path string, strip int) []byte {
		var b []byte
		for i := 0; i < statLen; i++ {
			b = append(b, 0)
		}
		b = append(b, hash.Sum(hash.SHA1, []byte(path))...)
		b = binary.BigEndian.AppendUint16(b, uint16(len(path)))
		b = appendTestVarint(b, uint64(strip))
		b = append(b, path[len(prev)-strip:]...)
		return append(b, 0)
	}

	data := []byte("DIRC")
	data = binary.BigEndian.AppendUint32(data, 4)
	data = binary.BigEndian.AppendUint32(data, 2)
	data = append(data, rawV4Entry("", "abc/a.go", 0)...)
	data = append(data, rawV4Entry("abc/a.go", "abc/b.go", len("abc/a.go"))...)
	data = append(data, hash.Sum(hash.SHA1, data)...)

	s, err := Decode(data, DecodeOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, s.Table.Len())
	assert.Equal(t, "abc/a.go", s.Table.At(0).PathString())
	assert.Equal(t, "abc/b.go", s.Table.At(1).PathString())

	// Re-encoding picks the maximal shared prefix and still decodes to
	// the same paths.
	out, err := s.EncodeBytes()
	require.NoError(t, err)
	assert.Less(t, len(out), len(data), "maximal prefix reuse must shrink the file")
	again, err := Decode(out, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "abc/b.go", again.Table.At(1).PathString())
}

// appendTestVarint mirrors the on-disk varint so the test does not
// depend on the encoder under test.
func appendTestVarint(dst []byte, v uint64) []byte {
	var buf [10]byte
	pos := len(buf) - 1
	buf[pos] = byte(v & 0x7f)
	for v >>= 7; v != 0; v >>= 7 {
		v--
		pos--
		buf[pos] = 0x80 | byte(v&0x7f)
	}
	return append(dst, buf[pos:]...)
}

func TestOpaqueExtensionPreserved(t *testing.T) {
	s := testState(V2, "a.txt")
	payload := []byte("future format nobody understands yet")
	s.Extensions = append(s.Extensions, &Opaque{Sig: Signature{'Z', 'Z', 'Z', 'Z'}, Payload: payload})

	first, err := s.EncodeBytes()
	require.NoError(t, err)
	decoded, err := Decode(first, DecodeOptions{})
	require.NoError(t, err)

	require.Len(t, decoded.Extensions, 1)
	op, ok := decoded.Extensions[0].(*Opaque)
	require.True(t, ok)
	assert.Equal(t, payload, op.Payload)

	second, err := decoded.EncodeBytes()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestUnknownMandatoryExtension(t *testing.T) {
	s := testState(V2, "a.txt")
	s.Extensions = append(s.Extensions, &Opaque{Sig: Signature{'z', 'b', 'a', 'd'}, Payload: []byte{9}})
	data, err := s.EncodeBytes()
	require.NoError(t, err)

	_, err = Decode(data, DecodeOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedExtension)

	lenient, err := Decode(data, DecodeOptions{Lenient: true})
	require.NoError(t, err)
	assert.Empty(t, lenient.Extensions)
	assert.Equal(t, 1, lenient.Table.Len())
}

func TestMalformedKnownExtension(t *testing.T) {
	s := testState(V2, "a.txt")
	s.Extensions = append(s.Extensions,
		&Opaque{Sig: SigTree, Payload: []byte("not a tree cache")},
		&Opaque{Sig: Signature{'Z', 'O', 'K', 'K'}, Payload: []byte{1}},
	)
	data, err := s.EncodeBytes()
	require.NoError(t, err)

	_, err = Decode(data, DecodeOptions{})
	assert.ErrorIs(t, err, ErrMalformedExtension)

	// Lenient drops exactly the failing block.
	lenient, err := Decode(data, DecodeOptions{Lenient: true})
	require.NoError(t, err)
	require.Len(t, lenient.Extensions, 1)
	assert.Equal(t, Signature{'Z', 'O', 'K', 'K'}, lenient.Extensions[0].Signature())
	assert.Equal(t, 1, lenient.Table.Len())
}

func TestEndOfIndexEntry(t *testing.T) {
	s := testState(V2, "a.txt", "b.txt")
	s.Extensions = append(s.Extensions, &Opaque{Sig: Signature{'Z', 'A', 'A', 'A'}, Payload: []byte{7, 7}})
	s.IncludeEndOffset = true
	data, err := s.EncodeBytes()
	require.NoError(t, err)

	decoded, err := Decode(data, DecodeOptions{})
	require.NoError(t, err)
	assert.True(t, decoded.IncludeEndOffset)

	t.Run("BadOffsetRejected", func(t *testing.T) {
		// The EOIE record is last: 8 byte header, 4 byte offset, then
		// the header hash, then the file trailer.
		eoieOffsetPos := len(data) - hash.SHA1.Size() - (4 + hash.SHA1.Size())
		tampered := make([]byte, len(data))
		copy(tampered, data)
		tampered[eoieOffsetPos] ^= 0xff
		refreshChecksum(tampered)

		_, err := Decode(tampered, DecodeOptions{})
		assert.ErrorIs(t, err, ErrMalformedExtension)

		lenient, err := Decode(tampered, DecodeOptions{Lenient: true})
		require.NoError(t, err)
		assert.False(t, lenient.IncludeEndOffset)
	})
}

func TestExtendedFlagsNeedV3(t *testing.T) {
	e := testEntry("a.txt", 0)
	e.SkipWorktree = true
	e.IntentToAdd = true

	s := NewState(V2, hash.SHA1)
	s.Table.Upsert(e)
	_, err := s.EncodeBytes()
	assert.Error(t, err)

	s.Version = V3
	data, err := s.EncodeBytes()
	require.NoError(t, err)
	decoded, err := Decode(data, DecodeOptions{})
	require.NoError(t, err)
	got := decoded.Table.At(0)
	assert.True(t, got.SkipWorktree)
	assert.True(t, got.IntentToAdd)
}

func TestExtensionOrderPreserved(t *testing.T) {
	s := testState(V2, "a.txt")
	s.Extensions = append(s.Extensions,
		&Opaque{Sig: Signature{'Z', 'B', 'B', 'B'}, Payload: []byte{2}},
		&Opaque{Sig: Signature{'Z', 'A', 'A', 'A'}, Payload: []byte{1}},
	)
	data, err := s.EncodeBytes()
	require.NoError(t, err)
	decoded, err := Decode(data, DecodeOptions{})
	require.NoError(t, err)

	require.Len(t, decoded.Extensions, 2)
	assert.Equal(t, Signature{'Z', 'B', 'B', 'B'}, decoded.Extensions[0].Signature())
	assert.Equal(t, Signature{'Z', 'A', 'A', 'A'}, decoded.Extensions[1].Signature())
}

func TestSHA256Index(t *testing.T) {
	s := NewState(V2, hash.SHA256)
	e := testEntry("a.txt", 0)
	e.ID = hash.Sum(hash.SHA256, e.Path)
	s.Table.Upsert(e)

	data, err := s.EncodeBytes()
	require.NoError(t, err)
	decoded, err := Decode(data, DecodeOptions{Algorithm: hash.SHA256})
	require.NoError(t, err)
	assert.Equal(t, hash.SHA256.Size(), len(decoded.Table.At(0).ID))
	assert.Equal(t, hash.SHA256.Size(), len(decoded.Checksum))
}
