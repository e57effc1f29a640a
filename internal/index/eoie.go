// internal/index/eoie.go
//
// EOIE extension: a locator block letting a reader find the extension
// section without scanning every entry. Payload is the byte offset of
// the first extension record plus a hash over the other extensions'
// (signature, size) headers. It describes file layout, so it is
// consumed at decode time and recomputed on every write instead of
// being kept as state.
package index

import (
	"encoding/binary"

	"stix/internal/hash"
)

type endOfIndexEntry struct {
	Offset     uint32
	HeaderHash hash.ObjectID
}

func decodeEOIE(p []byte, base int64, cx extContext) (*endOfIndexEntry, error) {
	want := 4 + cx.alg.Size()
	if len(p) != want {
		return nil, decodeErr(base, ErrMalformedExtension, "end-of-index-entry payload is %d bytes, want %d", len(p), want)
	}
	return &endOfIndexEntry{
		Offset:     binary.BigEndian.Uint32(p),
		HeaderHash: hash.ObjectID(p[4:]),
	}, nil
}

func appendEOIE(dst []byte, entriesEnd uint32, headerHash hash.ObjectID) []byte {
	dst = binary.BigEndian.AppendUint32(dst, entriesEnd)
	return append(dst, headerHash...)
}
