// internal/index/decode.go
//
// File-level decoder. Parsing advances through four states — header,
// entries, extensions, trailer verification — and every failure names
// the state it arose in, its byte offset, and what was expected there.
// On any fatal error no partial state is returned.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"stix/internal/bitmap"
	"stix/internal/hash"
)

var indexMagic = []byte("DIRC")

const headerLen = 12

// DecodeOptions controls parsing.
type DecodeOptions struct {
	// Algorithm sets the object-id width; the file itself does not
	// declare it. Zero value is SHA1.
	Algorithm hash.Algorithm

	// Lenient drops a malformed or unsupported extension instead of
	// failing, keeping the entries and checksum intact. Off by
	// default.
	Lenient bool

	Logger *zap.Logger
}

func (o DecodeOptions) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// State is the in-memory form of one index file: the sorted entry
// table plus the extension blocks in their on-disk order.
type State struct {
	Version    Version
	Algorithm  hash.Algorithm
	Table      *Table
	Extensions []Extension

	// IncludeEndOffset records whether the file carried an
	// end-of-index-entry block; Encode regenerates one when set.
	IncludeEndOffset bool

	// Checksum is the trailer of the bytes this state was decoded
	// from or last encoded to.
	Checksum hash.ObjectID
}

// NewState returns an empty in-memory index.
func NewState(v Version, alg hash.Algorithm) *State {
	return &State{Version: v, Algorithm: alg, Table: NewTable(0)}
}

// reader walks the raw file, feeding every consumed byte to the
// trailer digest so verification needs no second pass.
type reader struct {
	data   []byte
	off    int64
	digest *hash.Digest
}

func (r *reader) remaining() int { return len(r.data) - int(r.off) }

func (r *reader) rest() []byte { return r.data[r.off:] }

func (r *reader) need(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.data[r.off : r.off+int64(n)]
	r.off += int64(n)
	if r.digest != nil {
		r.digest.Write(b)
	}
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.need(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) varint() (uint64, error) {
	v, n, err := bitmap.Varint(r.rest())
	if err != nil {
		return 0, err
	}
	r.need(n)
	return v, nil
}

func (r *reader) untilNUL() ([]byte, error) {
	idx := bytes.IndexByte(r.rest(), 0)
	if idx < 0 {
		return nil, ErrTruncated
	}
	b, _ := r.need(idx)
	r.need(1)
	return b, nil
}

// Decode parses a complete index file image. The image length is known
// up front, so allocation is pre-sized from the header's entry count.
func Decode(data []byte, opts DecodeOptions) (*State, error) {
	log := opts.logger()
	alg := opts.Algorithm
	trailer := len(data) - alg.Size()

	if len(data) < headerLen+alg.Size() {
		return nil, decodeErr(0, ErrTruncated, "file is %d bytes, a %s index needs at least %d", len(data), alg, headerLen+alg.Size())
	}
	r := &reader{data: data, digest: hash.New(alg)}

	magic, _ := r.need(4)
	if !bytes.Equal(magic, indexMagic) {
		return nil, decodeErr(0, ErrMalformedHeader, "expected magic %q, found %q", indexMagic, magic)
	}
	rawVersion, _ := r.uint32()
	version := Version(rawVersion)
	if !version.Supported() {
		return nil, decodeErr(4, ErrUnsupportedVersion, "version %d, supported are 2, 3 and 4", rawVersion)
	}
	count, _ := r.uint32()

	// Every entry occupies at least the fixed fields plus a one-byte
	// path and terminator; reject impossible counts before allocating.
	minEntry := statLen + alg.Size() + 2 + 2
	if int64(count)*int64(minEntry) > int64(trailer-headerLen) {
		return nil, decodeErr(8, ErrTruncated, "%d entries cannot fit in %d bytes", count, trailer-headerLen)
	}
	log.Debug("parsed index header",
		zap.Uint32("version", rawVersion),
		zap.Uint32("entries", count))

	state := &State{
		Version:   version,
		Algorithm: alg,
		Table:     NewTable(int(count)),
	}

	var prev *Entry
	for i := uint32(0); i < count; i++ {
		var prevPath []byte
		if prev != nil {
			prevPath = prev.Path
		}
		e, err := decodeEntry(r, version, alg, prevPath)
		if err != nil {
			return nil, fmt.Errorf("entry %d of %d: %w", i+1, count, err)
		}
		if prev != nil && compareKeys(prev.Path, prev.Stage, e.Path, e.Stage) >= 0 {
			return nil, decodeErr(r.off, ErrEntryOrder, "entry %q stage %d does not sort after %q stage %d", e.Path, e.Stage, prev.Path, prev.Stage)
		}
		state.Table.appendDecoded(e)
		prev = e
	}
	entriesEnd := r.off

	cx := extContext{alg: alg, entryCount: int(count)}
	extHeaders := hash.New(alg)
	for int(r.off) < trailer {
		if trailer-int(r.off) < 8 {
			return nil, decodeErr(r.off, ErrTruncated, "extension header needs 8 bytes, %d left before trailer", trailer-int(r.off))
		}
		sigStart := r.off
		header, _ := r.need(8)
		var sig Signature
		copy(sig[:], header[:4])
		size := binary.BigEndian.Uint32(header[4:])
		if int(size) > trailer-int(r.off) {
			return nil, decodeErr(sigStart+4, ErrTruncated, "extension %s declares %d bytes, %d left before trailer", sig, size, trailer-int(r.off))
		}
		payload, _ := r.need(int(size))
		base := sigStart + 8

		if sig == SigEndOfIndexEntry {
			eoie, err := decodeEOIE(payload, base, cx)
			if err == nil && int64(eoie.Offset) != entriesEnd {
				err = decodeErr(base, ErrMalformedExtension, "end-of-index-entry offset %d, entries end at %d", eoie.Offset, entriesEnd)
			}
			if err == nil && !eoie.HeaderHash.Equal(extHeaders.Sum()) {
				err = decodeErr(base+4, ErrMalformedExtension, "end-of-index-entry header hash mismatch")
			}
			if err != nil {
				if !opts.Lenient {
					return nil, err
				}
				log.Warn("dropping invalid end-of-index-entry extension", zap.Error(err))
				continue
			}
			state.IncludeEndOffset = true
			continue
		}
		extHeaders.Write(header)

		dec, known := extDecoders[sig]
		if !known {
			if sig.Optional() {
				state.Extensions = append(state.Extensions, &Opaque{Sig: sig, Payload: payload})
				continue
			}
			if !opts.Lenient {
				return nil, decodeErr(sigStart, ErrUnsupportedExtension, "mandatory extension %q is not understood", sig)
			}
			log.Warn("dropping unsupported mandatory extension", zap.String("signature", sig.String()))
			continue
		}
		ext, err := dec(payload, base, cx)
		if err != nil {
			if !opts.Lenient {
				return nil, fmt.Errorf("extension %s: %w", sig, err)
			}
			log.Warn("dropping malformed extension", zap.String("signature", sig.String()), zap.Error(err))
			continue
		}
		state.Extensions = append(state.Extensions, ext)
	}

	computed := r.digest.Sum()
	stored := hash.ObjectID(data[trailer:])
	if !computed.Equal(stored) {
		return nil, decodeErr(int64(trailer), ErrChecksumMismatch, "computed %s, file carries %s", computed.Hex(), stored.Hex())
	}
	state.Checksum = stored
	return state, nil
}
