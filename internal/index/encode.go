// internal/index/encode.go
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"stix/internal/hash"
)

// Encode serializes the state in its on-disk form: header, entries in
// table order, extensions in their recorded order, then the trailer
// checksum computed over everything already written. Extension order
// is preserved exactly as decoded; blocks are never re-sorted.
func (s *State) Encode(w io.Writer) error {
	if !s.Version.Supported() {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
	}
	digest := hash.New(s.Algorithm)
	out := io.MultiWriter(w, digest)

	var hdr [headerLen]byte
	copy(hdr[:], indexMagic)
	binary.BigEndian.PutUint32(hdr[4:], uint32(s.Version))
	binary.BigEndian.PutUint32(hdr[8:], uint32(s.Table.Len()))
	if _, err := out.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing index header: %w", err)
	}
	written := int64(headerLen)

	scratch := make([]byte, 0, 512)
	var prevPath []byte
	var err error
	for e := range s.Table.All() {
		scratch, err = appendEntry(scratch[:0], e, s.Version, s.Algorithm, prevPath)
		if err != nil {
			return err
		}
		if _, err := out.Write(scratch); err != nil {
			return fmt.Errorf("writing entry %q: %w", e.Path, err)
		}
		written += int64(len(scratch))
		prevPath = e.Path
	}
	entriesEnd := written

	cx := extContext{alg: s.Algorithm, entryCount: s.Table.Len()}
	extHeaders := hash.New(s.Algorithm)
	for _, ext := range s.Extensions {
		if ext == nil {
			continue
		}
		payload, err := ext.appendPayload(nil, cx)
		if err != nil {
			return fmt.Errorf("encoding extension %s: %w", ext.Signature(), err)
		}
		var header [8]byte
		sig := ext.Signature()
		copy(header[:4], sig[:])
		binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
		if _, err := out.Write(header[:]); err != nil {
			return fmt.Errorf("writing extension %s header: %w", sig, err)
		}
		if _, err := out.Write(payload); err != nil {
			return fmt.Errorf("writing extension %s payload: %w", sig, err)
		}
		extHeaders.Write(header[:])
	}

	if s.IncludeEndOffset {
		payload := appendEOIE(nil, uint32(entriesEnd), extHeaders.Sum())
		var header [8]byte
		copy(header[:4], SigEndOfIndexEntry[:])
		binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
		if _, err := out.Write(header[:]); err != nil {
			return fmt.Errorf("writing end-of-index-entry header: %w", err)
		}
		if _, err := out.Write(payload); err != nil {
			return fmt.Errorf("writing end-of-index-entry payload: %w", err)
		}
	}

	sum := digest.Sum()
	if _, err := w.Write(sum); err != nil {
		return fmt.Errorf("writing index checksum: %w", err)
	}
	s.Checksum = sum
	return nil
}

// EncodeBytes renders the state into a fresh buffer.
func (s *State) EncodeBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
