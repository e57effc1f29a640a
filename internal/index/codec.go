// internal/index/codec.go
//
// Per-entry wire codec. Versions 2 and 3 store the full path,
// NUL-terminated and padded so every record is a multiple of eight
// bytes. Version 4 stores a strip count against the previous entry's
// path followed by the literal suffix, so records must be coded in
// table order.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"stix/internal/bitmap"
	"stix/internal/hash"
)

const (
	statLen = 40 // ctime, mtime, dev, ino, mode, uid, gid, size

	flagAssumeValid = 0x8000
	flagExtended    = 0x4000
	stageMask       = 0x3000
	nameMask        = 0x0FFF

	extFlagSkipWorktree = 0x4000
	extFlagIntentToAdd  = 0x2000
)

func decodeEntry(r *reader, v Version, alg hash.Algorithm, prevPath []byte) (*Entry, error) {
	start := r.off

	fixed, err := r.need(statLen)
	if err != nil {
		return nil, decodeErr(start, ErrTruncated, "entry needs %d fixed bytes, %d left", statLen, r.remaining())
	}
	e := &Entry{
		Stat: Stat{
			CTimeSec:  binary.BigEndian.Uint32(fixed[0:]),
			CTimeNsec: binary.BigEndian.Uint32(fixed[4:]),
			MTimeSec:  binary.BigEndian.Uint32(fixed[8:]),
			MTimeNsec: binary.BigEndian.Uint32(fixed[12:]),
			Dev:       binary.BigEndian.Uint32(fixed[16:]),
			Ino:       binary.BigEndian.Uint32(fixed[20:]),
			UID:       binary.BigEndian.Uint32(fixed[28:]),
			GID:       binary.BigEndian.Uint32(fixed[32:]),
			Size:      binary.BigEndian.Uint32(fixed[36:]),
		},
		Mode: Mode(binary.BigEndian.Uint32(fixed[24:])),
	}

	oid, err := r.need(alg.Size())
	if err != nil {
		return nil, decodeErr(r.off, ErrTruncated, "entry object id needs %d bytes", alg.Size())
	}
	e.ID = hash.ObjectID(oid)

	fb, err := r.need(2)
	if err != nil {
		return nil, decodeErr(r.off, ErrTruncated, "entry flags need 2 bytes")
	}
	flags := binary.BigEndian.Uint16(fb)
	e.AssumeValid = flags&flagAssumeValid != 0
	e.Stage = Stage((flags & stageMask) >> 12)
	nameLen := flags & nameMask

	if flags&flagExtended != 0 {
		if v == V2 {
			return nil, decodeErr(r.off-2, ErrMalformedEntry, "extended flag set in a version 2 entry")
		}
		xb, err := r.need(2)
		if err != nil {
			return nil, decodeErr(r.off, ErrTruncated, "extended flags need 2 bytes")
		}
		x := binary.BigEndian.Uint16(xb)
		if x&^(extFlagSkipWorktree|extFlagIntentToAdd) != 0 {
			return nil, decodeErr(r.off-2, ErrMalformedEntry, "unknown extended flag bits %#x", x)
		}
		e.SkipWorktree = x&extFlagSkipWorktree != 0
		e.IntentToAdd = x&extFlagIntentToAdd != 0
	}

	if v == V4 {
		strip, err := r.varint()
		if err != nil {
			return nil, decodeErr(r.off, ErrMalformedEntry, "path strip count: %v", err)
		}
		if strip > uint64(len(prevPath)) {
			return nil, decodeErr(r.off, ErrMalformedEntry, "strip count %d exceeds previous path length %d", strip, len(prevPath))
		}
		suffix, err := r.untilNUL()
		if err != nil {
			return nil, decodeErr(r.off, ErrTruncated, "unterminated entry path")
		}
		keep := prevPath[:len(prevPath)-int(strip)]
		e.Path = make([]byte, 0, len(keep)+len(suffix))
		e.Path = append(append(e.Path, keep...), suffix...)
		return e, nil
	}

	var path []byte
	if nameLen < nameMask {
		path, err = r.need(int(nameLen))
		if err != nil {
			return nil, decodeErr(r.off, ErrTruncated, "entry path needs %d bytes, %d left", nameLen, r.remaining())
		}
	} else {
		// Length overflowed the 12-bit field; the path runs to the
		// first NUL of the padding.
		idx := bytes.IndexByte(r.rest(), 0)
		if idx < 0 {
			return nil, decodeErr(r.off, ErrTruncated, "unterminated overlong entry path")
		}
		path, _ = r.need(idx)
	}
	e.Path = path

	pad := 8 - (r.off-start)%8
	pb, err := r.need(int(pad))
	if err != nil {
		return nil, decodeErr(r.off, ErrTruncated, "entry padding needs %d bytes", pad)
	}
	for _, b := range pb {
		if b != 0 {
			return nil, decodeErr(r.off, ErrMalformedEntry, "non-NUL byte %#x in entry padding", b)
		}
	}
	return e, nil
}

func appendEntry(dst []byte, e *Entry, v Version, alg hash.Algorithm, prevPath []byte) ([]byte, error) {
	if len(e.ID) != alg.Size() {
		return nil, fmt.Errorf("entry %q: object id is %d bytes, %s needs %d", e.Path, len(e.ID), alg, alg.Size())
	}
	if e.Stage > 3 {
		return nil, fmt.Errorf("entry %q: stage %d out of range", e.Path, e.Stage)
	}
	if e.extended() && v == V2 {
		return nil, fmt.Errorf("entry %q: skip-worktree/intent-to-add need version 3 or newer", e.Path)
	}

	start := len(dst)
	dst = binary.BigEndian.AppendUint32(dst, e.Stat.CTimeSec)
	dst = binary.BigEndian.AppendUint32(dst, e.Stat.CTimeNsec)
	dst = binary.BigEndian.AppendUint32(dst, e.Stat.MTimeSec)
	dst = binary.BigEndian.AppendUint32(dst, e.Stat.MTimeNsec)
	dst = binary.BigEndian.AppendUint32(dst, e.Stat.Dev)
	dst = binary.BigEndian.AppendUint32(dst, e.Stat.Ino)
	dst = binary.BigEndian.AppendUint32(dst, uint32(e.Mode))
	dst = binary.BigEndian.AppendUint32(dst, e.Stat.UID)
	dst = binary.BigEndian.AppendUint32(dst, e.Stat.GID)
	dst = binary.BigEndian.AppendUint32(dst, e.Stat.Size)
	dst = append(dst, e.ID...)

	nameLen := len(e.Path)
	if nameLen > nameMask {
		nameLen = nameMask
	}
	flags := uint16(nameLen) | uint16(e.Stage)<<12
	if e.AssumeValid {
		flags |= flagAssumeValid
	}
	if e.extended() {
		flags |= flagExtended
	}
	dst = binary.BigEndian.AppendUint16(dst, flags)
	if e.extended() {
		var x uint16
		if e.SkipWorktree {
			x |= extFlagSkipWorktree
		}
		if e.IntentToAdd {
			x |= extFlagIntentToAdd
		}
		dst = binary.BigEndian.AppendUint16(dst, x)
	}

	if v == V4 {
		common := commonPrefix(prevPath, e.Path)
		dst = bitmap.AppendVarint(dst, uint64(len(prevPath)-common))
		dst = append(dst, e.Path[common:]...)
		return append(dst, 0), nil
	}

	dst = append(dst, e.Path...)
	pad := 8 - (len(dst)-start)%8
	for i := 0; i < pad; i++ {
		dst = append(dst, 0)
	}
	return dst, nil
}

func commonPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
