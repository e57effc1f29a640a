// internal/index/fsmn.go
//
// FSMN extension: filesystem-monitor cache. A monitor token names the
// point in time the worktree was last known clean; the bitmap marks
// entries (by table position) that changed since then. Entries past
// the bitmap's coverage have unknown state and must be stat'ed.
package index

import (
	"encoding/binary"
	"fmt"

	"stix/internal/bitmap"
)

// FSMonitor is the decoded FSMN extension. Version 1 carries a
// nanosecond timestamp, version 2 an opaque token string.
type FSMonitor struct {
	Version uint32
	Time    uint64 // version 1 only
	Token   []byte // version 2 only
	Dirty   *bitmap.Bitmap
}

func (f *FSMonitor) Signature() Signature { return SigFSMonitor }

func decodeFSMonitor(p []byte, base int64, cx extContext) (Extension, error) {
	c := &extCursor{p: p, base: base}
	f := &FSMonitor{}

	var err error
	if f.Version, err = c.u32("fsmonitor version"); err != nil {
		return nil, err
	}
	switch f.Version {
	case 1:
		b, err := c.take(8, "fsmonitor timestamp")
		if err != nil {
			return nil, err
		}
		f.Time = binary.BigEndian.Uint64(b)
	case 2:
		if f.Token, err = c.nulString("fsmonitor token"); err != nil {
			return nil, err
		}
	default:
		return nil, decodeErr(base, ErrMalformedExtension, "fsmonitor version %d, expected 1 or 2", f.Version)
	}

	size, err := c.u32("fsmonitor bitmap size")
	if err != nil {
		return nil, err
	}
	bmStart := len(c.p)
	if f.Dirty, err = c.ewah("fsmonitor dirty bitmap", uint32(cx.entryCount)); err != nil {
		return nil, err
	}
	if consumed := bmStart - len(c.p); consumed != int(size) {
		return nil, decodeErr(c.base, ErrMalformedExtension, "fsmonitor bitmap is %d bytes, %d declared", consumed, size)
	}
	if len(c.p) != 0 {
		return nil, decodeErr(c.base, ErrMalformedExtension, "%d trailing bytes after fsmonitor bitmap", len(c.p))
	}
	return f, nil
}

func (f *FSMonitor) appendPayload(dst []byte, _ extContext) ([]byte, error) {
	dst = binary.BigEndian.AppendUint32(dst, f.Version)
	switch f.Version {
	case 1:
		dst = binary.BigEndian.AppendUint64(dst, f.Time)
	case 2:
		dst = append(dst, f.Token...)
		dst = append(dst, 0)
	default:
		return nil, fmt.Errorf("fsmonitor version %d, expected 1 or 2", f.Version)
	}
	bm := f.Dirty
	if bm == nil {
		bm = bitmap.New(0)
	}
	ewah := bm.AppendEWAH(nil)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(ewah)))
	return append(dst, ewah...), nil
}
