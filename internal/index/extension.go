// internal/index/extension.go
package index

import (
	"bytes"

	"stix/internal/bitmap"
	"stix/internal/hash"
)

// Signature is the 4-byte name of a trailing extension block. A
// signature whose first byte is in 'A'..'Z' marks the block as
// optional: readers that do not understand it must carry it through
// untouched instead of failing.
type Signature [4]byte

var (
	SigTree            = Signature{'T', 'R', 'E', 'E'}
	SigResolveUndo     = Signature{'R', 'E', 'U', 'C'}
	SigUntrackedCache  = Signature{'U', 'N', 'T', 'R'}
	SigFSMonitor       = Signature{'F', 'S', 'M', 'N'}
	SigEndOfIndexEntry = Signature{'E', 'O', 'I', 'E'}
)

func (s Signature) Optional() bool { return s[0] >= 'A' && s[0] <= 'Z' }
func (s Signature) String() string { return string(s[:]) }

// Extension is one trailing block of the index file. The variant set
// is closed: the known typed blocks below plus Opaque for anything
// unrecognized-but-optional.
type Extension interface {
	Signature() Signature

	// appendPayload serializes the block payload. Unexported so the
	// variant set stays closed to this package.
	appendPayload(dst []byte, cx extContext) ([]byte, error)
}

// extContext carries what extension codecs need from the surrounding
// file: the object-id width and the entry count for bitmap bounds.
type extContext struct {
	alg        hash.Algorithm
	entryCount int
}

type extDecoder func(payload []byte, base int64, cx extContext) (Extension, error)

// extDecoders dispatches signature to typed decoder. The end-of-index
// block is handled by the file decoder itself since it describes file
// layout rather than content.
var extDecoders = map[Signature]extDecoder{
	SigTree:           decodeTreeCache,
	SigResolveUndo:    decodeResolveUndo,
	SigUntrackedCache: decodeUntrackedCache,
	SigFSMonitor:      decodeFSMonitor,
}

// Opaque preserves an unrecognized optional extension byte-for-byte so
// a rewrite re-emits it unchanged.
type Opaque struct {
	Sig     Signature
	Payload []byte
}

func (o *Opaque) Signature() Signature { return o.Sig }

func (o *Opaque) appendPayload(dst []byte, _ extContext) ([]byte, error) {
	return append(dst, o.Payload...), nil
}

// extCursor walks an extension payload, keeping the absolute file
// offset for error reporting.
type extCursor struct {
	p    []byte
	base int64
}

func (c *extCursor) take(n int, what string) ([]byte, error) {
	if n < 0 || len(c.p) < n {
		return nil, decodeErr(c.base, ErrMalformedExtension, "%s needs %d bytes, %d left", what, n, len(c.p))
	}
	b := c.p[:n]
	c.p = c.p[n:]
	c.base += int64(n)
	return b, nil
}

func (c *extCursor) nulString(what string) ([]byte, error) {
	nul := bytes.IndexByte(c.p, 0)
	if nul < 0 {
		return nil, decodeErr(c.base, ErrMalformedExtension, "%s not NUL-terminated", what)
	}
	b := c.p[:nul]
	c.p = c.p[nul+1:]
	c.base += int64(nul + 1)
	return b, nil
}

func (c *extCursor) varint(what string) (uint64, error) {
	v, n, err := bitmap.Varint(c.p)
	if err != nil {
		return 0, decodeErr(c.base, ErrMalformedExtension, "%s: %v", what, err)
	}
	c.p = c.p[n:]
	c.base += int64(n)
	return v, nil
}

func (c *extCursor) u32(what string) (uint32, error) {
	b, err := c.take(4, what)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func (c *extCursor) ewah(what string, maxBits uint32) (*bitmap.Bitmap, error) {
	bm, n, err := bitmap.ReadEWAH(c.p, maxBits)
	if err != nil {
		return nil, decodeErr(c.base, ErrMalformedExtension, "%s: %v", what, err)
	}
	c.p = c.p[n:]
	c.base += int64(n)
	return bm, nil
}
