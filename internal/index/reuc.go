// internal/index/reuc.go
//
// REUC extension: resolve-undo. When a conflict is resolved the
// stage-1..3 entries collapse into one stage-0 entry; this block keeps
// the conflict-side (mode, id) pairs so the resolution can be undone.
package index

import (
	"bytes"
	"fmt"
	"strconv"

	"stix/internal/hash"
)

// ResolveUndoEntry records up to three conflict sides for one path.
// A zero mode means that stage was absent and carries no id.
type ResolveUndoEntry struct {
	Path  []byte
	Modes [3]Mode
	IDs   [3]hash.ObjectID
}

// ResolveUndo is the decoded REUC extension.
type ResolveUndo struct {
	Entries []ResolveUndoEntry
}

func (r *ResolveUndo) Signature() Signature { return SigResolveUndo }

func decodeResolveUndo(p []byte, base int64, cx extContext) (Extension, error) {
	ru := &ResolveUndo{}
	for len(p) > 0 {
		var e ResolveUndoEntry

		nul := bytes.IndexByte(p, 0)
		if nul < 0 {
			return nil, decodeErr(base, ErrMalformedExtension, "resolve-undo path not NUL-terminated")
		}
		e.Path = p[:nul]
		p = p[nul+1:]
		base += int64(nul + 1)

		for stage := 0; stage < 3; stage++ {
			nul = bytes.IndexByte(p, 0)
			if nul < 0 {
				return nil, decodeErr(base, ErrMalformedExtension, "resolve-undo mode for %q not NUL-terminated", e.Path)
			}
			mode, err := strconv.ParseUint(string(p[:nul]), 8, 32)
			if err != nil {
				return nil, decodeErr(base, ErrMalformedExtension, "resolve-undo mode %q: expected octal", p[:nul])
			}
			e.Modes[stage] = Mode(mode)
			p = p[nul+1:]
			base += int64(nul + 1)
		}

		for stage := 0; stage < 3; stage++ {
			if e.Modes[stage] == 0 {
				continue
			}
			if len(p) < cx.alg.Size() {
				return nil, decodeErr(base, ErrMalformedExtension, "resolve-undo id for %q needs %d bytes, %d left", e.Path, cx.alg.Size(), len(p))
			}
			e.IDs[stage] = hash.ObjectID(p[:cx.alg.Size()])
			p = p[cx.alg.Size():]
			base += int64(cx.alg.Size())
		}
		ru.Entries = append(ru.Entries, e)
	}
	return ru, nil
}

func (r *ResolveUndo) appendPayload(dst []byte, cx extContext) ([]byte, error) {
	for _, e := range r.Entries {
		dst = append(dst, e.Path...)
		dst = append(dst, 0)
		for stage := 0; stage < 3; stage++ {
			dst = strconv.AppendUint(dst, uint64(e.Modes[stage]), 8)
			dst = append(dst, 0)
		}
		for stage := 0; stage < 3; stage++ {
			if e.Modes[stage] == 0 {
				continue
			}
			if len(e.IDs[stage]) != cx.alg.Size() {
				return nil, fmt.Errorf("resolve-undo %q stage %d: id is %d bytes, want %d", e.Path, stage+1, len(e.IDs[stage]), cx.alg.Size())
			}
			dst = append(dst, e.IDs[stage]...)
		}
	}
	return dst, nil
}
