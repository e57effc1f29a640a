// internal/index/untracked.go
//
// UNTR extension: a per-directory cache of untracked file listings.
// Each directory block carries the names observed during the last
// scan plus a stat-based validity token; a reader only trusts a block
// while the directory stat still matches.
package index

import (
	"encoding/binary"
	"fmt"

	"stix/internal/bitmap"
	"stix/internal/hash"
)

// ExcludeSource is the stat+id validity token of one ignore-rule file
// the cache depends on (info/exclude or core.excludesFile). A null id
// means the file did not exist.
type ExcludeSource struct {
	Stat Stat
	ID   hash.ObjectID
}

// UntrackedDir is one cached directory. Children appear on disk in
// depth-first order right after their parent.
type UntrackedDir struct {
	Name      []byte
	Untracked [][]byte
	Children  []*UntrackedDir

	Valid     bool // listing may be used without rescanning
	CheckOnly bool // directory was only checked for emptiness
	HasStat   bool // Stat and ID below were recorded
	Stat      Stat
	ID        hash.ObjectID
}

// UntrackedCache is the decoded UNTR extension.
type UntrackedCache struct {
	Ident         []byte // environment description, NUL-separated strings
	InfoExclude   ExcludeSource
	ExcludesFile  ExcludeSource
	DirFlags      uint32
	PerDirExclude []byte // per-directory exclude file name, usually ".gitignore"
	Root          *UntrackedDir
}

func (u *UntrackedCache) Signature() Signature { return SigUntrackedCache }

// statDataLen is the on-disk size of a bare stat block (no mode word,
// unlike the entry record).
const statDataLen = 36

func takeStatData(c *extCursor, what string) (Stat, error) {
	b, err := c.take(statDataLen, what)
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		CTimeSec:  binary.BigEndian.Uint32(b[0:]),
		CTimeNsec: binary.BigEndian.Uint32(b[4:]),
		MTimeSec:  binary.BigEndian.Uint32(b[8:]),
		MTimeNsec: binary.BigEndian.Uint32(b[12:]),
		Dev:       binary.BigEndian.Uint32(b[16:]),
		Ino:       binary.BigEndian.Uint32(b[20:]),
		UID:       binary.BigEndian.Uint32(b[24:]),
		GID:       binary.BigEndian.Uint32(b[28:]),
		Size:      binary.BigEndian.Uint32(b[32:]),
	}, nil
}

func appendStatData(dst []byte, s Stat) []byte {
	dst = binary.BigEndian.AppendUint32(dst, s.CTimeSec)
	dst = binary.BigEndian.AppendUint32(dst, s.CTimeNsec)
	dst = binary.BigEndian.AppendUint32(dst, s.MTimeSec)
	dst = binary.BigEndian.AppendUint32(dst, s.MTimeNsec)
	dst = binary.BigEndian.AppendUint32(dst, s.Dev)
	dst = binary.BigEndian.AppendUint32(dst, s.Ino)
	dst = binary.BigEndian.AppendUint32(dst, s.UID)
	dst = binary.BigEndian.AppendUint32(dst, s.GID)
	return binary.BigEndian.AppendUint32(dst, s.Size)
}

func decodeUntrackedCache(p []byte, base int64, cx extContext) (Extension, error) {
	c := &extCursor{p: p, base: base}
	u := &UntrackedCache{}

	identLen, err := c.varint("untracked-cache ident length")
	if err != nil {
		return nil, err
	}
	if u.Ident, err = c.take(int(identLen), "untracked-cache ident"); err != nil {
		return nil, err
	}
	if u.InfoExclude.Stat, err = takeStatData(c, "info/exclude stat"); err != nil {
		return nil, err
	}
	if u.ExcludesFile.Stat, err = takeStatData(c, "excludes-file stat"); err != nil {
		return nil, err
	}
	if u.DirFlags, err = c.u32("untracked-cache dir flags"); err != nil {
		return nil, err
	}
	id, err := c.take(cx.alg.Size(), "info/exclude id")
	if err != nil {
		return nil, err
	}
	u.InfoExclude.ID = hash.ObjectID(id)
	if id, err = c.take(cx.alg.Size(), "excludes-file id"); err != nil {
		return nil, err
	}
	u.ExcludesFile.ID = hash.ObjectID(id)
	if u.PerDirExclude, err = c.nulString("per-dir exclude name"); err != nil {
		return nil, err
	}

	blocks, err := c.varint("untracked-cache block count")
	if err != nil {
		return nil, err
	}
	if blocks == 0 {
		if len(c.p) != 0 {
			return nil, decodeErr(c.base, ErrMalformedExtension, "%d trailing bytes after empty untracked cache", len(c.p))
		}
		return u, nil
	}

	var dfs []*UntrackedDir
	u.Root, err = decodeUntrackedDir(c, &dfs, int(blocks))
	if err != nil {
		return nil, err
	}
	if len(dfs) != int(blocks) {
		return nil, decodeErr(c.base, ErrMalformedExtension, "untracked cache declares %d directory blocks, found %d", blocks, len(dfs))
	}

	validBM, err := c.ewah("untracked-cache valid bitmap", uint32(len(dfs)))
	if err != nil {
		return nil, err
	}
	checkBM, err := c.ewah("untracked-cache check-only bitmap", uint32(len(dfs)))
	if err != nil {
		return nil, err
	}
	statBM, err := c.ewah("untracked-cache stat bitmap", uint32(len(dfs)))
	if err != nil {
		return nil, err
	}
	for i := range validBM.EachSet() {
		dfs[i].Valid = true
	}
	for i := range checkBM.EachSet() {
		dfs[i].CheckOnly = true
	}
	for i := range statBM.EachSet() {
		dfs[i].HasStat = true
	}
	for _, d := range dfs {
		if !d.HasStat {
			continue
		}
		if d.Stat, err = takeStatData(c, "untracked-cache dir stat"); err != nil {
			return nil, err
		}
	}
	for _, d := range dfs {
		if !d.HasStat {
			continue
		}
		if id, err = c.take(cx.alg.Size(), "untracked-cache dir id"); err != nil {
			return nil, err
		}
		d.ID = hash.ObjectID(id)
	}

	fin, err := c.take(1, "untracked-cache terminator")
	if err != nil {
		return nil, err
	}
	if fin[0] != 0 || len(c.p) != 0 {
		return nil, decodeErr(c.base, ErrMalformedExtension, "untracked cache not NUL-terminated at payload end")
	}
	return u, nil
}

// decodeUntrackedDir reads one directory block and, recursively, its
// children. dfs collects blocks in on-disk order so the trailing
// bitmaps can be applied by position.
func decodeUntrackedDir(c *extCursor, dfs *[]*UntrackedDir, maxBlocks int) (*UntrackedDir, error) {
	if len(*dfs) >= maxBlocks {
		return nil, decodeErr(c.base, ErrMalformedExtension, "untracked cache has more directory blocks than the declared %d", maxBlocks)
	}
	untracked, err := c.varint("untracked entry count")
	if err != nil {
		return nil, err
	}
	subdirs, err := c.varint("untracked subdirectory count")
	if err != nil {
		return nil, err
	}
	d := &UntrackedDir{}
	*dfs = append(*dfs, d)
	if d.Name, err = c.nulString("untracked directory name"); err != nil {
		return nil, err
	}
	for i := uint64(0); i < untracked; i++ {
		name, err := c.nulString("untracked file name")
		if err != nil {
			return nil, err
		}
		d.Untracked = append(d.Untracked, name)
	}
	for i := uint64(0); i < subdirs; i++ {
		child, err := decodeUntrackedDir(c, dfs, maxBlocks)
		if err != nil {
			return nil, err
		}
		d.Children = append(d.Children, child)
	}
	return d, nil
}

func (u *UntrackedCache) appendPayload(dst []byte, cx extContext) ([]byte, error) {
	if len(u.InfoExclude.ID) != cx.alg.Size() || len(u.ExcludesFile.ID) != cx.alg.Size() {
		return nil, fmt.Errorf("untracked cache: exclude ids must be %d bytes", cx.alg.Size())
	}
	dst = bitmap.AppendVarint(dst, uint64(len(u.Ident)))
	dst = append(dst, u.Ident...)
	dst = appendStatData(dst, u.InfoExclude.Stat)
	dst = appendStatData(dst, u.ExcludesFile.Stat)
	dst = binary.BigEndian.AppendUint32(dst, u.DirFlags)
	dst = append(dst, u.InfoExclude.ID...)
	dst = append(dst, u.ExcludesFile.ID...)
	dst = append(dst, u.PerDirExclude...)
	dst = append(dst, 0)

	if u.Root == nil {
		return bitmap.AppendVarint(dst, 0), nil
	}

	var dfs []*UntrackedDir
	flattenUntracked(u.Root, &dfs)
	dst = bitmap.AppendVarint(dst, uint64(len(dfs)))
	for _, d := range dfs {
		dst = bitmap.AppendVarint(dst, uint64(len(d.Untracked)))
		dst = bitmap.AppendVarint(dst, uint64(len(d.Children)))
		dst = append(dst, d.Name...)
		dst = append(dst, 0)
		for _, name := range d.Untracked {
			dst = append(dst, name...)
			dst = append(dst, 0)
		}
	}

	validBM := bitmap.New(uint32(len(dfs)))
	checkBM := bitmap.New(uint32(len(dfs)))
	statBM := bitmap.New(uint32(len(dfs)))
	for i, d := range dfs {
		if d.Valid {
			validBM.Set(uint32(i))
		}
		if d.CheckOnly {
			checkBM.Set(uint32(i))
		}
		if d.HasStat {
			statBM.Set(uint32(i))
		}
	}
	dst = validBM.AppendEWAH(dst)
	dst = checkBM.AppendEWAH(dst)
	dst = statBM.AppendEWAH(dst)
	for _, d := range dfs {
		if d.HasStat {
			dst = appendStatData(dst, d.Stat)
		}
	}
	for _, d := range dfs {
		if !d.HasStat {
			continue
		}
		if len(d.ID) != cx.alg.Size() {
			return nil, fmt.Errorf("untracked cache dir %q: id is %d bytes, want %d", d.Name, len(d.ID), cx.alg.Size())
		}
		dst = append(dst, d.ID...)
	}
	return append(dst, 0), nil
}

func flattenUntracked(d *UntrackedDir, dfs *[]*UntrackedDir) {
	*dfs = append(*dfs, d)
	for _, c := range d.Children {
		flattenUntracked(c, dfs)
	}
}
