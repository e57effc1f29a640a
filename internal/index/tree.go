// internal/index/tree.go
//
// TREE extension: cached subtree object ids so a writer can skip
// recomputing tree objects for unchanged directories. Purely an
// acceleration cache; it never overrides the entry table.
package index

import (
	"bytes"
	"fmt"
	"strconv"

	"stix/internal/hash"
)

// TreeNode is one node of the cached tree, in depth-first order on
// disk. A negative EntryCount invalidates the node: the subtree hash
// is unknown and must be recomputed, and no ID is stored.
type TreeNode struct {
	Name       []byte // path component, empty for the root
	EntryCount int
	ID         hash.ObjectID // cached subtree id, only when EntryCount >= 0
	Children   []*TreeNode
}

// Valid reports whether the node's cached id may be used.
func (n *TreeNode) Valid() bool { return n.EntryCount >= 0 }

// TreeCache is the decoded TREE extension.
type TreeCache struct {
	Root *TreeNode
}

func (t *TreeCache) Signature() Signature { return SigTree }

func decodeTreeCache(p []byte, base int64, cx extContext) (Extension, error) {
	root, rest, err := decodeTreeNode(p, base, cx)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, decodeErr(base+int64(len(p)-len(rest)), ErrMalformedExtension, "%d trailing bytes after tree cache root", len(rest))
	}
	return &TreeCache{Root: root}, nil
}

func decodeTreeNode(p []byte, base int64, cx extContext) (*TreeNode, []byte, error) {
	nul := bytes.IndexByte(p, 0)
	if nul < 0 {
		return nil, nil, decodeErr(base, ErrMalformedExtension, "tree node name not NUL-terminated")
	}
	n := &TreeNode{Name: p[:nul]}
	p = p[nul+1:]
	base += int64(nul + 1)

	sp := bytes.IndexByte(p, ' ')
	if sp < 0 {
		return nil, nil, decodeErr(base, ErrMalformedExtension, "tree node entry count not space-terminated")
	}
	entryCount, err := strconv.Atoi(string(p[:sp]))
	if err != nil {
		return nil, nil, decodeErr(base, ErrMalformedExtension, "tree node entry count %q: expected decimal integer", p[:sp])
	}
	n.EntryCount = entryCount
	p = p[sp+1:]
	base += int64(sp + 1)

	nl := bytes.IndexByte(p, '\n')
	if nl < 0 {
		return nil, nil, decodeErr(base, ErrMalformedExtension, "tree node subtree count not newline-terminated")
	}
	subtrees, err := strconv.Atoi(string(p[:nl]))
	if err != nil || subtrees < 0 {
		return nil, nil, decodeErr(base, ErrMalformedExtension, "tree node subtree count %q: expected non-negative decimal", p[:nl])
	}
	p = p[nl+1:]
	base += int64(nl + 1)

	if n.Valid() {
		if len(p) < cx.alg.Size() {
			return nil, nil, decodeErr(base, ErrMalformedExtension, "tree node id needs %d bytes, %d left", cx.alg.Size(), len(p))
		}
		n.ID = hash.ObjectID(p[:cx.alg.Size()])
		p = p[cx.alg.Size():]
		base += int64(cx.alg.Size())
	}

	for i := 0; i < subtrees; i++ {
		child, rest, err := decodeTreeNode(p, base, cx)
		if err != nil {
			return nil, nil, err
		}
		base += int64(len(p) - len(rest))
		p = rest
		n.Children = append(n.Children, child)
	}
	return n, p, nil
}

func (t *TreeCache) appendPayload(dst []byte, cx extContext) ([]byte, error) {
	if t.Root == nil {
		return dst, nil
	}
	return appendTreeNode(dst, t.Root, cx)
}

func appendTreeNode(dst []byte, n *TreeNode, cx extContext) ([]byte, error) {
	dst = append(dst, n.Name...)
	dst = append(dst, 0)
	dst = strconv.AppendInt(dst, int64(n.EntryCount), 10)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(len(n.Children)), 10)
	dst = append(dst, '\n')
	if n.Valid() {
		if len(n.ID) != cx.alg.Size() {
			return nil, fmt.Errorf("tree node %q: id is %d bytes, want %d", n.Name, len(n.ID), cx.alg.Size())
		}
		dst = append(dst, n.ID...)
	}
	var err error
	for _, c := range n.Children {
		if dst, err = appendTreeNode(dst, c, cx); err != nil {
			return nil, err
		}
	}
	return dst, nil
}
