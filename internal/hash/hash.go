// internal/hash/hash.go
package hash

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	stdhash "hash"
)

// Algorithm selects the object-id function used by a repository.
type Algorithm int

const (
	SHA1 Algorithm = iota
	SHA256
)

func (a Algorithm) Size() int {
	if a == SHA256 {
		return sha256.Size
	}
	return sha1.Size
}

func (a Algorithm) String() string {
	if a == SHA256 {
		return "sha256"
	}
	return "sha1"
}

// ObjectID is a fixed-width content hash. Its length is Algorithm.Size()
// of the algorithm that produced it.
type ObjectID []byte

func (id ObjectID) Hex() string {
	return hex.EncodeToString(id)
}

// IsNull reports whether every byte is zero. The null id is used as an
// "absent" sentinel in several places of the index format.
func (id ObjectID) IsNull() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

func (id ObjectID) Equal(other ObjectID) bool {
	return bytes.Equal(id, other)
}

// Null returns the all-zero id for the given algorithm.
func Null(a Algorithm) ObjectID {
	return make(ObjectID, a.Size())
}

// FromHex parses a hex string into an ObjectID.
func FromHex(s string) (ObjectID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding object id %q: %w", s, err)
	}
	if len(b) != SHA1.Size() && len(b) != SHA256.Size() {
		return nil, fmt.Errorf("object id %q: unexpected length %d", s, len(b))
	}
	return ObjectID(b), nil
}

// Digest is a streaming hasher producing an ObjectID.
type Digest struct {
	h stdhash.Hash
}

func New(a Algorithm) *Digest {
	if a == SHA256 {
		return &Digest{h: sha256.New()}
	}
	return &Digest{h: sha1.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

func (d *Digest) Sum() ObjectID {
	return ObjectID(d.h.Sum(nil))
}

// Sum hashes data in one shot.
func Sum(a Algorithm, data []byte) ObjectID {
	d := New(a)
	d.Write(data)
	return d.Sum()
}
