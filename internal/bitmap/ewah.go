// internal/bitmap/ewah.go
package bitmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"math/bits"
)

var ErrMalformedEWAH = errors.New("malformed ewah bitmap")

const (
	maxRunLen   = 1<<32 - 1
	maxLiterals = 1<<31 - 1
)

// Bitmap is an uncompressed bitset. On disk it is carried in EWAH
// compressed form (64-bit words, each either part of a run of identical
// words or a literal).
type Bitmap struct {
	words   []uint64
	numBits uint32
}

func New(numBits uint32) *Bitmap {
	return &Bitmap{
		words:   make([]uint64, wordsFor(numBits)),
		numBits: numBits,
	}
}

func wordsFor(bits uint32) int {
	return int((uint64(bits) + 63) / 64)
}

// Len returns the declared number of bits.
func (b *Bitmap) Len() uint32 { return b.numBits }

// Set marks bit i, growing the bitmap if needed.
func (b *Bitmap) Set(i uint32) {
	if i >= b.numBits {
		b.numBits = i + 1
	}
	w := int(i / 64)
	for w >= len(b.words) {
		b.words = append(b.words, 0)
	}
	b.words[w] |= 1 << (i % 64)
}

// Get reports whether bit i is set.
func (b *Bitmap) Get(i uint32) bool {
	w := int(i / 64)
	if i >= b.numBits || w >= len(b.words) {
		return false
	}
	return b.words[w]&(1<<(i%64)) != 0
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// EachSet iterates over the positions of set bits in ascending order.
// The sequence is restartable.
func (b *Bitmap) EachSet() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		for wi, w := range b.words {
			for w != 0 {
				bit := bits.TrailingZeros64(w)
				pos := uint32(wi*64 + bit)
				if pos >= b.numBits {
					return
				}
				if !yield(pos) {
					return
				}
				w &^= 1 << bit
			}
		}
	}
}

// ReadEWAH decodes one serialized EWAH bitmap from the front of data
// and returns it together with the number of bytes consumed. The
// caller always knows an upper bound on the bit count (index entries,
// directory blocks); maxBits rejects a crafted header before it can
// force a large allocation.
//
// Layout: 32-bit bit count, 32-bit compressed word count, that many
// big-endian 64-bit words, 32-bit position of the last run-length word.
func ReadEWAH(data []byte, maxBits uint32) (*Bitmap, int, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("%w: missing header", ErrMalformedEWAH)
	}
	numBits := binary.BigEndian.Uint32(data)
	wordCount := binary.BigEndian.Uint32(data[4:])
	if numBits > maxBits {
		return nil, 0, fmt.Errorf("%w: %d bits declared, at most %d possible here", ErrMalformedEWAH, numBits, maxBits)
	}
	need := 8 + int(wordCount)*8 + 4
	if len(data) < need {
		return nil, 0, fmt.Errorf("%w: %d words declared, %d bytes left", ErrMalformedEWAH, wordCount, len(data)-8)
	}
	comp := make([]uint64, wordCount)
	for i := range comp {
		comp[i] = binary.BigEndian.Uint64(data[8+i*8:])
	}

	b := New(numBits)
	maxWords := uint64(wordsFor(numBits))
	pos := uint64(0)
	for i := 0; i < len(comp); {
		rlw := comp[i]
		i++
		runBit := rlw&1 != 0
		runLen := rlw >> 1 & (1<<32 - 1)
		literals := int(rlw >> 33)
		if i+literals > len(comp) {
			return nil, 0, fmt.Errorf("%w: run-length word declares %d literals past the end", ErrMalformedEWAH, literals)
		}
		if pos+runLen+uint64(literals) > maxWords {
			return nil, 0, fmt.Errorf("%w: expands past the declared %d bits", ErrMalformedEWAH, numBits)
		}
		if runBit {
			for j := uint64(0); j < runLen; j++ {
				b.words[pos+j] = ^uint64(0)
			}
		}
		pos += runLen
		for j := 0; j < literals; j++ {
			b.words[pos] = comp[i]
			i++
			pos++
		}
	}
	// A run covering the last word may set bits past numBits; those must
	// stay clear.
	if tail := numBits % 64; tail != 0 && len(b.words) > 0 {
		b.words[len(b.words)-1] &= 1<<tail - 1
	}
	return b, need, nil
}

// AppendEWAH appends the serialized EWAH form of b to dst.
func (b *Bitmap) AppendEWAH(dst []byte) []byte {
	words := b.words[:wordsFor(b.numBits)]
	var comp []uint64
	lastRLW := 0
	for i := 0; i < len(words); {
		var runBit, runLen uint64
		if w := words[i]; w == 0 || w == ^uint64(0) {
			if w != 0 {
				runBit = 1
			}
			for i < len(words) && words[i] == w && runLen < maxRunLen {
				runLen++
				i++
			}
		}
		litStart := i
		for i < len(words) && words[i] != 0 && words[i] != ^uint64(0) && i-litStart < maxLiterals {
			i++
		}
		lits := words[litStart:i]
		lastRLW = len(comp)
		comp = append(comp, runBit|runLen<<1|uint64(len(lits))<<33)
		comp = append(comp, lits...)
	}
	if len(comp) == 0 {
		comp = []uint64{0}
	}

	dst = binary.BigEndian.AppendUint32(dst, b.numBits)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(comp)))
	for _, w := range comp {
		dst = binary.BigEndian.AppendUint64(dst, w)
	}
	return binary.BigEndian.AppendUint32(dst, uint32(lastRLW))
}
