// internal/bitmap/varint.go
package bitmap

import "errors"

var (
	ErrVarintTruncated = errors.New("truncated varint")
	ErrVarintOverflow  = errors.New("varint overflows uint64")
)

// Varint decodes the offset-style variable-width integer used by the
// index format (version-4 path compression, untracked-cache counters).
// Unlike LEB128, each continuation adds one to the accumulated value
// before shifting, so every value has exactly one encoding.
// It returns the value and the number of bytes consumed.
func Varint(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, ErrVarintTruncated
	}
	c := data[0]
	value := uint64(c & 0x7f)
	n := 1
	for c&0x80 != 0 {
		if n >= len(data) {
			return 0, 0, ErrVarintTruncated
		}
		value++
		// The coming 7-bit shift wraps uint64 once any of the top
		// seven bits is set.
		if value >= 1<<57 {
			return 0, 0, ErrVarintOverflow
		}
		c = data[n]
		n++
		value = (value << 7) | uint64(c&0x7f)
	}
	return value, n, nil
}

// AppendVarint appends the encoding of v to dst and returns the
// extended slice.
func AppendVarint(dst []byte, v uint64) []byte {
	var buf [10]byte
	pos := len(buf) - 1
	buf[pos] = byte(v & 0x7f)
	for v >>= 7; v != 0; v >>= 7 {
		v--
		pos--
		buf[pos] = 0x80 | byte(v&0x7f)
	}
	return append(dst, buf[pos:]...)
}
