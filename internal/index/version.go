// internal/index/version.go
package index

import "fmt"

// Version is the on-disk format version. Versions 2 and 3 differ only
// in the extended flag word; version 4 additionally prefix-compresses
// entry paths and drops entry padding.
type Version uint32

const (
	V2 Version = 2
	V3 Version = 3
	V4 Version = 4
)

func (v Version) Supported() bool {
	return v == V2 || v == V3 || v == V4
}

func (v Version) String() string {
	return fmt.Sprintf("%d", uint32(v))
}
