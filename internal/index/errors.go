// internal/index/errors.go
package index

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedHeader      = errors.New("malformed index header")
	ErrUnsupportedVersion   = errors.New("unsupported index version")
	ErrTruncated            = errors.New("truncated index data")
	ErrChecksumMismatch     = errors.New("index checksum mismatch")
	ErrUnsupportedExtension = errors.New("unsupported mandatory extension")
	ErrMalformedExtension   = errors.New("malformed extension")
	ErrMalformedEntry       = errors.New("malformed index entry")
	ErrEntryOrder           = errors.New("index entries out of order")
)

// DecodeError reports a parse failure together with the byte offset it
// happened at and what was expected versus found there.
type DecodeError struct {
	Offset  int64
	Context string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("index: offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("index: offset %d: %v: %s", e.Offset, e.Err, e.Context)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(off int64, err error, format string, args ...any) error {
	return &DecodeError{
		Offset:  off,
		Context: fmt.Sprintf(format, args...),
		Err:     err,
	}
}
