// Package partuploader transfers file parts to pre-signed destinations.
// Every transfer is one binary HTTP transaction, retried a bounded number of times,
// with byte-level progress reported as the request body is consumed.
package partuploader

import (
	"fmt"
	"io"
)

// Destination is a pre-signed target for a single binary transfer.
type Destination struct {
	// Number is the 1-based part number, 1 for a single-shot transfer.
	Number  int
	Method  string
	URL     string
	Headers map[string]string
}

// Range is a contiguous byte range [Offset, Offset+Length) of a file.
type Range struct {
	Offset int64
	Length int64
}

// End returns the exclusive end offset of the range.
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// Body provides the bytes of one transfer.
// NewReader is called once per attempt and must return a reader positioned at the start.
type Body interface {
	Size() int64
	NewReader() io.Reader
}

// ProgressFunc receives the bytes sent so far for the current attempt and the body size.
type ProgressFunc func(sent, total int64)

// TransferError is returned when a transfer failed after exhausting its attempts,
// or was rejected with a status that is not retried.
type TransferError struct {
	Part       int
	Attempts   int
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("part %d failed after %d attempt(s) with status %d: %v", e.Part, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("part %d failed after %d attempt(s): %v", e.Part, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
