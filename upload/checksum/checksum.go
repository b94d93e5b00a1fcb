// Package checksum computes the content digest of a file by reading it in fixed-size windows.
package checksum

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultWindowSize is the amount of the file held in memory at once while hashing.
const DefaultWindowSize = 2 * 1024 * 1024

// ReadError is returned when a window could not be read. No partial digest is returned with it.
type ReadError struct {
	Offset int64
	Length int64
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read window [%d, %d): %s", e.Offset, e.Offset+e.Length, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Hasher computes lowercase hex MD5 digests.
type Hasher struct {
	WindowSize int64
}

// NewHasher creates a Hasher. A non-positive window size falls back to DefaultWindowSize.
func NewHasher(windowSize int64) Hasher {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return Hasher{WindowSize: windowSize}
}

// Sum hashes the first size bytes of r window by window, in order, each window read exactly once.
// The result equals the MD5 of the same bytes hashed in one pass.
func (h Hasher) Sum(ctx context.Context, r io.ReaderAt, size int64) (string, error) {
	windowSize := h.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if size < 0 {
		return "", fmt.Errorf("invalid size: %d", size)
	}

	bufSize := windowSize
	if size < bufSize {
		bufSize = size
	}
	buf := make([]byte, bufSize)
	hash := md5.New()

	for offset := int64(0); offset < size; offset += windowSize {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		length := windowSize
		if remaining := size - offset; remaining < length {
			length = remaining
		}
		window := buf[:length]

		n, err := r.ReadAt(window, offset)
		// ReadAt may report io.EOF together with a full window at the end of the file
		if int64(n) < length {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return "", &ReadError{Offset: offset, Length: length, Err: err}
		}
		hash.Write(window)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// SumFile opens the file at path and hashes its full content.
func (h Hasher) SumFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	return h.Sum(ctx, f, info.Size())
}
