package partuploader

import (
	"bytes"
	"io"
)

// NeedsMultipart reports whether a file of the given size has to be split into parts.
func NeedsMultipart(size, partSize int64) bool {
	return size > partSize
}

// PartCount returns ceil(size / partSize). An empty file still needs one transfer.
func PartCount(size, partSize int64) int {
	if size <= 0 || partSize <= 0 {
		return 1
	}
	return int((size + partSize - 1) / partSize)
}

// SplitRanges partitions [0, size) into consecutive ranges of partSize bytes.
// The last range may be short.
func SplitRanges(size, partSize int64) []Range {
	count := PartCount(size, partSize)
	ranges := make([]Range, 0, count)
	for i := 0; i < count; i++ {
		offset := int64(i) * partSize
		length := partSize
		if remaining := size - offset; remaining < length {
			length = remaining
		}
		if length < 0 {
			length = 0
		}
		ranges = append(ranges, Range{Offset: offset, Length: length})
	}
	return ranges
}

// SectionBody reads a byte range of an io.ReaderAt without buffering it.
// It is safe for concurrent use if the underlying ReaderAt is.
type SectionBody struct {
	r   io.ReaderAt
	rng Range
}

// NewSectionBody creates a Body for the given range of r.
func NewSectionBody(r io.ReaderAt, rng Range) *SectionBody {
	return &SectionBody{r: r, rng: rng}
}

// Size returns the length of the section.
func (b *SectionBody) Size() int64 {
	return b.rng.Length
}

// NewReader returns a fresh reader over the section.
func (b *SectionBody) NewReader() io.Reader {
	return io.NewSectionReader(b.r, b.rng.Offset, b.rng.Length)
}

// ByteSliceBody provides a transfer body from memory.
type ByteSliceBody struct {
	data []byte
}

// NewByteSliceBody creates a Body from a byte slice.
func NewByteSliceBody(data []byte) *ByteSliceBody {
	return &ByteSliceBody{data: data}
}

// Size returns the length of the data.
func (b *ByteSliceBody) Size() int64 {
	return int64(len(b.data))
}

// NewReader returns a fresh reader over the data.
func (b *ByteSliceBody) NewReader() io.Reader {
	return bytes.NewReader(b.data)
}

// progressReader counts bytes as the HTTP transport consumes the request body.
type progressReader struct {
	r     io.Reader
	total int64
	sent  int64
	fn    ProgressFunc
}

func newProgressReader(r io.Reader, total int64, fn ProgressFunc) io.Reader {
	if fn == nil {
		return r
	}
	return &progressReader{r: r, total: total, fn: fn}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
