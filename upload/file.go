package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	defaultMimeType = "application/octet-stream"
	sniffLength     = 3072
)

var mimeTypesByExtension = map[string]string{
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".png":   "image/png",
	".zip":   "application/zip",
	".bag":   "application/octet-stream",
	".mcap":  "application/octet-stream",
	".splat": "application/octet-stream",
	".pdf":   "application/pdf",
	".txt":   "text/plain",
	".json":  "application/json",
}

// File is a reference to local content: its name, byte size, MIME type and random access to its bytes.
type File struct {
	Name     string
	Size     int64
	MimeType string

	content io.ReaderAt
	closer  io.Closer
}

// NewFile creates a File over content. An empty mimeType is resolved from the name and the content.
func NewFile(name string, content io.ReaderAt, size int64, mimeType string) *File {
	f := &File{
		Name:    name,
		Size:    size,
		content: content,
	}
	f.MimeType = ResolveMimeType(name, mimeType, io.NewSectionReader(content, 0, size))
	return f
}

// OpenFile opens a regular file for upload. The caller must Close it.
func OpenFile(path string) (*File, error) {
	osFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := osFile.Stat()
	if err != nil {
		_ = osFile.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		_ = osFile.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	f := NewFile(filepath.Base(path), osFile, info.Size(), "")
	f.closer = osFile
	return f, nil
}

// ReadAt reads from the file content.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.content.ReadAt(p, off)
}

// Close releases the underlying file, if any.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// ResolveMimeType returns the declared type if set, else the type registered for the file
// extension, else the sniffed content type, else application/octet-stream.
func ResolveMimeType(name, declared string, content io.Reader) string {
	if declared != "" {
		return declared
	}
	if mimeType, ok := mimeTypesByExtension[strings.ToLower(filepath.Ext(name))]; ok {
		return mimeType
	}
	if content == nil {
		return defaultMimeType
	}

	detected, err := mimetype.DetectReader(io.LimitReader(content, sniffLength))
	if err != nil || detected == nil {
		return defaultMimeType
	}
	return detected.String()
}
