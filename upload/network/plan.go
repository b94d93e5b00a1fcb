package network

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/episodehub/go-uploader/upload/network/partuploader"
)

// ErrMissingFileID is returned when the remote side did not assign a file id.
var ErrMissingFileID = errors.New("missing file_id")

// ErrNoUploadInstructions is returned when a plan has neither a single destination nor parts.
var ErrNoUploadInstructions = errors.New("did not return upload instructions")

// PartURL is the pre-signed destination of one part.
type PartURL struct {
	Number  int
	URL     string
	Method  string
	Headers map[string]string
}

// Plan is the remote side's decision of single-shot vs. multipart destinations for a file.
type Plan struct {
	FileID    string
	ObjectKey string
	ExpiresIn time.Duration
	// UploadURL is the single-shot destination.
	UploadURL string
	// Headers must be sent with the single-shot transfer.
	Headers map[string]string
	// UploadID identifies a multipart session.
	UploadID string
	Parts    []PartURL
}

// IsMultipart reports whether the plan carries per-part destinations.
// Per-part destinations take precedence over a single upload URL.
func (p Plan) IsMultipart() bool {
	return len(p.Parts) > 0
}

// Validate checks that the plan can be executed for a file of the given size split into parts of
// partSize bytes. Parts are sorted by number and methods default to PUT.
func (p *Plan) Validate(size, partSize int64) error {
	if p.FileID == "" {
		return ErrMissingFileID
	}

	if !p.IsMultipart() {
		if p.UploadURL == "" {
			return ErrNoUploadInstructions
		}
		return nil
	}

	sort.SliceStable(p.Parts, func(i, j int) bool {
		return p.Parts[i].Number < p.Parts[j].Number
	})

	want := partuploader.PartCount(size, partSize)
	if len(p.Parts) != want {
		return fmt.Errorf("plan has %d part(s), a %d byte file split into %d byte parts needs %d", len(p.Parts), size, partSize, want)
	}
	for i := range p.Parts {
		part := &p.Parts[i]
		if part.Number != i+1 {
			return fmt.Errorf("plan part %d has number %d, part numbers must be 1..%d", i+1, part.Number, want)
		}
		if part.URL == "" {
			return fmt.Errorf("plan part %d has no url", part.Number)
		}
		if part.Method == "" {
			part.Method = http.MethodPut
		}
	}

	return nil
}
