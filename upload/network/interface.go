// Package network talks to the remote side of an upload: it requests an upload plan before the
// bytes are transferred and commits the object once every part arrived.
package network

import (
	"context"
)

// Backend negotiates upload plans and finalizes transfers.
type Backend interface {
	// Prepare asks the remote side where the file's bytes should be sent.
	Prepare(context.Context, PrepareRequest) (*Plan, error)
	// Complete commits a fully transferred file with its checksum.
	Complete(context.Context, CompleteRequest) error
}

// PrepareRequest describes the file an upload plan is requested for.
type PrepareRequest struct {
	Category string
	FileName string
	FileSize int64
	MimeType string
	// PartCount is set only when the file has to be split; zero requests a single destination.
	PartCount int
}

// CompleteRequest closes out a transfer.
type CompleteRequest struct {
	FileID   string
	Checksum string
	// UploadID is set only for multipart plans.
	UploadID string
	// PartCount is the number of transferred parts, not sent over the wire.
	PartCount int
}
