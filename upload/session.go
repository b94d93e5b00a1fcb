// Package upload coordinates large file uploads: every file runs one Session that hashes the
// file, requests an upload plan, transfers the parts and finalizes the object.
package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/episodehub/go-uploader/upload/checksum"
	"github.com/episodehub/go-uploader/upload/network"
	"github.com/episodehub/go-uploader/upload/network/partuploader"
)

const (
	// DefaultPartSize is the size files are split by for multipart transfers.
	DefaultPartSize = 10 * 1024 * 1024
	// DefaultCategory is the catalog category files are uploaded into.
	DefaultCategory = "dataset"
)

// Transporter sends the parts of a plan.
type Transporter interface {
	UploadParts(ctx context.Context, parts []partuploader.Part, contentType string, tracker partuploader.Tracker) error
}

// SessionConfig holds the per-file upload settings.
type SessionConfig struct {
	Category string
	// PartSize splits files for multipart transfers. Files not larger than PartSize use a single transfer.
	PartSize int64
	// HashWindowSize bounds the memory used while hashing.
	HashWindowSize int64
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Category == "" {
		c.Category = DefaultCategory
	}
	if c.PartSize <= 0 {
		c.PartSize = DefaultPartSize
	}
	if c.HashWindowSize <= 0 {
		c.HashWindowSize = checksum.DefaultWindowSize
	}
	return c
}

// Callbacks are notified synchronously from the goroutine running the session.
type Callbacks struct {
	OnStateChange func(s *Session, from, to State)
	OnProgress    func(s *Session, percent int)
}

// Result is the outcome of a session, read once by the caller.
type Result struct {
	SessionID        string
	FileName         string
	MimeType         string
	Size             int64
	State            State
	FileID           string
	Checksum         string
	UploadID         string
	PartCount        int
	BytesTransferred int64
	// Progress is the last percentage reported to OnProgress.
	Progress int
	Duration time.Duration
}

// Session drives one file through hashing, planning, transfer and finalization.
// A session runs once; a failed upload is resubmitted as a new session.
type Session struct {
	id          string
	file        *File
	backend     network.Backend
	transporter Transporter
	hasher      checksum.Hasher
	config      SessionConfig
	callbacks   Callbacks
	tracker     sessionTracker
	logger      log.Logger

	mu        sync.Mutex
	state     State
	started   bool
	cancelled bool
	cancel    context.CancelFunc

	checksum   string
	plan       *network.Plan
	aggregator *Aggregator
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithCallbacks sets the state and progress listeners.
func WithCallbacks(callbacks Callbacks) SessionOption {
	return func(s *Session) {
		s.callbacks = callbacks
	}
}

// WithTracker enables analytics events for the session outcome.
func WithTracker(tracker analytics.Tracker) SessionOption {
	return func(s *Session) {
		s.tracker = newSessionTracker(tracker)
	}
}

// NewSession creates a session in the Created state.
func NewSession(file *File, backend network.Backend, transporter Transporter, config SessionConfig, logger log.Logger, opts ...SessionOption) *Session {
	config = config.withDefaults()
	s := &Session{
		id:          uuid.NewString(),
		file:        file,
		backend:     backend,
		transporter: transporter,
		hasher:      checksum.NewHasher(config.HashWindowSize),
		config:      config,
		logger:      logger,
		state:       StateCreated,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.aggregator = NewAggregator(file.Size, s.notifyProgress)
	return s
}

// ID returns the session id used to correlate log lines and analytics events.
func (s *Session) ID() string {
	return s.id
}

// File returns the file this session uploads.
func (s *Session) File() *File {
	return s.file
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BytesTransferred returns the cumulative bytes sent across all parts.
func (s *Session) BytesTransferred() int64 {
	return s.aggregator.BytesTransferred()
}

// Cancel stops the session. In-flight transfers are aborted and no finalize call is made.
// Cancelling a finished session has no effect.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return
	}
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Run executes the session. The returned error is a *SessionError unless the session succeeded.
func (s *Session) Run(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startTime := time.Now()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return s.result(startTime), fmt.Errorf("session %s already ran", s.id)
	}
	s.started = true
	s.cancel = cancel
	cancelled := s.cancelled
	s.mu.Unlock()

	if cancelled {
		return s.stop(startTime, StateCreated, context.Canceled)
	}

	s.logger.Infof("Uploading %s (%s, %s)", s.file.Name, units.HumanSizeWithPrecision(float64(s.file.Size), 3), s.file.MimeType)

	s.transition(StateHashing)
	sum, err := s.hasher.Sum(ctx, s.file, s.file.Size)
	if err != nil {
		return s.fail(ctx, startTime, StateHashing, ErrHashFailure, err)
	}
	s.checksum = sum
	s.logger.Debugf("[%s] Checksum: %s", s.id, sum)

	s.transition(StatePlanning)
	plan, err := s.prepare(ctx)
	if err != nil {
		return s.fail(ctx, startTime, StatePlanning, ErrPlanFailure, err)
	}
	s.plan = plan

	s.transition(StateTransferring)
	transferStart := time.Now()
	if err := s.transporter.UploadParts(ctx, s.parts(), s.file.MimeType, s.aggregator); err != nil {
		return s.fail(ctx, startTime, StateTransferring, ErrTransport, err)
	}
	s.logger.Debugf("[%s] %d transfer(s) done in %s", s.id, s.partCount(), time.Since(transferStart).Round(time.Millisecond))

	if err := ctx.Err(); err != nil {
		return s.stop(startTime, StateTransferring, err)
	}
	s.transition(StateFinalizing)
	err = s.backend.Complete(ctx, network.CompleteRequest{
		FileID:    s.plan.FileID,
		Checksum:  s.checksum,
		UploadID:  s.plan.UploadID,
		PartCount: len(s.plan.Parts),
	})
	if err != nil {
		return s.fail(ctx, startTime, StateFinalizing, ErrFinalize, err)
	}

	s.aggregator.Complete()
	s.transition(StateSucceeded)

	result := s.result(startTime)
	s.tracker.logSessionSucceeded(result)
	s.logger.Donef("Uploaded %s in %s (file_id: %s)", s.file.Name, result.Duration.Round(time.Millisecond), result.FileID)

	return result, nil
}

func (s *Session) prepare(ctx context.Context) (*network.Plan, error) {
	request := network.PrepareRequest{
		Category: s.config.Category,
		FileName: s.file.Name,
		FileSize: s.file.Size,
		MimeType: s.file.MimeType,
	}
	if partuploader.NeedsMultipart(s.file.Size, s.config.PartSize) {
		request.PartCount = partuploader.PartCount(s.file.Size, s.config.PartSize)
	}

	plan, err := s.backend.Prepare(ctx, request)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, network.ErrNoUploadInstructions
	}
	if err := plan.Validate(s.file.Size, s.config.PartSize); err != nil {
		return nil, fmt.Errorf("invalid upload plan: %w", err)
	}

	if plan.IsMultipart() {
		s.logger.Printf("Multipart upload: %d parts of %s", len(plan.Parts), units.HumanSizeWithPrecision(float64(s.config.PartSize), 3))
	}

	return plan, nil
}

func (s *Session) parts() []partuploader.Part {
	if !s.plan.IsMultipart() {
		return []partuploader.Part{{
			Destination: partuploader.Destination{
				Number:  1,
				URL:     s.plan.UploadURL,
				Headers: s.plan.Headers,
			},
			Body: partuploader.NewSectionBody(s.file, partuploader.Range{Offset: 0, Length: s.file.Size}),
		}}
	}

	ranges := partuploader.SplitRanges(s.file.Size, s.config.PartSize)
	parts := make([]partuploader.Part, 0, len(ranges))
	for i, rng := range ranges {
		partURL := s.plan.Parts[i]
		parts = append(parts, partuploader.Part{
			Destination: partuploader.Destination{
				Number:  partURL.Number,
				Method:  partURL.Method,
				URL:     partURL.URL,
				Headers: partURL.Headers,
			},
			Body: partuploader.NewSectionBody(s.file, rng),
		})
	}
	return parts
}

func (s *Session) partCount() int {
	if s.plan == nil {
		return 0
	}
	if s.plan.IsMultipart() {
		return len(s.plan.Parts)
	}
	return 1
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	prev := s.state
	if !prev.canMoveTo(next) {
		s.mu.Unlock()
		s.logger.Warnf("[%s] Ignoring state change %s -> %s", s.id, prev, next)
		return
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Debugf("[%s] %s -> %s", s.id, prev, next)
	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(s, prev, next)
	}
}

// fail ends the session as Failed, or as Cancelled when the failure was caused by cancellation.
func (s *Session) fail(ctx context.Context, startTime time.Time, stage State, kind error, err error) (Result, error) {
	if ctx.Err() != nil {
		return s.stop(startTime, stage, err)
	}

	s.transition(StateFailed)
	result := s.result(startTime)
	s.tracker.logSessionFailed(result, stage)
	s.logger.Errorf("Upload of %s failed while %s: %s", s.file.Name, stage, err)

	return result, &SessionError{FileName: s.file.Name, Stage: stage, Kind: kind, Err: err}
}

func (s *Session) stop(startTime time.Time, stage State, err error) (Result, error) {
	s.transition(StateCancelled)
	result := s.result(startTime)
	s.tracker.logSessionCancelled(result, stage)
	s.logger.Warnf("Upload of %s cancelled while %s", s.file.Name, stage)

	return result, &SessionError{FileName: s.file.Name, Stage: stage, Kind: ErrCancelledByUser, Err: err}
}

func (s *Session) notifyProgress(percent int) {
	if s.callbacks.OnProgress != nil {
		s.callbacks.OnProgress(s, percent)
	}
}

func (s *Session) result(startTime time.Time) Result {
	result := Result{
		SessionID:        s.id,
		FileName:         s.file.Name,
		MimeType:         s.file.MimeType,
		Size:             s.file.Size,
		State:            s.State(),
		Checksum:         s.checksum,
		PartCount:        s.partCount(),
		BytesTransferred: s.aggregator.BytesTransferred(),
		Progress:         s.aggregator.Percent(),
		Duration:         time.Since(startTime),
	}
	if s.plan != nil {
		result.FileID = s.plan.FileID
		result.UploadID = s.plan.UploadID
	}
	return result
}
