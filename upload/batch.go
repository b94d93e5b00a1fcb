package upload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"

	"github.com/episodehub/go-uploader/upload/network"
)

const (
	// DefaultMaxFiles is the largest batch accepted by default.
	DefaultMaxFiles = 50
	// DefaultSessionConcurrency is the number of sessions running at once by default.
	DefaultSessionConcurrency = 4
)

// BatchConfig controls how many files are accepted and uploaded at once.
type BatchConfig struct {
	Session            SessionConfig
	SessionConcurrency int
	MaxFiles           int
}

// BatchResult holds the per-file outcomes of a batch in submission order.
type BatchResult struct {
	Results []Result
	Errors  []error
}

// FileIDs returns the remote ids of the succeeded files in submission order.
func (b BatchResult) FileIDs() []string {
	var ids []string
	for i, result := range b.Results {
		if b.Errors[i] == nil && result.State == StateSucceeded {
			ids = append(ids, result.FileID)
		}
	}
	return ids
}

// FailedCount returns the number of files that did not succeed.
func (b BatchResult) FailedCount() int {
	count := 0
	for _, err := range b.Errors {
		if err != nil {
			count++
		}
	}
	return count
}

// Coordinator runs one independent session per file.
type Coordinator struct {
	backend     network.Backend
	transporter Transporter
	config      BatchConfig
	callbacks   Callbacks
	tracker     analytics.Tracker
	logger      log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewCoordinator creates a Coordinator. tracker may be nil.
func NewCoordinator(backend network.Backend, transporter Transporter, config BatchConfig, callbacks Callbacks, tracker analytics.Tracker, logger log.Logger) *Coordinator {
	if config.SessionConcurrency < 1 {
		config.SessionConcurrency = DefaultSessionConcurrency
	}
	if config.MaxFiles < 1 {
		config.MaxFiles = DefaultMaxFiles
	}
	return &Coordinator{
		backend:     backend,
		transporter: transporter,
		config:      config,
		callbacks:   callbacks,
		tracker:     tracker,
		logger:      logger,
		sessions:    map[string]*Session{},
	}
}

// NewSession creates a session for file with the coordinator's settings.
func (c *Coordinator) NewSession(file *File) *Session {
	opts := []SessionOption{WithCallbacks(c.callbacks)}
	if c.tracker != nil {
		opts = append(opts, WithTracker(c.tracker))
	}
	return NewSession(file, c.backend, c.transporter, c.config.Session, c.logger, opts...)
}

// Upload runs a session for every file, at most SessionConcurrency at once.
// A failed file does not stop its siblings. The returned error is only set when the batch
// itself was rejected; per-file failures are in the BatchResult.
func (c *Coordinator) Upload(ctx context.Context, files []*File) (BatchResult, error) {
	if err := c.checkBatchSize(len(files)); err != nil {
		return BatchResult{}, err
	}

	sessions := make([]*Session, len(files))
	for i, file := range files {
		sessions[i] = c.NewSession(file)
	}

	return c.Run(ctx, sessions), nil
}

// UploadPaths opens the files at paths and uploads them like Upload. A file that can't be
// opened fails with ErrHashFailure and the other files are still uploaded.
func (c *Coordinator) UploadPaths(ctx context.Context, paths []string) (BatchResult, error) {
	if err := c.checkBatchSize(len(paths)); err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{
		Results: make([]Result, len(paths)),
		Errors:  make([]error, len(paths)),
	}

	var sessions []*Session
	var positions []int
	defer func() {
		for _, session := range sessions {
			if err := session.File().Close(); err != nil {
				c.logger.Warnf("Failed to close %s: %s", session.File().Name, err)
			}
		}
	}()

	for i, path := range paths {
		file, err := OpenFile(path)
		if err != nil {
			name := filepath.Base(path)
			result.Results[i] = Result{FileName: name, State: StateFailed}
			result.Errors[i] = &SessionError{FileName: name, Stage: StateHashing, Kind: ErrHashFailure, Err: err}
			c.logger.Errorf("Failed to open %s: %s", path, err)
			continue
		}
		sessions = append(sessions, c.NewSession(file))
		positions = append(positions, i)
	}

	sessionResult := c.Run(ctx, sessions)
	for j, i := range positions {
		result.Results[i] = sessionResult.Results[j]
		result.Errors[i] = sessionResult.Errors[j]
	}

	return result, nil
}

// Run executes already created sessions.
func (c *Coordinator) Run(ctx context.Context, sessions []*Session) BatchResult {
	result := BatchResult{
		Results: make([]Result, len(sessions)),
		Errors:  make([]error, len(sessions)),
	}

	for _, session := range sessions {
		c.track(session)
	}

	g := new(errgroup.Group)
	g.SetLimit(c.config.SessionConcurrency)
	for i, session := range sessions {
		i, session := i, session
		g.Go(func() error {
			defer c.untrack(session)
			result.Results[i], result.Errors[i] = session.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	return result
}

// Cancel cancels the running or pending session with the given id.
func (c *Coordinator) Cancel(sessionID string) bool {
	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	c.mu.Unlock()

	if ok {
		session.Cancel()
	}
	return ok
}

// CancelAll cancels every running or pending session.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, session := range c.sessions {
		sessions = append(sessions, session)
	}
	c.mu.Unlock()

	for _, session := range sessions {
		session.Cancel()
	}
}

func (c *Coordinator) checkBatchSize(count int) error {
	if count > c.config.MaxFiles {
		return fmt.Errorf("%w: %d files, at most %d are allowed", ErrTooManyFiles, count, c.config.MaxFiles)
	}
	return nil
}

func (c *Coordinator) track(session *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session.ID()] = session
}

func (c *Coordinator) untrack(session *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, session.ID())
}
