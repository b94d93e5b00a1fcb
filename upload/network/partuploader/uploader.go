package partuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

// Part is one transfer of a plan: where to send it and what to send.
type Part struct {
	Destination Destination
	Body        Body
}

// Tracker receives byte progress of in-flight parts and completion of finished ones.
type Tracker interface {
	PartProgress(part int, sent int64)
	PartDone(part int, size int64)
}

// Uploader transfers parts with bounded retries and per-attempt timeouts.
type Uploader struct {
	config Config
	client *retryablehttp.Client
	logger log.Logger
	stats  *Stats
}

type attemptCounterKey struct{}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) *Uploader {
	config = config.withDefaults()

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	// Copy so the caller's client keeps its own timeout.
	attemptClient := *httpClient
	attemptClient.Timeout = config.AttemptTimeout

	u := &Uploader{
		config: config,
		logger: logger,
		stats:  &Stats{},
	}

	client := retryhttp.NewClient(logger)
	client.HTTPClient = &attemptClient
	client.RetryMax = config.MaxAttempts - 1
	client.RetryWaitMin = config.RetryWait
	client.RetryWaitMax = config.RetryWait
	client.Backoff = func(min, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return min
	}
	client.CheckRetry = u.checkRetry
	client.ErrorHandler = giveUp
	client.RequestLogHook = u.logAttempt
	u.client = client

	return u
}

// Stats returns the counters of finished transfers.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *Uploader) CloseIdleConnections() {
	u.client.HTTPClient.CloseIdleConnections()
}

// Transfer sends body to the destination as one HTTP transaction, retrying failed attempts.
// onProgress is called with the bytes sent by the current attempt; no final event is emitted.
func (u *Uploader) Transfer(ctx context.Context, body Body, dest Destination, contentType string, onProgress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("part %d upload cancelled: %w", dest.Number, err)
	}

	method := dest.Method
	if method == "" {
		method = http.MethodPut
	}
	size := body.Size()

	// an empty body must stay nil, net/http sends a non-nil zero length body chunked
	var rawBody interface{}
	if size > 0 {
		rawBody = retryablehttp.ReaderFunc(func() (io.Reader, error) {
			return newProgressReader(body.NewReader(), size, onProgress), nil
		})
	}
	req, err := retryablehttp.NewRequest(method, dest.URL, rawBody)
	if err != nil {
		return &TransferError{Part: dest.Number, Err: fmt.Errorf("create request: %w", err)}
	}

	var attempts int32
	req = req.WithContext(context.WithValue(ctx, attemptCounterKey{}, &attempts))
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	// retryablehttp can't size a ReaderFunc body
	req.ContentLength = size

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		var transferErr *TransferError
		if errors.As(err, &transferErr) {
			transferErr.Part = dest.Number
			return transferErr
		}
		return &TransferError{Part: dest.Number, Attempts: int(atomic.LoadInt32(&attempts)), Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Warnf("Failed to close response body: %s", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransferError{
			Part:       dest.Number,
			Attempts:   int(atomic.LoadInt32(&attempts)),
			StatusCode: resp.StatusCode,
			Err:        unwrapError(resp),
		}
	}

	took := time.Since(start)
	tries := int(atomic.LoadInt32(&attempts))
	u.stats.record(took, size, tries)
	summary := u.stats.Summary()
	u.logger.Debugf("Part %d uploaded in %v (%d attempt(s)) [finished=%d] [avg=%v]",
		dest.Number, took.Round(time.Millisecond), tries,
		summary.Parts, summary.AveragePart().Round(time.Millisecond))

	return nil
}

// UploadParts transfers the parts in the given order. With Concurrency 1 a part is fully
// resolved before the next one starts and cancellation is checked between parts. With higher
// concurrency a failed part stops new parts from starting. The first failure is returned.
func (u *Uploader) UploadParts(ctx context.Context, parts []Part, contentType string, tracker Tracker) error {
	if u.config.Concurrency <= 1 || len(parts) <= 1 {
		for _, part := range parts {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("upload cancelled before part %d: %w", part.Destination.Number, err)
			}
			if err := u.uploadPart(ctx, part, contentType, tracker); err != nil {
				return err
			}
		}
		return nil
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(u.config.Concurrency)
	for _, part := range parts {
		if groupCtx.Err() != nil {
			break
		}
		part := part
		g.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return fmt.Errorf("upload cancelled before part %d: %w", part.Destination.Number, err)
			}
			return u.uploadPart(groupCtx, part, contentType, tracker)
		})
	}
	return g.Wait()
}

func (u *Uploader) uploadPart(ctx context.Context, part Part, contentType string, tracker Tracker) error {
	number := part.Destination.Number
	err := u.Transfer(ctx, part.Body, part.Destination, contentType, func(sent, _ int64) {
		if tracker != nil {
			tracker.PartProgress(number, sent)
		}
	})
	if err != nil {
		return err
	}
	if tracker != nil {
		tracker.PartDone(number, part.Body.Size())
	}
	return nil
}

func (u *Uploader) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	if u.config.FailFastOnClientError && isNonRetriable(resp.StatusCode) {
		return false, nil
	}
	return true, nil
}

func (u *Uploader) logAttempt(_ retryablehttp.Logger, req *http.Request, attempt int) {
	if counter, ok := req.Context().Value(attemptCounterKey{}).(*int32); ok {
		atomic.AddInt32(counter, 1)
	}
	if attempt > 0 {
		// signed query strings are credentials, log the path only
		u.logger.Warnf("Retrying %s %s%s (attempt %d/%d)", req.Method, req.URL.Host, req.URL.Path, attempt+1, u.config.MaxAttempts)
	}
}

func isNonRetriable(status int) bool {
	return status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout &&
		status != http.StatusTooManyRequests
}

func giveUp(resp *http.Response, err error, numTries int) (*http.Response, error) {
	transferErr := &TransferError{Attempts: numTries, Err: err}
	if resp != nil {
		transferErr.StatusCode = resp.StatusCode
		if err == nil {
			transferErr.Err = unwrapError(resp)
		}
		_ = resp.Body.Close()
	}
	if transferErr.Err == nil {
		transferErr.Err = errors.New("giving up")
	}
	return nil, transferErr
}

func unwrapError(resp *http.Response) error {
	errorBody := make([]byte, 1024)
	n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(errorBody[:n]))
}
