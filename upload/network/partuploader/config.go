package partuploader

import (
	"net/http"
	"time"
)

// Config holds configuration for the part uploader.
type Config struct {
	// MaxAttempts is the number of attempts per part, the first one included.
	// Default: 3
	MaxAttempts int

	// AttemptTimeout bounds a single attempt. A timed out attempt is retried like
	// any other transport error.
	// Default: 60 seconds
	AttemptTimeout time.Duration

	// RetryWait is the delay between two attempts of the same part.
	// Default: 0 (immediate retry)
	RetryWait time.Duration

	// Concurrency is the maximum number of parts in flight.
	// Default: 1 (strictly sequential, ascending part number)
	Concurrency int

	// FailFastOnClientError skips the remaining attempts when the destination
	// rejects a part with a 4xx status other than 408 and 429, e.g. an expired signature.
	FailFastOnClientError bool

	// HTTPClient is used as the transport of the retrying client.
	// If nil, a default client is created. Its Timeout is overwritten by AttemptTimeout.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		AttemptTimeout: 60 * time.Second,
		Concurrency:    1,
	}
}

// DefaultHTTPClient creates an HTTP client tuned for large part bodies.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxConnsPerHost:     10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.Concurrency < 1 {
		c.Concurrency = d.Concurrency
	}
	if c.RetryWait < 0 {
		c.RetryWait = 0
	}
	return c
}
