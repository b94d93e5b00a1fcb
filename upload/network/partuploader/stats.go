package partuploader

import (
	"sync"
	"time"
)

// Stats accumulates the finished transfers of an Uploader.
type Stats struct {
	mu      sync.Mutex
	summary Summary
}

// Summary is a copy of the counters at one point in time.
type Summary struct {
	Parts int64
	Bytes int64
	// Attempts includes the first attempt of every finished part.
	Attempts int64
	Elapsed  time.Duration
}

func (s *Stats) record(elapsed time.Duration, bytes int64, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Parts++
	s.summary.Bytes += bytes
	s.summary.Attempts += int64(attempts)
	s.summary.Elapsed += elapsed
}

// Summary returns the current counters.
func (s *Stats) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Retries returns the attempts made beyond the first one of each part.
func (s Summary) Retries() int64 {
	return s.Attempts - s.Parts
}

// AveragePart returns the mean duration of a finished part.
func (s Summary) AveragePart() time.Duration {
	if s.Parts == 0 {
		return 0
	}
	return s.Elapsed / time.Duration(s.Parts)
}

// BytesPerSecond returns the throughput over the time spent transferring.
func (s Summary) BytesPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}
