package upload

import (
	"math"
	"sync"
)

// Aggregator folds per-part byte progress into one percentage for the whole file.
// It is safe for concurrent use and never reports a percentage lower than the last one it emitted.
type Aggregator struct {
	mu        sync.Mutex
	total     int64
	completed int64
	inFlight  map[int]int64
	// highest byte count seen, retried parts restart from zero
	transferred int64

	// emitMu serializes onChange calls so they arrive in increasing order
	emitMu   sync.Mutex
	last     int
	emitted  bool
	onChange func(percent int)
}

// NewAggregator creates an Aggregator for a file of total bytes. onChange may be nil and must not call Percent.
func NewAggregator(total int64, onChange func(percent int)) *Aggregator {
	return &Aggregator{
		total:    total,
		inFlight: map[int]int64{},
		onChange: onChange,
	}
}

// PartProgress records the bytes sent so far by the current attempt of a part.
func (a *Aggregator) PartProgress(part int, sent int64) {
	a.mu.Lock()
	a.inFlight[part] = sent
	percent, ok := a.update()
	a.mu.Unlock()

	if ok {
		a.emit(percent)
	}
}

// PartDone advances the completed byte count by the part's exact size.
func (a *Aggregator) PartDone(part int, size int64) {
	a.mu.Lock()
	delete(a.inFlight, part)
	a.completed += size
	percent, ok := a.update()
	a.mu.Unlock()

	if ok {
		a.emit(percent)
	}
}

// Complete reports 100%.
func (a *Aggregator) Complete() {
	a.mu.Lock()
	if a.transferred < a.total {
		a.transferred = a.total
	}
	a.mu.Unlock()

	a.emit(100)
}

// Percent returns the last emitted percentage.
func (a *Aggregator) Percent() int {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	return a.last
}

// BytesTransferred returns the cumulative bytes sent, never more than the file size.
func (a *Aggregator) BytesTransferred() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transferred
}

func (a *Aggregator) update() (int, bool) {
	current := a.completed
	for _, sent := range a.inFlight {
		current += sent
	}
	if current > a.total {
		current = a.total
	}
	if current > a.transferred {
		a.transferred = current
	}

	if a.total <= 0 {
		return 0, false
	}
	return percentOf(current, a.total), true
}

func (a *Aggregator) emit(percent int) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	if a.emitted && percent <= a.last {
		return
	}
	a.last = percent
	a.emitted = true
	if a.onChange != nil {
		a.onChange(percent)
	}
}

func percentOf(done, total int64) int {
	p := math.Round(float64(done) / float64(total) * 100)
	return int(math.Min(100, p))
}
