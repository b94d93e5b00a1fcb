package upload

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregator_Sequential(t *testing.T) {
	var events []int
	a := NewAggregator(25, func(p int) { events = append(events, p) })

	a.PartProgress(1, 4)
	a.PartProgress(1, 10)
	a.PartDone(1, 10)
	a.PartProgress(2, 5)
	a.PartDone(2, 10)
	a.PartProgress(3, 5)
	a.PartDone(3, 5)
	a.Complete()

	assert.Equal(t, []int{16, 40, 60, 80, 100}, events)
	assert.Equal(t, int64(25), a.BytesTransferred())
}

func TestAggregator_RetryNeverDecreases(t *testing.T) {
	var events []int
	a := NewAggregator(100, func(p int) { events = append(events, p) })

	a.PartProgress(1, 30)
	// retried attempt starts from zero
	a.PartProgress(1, 10)
	a.PartProgress(1, 40)
	a.PartDone(1, 50)

	assert.Equal(t, []int{30, 40, 50}, events)
	assert.Equal(t, int64(50), a.BytesTransferred())
}

func TestAggregator_CompletedBytesUseExactPartSize(t *testing.T) {
	a := NewAggregator(20, nil)

	// progress events may stop short of the part size
	a.PartProgress(1, 7)
	a.PartDone(1, 10)

	assert.Equal(t, 50, a.Percent())
	assert.Equal(t, int64(10), a.BytesTransferred())
}

func TestAggregator_NeverExceedsHundred(t *testing.T) {
	a := NewAggregator(10, nil)

	a.PartProgress(1, 8)
	a.PartProgress(2, 8)

	assert.Equal(t, 100, a.Percent())
	assert.Equal(t, int64(10), a.BytesTransferred())
}

func TestAggregator_Rounding(t *testing.T) {
	assert.Equal(t, 33, percentOf(1, 3))
	assert.Equal(t, 67, percentOf(2, 3))
	assert.Equal(t, 1, percentOf(5, 1000))
	assert.Equal(t, 0, percentOf(4, 1000))
}

func TestAggregator_EmptyFile(t *testing.T) {
	var events []int
	a := NewAggregator(0, func(p int) { events = append(events, p) })

	a.PartDone(1, 0)
	a.Complete()

	assert.Equal(t, []int{100}, events)
}

func TestAggregator_ConcurrentMonotonic(t *testing.T) {
	var mu sync.Mutex
	var events []int
	a := NewAggregator(8*1000, func(p int) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for part := 1; part <= 8; part++ {
		wg.Add(1)
		go func(part int) {
			defer wg.Done()
			for sent := int64(100); sent <= 1000; sent += 100 {
				a.PartProgress(part, sent)
			}
			a.PartDone(part, 1000)
		}(part)
	}
	wg.Wait()

	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i], events[i-1])
	}
	assert.Equal(t, 100, a.Percent())
}
