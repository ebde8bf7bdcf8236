package execmetrics

import (
	"math"
	"sync"
)

// Window is a fixed-capacity rolling sample buffer. When full, appending
// evicts the oldest sample first.
type Window struct {
	mu       sync.RWMutex
	samples  []float64
	capacity int
	head     int
	size     int
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{
		samples:  make([]float64, capacity),
		capacity: capacity,
	}
}

// Append adds a sample, evicting the oldest when at capacity.
func (w *Window) Append(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[(w.head+w.size)%w.capacity] = v
	if w.size < w.capacity {
		w.size++
	} else {
		w.head = (w.head + 1) % w.capacity
	}
}

// Len returns the number of held samples.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// Capacity returns the configured maximum sample count.
func (w *Window) Capacity() int {
	return w.capacity
}

// Snapshot returns the samples oldest-first.
func (w *Window) Snapshot() []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.samples[(w.head+i)%w.capacity]
	}
	return out
}

// Mean returns the average of held samples, NaN when empty.
func (w *Window) Mean() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.size == 0 {
		return math.NaN()
	}
	var sum float64
	for i := 0; i < w.size; i++ {
		sum += w.samples[(w.head+i)%w.capacity]
	}
	return sum / float64(w.size)
}
