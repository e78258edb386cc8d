package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// Ring is a thread-safe circular buffer that overwrites its oldest entry
// when full. It holds records waiting for the sink.
type Ring[T any] struct {
	mu      sync.Mutex
	data    []T
	head    int
	size    int
	dropped uint64
	logger  *zap.Logger
}

func New[T any](capacity int, logger *zap.Logger) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{data: make([]T, capacity), logger: logger}
}

// Add appends items in order, overwriting the oldest entries on overflow.
func (r *Ring[T]) Add(items ...T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	overwritten := 0
	for _, item := range items {
		if r.size == len(r.data) {
			overwritten++
		}
		r.data[r.head] = item
		r.head = (r.head + 1) % len(r.data)
		if r.size < len(r.data) {
			r.size++
		}
	}
	if overwritten > 0 {
		r.dropped += uint64(overwritten)
		r.logger.Warn("ring buffer full, overwrote oldest entries",
			zap.Int("capacity", len(r.data)),
			zap.Int("overwritten", overwritten),
		)
	}
}

// Drain returns every buffered item, oldest first, and empties the buffer.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}
	out := make([]T, r.size)
	start := (r.head - r.size + len(r.data)) % len(r.data)
	for i := range out {
		out[i] = r.data[(start+i)%len(r.data)]
	}

	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.size, r.head = 0, 0
	return out
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring[T]) Capacity() int { return len(r.data) }

// Dropped is the total number of entries lost to overwrites.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
