package monitor

import "time"

// CircularBuffer holds a fixed number of elements
type CircularBuffer[T any] struct {
	data     []T
	size     int
	capacity int
	head     int
}

// NewCircularBuffer creates a new circular buffer with given capacity
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	capacity = max(1, capacity)
	return &CircularBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends a new element, replacing the oldest if at capacity
func (cb *CircularBuffer[T]) Add(item T) {
	cb.data[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity

	if cb.size < cb.capacity {
		cb.size++
	}
}

// GetAll returns all current elements in insertion order (oldest first)
func (cb *CircularBuffer[T]) GetAll() []T {
	if cb.size == 0 {
		return nil
	}

	result := make([]T, cb.size)
	if cb.size < cb.capacity {
		copy(result, cb.data[:cb.size])
	} else {
		tail := cb.head
		copy(result, cb.data[tail:])
		copy(result[cb.capacity-tail:], cb.data[:tail])
	}
	return result
}

func (cb *CircularBuffer[T]) Size() int {
	return cb.size
}

// rate returns events per second across the timestamps in cb, or 0 when
// fewer than two have been recorded.
func rate(cb *CircularBuffer[time.Time]) float64 {
	if cb.Size() < 2 {
		return 0
	}
	stamps := cb.GetAll()
	span := stamps[len(stamps)-1].Sub(stamps[0])
	if span <= 0 {
		return 0
	}
	return float64(len(stamps)-1) / span.Seconds()
}
