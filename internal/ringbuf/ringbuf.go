// Package ringbuf provides a bounded FIFO ring buffer that evicts its oldest
// element when full. Producers never block; the consumer waits on Ready.
//
// Unlike a lock-free SPSC ring, drop-oldest needs the producer to advance
// the consumer's read position, so head and tail share one mutex.
package ringbuf

import "sync"

// Ring is a bounded drop-oldest queue of T.
// Capacity is rounded up to a power of two for bitwise modulo.
type Ring[T any] struct {
	mu   sync.Mutex
	buf  []T
	mask uint64
	head uint64 // next write
	tail uint64 // next read

	// evicted counts elements overwritten before they were popped.
	evicted uint64

	ready chan struct{}
}

// New creates a ring. capacity is rounded up to the next power of two.
// Minimum capacity is 2.
func New[T any](capacity int) *Ring[T] {
	c := nextPow2(capacity)
	if c < 2 {
		c = 2
	}
	return &Ring[T]{
		buf:   make([]T, c),
		mask:  uint64(c - 1),
		ready: make(chan struct{}, 1),
	}
}

// Push appends v. If the ring is full the oldest element is discarded and
// Push returns true. Non-blocking.
func (r *Ring[T]) Push(v T) (evicted bool) {
	r.mu.Lock()
	if r.head-r.tail >= uint64(len(r.buf)) {
		var zero T
		r.buf[r.tail&r.mask] = zero
		r.tail++
		r.evicted++
		evicted = true
	}
	r.buf[r.head&r.mask] = v
	r.head++
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes and returns the oldest element.
// Returns false if the ring is empty. Non-blocking.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.tail >= r.head {
		return zero, false
	}
	idx := r.tail & r.mask
	v := r.buf[idx]
	r.buf[idx] = zero
	r.tail++
	return v, true
}

// Peek returns the oldest element without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.tail >= r.head {
		return zero, false
	}
	return r.buf[r.tail&r.mask], true
}

// Ready is signalled after every Push. A single pending signal may stand for
// several pushes, so consumers should drain with Pop until it returns false.
func (r *Ring[T]) Ready() <-chan struct{} {
	return r.ready
}

// Len returns the current number of elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.head - r.tail)
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Evicted returns the total number of elements dropped to make room.
func (r *Ring[T]) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
