package router

import (
	"sync"
)

// GrowableBuffer is an unbounded FIFO guarded by a mutex. The ring doubles
// once it is 70% full, so Send never blocks the connection's read goroutine.
type GrowableBuffer[T any] struct {
	mu     sync.Mutex
	ready  *sync.Cond
	ring   []T
	head   int
	size   int
	closed bool

	received int64
	sent     int64
	resizes  int
	peak     int
}

// BufferStats is a point-in-time view of a GrowableBuffer.
type BufferStats struct {
	Count         int
	Capacity      int
	Peak          int // Largest backlog observed
	TotalReceived int64
	TotalSent     int64
	ResizeCount   int
}

// NewGrowableBuffer creates a buffer with room for initialCapacity items
// (at least one).
func NewGrowableBuffer[T any](initialCapacity int) *GrowableBuffer[T] {
	b := &GrowableBuffer[T]{ring: make([]T, max(initialCapacity, 1))}
	b.ready = sync.NewCond(&b.mu)
	return b
}

// Send appends item. It returns false once the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if b.size+1 >= max(len(b.ring)*7/10, 1) {
		b.growLocked()
	}

	b.ring[(b.head+b.size)%len(b.ring)] = item
	b.size++
	b.received++
	b.peak = max(b.peak, b.size)
	b.ready.Signal()
	return true
}

// Receive blocks for the next item. It returns false when the buffer is
// closed and empty.
func (b *GrowableBuffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.waitLocked()
	if b.size == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// TryReceive returns the next item without waiting.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// DrainTo removes up to max items (all when max <= 0) without blocking.
func (b *GrowableBuffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked(max)
}

// WaitDrain blocks until at least one item is available, then removes up to
// max items. Returns false once the buffer is closed and empty.
func (b *GrowableBuffer[T]) WaitDrain(max int) ([]T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.waitLocked()
	if b.size == 0 {
		return nil, false
	}
	return b.drainLocked(max), true
}

// Close rejects further sends and wakes every waiting receiver. Items already
// queued can still be received.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.ready.Broadcast()
}

// Len returns the number of queued items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.size,
		Capacity:      len(b.ring),
		Peak:          b.peak,
		TotalReceived: b.received,
		TotalSent:     b.sent,
		ResizeCount:   b.resizes,
	}
}

func (b *GrowableBuffer[T]) waitLocked() {
	for b.size == 0 && !b.closed {
		b.ready.Wait()
	}
}

func (b *GrowableBuffer[T]) popLocked() T {
	var zero T
	item := b.ring[b.head]
	b.ring[b.head] = zero
	b.head = (b.head + 1) % len(b.ring)
	b.size--
	b.sent++
	return item
}

func (b *GrowableBuffer[T]) drainLocked(max int) []T {
	n := b.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	for i := range out {
		out[i] = b.popLocked()
	}
	return out
}

// growLocked doubles the ring, unwrapping queued items to the front.
func (b *GrowableBuffer[T]) growLocked() {
	next := make([]T, len(b.ring)*2)
	n := copy(next, b.ring[b.head:])
	if n < b.size {
		copy(next[n:], b.ring[:b.size-n])
	}
	b.ring = next
	b.head = 0
	b.resizes++
}
