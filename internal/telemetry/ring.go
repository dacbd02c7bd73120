package telemetry

// RingBuffer is a fixed-size circular buffer. When full, the oldest item is
// overwritten. It is not safe for concurrent use; the Recorder guards it.
type RingBuffer[T any] struct {
	data  []T
	head  int // next write position
	count int
}

// NewRingBuffer returns a buffer holding at most capacity items.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer[T]{data: make([]T, capacity)}
}

// Push appends item, dropping the oldest when full.
func (r *RingBuffer[T]) Push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// Slice returns all items from oldest to newest as a copy.
func (r *RingBuffer[T]) Slice() []T {
	return r.Last(r.count)
}

// Last returns up to n newest items, oldest first.
func (r *RingBuffer[T]) Last(n int) []T {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := (r.head - n + len(r.data)) % len(r.data)
	for i := range n {
		out[i] = r.data[(start+i)%len(r.data)]
	}
	return out
}

// Len returns the current number of items.
func (r *RingBuffer[T]) Len() int { return r.count }

// Cap returns the maximum number of items.
func (r *RingBuffer[T]) Cap() int { return len(r.data) }
