package metrics

// Ring is a fixed-capacity buffer that overwrites its oldest entry when full.
// It is not safe for concurrent use; Recorder guards its rings with a mutex.
type Ring[T any] struct {
	buf  []T
	next int
	full bool
}

// NewRing creates a ring holding at most capacity entries (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Len returns the number of stored entries.
func (r *Ring[T]) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Items returns the entries from oldest to newest.
func (r *Ring[T]) Items() []T {
	n := r.Len()
	out := make([]T, 0, n)
	start := 0
	if r.full {
		start = r.next
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Last returns up to n newest entries, newest first.
func (r *Ring[T]) Last(n int) []T {
	items := r.Items()
	if n <= 0 || n > len(items) {
		n = len(items)
	}
	out := make([]T, 0, n)
	for i := len(items) - 1; i >= len(items)-n; i-- {
		out = append(out, items[i])
	}
	return out
}

// Filter keeps only the entries for which keep returns true, preserving order.
func (r *Ring[T]) Filter(keep func(T) bool) {
	items := r.Items()
	r.Reset()
	for _, it := range items {
		if keep(it) {
			r.Push(it)
		}
	}
}

// Reset removes all entries.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.next = 0
	r.full = false
}
