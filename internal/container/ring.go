// Package container provides small generic containers used by the
// lifetime-management packages.
package container

// Ring is a growable FIFO queue backed by a circular slice.
// The zero value is an empty queue ready for use.
type Ring[T any] struct {
	data  []T
	read  int
	count int
}

// NewRing creates a queue with room for size elements before it grows.
func NewRing[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{data: make([]T, size)}
}

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int { return r.count }

// IsEmpty reports whether the queue holds no elements.
func (r *Ring[T]) IsEmpty() bool { return r.count == 0 }

// PushBack appends v at the tail, doubling the backing slice when full.
func (r *Ring[T]) PushBack(v T) {
	if r.count == len(r.data) {
		r.grow()
	}
	r.data[(r.read+r.count)%len(r.data)] = v
	r.count++
}

// Front returns the oldest element without removing it.
func (r *Ring[T]) Front() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.data[r.read], true
}

// Back returns the newest element without removing it.
func (r *Ring[T]) Back() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.data[(r.read+r.count-1)%len(r.data)], true
}

// PopFront removes and returns the oldest element.
func (r *Ring[T]) PopFront() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	v := r.data[r.read]
	r.data[r.read] = zero
	r.read = (r.read + 1) % len(r.data)
	r.count--
	return v, true
}

// At returns the i-th element counted from the front.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.count {
		panic("container: ring index out of range")
	}
	return r.data[(r.read+i)%len(r.data)]
}

func (r *Ring[T]) grow() {
	n := len(r.data) * 2
	if n == 0 {
		n = 4
	}
	data := make([]T, n)
	for i := 0; i < r.count; i++ {
		data[i] = r.data[(r.read+i)%len(r.data)]
	}
	r.data = data
	r.read = 0
}
