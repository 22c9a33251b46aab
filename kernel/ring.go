package kernel

import "sync/atomic"

// Ring is a bounded single-producer/single-consumer queue.
//
// Push never blocks: when the ring is full the new value is dropped. Pop
// never blocks either and returns the zero value when empty. Exactly one
// goroutine may push and exactly one may pop; the ring is meant for handing
// data from interrupt context to the kernel loop without taking a lock.
type Ring[T any] struct {
	_     [0]func() // not comparable
	head  atomic.Uint32
	tail  atomic.Uint32
	slots []T
}

// NewRing returns a ring holding up to n values.
func NewRing[T any](n int) *Ring[T] {
	if n < 1 || n >= 1<<31 {
		panic("kernel: ring capacity out of range")
	}
	return &Ring[T]{slots: make([]T, n+1)}
}

func (r *Ring[T]) next(i uint32) uint32 {
	i++
	if i == uint32(len(r.slots)) {
		return 0
	}
	return i
}

// Push appends v, returning false if the ring was full and v was dropped.
func (r *Ring[T]) Push(v T) bool {
	head := r.head.Load()
	next := r.next(head)
	if next == r.tail.Load() {
		return false
	}
	r.slots[head] = v
	r.head.Store(next)
	return true
}

// TryPop removes the oldest value, returning false if the ring is empty.
func (r *Ring[T]) TryPop() (T, bool) {
	var zero T
	tail := r.tail.Load()
	if tail == r.head.Load() {
		return zero, false
	}
	v := r.slots[tail]
	r.slots[tail] = zero
	r.tail.Store(r.next(tail))
	return v, true
}

// Pop removes the oldest value, or returns the zero value if the ring is empty.
func (r *Ring[T]) Pop() T {
	v, _ := r.TryPop()
	return v
}

func (r *Ring[T]) IsEmpty() bool { return r.tail.Load() == r.head.Load() }

// Len returns the number of queued values.
func (r *Ring[T]) Len() int {
	n := len(r.slots)
	return (int(r.head.Load()) - int(r.tail.Load()) + n) % n
}

// Cap returns the number of values the ring can hold.
func (r *Ring[T]) Cap() int { return len(r.slots) - 1 }
