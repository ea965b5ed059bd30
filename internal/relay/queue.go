package relay

import "context"

// boundedQueue is a fixed-capacity FIFO shared by the delivery callbacks and
// the workers. A buffered channel keeps the hand-off exclusive without a lock
// around a slice, and a full channel blocks producers, which is the
// backpressure contract.
type boundedQueue[T any] struct {
	ch chan T
}

func newBoundedQueue[T any](capacity int) *boundedQueue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &boundedQueue[T]{ch: make(chan T, capacity)}
}

// Put blocks while the queue is full until a slot frees or ctx ends.
func (q *boundedQueue[T]) Put(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut inserts without blocking and reports whether there was room.
func (q *boundedQueue[T]) TryPut(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// Get blocks until an item is available or ctx ends.
func (q *boundedQueue[T]) Get(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet removes the head without blocking.
func (q *boundedQueue[T]) TryGet() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

func (q *boundedQueue[T]) Len() int {
	return len(q.ch)
}

func (q *boundedQueue[T]) Cap() int {
	return cap(q.ch)
}
