package fmdx

import "context"

// Queue is a bounded, thread-safe queue connecting the controller to the
// outside world. Enqueue never blocks: TryPush reports failure instead, so
// callers can log the drop and move on.
type Queue[T any] struct {
	ch chan T
}

// NewQueue returns a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPush enqueues v without blocking. It reports whether the item was
// accepted; false means the queue is full and the item was dropped.
func (q *Queue[T]) TryPush(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// TryPop dequeues without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Pop blocks until an item arrives or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// UpdateQueue carries Updates from the controller to its consumer.
type UpdateQueue = Queue[Update]

// CommandQueue carries Commands from the consumer to the controller.
type CommandQueue = Queue[Command]
