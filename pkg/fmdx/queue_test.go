package fmdx

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueTryPushDropsOnOverflow(t *testing.T) {
	q := NewQueue[int](2)

	if !q.TryPush(1) || !q.TryPush(2) {
		t.Fatal("pushes within capacity must succeed")
	}
	if q.TryPush(3) {
		t.Error("push beyond capacity must report failure")
	}

	v, ok := q.TryPop()
	if !ok || v != 1 {
		t.Errorf("TryPop = %d, %v; want 1, true", v, ok)
	}
	if !q.TryPush(3) {
		t.Error("push after pop must succeed")
	}
}

func TestQueueTryPopEmpty(t *testing.T) {
	q := NewQueue[string](1)
	if _, ok := q.TryPop(); ok {
		t.Error("TryPop on empty queue must report failure")
	}
}

func TestQueuePopCancellation(t *testing.T) {
	q := NewQueue[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop on empty queue returned %v, want deadline exceeded", err)
	}
}
