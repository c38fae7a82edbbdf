// async_queue.go: FIFO handoff between push-based producers and pull-based consumers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"sync"
)

// AsyncQueue is an unbounded FIFO queue with blocking dequeue.
//
// Producers push values with Enqueue or Submit; consumers pull them with
// Dequeue, which waits when the queue is empty. Each value is delivered to
// exactly one consumer, in enqueue order. Clear drains everything currently
// buffered in one step, which lets consumers coalesce bursts.
//
// End closes the queue. Values already buffered are still handed out; after
// that every pending and future Dequeue returns the end error.
//
// Example usage:
//
//	q := NewAsyncQueue[[]byte]()
//	go func() {
//	    for chunk := range source {
//	        q.Submit(chunk)
//	    }
//	    q.End(nil)
//	}()
//	for {
//	    chunk, err := q.Dequeue(ctx)
//	    if err != nil {
//	        break
//	    }
//	    process(chunk)
//	}
type AsyncQueue[T any] struct {
	mu      sync.Mutex
	items   []queueItem[T]
	waiters []*queueWaiter[T]
	ended   bool
	endErr  error
}

type queueItem[T any] struct {
	value T
	taken chan struct{}
}

type queueWaiter[T any] struct {
	ready chan struct{}
	value T
	err   error
	done  bool
}

// NewAsyncQueue creates an empty queue.
func NewAsyncQueue[T any]() *AsyncQueue[T] {
	return &AsyncQueue[T]{}
}

// Enqueue appends value and returns a channel that is closed once a consumer
// has taken it. When a consumer is already waiting the value is handed off
// immediately.
func (q *AsyncQueue[T]) Enqueue(value T) (<-chan struct{}, error) {
	taken := make(chan struct{})

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ended {
		return nil, ErrQueueEnded
	}

	if w := q.popWaiterLocked(); w != nil {
		w.value = value
		w.done = true
		close(w.ready)
		close(taken)
		return taken, nil
	}

	q.items = append(q.items, queueItem[T]{value: value, taken: taken})
	return taken, nil
}

// Submit enqueues value without tracking its consumption. It returns false
// if the queue has ended.
func (q *AsyncQueue[T]) Submit(value T) bool {
	_, err := q.Enqueue(value)
	return err == nil
}

// Dequeue returns the head of the queue, waiting for a value if necessary.
func (q *AsyncQueue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T

	q.mu.Lock()
	if len(q.items) > 0 {
		item := q.items[0]
		q.items[0] = queueItem[T]{}
		q.items = q.items[1:]
		q.mu.Unlock()
		close(item.taken)
		return item.value, nil
	}
	if q.ended {
		err := q.endErr
		q.mu.Unlock()
		return zero, err
	}

	w := &queueWaiter[T]{ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w.ready:
		return w.value, w.err
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		// The value may have been handed off while we were cancelling.
		if w.done {
			return w.value, w.err
		}
		q.removeWaiterLocked(w)
		return zero, ctx.Err()
	}
}

// Clear removes and returns every buffered value without waiting.
func (q *AsyncQueue[T]) Clear() []T {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	values := make([]T, len(items))
	for i, item := range items {
		values[i] = item.value
		close(item.taken)
	}
	return values
}

// End closes the queue. Pending and future dequeues receive err once the
// buffer is empty, or ErrQueueEnded when err is nil. It returns false if the
// queue had already ended.
func (q *AsyncQueue[T]) End(err error) bool {
	if err == nil {
		err = ErrQueueEnded
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ended {
		return false
	}
	q.ended = true
	q.endErr = err

	for _, w := range q.waiters {
		w.err = err
		w.done = true
		close(w.ready)
	}
	q.waiters = nil
	return true
}

// Len returns the number of buffered values.
func (q *AsyncQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEnded reports whether End has been called.
func (q *AsyncQueue[T]) IsEnded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ended
}

func (q *AsyncQueue[T]) popWaiterLocked() *queueWaiter[T] {
	if len(q.waiters) == 0 {
		return nil
	}
	w := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	return w
}

func (q *AsyncQueue[T]) removeWaiterLocked(target *queueWaiter[T]) {
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}
