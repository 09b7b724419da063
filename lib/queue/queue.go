// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue provides the bounded in-memory queues that decouple
// the agent's receive loops from its slower consumers. A full queue
// rejects the incoming element rather than evicting an older one or
// blocking the producer; the producer decides what to do about the
// drop (typically log and move on).
package queue

import "sync"

// PushResult reports the outcome of a TryPush.
type PushResult int

const (
	// Ok means the element was enqueued.
	Ok PushResult = iota
	// Full means the queue was at capacity and the element was
	// discarded.
	Full
	// Closed means the queue no longer accepts elements.
	Closed
)

func (r PushResult) String() string {
	switch r {
	case Ok:
		return "ok"
	case Full:
		return "full"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Queue is a bounded FIFO connecting one or more producers to
// consumers ranging over C(). All methods are safe for concurrent
// use.
type Queue[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

// New returns a queue holding at most capacity elements. Panics if
// capacity is not positive.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("queue: non-positive capacity")
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPush enqueues v without blocking. It never waits for a consumer:
// a queue at capacity returns Full and discards v.
func (q *Queue[T]) TryPush(v T) PushResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Closed
	}
	select {
	case q.ch <- v:
		return Ok
	default:
		return Full
	}
}

// C returns the receive side. It is closed by Close after the already
// queued elements drain, so consumers can range over it.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Len reports the number of queued elements.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new elements and closes the
// receive channel. Elements already queued remain readable.
// Idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
