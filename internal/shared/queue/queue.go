// Package queue implements the bounded outbound queue that sits between a
// producer that must never block and a single writer goroutine doing I/O.
package queue

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// DropPolicy selects which item is discarded when the queue is full
type DropPolicy int

const (
	DropOldest DropPolicy = iota
	DropNewest
)

// String returns the config name of the policy
func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "oldest"
	case DropNewest:
		return "newest"
	default:
		return "unknown"
	}
}

// ParseDropPolicy converts a config value into a DropPolicy
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "oldest", "drop-oldest":
		return DropOldest, nil
	case "newest", "drop-newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("unknown drop policy %q", s)
	}
}

// Queue is a bounded FIFO ring. Push never blocks; a full queue discards
// according to its policy and counts the drop.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T // ring storage, len == capacity
	head   int
	size   int
	seq    uint64 // sequence number of the item at head
	closed bool

	policy  DropPolicy
	ready   chan struct{}
	dropped atomic.Uint64
	onDrop  func()
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int, policy DropPolicy) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:  make([]T, capacity),
		policy: policy,
		ready:  make(chan struct{}, 1),
	}
}

// OnDrop registers a hook invoked (outside the lock) for every dropped item.
func (q *Queue[T]) OnDrop(fn func()) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

// Push enqueues v. It returns false when v itself was not enqueued, which
// happens under DropNewest on a full queue or after Close.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	accepted := true
	dropped := false
	capacity := len(q.items)
	switch {
	case q.size < capacity:
		q.items[(q.head+q.size)%capacity] = v
		q.size++
	case q.policy == DropNewest:
		accepted = false
		dropped = true
	default:
		// overwrite the oldest slot and advance head
		q.items[q.head] = v
		q.head = (q.head + 1) % capacity
		q.seq++
		dropped = true
	}
	hook := q.onDrop
	q.mu.Unlock()

	if dropped {
		q.dropped.Add(1)
		if hook != nil {
			hook()
		}
	}
	if accepted {
		q.signal()
	}
	return accepted
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever items become available.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns every queued item in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	var zero T
	out := make([]T, q.size)
	capacity := len(q.items)
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % capacity
		out[i] = q.items[idx]
		q.items[idx] = zero
	}
	q.seq += uint64(q.size)
	q.head = 0
	q.size = 0
	return out
}

// Peek returns the oldest item without removing it, together with its
// sequence number for Commit.
func (q *Queue[T]) Peek() (v T, seq uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return v, 0, false
	}
	return q.items[q.head], q.seq, true
}

// Commit removes the item returned by Peek once it has been handled. It is
// a no-op when that item already left the queue through a drop, Drain or
// Clear, so a racing writer can never remove a newer item.
func (q *Queue[T]) Commit(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 || q.seq != seq {
		return false
	}
	var zero T
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.seq++
	return true
}

// Notify re-arms Ready when items are still queued. A writer that stops
// calls it so a signal it consumed is not lost to its successor.
func (q *Queue[T]) Notify() {
	if q.Len() > 0 {
		q.signal()
	}
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the capacity
func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// Dropped returns how many items were discarded since creation
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Policy returns the drop policy
func (q *Queue[T]) Policy() DropPolicy {
	return q.policy
}

// Clear discards queued items without counting them as drops.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.seq += uint64(q.size)
	q.head = 0
	q.size = 0
}

// Close rejects further pushes and clears the queue.
func (q *Queue[T]) Close() {
	q.Clear()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Closed reports whether Close was called
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
