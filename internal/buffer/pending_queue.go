// Package buffer provides the bounded queue that holds client messages while
// a bridge has no upstream connection.
package buffer

import "errors"

// DefaultCapacity is the number of messages a PendingQueue holds by default.
const DefaultCapacity = 1024

// ErrQueueFull is returned by Push when the queue already holds its capacity.
var ErrQueueFull = errors.New("pending message queue is full")

// PendingQueue is an ordered, bounded sequence of messages waiting for an
// upstream socket. It is owned by a single bridge and is not safe for
// concurrent use.
type PendingQueue struct {
	messages []string
	capacity int
}

// NewPendingQueue creates a PendingQueue with the specified capacity.
// The capacity must be greater than 0; if not, DefaultCapacity is used.
func NewPendingQueue(capacity int) *PendingQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &PendingQueue{capacity: capacity}
}

// Push appends msg. When the queue is already full msg is not stored and
// ErrQueueFull is returned.
func (q *PendingQueue) Push(msg string) error {
	if len(q.messages) >= q.capacity {
		return ErrQueueFull
	}
	q.messages = append(q.messages, msg)
	return nil
}

// Drain removes and returns every queued message in arrival order.
func (q *PendingQueue) Drain() []string {
	msgs := q.messages
	q.messages = nil
	return msgs
}

// Len returns the number of queued messages.
func (q *PendingQueue) Len() int {
	return len(q.messages)
}

// Cap returns the capacity of the queue.
func (q *PendingQueue) Cap() int {
	return q.capacity
}
