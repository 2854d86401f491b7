package session

import "github.com/fswatchd/fswatchd/internal/wire"

// responseNode is one queued outbound message, spec.md §3's Response
// node: {payload_document, next}.
type responseNode struct {
	payload wire.Value
	next    *responseNode
}

// Queue is a per-session FIFO of pending outbound messages, spec.md
// §4.2's response queue. All operations are O(1). It is not safe for
// concurrent use on its own — callers hold the owning Session's
// registry-wide lock across Push/Pop, matching spec.md §5 ("all
// enqueue operations ... take this mutex").
type Queue struct {
	head *responseNode
	tail *responseNode
}

// Push appends v at the tail.
func (q *Queue) Push(v wire.Value) {
	n := &responseNode{payload: v}
	if q.tail == nil {
		q.head, q.tail = n, n
		return
	}
	q.tail.next = n
	q.tail = n
}

// Pop removes and returns the head, or (Value{}, false) if empty.
func (q *Queue) Pop() (wire.Value, bool) {
	if q.head == nil {
		return wire.Value{}, false
	}
	n := q.head
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	return n.payload, true
}

// Empty reports whether the queue currently holds no responses.
func (q *Queue) Empty() bool { return q.head == nil }
