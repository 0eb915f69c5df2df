// Package retrans implements the retransmission request/response engine
// of spec.md sections 4.4 and 4.5: a FIFO request queue feeding a single
// TCP connection to the sender, the requester thread that drains it, and
// the receiver thread that consumes retransmitted payloads.
package retrans

import (
	"sync"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/wire"
)

// stopItem is a distinguished sentinel enqueued by Close to let the
// requester thread exit its drain loop cleanly (spec.md section 4.4
// "Cancellation").
type stopItem struct{}

// Queue is the FIFO request queue of spec.md section 3, produced by the
// multicast reader and the retransmission receiver, consumed by the
// requester thread.
// Modeled as a condition-variable-guarded slice rather than a channel so
// Close can distinguish "shut down" from "empty" without a second select
// arm, mirroring the teacher's explicit mutex+cond usage in swp/recv.go
// and swp/sender.go rather than a channel-only design.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []interface{}
	closed bool
}

// NewQueue constructs an empty request queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a request. A no-op once the queue is closed.
func (q *Queue) Push(r wire.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, r)
	q.cond.Signal()
}

// PushAll enqueues several requests atomically with respect to other
// pushes, preserving their relative order.
func (q *Queue) PushAll(rs []wire.Request) {
	if len(rs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for _, r := range rs {
		q.items = append(q.items, r)
	}
	q.cond.Signal()
}

// Pop blocks until a request is available or the queue is closed. ok is
// false only once the queue has been closed and fully drained.
func (q *Queue) Pop() (wire.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return wire.Request{}, false
		}
		q.cond.Wait()
	}
	item := q.items[0]
	q.items = q.items[1:]
	if _, isStop := item.(stopItem); isStop {
		return wire.Request{}, false
	}
	return item.(wire.Request), true
}

// Close shuts the queue down: Pop will continue to drain whatever is
// already queued, then return ok=false forever after.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = append(q.items, stopItem{})
	q.cond.Broadcast()
}

// Len reports the current queue depth, for tests and diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
