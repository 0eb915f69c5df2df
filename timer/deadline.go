package timer

import (
	"time"

	"github.com/glycerine/rbtree"
)

// Pending is one product awaiting its BOP, placed in the missing-BOP set
// with a deadline derived from the RTT estimate (spec.md section 4.6).
type Pending struct {
	ProductIndex uint32
	Deadline     time.Time
}

// DeadlineQueue is a red-black tree of Pending entries ordered by
// deadline, adapted from swp/retree.go's retry-deadline tree: there, it
// orders packets awaiting a retry; here, it orders products awaiting a
// BOP. A side index lets callers cancel a pending wait by product index
// alone, without having to remember its deadline.
type DeadlineQueue struct {
	tree    *rbtree.Tree
	byIndex map[uint32]*Pending
}

// NewDeadlineQueue constructs an empty queue.
func NewDeadlineQueue() *DeadlineQueue {
	return &DeadlineQueue{
		byIndex: make(map[uint32]*Pending),
		tree: rbtree.NewTree(func(a, b rbtree.Item) int {
			x := a.(*Pending)
			y := b.(*Pending)
			if d := x.Deadline.UnixNano() - y.Deadline.UnixNano(); d != 0 {
				if d < 0 {
					return -1
				}
				return 1
			}
			if x.ProductIndex == y.ProductIndex {
				return 0
			}
			if x.ProductIndex < y.ProductIndex {
				return -1
			}
			return 1
		}),
	}
}

// Insert adds a pending BOP wait, replacing any existing wait for the
// same product index.
func (q *DeadlineQueue) Insert(p *Pending) {
	if old, ok := q.byIndex[p.ProductIndex]; ok {
		q.tree.DeleteWithKey(old)
	}
	q.tree.Insert(p)
	q.byIndex[p.ProductIndex] = p
}

// Cancel drops a pending BOP wait by product index, e.g. because the BOP
// arrived before the timer fired. Reports whether a wait was cancelled.
func (q *DeadlineQueue) Cancel(index uint32) bool {
	p, ok := q.byIndex[index]
	if !ok {
		return false
	}
	q.tree.DeleteWithKey(p)
	delete(q.byIndex, index)
	return true
}

// Contains reports whether index currently has a pending BOP wait.
func (q *DeadlineQueue) Contains(index uint32) bool {
	_, ok := q.byIndex[index]
	return ok
}

// Earliest returns the soonest deadline in the queue, if any.
func (q *DeadlineQueue) Earliest() (*Pending, bool) {
	it := q.tree.Min()
	if it.Limit() {
		return nil, false
	}
	return it.Item().(*Pending), true
}

// Len reports how many products are awaiting a BOP.
func (q *DeadlineQueue) Len() int {
	return q.tree.Len()
}

// ExpireThrough removes and reports, via callback, every entry whose
// deadline is at or before x — the products the BOP timer treats as lost
// (spec.md section 4.6).
func (q *DeadlineQueue) ExpireThrough(x time.Time, callback func(*Pending)) {
	for it := q.tree.Min(); !it.Limit(); {
		cur := it.Item().(*Pending)
		if cur.Deadline.After(x) {
			break
		}
		next := it.Next()
		q.tree.DeleteWithIterator(it)
		delete(q.byIndex, cur.ProductIndex)
		if callback != nil {
			callback(cur)
		}
		it = next
	}
}
