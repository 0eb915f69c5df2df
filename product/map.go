package product

import (
	"sync"
	"time"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/wire"
)

// Notifier is the capability object the tracker map borrows a destination
// buffer from at BOP time and reports finalized/aborted products to.
// Spec.md section 9 calls for this to be "a small capability object ...
// not ... global function-pointer tables"; it is passed in at
// construction, not reached for via a global.
type Notifier interface {
	// BOPReceived is called when a BOP arrives; it returns the buffer the
	// product's bytes should land in, or an error to refuse the product.
	BOPReceived(index uint32, bop wire.BOPPayload) (Buffer, error)
	// DeliveryFailed is called once per aborted product.
	DeliveryFailed(index uint32, reason AbortReason)
}

// deliveredWindow bounds how many recently finalized product indices the
// map remembers, purely to recognize a late deliver_missed call for a
// product that already completed through the tracker path as a duplicate
// rather than a fresh delivery (spec.md section 8 property 4: "handed at
// most once"). Oldest entries are evicted once the window fills.
const deliveredWindow = 4096

// Map is the tracker-map of spec.md section 3: one Product per in-flight
// product index, exclusively owned by the session supervisor while alive,
// mutated by the multicast reader and the retransmission receiver under a
// single mutex (spec.md section 5: "locks must be acquired in the order
// tracker-map -> request-queue"). It also carries the EOP-status map
// (spec.md section 3) recording EOP arrival for indices with no tracker
// yet, and a bounded record of recently delivered indices.
type Map struct {
	mu       sync.Mutex
	byIndex  map[uint32]*Product
	notifier Notifier

	eopSeen map[uint32]bool

	delivered  map[uint32]struct{}
	deliveredQ []uint32
}

// NewMap constructs an empty tracker map bound to the given notifier.
func NewMap(notifier Notifier) *Map {
	return &Map{
		byIndex:   make(map[uint32]*Product),
		notifier:  notifier,
		eopSeen:   make(map[uint32]bool),
		delivered: make(map[uint32]struct{}),
	}
}

// Create installs a new tracker for index, asking the notifier for a
// destination buffer. It fails with ErrDuplicateProduct if index is
// already tracked. If index's EOP arrived before its BOP (recorded in the
// EOP-status map by an earlier MarkEOP call), the new tracker starts out
// already EOP-received.
func (m *Map) Create(index uint32, bop wire.BOPPayload, now time.Time) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byIndex[index]; ok {
		return nil, ErrDuplicateProduct
	}
	buf, err := m.notifier.BOPReceived(index, bop)
	if err != nil {
		return nil, err
	}
	p := New(index, bop, buf, now)
	if m.eopSeen[index] {
		p.MarkEOP()
		delete(m.eopSeen, index)
	}
	m.byIndex[index] = p
	return p, nil
}

// Get returns the tracker for index, if any.
func (m *Map) Get(index uint32) (*Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byIndex[index]
	return p, ok
}

// RecordBlock looks up index's tracker and records one block under the
// map lock, so a concurrent multicast/retransmission arrival for the same
// block is serialized and the second call observes the first's result
// (spec.md section 4.5 "Race policy").
func (m *Map) RecordBlock(index uint32, seq uint32, data []byte) (RecordOutcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byIndex[index]
	if !ok {
		return RecordOutOfRange, false
	}
	return p.RecordBlock(seq, data), true
}

// MissingBefore returns the missing-block requests for index strictly
// before seq, or nil if index isn't tracked (spec.md's "No spurious
// request" property: a request is only produced if the tracker exists).
func (m *Map) MissingBefore(index uint32, seq uint32) []wire.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byIndex[index]
	if !ok {
		return nil
	}
	return p.MissingBefore(seq)
}

// MissingAll is MissingBefore's counterpart for an index whose BOP just
// arrived via retransmission after some DATA had already been multicast.
func (m *Map) MissingAll(index uint32) []wire.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byIndex[index]
	if !ok {
		return nil
	}
	return p.MissingAll()
}

// MarkEOP marks index's EOP as received. Idempotent. If index isn't
// tracked yet (its BOP hasn't arrived), the arrival is recorded in the
// EOP-status map instead, so the tracker Create later produces for this
// index starts out already EOP-received (spec.md section 3 "EOP-status
// map"; the caller is also expected to have enqueued MISSING_BOP in that
// case).
func (m *Map) MarkEOP(index uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byIndex[index]; ok {
		p.MarkEOP()
		return
	}
	m.eopSeen[index] = true
}

// NeedsEOPRequest reports whether index's tracker has every block received
// but has not seen EOP, and no MISSING_EOP request has been issued for it
// yet. It atomically marks the request as issued so repeated duplicate
// DATA arrivals for an already-complete-but-for-EOP product don't each
// enqueue another request (spec.md section 8 "Lost EOP only").
func (m *Map) NeedsEOPRequest(index uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byIndex[index]
	if !ok || p.eopReceived || p.eopRequested {
		return false
	}
	if !p.AllBlocksReceived() {
		return false
	}
	p.eopRequested = true
	return true
}

// IsComplete reports whether index's tracker exists and is complete.
func (m *Map) IsComplete(index uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byIndex[index]
	return ok && p.IsComplete()
}

// Finalize removes and returns index's tracker. It is the caller's
// responsibility to hand the returned Product to the external product
// queue exactly once; Finalize itself is idempotent in the sense that a
// second call on an already-removed index returns ok=false. It also
// records index in the delivered window, so a racing deliver_missed for
// the same index can recognize it as already handled.
func (m *Map) Finalize(index uint32) (*Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byIndex[index]
	if !ok {
		return nil, false
	}
	delete(m.byIndex, index)
	m.markDeliveredLocked(index)
	return p, true
}

// WasDelivered reports whether index was finalized or otherwise delivered
// recently enough to still be in the delivered window.
func (m *Map) WasDelivered(index uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.delivered[index]
	return ok
}

// MarkDelivered records index as delivered without going through
// Finalize, used for the deliver_missed path (spec.md section 6) where a
// whole product arrives without ever having a tracker.
func (m *Map) MarkDelivered(index uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markDeliveredLocked(index)
}

func (m *Map) markDeliveredLocked(index uint32) {
	if _, ok := m.delivered[index]; ok {
		return
	}
	m.delivered[index] = struct{}{}
	m.deliveredQ = append(m.deliveredQ, index)
	if len(m.deliveredQ) > deliveredWindow {
		oldest := m.deliveredQ[0]
		m.deliveredQ = m.deliveredQ[1:]
		delete(m.delivered, oldest)
	}
}

// Abort removes index's tracker (if any) and reports the reason to the
// notifier. Used for BOP-timeout, sender-says-no-such-product, and
// session teardown (spec.md section 5: "the supervisor drops all
// unfinished trackers on stop").
func (m *Map) Abort(index uint32, reason AbortReason) {
	m.mu.Lock()
	_, existed := m.byIndex[index]
	delete(m.byIndex, index)
	delete(m.eopSeen, index)
	m.mu.Unlock()
	if existed {
		m.notifier.DeliveryFailed(index, reason)
	}
}

// DropAll aborts every currently tracked product, used when the
// supervisor stops a session (spec.md section 5 "Cancellation").
func (m *Map) DropAll(reason AbortReason) {
	m.mu.Lock()
	indices := make([]uint32, 0, len(m.byIndex))
	for idx := range m.byIndex {
		indices = append(indices, idx)
	}
	m.mu.Unlock()
	for _, idx := range indices {
		m.Abort(idx, reason)
	}
}

// IncRequestCount bumps index's retransmission-request counter and returns
// the new count, or 0 if index isn't tracked. The multicast reader and the
// retransmission receiver use it to bound request rounds per product
// (SPEC_FULL.md section D.1).
func (m *Map) IncRequestCount(index uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byIndex[index]
	if !ok {
		return 0
	}
	p.RequestCount++
	return p.RequestCount
}
