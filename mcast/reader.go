// Package mcast implements the multicast receive path of spec.md section
// 4.2: joining the sender's multicast group and reading BOP/DATA/EOP
// packets off it, mirrored in the teacher's idiom from swp/recv.go's
// Halt-driven background receive loop.
package mcast

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/glycerine/idem"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/logging"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/product"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/retrans"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/timer"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/wire"
)

// maxBOPGap bounds how many placeholder MISSING_BOP requests a single
// out-of-order BOP arrival can produce, guarding against a corrupt or
// wildly out-of-range product_index turning one packet into an
// unbounded burst of requests.
const maxBOPGap = 4096

// maxOutstandingPerProduct bounds how many retransmission-request rounds
// a single product can accumulate across its lifetime in the tracker
// map, so a product stuck losing blocks indefinitely can't keep growing
// the request queue forever (SPEC_FULL.md section D.1). The reader and
// the retransmission receiver share this cap through product.Map's
// request counter, since both can enqueue requests for the same index.
const maxOutstandingPerProduct = 64

// OpenReceiver opens a UDP socket bound to group's port and joins the
// multicast group on iface (nil lets the kernel pick a default
// interface). The returned PacketConn is ready to hand to NewReader.
func OpenReceiver(group *net.UDPAddr, iface *net.Interface) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("mcast: listen on port %d: %w", group.Port, err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(iface, group); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mcast: join group %s: %w", group, err)
	}
	return conn, nil
}

// Reader is the single thread of spec.md section 4.2: it reads multicast
// packets, classifies BOP/DATA/EOP, updates the tracker map, and enqueues
// any request the reception gap demands.
type Reader struct {
	conn     net.PacketConn
	products *product.Map
	queue    *retrans.Queue
	sink     retrans.Sink
	bopTimer *timer.BOPTimer
	timeout  func() time.Duration
	log      *logrus.Entry
	Halt     *idem.Halter

	haveLastSeen bool
	lastSeen     uint32

	// Err carries the terminal outcome once the goroutine exits: nil on
	// a clean Close, non-nil on any other read failure.
	Err chan error
}

// NewReader constructs a Reader pulling packets off conn. bopTimer is the
// shared BOP-timeout deadline queue (spec.md section 4.6); timeout
// computes the current bounded-RTT timeout to arm it with.
func NewReader(conn net.PacketConn, products *product.Map, queue *retrans.Queue, sink retrans.Sink, bopTimer *timer.BOPTimer, timeout func() time.Duration, log *logrus.Entry) *Reader {
	return &Reader{
		conn:     conn,
		products: products,
		queue:    queue,
		sink:     sink,
		bopTimer: bopTimer,
		timeout:  timeout,
		log:      log,
		Halt:     idem.NewHalter(),
		Err:      make(chan error, 1),
	}
}

// Start launches the reader's background goroutine.
func (r *Reader) Start() {
	go func() {
		defer r.Halt.Done.Close()
		buf := make([]byte, wire.MaxPacketLen)
		for {
			n, _, err := r.conn.ReadFrom(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					r.Err <- nil
				} else {
					r.log.WithError(err).Error("multicast reader: fatal read failure")
					r.Err <- err
				}
				return
			}
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			if err := r.dispatch(pkt); err != nil {
				r.log.WithError(err).Warn("multicast reader: dropping malformed packet")
			}
		}
	}()
}

// Stop closes the underlying socket (unblocking ReadFrom) and waits for
// the goroutine to exit.
func (r *Reader) Stop() {
	r.conn.Close()
	<-r.Halt.Done.Chan
}

func (r *Reader) requestMissingBOP(index uint32) {
	if r.products.IncRequestCount(index) > maxOutstandingPerProduct {
		logging.WithProduct(r.log, index).Warn("multicast reader: outstanding-request cap reached, suppressing further requests")
		return
	}
	r.queue.Push(wire.Request{Kind: wire.RequestMissingBOP, ProductIndex: index})
	r.bopTimer.Add(index, r.timeout())
}

// pushRequests enqueues reqs unless index has already accumulated
// maxOutstandingPerProduct rounds of requests; each non-empty call counts
// as one round against that cap (SPEC_FULL.md section D.1). A product
// with no tracker yet (IncRequestCount returns 0) is never capped here.
func (r *Reader) pushRequests(index uint32, reqs []wire.Request) {
	if len(reqs) == 0 {
		return
	}
	if r.products.IncRequestCount(index) > maxOutstandingPerProduct {
		logging.WithProduct(r.log, index).Warn("multicast reader: outstanding-request cap reached, suppressing further requests")
		return
	}
	r.queue.PushAll(reqs)
}

func (r *Reader) dispatch(pkt []byte) error {
	h, err := wire.Decode(pkt)
	if err != nil {
		return err
	}
	payload := pkt[wire.HeaderLen:]

	switch {
	case h.IsBOP():
		bop, err := wire.DecodeBOP(payload)
		if err != nil {
			return err
		}
		r.fillBOPGap(h.ProductIndex)
		if _, err := r.products.Create(h.ProductIndex, bop, time.Now()); err != nil {
			if err == product.ErrDuplicateProduct {
				return nil
			}
			return err
		}
		r.bopTimer.Cancel(h.ProductIndex)
		if !r.haveLastSeen || wire.Precedes(r.lastSeen, h.ProductIndex) {
			r.lastSeen = h.ProductIndex
			r.haveLastSeen = true
		}
		return nil

	case h.IsEOP():
		// Record the EOP regardless of whether a tracker exists yet: if it
		// doesn't, this lands in the EOP-status map so the tracker a
		// retransmitted BOP later creates starts out already EOP-received
		// (spec.md section 3 "EOP-status map").
		r.products.MarkEOP(h.ProductIndex)
		if _, ok := r.products.Get(h.ProductIndex); !ok {
			// Never saw this product's BOP over multicast at all; ask
			// the sender for it (spec.md section 4.2 "no tracker yet").
			r.requestMissingBOP(h.ProductIndex)
			return nil
		}
		r.pushRequests(h.ProductIndex, r.products.MissingAll(h.ProductIndex))
		r.maybeFinalize(h.ProductIndex)
		return nil

	default:
		outcome, ok := r.products.RecordBlock(h.ProductIndex, h.Sequence, payload)
		if !ok {
			// spec.md section 4.2 "DATA": only ask for the BOP if index is
			// within the recency window of the last BOP this reader has
			// actually seen; a stray or ancient/duplicate DATA packet for
			// an out-of-window index must not arm a fresh BOP timer.
			if !r.haveLastSeen || wire.WithinRecencyWindow(r.lastSeen, h.ProductIndex) {
				r.requestMissingBOP(h.ProductIndex)
			} else {
				logging.WithProduct(r.log, h.ProductIndex).Debug("multicast reader: DATA outside recency window, dropping")
			}
			return nil
		}
		if outcome == product.RecordOutOfRange {
			logging.WithProduct(r.log, h.ProductIndex).WithField("sequence", h.Sequence).Warn("multicast reader: out-of-range block")
			return nil
		}
		r.pushRequests(h.ProductIndex, r.products.MissingBefore(h.ProductIndex, h.Sequence))
		if r.products.NeedsEOPRequest(h.ProductIndex) {
			r.pushRequests(h.ProductIndex, []wire.Request{{Kind: wire.RequestMissingEOP, ProductIndex: h.ProductIndex}})
		}
		r.maybeFinalize(h.ProductIndex)
		return nil
	}
}

// fillBOPGap enqueues a MISSING_BOP placeholder for every index strictly
// between the last BOP this reader saw and index, per spec.md section
// 4.2 step 3 ("If product_index is greater than last seen index + 1,
// enqueue MISSING_BOP(i) for every i in the gap").
func (r *Reader) fillBOPGap(index uint32) {
	if !r.haveLastSeen {
		return
	}
	if !wire.Precedes(r.lastSeen, index) {
		return // index is not newer than the last BOP we saw
	}
	gap := index - r.lastSeen - 1
	if gap == 0 {
		return
	}
	if gap > maxBOPGap {
		logging.WithProduct(r.log, index).WithField("gap", gap).Warn("multicast reader: BOP gap exceeds cap, truncating")
		gap = maxBOPGap
	}
	for i := uint32(1); i <= gap; i++ {
		missing := r.lastSeen + i
		if _, ok := r.products.Get(missing); ok {
			continue
		}
		r.requestMissingBOP(missing)
	}
}

// maybeFinalize hands a just-completed product to the sink. It only asks
// the sender to free retransmission state (RETX_END) if a retransmission
// round was ever counted against the product's tracker, by this reader or
// by the retransmission receiver; a product completed purely by multicast
// never had any state to free.
func (r *Reader) maybeFinalize(index uint32) {
	if !r.products.IsComplete(index) {
		return
	}
	p, ok := r.products.Finalize(index)
	if !ok {
		return
	}
	r.sink.Deliver(index, p.Signature, p.Metadata, p.Buf.Bytes())
	if p.RequestCount > 0 {
		r.queue.Push(wire.Request{Kind: wire.RequestRetxEnd, ProductIndex: index})
	}
}
