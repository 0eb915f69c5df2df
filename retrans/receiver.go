package retrans

import (
	"io"
	"time"

	"github.com/glycerine/idem"
	"github.com/sirupsen/logrus"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/control"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/logging"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/product"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/timer"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/wire"
)

// maxOutstandingPerProduct mirrors mcast.Reader's cap of the same name:
// both the multicast reader and this receiver can enqueue requests
// against the same product.Map, so they share one counter and one bound
// (SPEC_FULL.md section D.1).
const maxOutstandingPerProduct = 64

// Sink receives a product's bytes once complete, whatever path completed
// it: block-by-block through the tracker map, or whole via the sender's
// deliver_missed control call (spec.md section 6).
type Sink interface {
	Deliver(index uint32, sig wire.Signature, metadata string, data []byte)
}

// Receiver is the single thread of spec.md section 4.5: it reads framed
// messages off the retransmission TCP connection and dispatches each one.
// Two framings share the connection: raw FMTP
// header+payload packets wrapped in a TagRetransmitPacket envelope, whose
// dispatch mirrors the multicast reader but with retransmit flags set, and
// the tagged control messages deliver_missed / notify_no_such_product.
type Receiver struct {
	conn     io.ReadCloser
	products *product.Map
	queue    *Queue
	sink     Sink
	bopTimer *timer.BOPTimer
	log      *logrus.Entry
	Halt     *idem.Halter

	// Err carries the terminal outcome once the goroutine exits: nil on
	// clean shutdown (EOF), non-nil on a fatal read or decode failure.
	Err chan error
}

// NewReceiver constructs a Receiver reading retransmission traffic off
// conn, recording blocks into products, enqueuing follow-up requests onto
// queue, and handing finalized products to sink. bopTimer is cancelled for
// an index whenever a retransmitted BOP resolves its placeholder.
func NewReceiver(conn io.ReadCloser, products *product.Map, queue *Queue, sink Sink, bopTimer *timer.BOPTimer, log *logrus.Entry) *Receiver {
	return &Receiver{
		conn:     conn,
		products: products,
		queue:    queue,
		sink:     sink,
		bopTimer: bopTimer,
		log:      log,
		Halt:     idem.NewHalter(),
		Err:      make(chan error, 1),
	}
}

// Start launches the receiver's background goroutine.
func (r *Receiver) Start() {
	go func() {
		defer r.Halt.Done.Close()
		for {
			tag, body, err := control.ReadFrame(r.conn, control.DefaultMaxFrameLen)
			if err != nil {
				if err == io.EOF {
					r.Err <- nil
				} else {
					r.log.WithError(err).Error("retransmission receiver: fatal read failure")
					r.Err <- err
				}
				return
			}
			if err := r.dispatch(tag, body); err != nil {
				r.log.WithError(err).WithField("tag", tag).Warn("retransmission receiver: dropping malformed frame")
			}
		}
	}()
}

// Stop closes the underlying connection (unblocking the read loop) and
// waits for the goroutine to exit.
func (r *Receiver) Stop() {
	r.conn.Close()
	<-r.Halt.Done.Chan
}

// dispatch handles the TagRetransmitPacket framing itself (outside the
// scope of control.Handlers) and delegates the two control-message tags to
// control.DispatchFrame, which decodes the frame and calls back into the
// Receiver through its control.Handlers implementation below.
func (r *Receiver) dispatch(tag control.Tag, body []byte) error {
	switch tag {
	case control.TagRetransmitPacket:
		return r.dispatchPacket(body)
	case control.TagDeliverMissed, control.TagNotifyNoSuchProduct:
		return control.DispatchFrame(tag, body, r, r.log)
	default:
		return nil
	}
}

func (r *Receiver) dispatchPacket(pkt []byte) error {
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
		if _, err := r.products.Create(h.ProductIndex, bop, time.Now()); err != nil {
			if err == product.ErrDuplicateProduct {
				logging.WithProduct(r.log, h.ProductIndex).Debug("retransmission receiver: duplicate BOP, ignoring")
				return nil
			}
			return err
		}
		// This index had a missing-BOP placeholder and a running BOP
		// timer (spec.md section 4.5 "Retx-BOP"); it just resolved.
		r.bopTimer.Cancel(h.ProductIndex)
		if reqs := r.products.MissingAll(h.ProductIndex); len(reqs) > 0 {
			if count := r.products.IncRequestCount(h.ProductIndex); count > maxOutstandingPerProduct {
				logging.WithProduct(r.log, h.ProductIndex).Warn("retransmission receiver: outstanding-request cap reached, suppressing further requests")
			} else {
				r.queue.PushAll(reqs)
			}
		}
		return nil

	case h.IsEOP():
		r.products.MarkEOP(h.ProductIndex)
		r.maybeFinalize(h.ProductIndex)
		return nil

	case h.IsRetxEnd():
		// The sender has exhausted its retransmission state for this
		// product; whatever's still missing is gone for good.
		r.bopTimer.Cancel(h.ProductIndex)
		r.products.Abort(h.ProductIndex, product.AbortNoSuchProduct)
		return nil

	default:
		outcome, ok := r.products.RecordBlock(h.ProductIndex, h.Sequence, payload)
		if !ok {
			logging.WithProduct(r.log, h.ProductIndex).Debug("retransmission receiver: block for untracked product, dropping")
			return nil
		}
		if outcome == product.RecordOutOfRange {
			logging.WithProduct(r.log, h.ProductIndex).WithField("sequence", h.Sequence).Warn("retransmission receiver: out-of-range retransmitted block")
			return nil
		}
		if r.products.NeedsEOPRequest(h.ProductIndex) {
			r.queue.Push(wire.Request{Kind: wire.RequestMissingEOP, ProductIndex: h.ProductIndex})
		}
		r.maybeFinalize(h.ProductIndex)
		return nil
	}
}

// maybeFinalize hands a just-completed product to the sink and tells the
// sender it can drop retransmission state for it (spec.md section 4.4's
// RETX_END request).
func (r *Receiver) maybeFinalize(index uint32) {
	if !r.products.IsComplete(index) {
		return
	}
	p, ok := r.products.Finalize(index)
	if !ok {
		return
	}
	r.sink.Deliver(index, p.Signature, p.Metadata, p.Buf.Bytes())
	r.queue.Push(wire.Request{Kind: wire.RequestRetxEnd, ProductIndex: index})
}

// DeliverMissed and NotifyNoSuchProduct implement control.Handlers so the
// shared control.DispatchFrame can route tagged frames here.
func (r *Receiver) DeliverMissed(msg control.DeliverMissed) {
	// A whole-product delivery supersedes any partial tracker; discard the
	// tracker silently (not DeliveryFailed — the product did arrive)
	// rather than double-deliver (spec.md section 4.5 "Race policy"
	// extended to the deliver_missed path).
	r.bopTimer.Cancel(msg.ProductIndex)
	_, hadTracker := r.products.Finalize(msg.ProductIndex)
	if !hadTracker && r.products.WasDelivered(msg.ProductIndex) {
		// Already handed to the sink via the block-by-block path before
		// this (racing) deliver_missed arrived; spec.md section 8
		// property 4 requires delivery at most once.
		logging.WithProduct(r.log, msg.ProductIndex).Debug("retransmission receiver: deliver_missed for already-delivered product, dropping")
		return
	}
	r.products.MarkDelivered(msg.ProductIndex)
	r.sink.Deliver(msg.ProductIndex, msg.Signature, "", msg.Data)
}

func (r *Receiver) NotifyNoSuchProduct(msg control.NotifyNoSuchProduct) {
	r.bopTimer.Cancel(msg.ProductIndex)
	r.products.Abort(msg.ProductIndex, product.AbortNoSuchProduct)
}
