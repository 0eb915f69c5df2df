package control

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Handlers are the two server-side calls the sender invokes on a
// receiver's retransmission TCP connection (spec.md section 6).
type Handlers interface {
	// DeliverMissed handles a sender-initiated whole-product delivery.
	DeliverMissed(DeliverMissed)
	// NotifyNoSuchProduct handles the sender declaring a product
	// unrecoverable.
	NotifyNoSuchProduct(NotifyNoSuchProduct)
}

// DispatchFrame decodes one already-read frame and invokes the matching
// handler. It is exported separately from a read loop so the
// retransmission receiver (which also needs to recognize raw FMTP
// retransmit-data frames on the same connection) can interleave the two
// framings itself.
func DispatchFrame(tag Tag, body []byte, h Handlers, log *logrus.Entry) error {
	switch tag {
	case TagDeliverMissed:
		msg, err := UnmarshalDeliverMissed(body)
		if err != nil {
			return fmt.Errorf("control: decode DeliverMissed: %w", err)
		}
		h.DeliverMissed(msg)
		return nil
	case TagNotifyNoSuchProduct:
		msg, err := UnmarshalNotifyNoSuchProduct(body)
		if err != nil {
			return fmt.Errorf("control: decode NotifyNoSuchProduct: %w", err)
		}
		h.NotifyNoSuchProduct(msg)
		return nil
	default:
		return fmt.Errorf("control: unexpected tag %d on handler connection", tag)
	}
}

// SubscribeHandler is implemented by the upstream sender side; it is
// declared here only so tests in this module can stand up a fake sender
// without importing a production sender implementation (out of scope per
// spec.md section 1).
type SubscribeHandler interface {
	Subscribe(SubscribeRequest) SubscribeReply
}

// ServeSubscribe answers one SubscribeRequest frame read from r by writing
// a SubscribeReply to w. Used by test fixtures standing in for the
// upstream sender.
func ServeSubscribe(r io.Reader, w io.Writer, h SubscribeHandler) error {
	tag, body, err := ReadFrame(r, DefaultMaxFrameLen)
	if err != nil {
		return err
	}
	if tag != TagSubscribeRequest {
		return fmt.Errorf("control: expected SubscribeRequest, got tag %d", tag)
	}
	req, err := UnmarshalSubscribeRequest(body)
	if err != nil {
		return err
	}
	reply := h.Subscribe(req)
	replyBody, err := reply.Marshal()
	if err != nil {
		return err
	}
	return WriteFrame(w, TagSubscribeReply, replyBody)
}
