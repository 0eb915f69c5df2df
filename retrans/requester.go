package retrans

import (
	"io"

	"github.com/glycerine/idem"
	"github.com/sirupsen/logrus"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/logging"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/wire"
)

// Requester is the single thread of spec.md section 4.4: it drains the
// request queue in FIFO order and writes each request to the TCP
// retransmission connection. A write failure is fatal to the session and
// reported on Err for the supervisor to observe.
type Requester struct {
	w     io.Writer
	queue *Queue
	log   *logrus.Entry
	Halt  *idem.Halter

	// Err carries the terminal outcome once the goroutine exits: nil on
	// clean shutdown, non-nil on a fatal socket write failure (spec.md
	// section 7 "Propagation policy").
	Err chan error
}

// NewRequester constructs a Requester that writes onto w, draining queue.
func NewRequester(w io.Writer, queue *Queue, log *logrus.Entry) *Requester {
	return &Requester{
		w:     w,
		queue: queue,
		log:   log,
		Halt:  idem.NewHalter(),
		Err:   make(chan error, 1),
	}
}

// Start launches the requester's background goroutine.
func (r *Requester) Start() {
	go func() {
		defer r.Halt.Done.Close()
		for {
			req, ok := r.queue.Pop()
			if !ok {
				r.Err <- nil
				return
			}
			buf := wire.EncodeRequest(req)
			if _, err := r.w.Write(buf); err != nil {
				r.log.WithError(err).WithField("request", req.Kind.String()).Error("retransmission requester: fatal write failure")
				r.Err <- err
				r.Halt.ReqStop.Close()
				return
			}
			logging.WithProduct(r.log, req.ProductIndex).WithField("request", req.Kind.String()).Debug("retransmission requester: sent request")
		}
	}()
}

// Stop closes the request queue (unblocking Pop) and, if the underlying
// writer is closeable, closes it too so a goroutine parked in Write on a
// stalled connection is unblocked rather than hanging Stop forever. It then
// waits for the goroutine to exit.
func (r *Requester) Stop() {
	r.queue.Close()
	if c, ok := r.w.(io.Closer); ok {
		c.Close()
	}
	<-r.Halt.Done.Chan
}
