package retrans

import (
	"bytes"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/sirupsen/logrus"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/wire"
)

// syncBuffer wraps bytes.Buffer with a mutex so the requester goroutine and
// the test can both touch it safely.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestRequesterDrainsQueueInFIFOOrder(t *testing.T) {
	cv.Convey("Given three requests pushed onto the queue before it is closed, the requester should write them to the connection in the same FIFO order and then exit cleanly", t, func() {
		q := NewQueue()
		w := &syncBuffer{}
		r := NewRequester(w, q, testLog())
		r.Start()

		q.Push(wire.Request{Kind: wire.RequestMissingData, ProductIndex: 1, Sequence: 0, Length: 100})
		q.Push(wire.Request{Kind: wire.RequestMissingData, ProductIndex: 1, Sequence: 100, Length: 100})
		q.Push(wire.Request{Kind: wire.RequestMissingEOP, ProductIndex: 1})
		q.Close()

		select {
		case err := <-r.Err:
			cv.So(err, cv.ShouldBeNil)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for requester to finish")
		}
		r.Stop()

		out := w.Bytes()
		cv.So(len(out), cv.ShouldEqual, 3*wire.HeaderLen)

		req0, err := wire.DecodeRequest(out[0:wire.HeaderLen])
		cv.So(err, cv.ShouldBeNil)
		cv.So(req0.Kind, cv.ShouldEqual, wire.RequestMissingData)
		cv.So(req0.Sequence, cv.ShouldEqual, uint32(0))

		req2, err := wire.DecodeRequest(out[2*wire.HeaderLen : 3*wire.HeaderLen])
		cv.So(err, cv.ShouldBeNil)
		cv.So(req2.Kind, cv.ShouldEqual, wire.RequestMissingEOP)
	})
}

// failWriter always fails, simulating a dead retransmission socket.
type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) {
	return 0, bytes.ErrTooLarge
}

func TestRequesterReportsFatalWriteFailure(t *testing.T) {
	cv.Convey("Given a writer that always fails, pushing a request should surface a non-nil error on the requester's Err channel and the goroutine should halt", t, func() {
		q := NewQueue()
		r := NewRequester(failWriter{}, q, testLog())
		r.Start()

		q.Push(wire.Request{Kind: wire.RequestMissingData, ProductIndex: 1})

		select {
		case err := <-r.Err:
			cv.So(err, cv.ShouldNotBeNil)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for requester error")
		}
		<-r.Halt.Done.Chan
	})
}
