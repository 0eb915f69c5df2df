package mcast

import (
	"net"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/sirupsen/logrus"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/clock"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/product"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/retrans"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/timer"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/wire"
)

func testBOPTimer() *timer.BOPTimer {
	bt := timer.NewBOPTimer(clock.RealClk, testLog())
	bt.Start()
	return bt
}

func testTimeout() time.Duration { return 200 * time.Millisecond }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type memBuffer struct{ data []byte }

func newMemBuffer(size int) *memBuffer { return &memBuffer{data: make([]byte, size)} }

func (b *memBuffer) WriteAt(p []byte, offset int64) (int, error) {
	copy(b.data[offset:], p)
	return len(p), nil
}

func (b *memBuffer) Bytes() []byte { return b.data }

type fakeNotifier struct{}

func (fakeNotifier) BOPReceived(index uint32, bop wire.BOPPayload) (product.Buffer, error) {
	return newMemBuffer(int(bop.TotalSize)), nil
}

func (fakeNotifier) DeliveryFailed(index uint32, reason product.AbortReason) {}

type fakeSink struct {
	mu        sync.Mutex
	delivered map[uint32][]byte
}

func newFakeSink() *fakeSink { return &fakeSink{delivered: make(map[uint32][]byte)} }

func (s *fakeSink) Deliver(index uint32, sig wire.Signature, metadata string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.delivered[index] = cp
}

func (s *fakeSink) get(index uint32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delivered[index]
	return d, ok
}

// loopbackPair returns two UDP sockets on localhost, one bound for the
// reader, one for the test to send multicast-shaped packets from. This
// avoids depending on real multicast routing in a test environment.
func loopbackPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	serverConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	clientConn, err := net.DialUDP("udp4", nil, serverConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	return serverConn, clientConn
}

func sendPacket(t *testing.T, conn *net.UDPConn, h wire.Header, payload []byte) {
	t.Helper()
	h.PayloadLength = uint16(len(payload))
	pkt := append(wire.Encode(h), payload...)
	if _, err := conn.Write(pkt); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestReaderReassemblesProductFromMulticast(t *testing.T) {
	cv.Convey("Given a BOP, two DATA blocks, and an EOP sent over multicast in order, the reader should reassemble and deliver the exact product bytes", t, func() {
		serverConn, clientConn := loopbackPair(t)
		defer clientConn.Close()

		products := product.NewMap(fakeNotifier{})
		queue := retrans.NewQueue()
		sink := newFakeSink()

		bopTimer := testBOPTimer()
		defer bopTimer.Stop()
		r := NewReader(serverConn, products, queue, sink, bopTimer, testTimeout, testLog())
		r.Start()

		data := []byte("multicast delivered product data")
		bop := wire.BOPPayload{TotalSize: uint64(len(data)), PayloadLen: 16}

		sendPacket(t, clientConn, wire.Header{ProductIndex: 1, Flags: wire.FlagBOP}, wire.EncodeBOP(bop))
		sendPacket(t, clientConn, wire.Header{ProductIndex: 1, Sequence: 0}, data[0:16])
		sendPacket(t, clientConn, wire.Header{ProductIndex: 1, Sequence: 16}, data[16:])
		sendPacket(t, clientConn, wire.Header{ProductIndex: 1, Flags: wire.FlagEOP}, nil)

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if got, ok := sink.get(1); ok {
				cv.So(string(got), cv.ShouldEqual, string(data))
				r.Stop()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatal("product was never delivered")
	})
}

func TestReaderRequestsMissingBOPOnOrphanData(t *testing.T) {
	cv.Convey("Given a DATA packet arriving with no BOP ever seen for its product, the reader should enqueue a MISSING_BOP request for that index", t, func() {
		serverConn, clientConn := loopbackPair(t)
		defer clientConn.Close()

		products := product.NewMap(fakeNotifier{})
		queue := retrans.NewQueue()
		sink := newFakeSink()

		bopTimer := testBOPTimer()
		defer bopTimer.Stop()
		r := NewReader(serverConn, products, queue, sink, bopTimer, testTimeout, testLog())
		r.Start()
		defer r.Stop()

		sendPacket(t, clientConn, wire.Header{ProductIndex: 7, Sequence: 0}, []byte("orphan block, no BOP seen"))

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if queue.Len() > 0 {
				req, ok := queue.Pop()
				cv.So(ok, cv.ShouldBeTrue)
				cv.So(req.Kind, cv.ShouldEqual, wire.RequestMissingBOP)
				cv.So(req.ProductIndex, cv.ShouldEqual, uint32(7))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatal("never enqueued a MISSING_BOP request")
	})
}

func TestReaderRequestsMissingEOPWhenAllBlocksArriveWithoutEOP(t *testing.T) {
	cv.Convey("Given every block of a product arriving but its EOP never arriving, the reader should enqueue a MISSING_EOP request and not finalize the product", t, func() {
		serverConn, clientConn := loopbackPair(t)
		defer clientConn.Close()

		products := product.NewMap(fakeNotifier{})
		queue := retrans.NewQueue()
		sink := newFakeSink()

		bopTimer := testBOPTimer()
		defer bopTimer.Stop()
		r := NewReader(serverConn, products, queue, sink, bopTimer, testTimeout, testLog())
		r.Start()
		defer r.Stop()

		data := []byte("all data arrives, eop does not")
		bop := wire.BOPPayload{TotalSize: uint64(len(data)), PayloadLen: 16}

		sendPacket(t, clientConn, wire.Header{ProductIndex: 12, Flags: wire.FlagBOP}, wire.EncodeBOP(bop))
		sendPacket(t, clientConn, wire.Header{ProductIndex: 12, Sequence: 0}, data[0:16])
		sendPacket(t, clientConn, wire.Header{ProductIndex: 12, Sequence: 16}, data[16:])
		// no EOP packet sent.

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if queue.Len() > 0 {
				req, ok := queue.Pop()
				cv.So(ok, cv.ShouldBeTrue)
				cv.So(req.Kind, cv.ShouldEqual, wire.RequestMissingEOP)
				cv.So(req.ProductIndex, cv.ShouldEqual, uint32(12))
				_, delivered := sink.get(12)
				cv.So(delivered, cv.ShouldBeFalse)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatal("never enqueued a MISSING_EOP request")
	})
}

func TestReaderDropsDataOutsideRecencyWindow(t *testing.T) {
	cv.Convey("Given the reader's last-seen product index is far ahead, a stray DATA packet for an index behind that window should be dropped silently rather than producing a request", t, func() {
		serverConn, clientConn := loopbackPair(t)
		defer clientConn.Close()

		products := product.NewMap(fakeNotifier{})
		queue := retrans.NewQueue()
		sink := newFakeSink()

		bopTimer := testBOPTimer()
		defer bopTimer.Stop()
		r := NewReader(serverConn, products, queue, sink, bopTimer, testTimeout, testLog())
		r.Start()
		defer r.Stop()

		// Establish lastSeen far ahead, then send a stray DATA packet for the
		// index one behind it (outside the forward-only recency window): it
		// must be dropped, not turned into a MISSING_BOP request.
		sendPacket(t, clientConn, wire.Header{ProductIndex: 1 << 30, Flags: wire.FlagBOP}, wire.EncodeBOP(wire.BOPPayload{TotalSize: 1, PayloadLen: 1}))

		deadline := time.Now().Add(1 * time.Second)
		for time.Now().Before(deadline) {
			if _, ok := products.Get(1 << 30); ok {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		_, ok := products.Get(1 << 30)
		cv.So(ok, cv.ShouldBeTrue)

		ancient := uint32(1<<30) - 1
		sendPacket(t, clientConn, wire.Header{ProductIndex: ancient, Sequence: 0}, []byte("stray ancient data"))

		time.Sleep(200 * time.Millisecond)
		cv.So(queue.Len(), cv.ShouldEqual, 0)
	})
}

func TestReaderRequestsMissingInteriorBlock(t *testing.T) {
	cv.Convey("Given a BOP followed by a block that skips the very first sequence offset, the reader should enqueue a MISSING_DATA request for the skipped offset", t, func() {
		serverConn, clientConn := loopbackPair(t)
		defer clientConn.Close()

		products := product.NewMap(fakeNotifier{})
		queue := retrans.NewQueue()
		sink := newFakeSink()

		bopTimer := testBOPTimer()
		defer bopTimer.Stop()
		r := NewReader(serverConn, products, queue, sink, bopTimer, testTimeout, testLog())
		r.Start()
		defer r.Stop()

		data := []byte("abcdefghijklmnopqrstuvwx")
		bop := wire.BOPPayload{TotalSize: uint64(len(data)), PayloadLen: 8}

		sendPacket(t, clientConn, wire.Header{ProductIndex: 2, Flags: wire.FlagBOP}, wire.EncodeBOP(bop))
		// skip block at seq 0 to simulate a multicast loss, send block at seq 8.
		sendPacket(t, clientConn, wire.Header{ProductIndex: 2, Sequence: 8}, data[8:16])

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if queue.Len() > 0 {
				req, ok := queue.Pop()
				cv.So(ok, cv.ShouldBeTrue)
				cv.So(req.Kind, cv.ShouldEqual, wire.RequestMissingData)
				cv.So(req.ProductIndex, cv.ShouldEqual, uint32(2))
				cv.So(req.Sequence, cv.ShouldEqual, uint32(0))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatal("never enqueued a MISSING_DATA request")
	})
}
