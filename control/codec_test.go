package control

import (
	"context"
	"net"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/logging"
)

func TestSubscribeRequestRoundTrip(t *testing.T) {
	cv.Convey("Given a SubscribeRequest with a feed name, receiver endpoint, and nonce, when it's marshaled and unmarshaled, the result should equal the original", t, func() {
		req := SubscribeRequest{
			Feed:     FeedSpec{Name: "CONDUIT"},
			Receiver: Endpoint{Host: "10.0.0.5", Port: 1234},
			Nonce:    [16]byte{1, 2, 3},
		}
		body, err := req.Marshal()
		cv.So(err, cv.ShouldBeNil)

		got, err := UnmarshalSubscribeRequest(body)
		cv.So(err, cv.ShouldBeNil)
		cv.So(got, cv.ShouldResemble, req)
	})
}

func TestRequestBacklogRoundTrip(t *testing.T) {
	cv.Convey("Given a RequestBacklog spanning two signatures, when it's marshaled and unmarshaled, the result should equal the original", t, func() {
		rb := RequestBacklog{
			HaveFrom:   true,
			From:       [16]byte{9},
			To:         [16]byte{8},
			TimeOffset: 5 * time.Second,
		}
		body, err := rb.Marshal()
		cv.So(err, cv.ShouldBeNil)

		got, err := UnmarshalRequestBacklog(body)
		cv.So(err, cv.ShouldBeNil)
		cv.So(got, cv.ShouldResemble, rb)
	})
}

func TestDeliverMissedRoundTrip(t *testing.T) {
	cv.Convey("Given a DeliverMissed carrying a whole product's bytes, when it's marshaled and unmarshaled, the fields should survive the round trip", t, func() {
		dm := DeliverMissed{ProductIndex: 42, Signature: [16]byte{1}, Data: []byte("hello product")}
		body, err := dm.Marshal()
		cv.So(err, cv.ShouldBeNil)

		got, err := UnmarshalDeliverMissed(body)
		cv.So(err, cv.ShouldBeNil)
		cv.So(got.ProductIndex, cv.ShouldEqual, dm.ProductIndex)
		cv.So(got.Signature, cv.ShouldResemble, dm.Signature)
		cv.So(string(got.Data), cv.ShouldEqual, string(dm.Data))
	})
}

func TestFrameRoundTrip(t *testing.T) {
	cv.Convey("Given one end of a pipe writing a frame, the other end reading it should see the same tag and body", t, func() {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		done := make(chan error, 1)
		go func() {
			done <- WriteFrame(client, TagRequestMissed, []byte("abc"))
		}()

		tag, body, err := ReadFrame(server, DefaultMaxFrameLen)
		cv.So(err, cv.ShouldBeNil)
		cv.So(<-done, cv.ShouldBeNil)
		cv.So(tag, cv.ShouldEqual, TagRequestMissed)
		cv.So(string(body), cv.ShouldEqual, "abc")
	})
}

type fakeSubscribeHandler struct{}

func (fakeSubscribeHandler) Subscribe(req SubscribeRequest) SubscribeReply {
	return SubscribeReply{
		Status: SubscriptionOK,
		Mcast: MulticastInfo{
			GroupAddr:     "239.1.1.1",
			GroupPort:     9000,
			SenderTCPHost: "10.0.0.1",
			SenderTCPPort: 9001,
		},
	}
}

func TestSubscribeClientServerRoundTrip(t *testing.T) {
	cv.Convey("Given a fake sender answering ServeSubscribe, when a Client subscribes over a pipe, it should receive that sender's reply", t, func() {
		clientConn, serverConn := net.Pipe()
		defer clientConn.Close()
		defer serverConn.Close()

		errCh := make(chan error, 1)
		go func() {
			errCh <- ServeSubscribe(serverConn, serverConn, fakeSubscribeHandler{})
		}()

		c := NewClient(clientConn, DefaultClientConfig(), logging.New("test"))
		reply, err := c.Subscribe(context.Background(), FeedSpec{Name: "CONDUIT"}, Endpoint{Host: "127.0.0.1", Port: 1})
		cv.So(err, cv.ShouldBeNil)
		cv.So(<-errCh, cv.ShouldBeNil)
		cv.So(reply.Status, cv.ShouldEqual, SubscriptionOK)
		cv.So(reply.Mcast.GroupAddr, cv.ShouldEqual, "239.1.1.1")
	})
}
