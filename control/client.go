package control

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glycerine/cryrand"
	"github.com/sirupsen/logrus"
)

// Transport is the minimal connection this package needs from whatever
// carries control-plane frames: a persistent connection to the upstream
// sender's control endpoint. Production code wires this to a *net.TCPConn;
// tests wire it to an in-memory pipe.
type Transport interface {
	net.Conn
}

// ClientConfig configures a control-plane Client.
type ClientConfig struct {
	// Timeout bounds SubscribeRequest/Reply round trips (spec.md section
	// 6: "25-second RPC timeout").
	Timeout time.Duration

	// StrictFireAndForget, if true, makes RequestMissed/RequestBacklog
	// report a control-channel timeout as an error. If false (the
	// default), a timeout on these asynchronous, no-reply calls is
	// treated as success, per SPEC_FULL.md section D.5's resolution of
	// spec.md section 9's open question.
	StrictFireAndForget bool
}

// DefaultClientConfig returns the spec.md section 6 defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{Timeout: 25 * time.Second}
}

// Client issues the three client-initiated control-plane calls of spec.md
// section 6 over a Transport. Subscribe, RequestMissed, and RequestBacklog
// can be called concurrently (RequestMissed and the backlog request each
// run from their own goroutine in the session package), so writeMu
// serializes the header+body write pairs onto the shared connection.
type Client struct {
	conn Transport
	cfg  ClientConfig
	log  *logrus.Entry

	writeMu sync.Mutex
}

// NewClient wraps conn with the control-plane protocol.
func NewClient(conn Transport, cfg ClientConfig, log *logrus.Entry) *Client {
	return &Client{conn: conn, cfg: cfg, log: log}
}

func newNonce() ([16]byte, error) {
	var n [16]byte
	copy(n[:], cryrand.CryptoRandBytes(16))
	return n, nil
}

// Subscribe performs the subscription handshake and returns the
// multicast_info the caller should join.
func (c *Client) Subscribe(ctx context.Context, feed FeedSpec, receiver Endpoint) (SubscribeReply, error) {
	nonce, err := newNonce()
	if err != nil {
		return SubscribeReply{}, err
	}
	req := SubscribeRequest{Feed: feed, Receiver: receiver, Nonce: nonce}
	body, err := req.Marshal()
	if err != nil {
		return SubscribeReply{}, fmt.Errorf("control: marshal SubscribeRequest: %w", err)
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	err = c.writeSubscribeRequest(deadline, body)
	c.writeMu.Unlock()
	if err != nil {
		return SubscribeReply{}, err
	}

	tag, replyBody, err := ReadFrame(c.conn, DefaultMaxFrameLen)
	if err != nil {
		return SubscribeReply{}, fmt.Errorf("control: subscribe round trip: %w", err)
	}
	if tag != TagSubscribeReply {
		return SubscribeReply{}, fmt.Errorf("control: unexpected reply tag %d for Subscribe", tag)
	}
	return UnmarshalSubscribeReply(replyBody)
}

func (c *Client) writeSubscribeRequest(deadline time.Time, body []byte) error {
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("control: set deadline: %w", err)
	}
	return WriteFrame(c.conn, TagSubscribeRequest, body)
}

// RequestMissed asks the sender to deliver product index out-of-band
// (spec.md section 6: "asynchronous; no reply"). A control-channel
// timeout is treated per ClientConfig.StrictFireAndForget.
func (c *Client) RequestMissed(ctx context.Context, index uint32) error {
	return c.fireAndForget(TagRequestMissed, RequestMissed{ProductIndex: index})
}

// RequestBacklog asks the sender for every product between two
// signatures, or since a time offset if the receiver has no prior session
// (spec.md section 6, section 8 "Restart bridging").
func (c *Client) RequestBacklog(ctx context.Context, haveFrom bool, from, to [16]byte, timeOffset time.Duration) error {
	return c.fireAndForget(TagRequestBacklog, RequestBacklog{
		HaveFrom:   haveFrom,
		From:       from,
		To:         to,
		TimeOffset: timeOffset,
	})
}

type marshaler interface {
	Marshal() ([]byte, error)
}

func (c *Client) fireAndForget(tag Tag, msg marshaler) error {
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("control: marshal tag %d: %w", tag, err)
	}
	c.writeMu.Lock()
	err = func() error {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
			return fmt.Errorf("control: set write deadline: %w", err)
		}
		return WriteFrame(c.conn, tag, body)
	}()
	c.writeMu.Unlock()
	if err == nil {
		return nil
	}
	if !c.cfg.StrictFireAndForget && isTimeout(err) {
		c.log.WithError(err).Warn("control: fire-and-forget call timed out, treating as delivered")
		return nil
	}
	return err
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for err != nil {
		if t, ok := err.(timeouter); ok && t.Timeout() {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}
