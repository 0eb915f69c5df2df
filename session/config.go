package session

import (
	"net"
	"time"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/clock"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/control"
)

// Config holds every tunable spec.md section 6 names ("Configuration
// options"), populated by the caller; this package never parses a config
// file itself.
type Config struct {
	// SourceID tags this supervisor's log lines and, by convention, names
	// its session-memory file.
	SourceID string

	// Feed is the feed_spec advertised at subscribe time.
	Feed control.FeedSpec

	// Receiver is the receiver_endpoint advertised at subscribe time.
	Receiver control.Endpoint

	// ControlEndpoint is where the upstream sender's control-plane
	// listener lives.
	ControlEndpoint control.Endpoint

	// LocalInterface names the local interface to join the multicast
	// group on. Empty means "all" (spec.md section 6 default), which
	// mcast.OpenReceiver takes as a nil *net.Interface.
	LocalInterface string

	// MemoryPath is the session-memory bolt file (spec.md section 6:
	// "product-queue path (required)").
	MemoryPath string

	// SubscribeTimeout bounds the subscribe handshake and every
	// fire-and-forget control call (spec.md section 6 default: 25s).
	SubscribeTimeout time.Duration

	// StrictFireAndForget controls whether a control-channel timeout on
	// request_missed/request_backlog is treated as success or failure
	// (SPEC_FULL.md section D.5).
	StrictFireAndForget bool

	// RTTSeed is the BOP timer's RTT estimator's initial value before any
	// sample is observed (spec.md section 6 default: 50ms).
	RTTSeed time.Duration

	// BOPTimeoutMultiple is the bounded multiple of the RTT estimate the
	// BOP timer waits before aborting a product (spec.md section 8's
	// "Product abort" scenario times out at 10x RTT).
	BOPTimeoutMultiple float64

	// LinkBitsPerSec and ProductSizeHint feed the BOP timer's
	// link-latency floor (spec.md section 4.6, section 6 default:
	// "sufficient for 18 Pbps upper bound").
	LinkBitsPerSec  uint64
	ProductSizeHint uint64

	// RetryNap bounds the NAP state's sleep before re-entering EXECUTING
	// (spec.md section 6 default: 60s).
	RetryNap time.Duration

	// NoHistoryTimeOffset is how far back to ask the sender to look in
	// request_backlog when this receiver has no previous-session
	// signature (spec.md section 4.7 step 6).
	NoHistoryTimeOffset time.Duration

	// Dial opens a TCP connection to a control or retransmission
	// endpoint. Defaults to net.Dial; tests substitute an in-memory
	// dialer.
	Dial func(network, addr string) (net.Conn, error)

	// OpenMulticast opens and joins the multicast group described by a
	// subscribe reply. A nil value defaults to mcast.OpenReceiver;
	// tests substitute a loopback UDP pair that doesn't require real
	// multicast routing.
	OpenMulticast func(info control.MulticastInfo) (net.PacketConn, error)

	// Clock drives the BOP timer. Defaults to clock.RealClk; tests
	// substitute a clock.SimClock.
	Clock clock.Clock

	// OnProduct is the external "product queue" hook: called once per
	// finalized product, however it was delivered (spec.md section 5
	// "a finalize -> external-product-queue insert is totally ordered
	// per index").
	OnProduct func(index uint32, metadata string, data []byte)
}

// DefaultConfig returns spec.md section 6's stated defaults; callers
// still must set Feed, Receiver, ControlEndpoint, and MemoryPath.
func DefaultConfig() Config {
	return Config{
		SubscribeTimeout:   25 * time.Second,
		RTTSeed:            50 * time.Millisecond,
		BOPTimeoutMultiple: 10,
		LinkBitsPerSec:     18_000_000_000_000_000, // 18 Pbps
		RetryNap:           60 * time.Second,
		Dial:               net.Dial,
		Clock:              clock.RealClk,
	}
}
