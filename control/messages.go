// Package control implements the FMTP control plane of spec.md section 6:
// the subscription handshake, the asynchronous backlog/missed-product
// requests, and the two sender-initiated handlers, respecified as a
// neutral length-prefixed/tagged schema per spec.md section 9's REDESIGN
// FLAGS rather than the original's ONC RPC wire format.
package control

import (
	"time"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/wire"
)

// FeedSpec names the data stream a receiver wants to subscribe to.
type FeedSpec struct {
	Name string
}

// Endpoint is a host:port pair identifying a receiver to the sender, or
// the sender's retransmission endpoint to a receiver.
type Endpoint struct {
	Host string
	Port int
}

// MulticastInfo describes the multicast group a subscriber should join,
// returned by Subscribe.
type MulticastInfo struct {
	GroupAddr    string
	GroupPort    int
	LocalIface   string
	SenderTCPHost string
	SenderTCPPort int
}

// SubscriptionStatus reports whether a subscription was accepted.
type SubscriptionStatus int

const (
	SubscriptionOK SubscriptionStatus = iota
	SubscriptionRefused
)

// SubscribeRequest is the client-initiated handshake message (spec.md
// section 6: "subscribe(feed_spec, receiver_endpoint)").
type SubscribeRequest struct {
	Feed     FeedSpec
	Receiver Endpoint
	// Nonce authenticates the handshake per the shared-secret scheme of
	// spec.md section 1's non-goal note ("assumed available" beyond this
	// handshake).
	Nonce [16]byte
}

// SubscribeReply answers a SubscribeRequest.
type SubscribeReply struct {
	Status  SubscriptionStatus
	Mcast   MulticastInfo
	Message string
}

// RequestMissed asks the sender to (re)send one product by index,
// out-of-band from the block-level TCP retransmission channel — used when
// a product never gets a tracker at all (spec.md section 6).
type RequestMissed struct {
	ProductIndex uint32
}

// RequestBacklog asks the sender for every product that arrived between
// two signatures (or since a time offset, if the receiver has no prior
// session), bridging the gap between sessions (spec.md section 4.7 step
// 6, section 8 "Restart bridging").
type RequestBacklog struct {
	HaveFrom   bool
	From       wire.Signature
	To         wire.Signature
	TimeOffset time.Duration
}

// DeliverMissed is the sender-initiated delivery of a product that didn't
// fit the block-by-block retransmission path (spec.md section 6
// "deliver_missed").
type DeliverMissed struct {
	ProductIndex uint32
	Signature    wire.Signature
	Data         []byte
}

// NotifyNoSuchProduct is the sender's declaration that a requested product
// is unrecoverable (spec.md section 6 "notify_no_such_product").
type NotifyNoSuchProduct struct {
	ProductIndex uint32
}
