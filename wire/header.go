// Package wire implements the FMTP on-the-wire codec: a fixed 16-byte
// header shared by multicast data packets and TCP retransmission framing,
// plus the 16-byte request envelope a downstream receiver sends upstream.
//
// This package touches byte order and nothing else: no allocation beyond
// the encoded byte slices it returns, no state, no I/O.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the fixed size, in bytes, of every FMTP header.
const HeaderLen = 16

// MaxPacketLen is the largest packet this codec will decode; FMTP packets
// travel over UDP multicast and stay under the common-case MTU.
const MaxPacketLen = 1460

// Flag bits, per spec.md section 6.
const (
	FlagBOP       uint16 = 0x0001
	FlagEOP       uint16 = 0x0002
	FlagRetxReq   uint16 = 0x0008 // receiver -> sender request envelope
	FlagRetxData  uint16 = 0x0010 // retransmitted BOP/DATA/EOP payload
	FlagRetxEnd   uint16 = 0x0020 // sender says: no more retransmissions coming
)

// ErrInvalidPacket is returned by Decode for any packet this codec refuses
// to interpret: too short, an impossible payload length, or a flag
// combination that can never legally occur together.
var ErrInvalidPacket = errors.New("wire: invalid packet")

// Header is the decoded, network-order-independent form of the 16-byte
// FMTP header.
type Header struct {
	ProductIndex  uint32
	Sequence      uint32
	PayloadLength uint16
	Flags         uint16
}

// IsBOP reports whether the BOP flag (possibly the retransmitted variant)
// is set.
func (h Header) IsBOP() bool { return h.Flags&FlagBOP != 0 }

// IsEOP reports whether the EOP flag (possibly the retransmitted variant)
// is set.
func (h Header) IsEOP() bool { return h.Flags&FlagEOP != 0 }

// IsRetransmitted reports whether this header arrived over the TCP
// retransmission path rather than multicast.
func (h Header) IsRetransmitted() bool { return h.Flags&FlagRetxData != 0 }

// IsRetxEnd reports whether this is the sender's "no more retransmission
// for this product" marker.
func (h Header) IsRetxEnd() bool { return h.Flags&FlagRetxEnd != 0 }

// IsRequest reports whether this is a receiver->sender request envelope.
func (h Header) IsRequest() bool { return h.Flags&FlagRetxReq != 0 }

// Decode parses the fixed 16-byte header at the front of pkt. pkt may
// contain trailing payload bytes; Decode validates that PayloadLength is
// consistent with len(pkt) but does not copy or return the payload itself
// — callers slice it themselves as pkt[HeaderLen:].
func Decode(pkt []byte) (Header, error) {
	if len(pkt) < HeaderLen {
		return Header{}, fmt.Errorf("%w: packet length %d < header length %d", ErrInvalidPacket, len(pkt), HeaderLen)
	}
	h := Header{
		ProductIndex:  binary.BigEndian.Uint32(pkt[0:4]),
		Sequence:      binary.BigEndian.Uint32(pkt[4:8]),
		PayloadLength: binary.BigEndian.Uint16(pkt[8:10]),
		Flags:         binary.BigEndian.Uint16(pkt[10:12]),
		// pkt[12:16] reserved for alignment, per spec.md section 6.
	}
	if int(h.PayloadLength) > len(pkt)-HeaderLen {
		return Header{}, fmt.Errorf("%w: payload_length %d exceeds packet remainder %d", ErrInvalidPacket, h.PayloadLength, len(pkt)-HeaderLen)
	}
	if h.IsBOP() && h.IsEOP() {
		return Header{}, fmt.Errorf("%w: BOP and EOP both set", ErrInvalidPacket)
	}
	return h, nil
}

// Encode writes h's 16-byte wire form into a freshly allocated slice. It is
// the inverse of Decode: Decode(Encode(h)) == h for every well-formed h.
func Encode(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.ProductIndex)
	binary.BigEndian.PutUint32(buf[4:8], h.Sequence)
	binary.BigEndian.PutUint16(buf[8:10], h.PayloadLength)
	binary.BigEndian.PutUint16(buf[10:12], h.Flags)
	return buf
}

// PeekHeader decodes only the first HeaderLen bytes of pkt without
// validating PayloadLength against the packet's total size. DecodeRequest
// uses it for header-only request envelopes. The multicast reader does not
// call it: it reads each whole datagram and validates it with Decode.
func PeekHeader(pkt []byte) (Header, error) {
	if len(pkt) < HeaderLen {
		return Header{}, fmt.Errorf("%w: packet length %d < header length %d", ErrInvalidPacket, len(pkt), HeaderLen)
	}
	return Header{
		ProductIndex:  binary.BigEndian.Uint32(pkt[0:4]),
		Sequence:      binary.BigEndian.Uint32(pkt[4:8]),
		PayloadLength: binary.BigEndian.Uint16(pkt[8:10]),
		Flags:         binary.BigEndian.Uint16(pkt[10:12]),
	}, nil
}

// precedes reports whether a strictly precedes b under unsigned,
// wraparound-aware comparison with a recency window of 2^31 — spec.md
// section 3's "product index" invariant.
func precedes(a, b uint32) bool {
	return int32(a-b) < 0
}

// Precedes reports whether product index a is strictly older than b,
// honoring 32-bit wraparound with a recency window of 2^31.
func Precedes(a, b uint32) bool { return precedes(a, b) }

// WithinRecencyWindow reports whether candidate is within the fixed
// forward recency window of 2^31 indices starting at reference (reference
// itself included), per spec.md section 3.
func WithinRecencyWindow(reference, candidate uint32) bool {
	diff := candidate - reference
	return diff < (1 << 31)
}
