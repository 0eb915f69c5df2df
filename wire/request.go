package wire

import "fmt"

// RequestKind enumerates the four request messages a downstream receiver
// may enqueue and send to its upstream sender over the TCP retransmission
// channel, per spec.md section 3 "Request queue".
type RequestKind int

const (
	// RequestMissingBOP asks for a product's BOP, when the receiver never
	// saw it multicast.
	RequestMissingBOP RequestKind = iota
	// RequestMissingData asks for one missing interior block.
	RequestMissingData
	// RequestMissingEOP asks for a product's EOP, when all data blocks
	// arrived but the EOP marker didn't.
	RequestMissingEOP
	// RequestRetxEnd tells the sender it can free retransmission state
	// for a product the receiver has since finalized.
	RequestRetxEnd
)

func (k RequestKind) String() string {
	switch k {
	case RequestMissingBOP:
		return "MISSING_BOP"
	case RequestMissingData:
		return "MISSING_DATA"
	case RequestMissingEOP:
		return "MISSING_EOP"
	case RequestRetxEnd:
		return "RETX_END"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// kindFlags returns the flag bits that identify a RequestKind in the
// shared 16-byte envelope. MISSING_DATA also carries a real sequence and
// length in the Sequence/PayloadLength fields; the other three carry
// sequence 0.
func kindFlags(k RequestKind) uint16 {
	switch k {
	case RequestMissingBOP:
		return FlagRetxReq | FlagBOP
	case RequestMissingData:
		return FlagRetxReq
	case RequestMissingEOP:
		return FlagRetxReq | FlagEOP
	case RequestRetxEnd:
		return FlagRetxReq | FlagRetxEnd
	default:
		return FlagRetxReq
	}
}

// Request is one entry of the retransmission request queue (spec.md
// section 3): a typed ask the requester thread serializes onto the TCP
// connection to the sender.
type Request struct {
	Kind         RequestKind
	ProductIndex uint32
	Sequence     uint32
	Length       uint16
}

// EncodeRequest serializes r into the shared 16-byte envelope the four
// request kinds all use.
func EncodeRequest(r Request) []byte {
	h := Header{
		ProductIndex:  r.ProductIndex,
		Sequence:      r.Sequence,
		PayloadLength: r.Length,
		Flags:         kindFlags(r.Kind),
	}
	return Encode(h)
}

// DecodeRequest parses a request envelope previously produced by
// EncodeRequest. It is used by the simulated/test upstream sender. The
// envelope is header-only, with PayloadLength holding the requested block
// length, so it is read with PeekHeader rather than Decode.
func DecodeRequest(pkt []byte) (Request, error) {
	h, err := PeekHeader(pkt)
	if err != nil {
		return Request{}, err
	}
	if !h.IsRequest() {
		return Request{}, fmt.Errorf("%w: not a request envelope (flags=%#x)", ErrInvalidPacket, h.Flags)
	}
	r := Request{
		ProductIndex: h.ProductIndex,
		Sequence:     h.Sequence,
		Length:       h.PayloadLength,
	}
	switch {
	case h.Flags&FlagRetxEnd != 0:
		r.Kind = RequestRetxEnd
	case h.Flags&FlagBOP != 0:
		r.Kind = RequestMissingBOP
	case h.Flags&FlagEOP != 0:
		r.Kind = RequestMissingEOP
	default:
		r.Kind = RequestMissingData
	}
	return r, nil
}
