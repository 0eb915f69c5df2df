package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Tag identifies which control message a frame carries. Per spec.md
// section 9's REDESIGN FLAGS, the control plane is "a neutral schema
// (length-prefixed messages with a small tag set)" rather than raw ONC
// RPC.
type Tag uint8

const (
	TagSubscribeRequest Tag = iota + 1
	TagSubscribeReply
	TagRequestMissed
	TagRequestBacklog
	TagDeliverMissed
	TagNotifyNoSuchProduct
	// TagRetransmitPacket wraps a raw FMTP header+payload packet (the
	// same 16-byte framing multicast uses, retransmit flags set) so it
	// can share the retransmission TCP connection with the tagged
	// control messages above.
	TagRetransmitPacket
)

// frameHeaderLen is the envelope this package puts around every msgp-coded
// message body: a one-byte tag plus a four-byte big-endian length.
const frameHeaderLen = 5

// WriteFrame writes tag and body as one length-prefixed frame.
func WriteFrame(w io.Writer, tag Tag, body []byte) error {
	hdr := make([]byte, frameHeaderLen)
	hdr[0] = byte(tag)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(body)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("control: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("control: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, bounding the body size to
// maxFrameLen to protect against a corrupt or hostile length field.
func ReadFrame(r io.Reader, maxFrameLen uint32) (Tag, []byte, error) {
	hdr := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, fmt.Errorf("control: read frame header: %w", err)
	}
	tag := Tag(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:5])
	if n > maxFrameLen {
		return 0, nil, fmt.Errorf("control: frame body length %d exceeds max %d", n, maxFrameLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("control: read frame body: %w", err)
	}
	return tag, body, nil
}

// DefaultMaxFrameLen bounds a single control message's body. DeliverMissed
// carries a whole product, so this is generous but still finite.
const DefaultMaxFrameLen = 64 << 20

func encodeMsg(fn func(*msgp.Writer) error) ([]byte, error) {
	var buf bufferWriter
	w := msgp.NewWriter(&buf)
	if err := fn(w); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.b, nil
}

// bufferWriter is a minimal io.Writer over a growable byte slice, used
// instead of bytes.Buffer only to keep this file's imports to what it
// actually needs beyond msgp itself.
type bufferWriter struct{ b []byte }

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// --- SubscribeRequest ---

func (m SubscribeRequest) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(3); err != nil {
		return err
	}
	if err := en.WriteString("Feed"); err != nil {
		return err
	}
	if err := en.WriteString(m.Feed.Name); err != nil {
		return err
	}
	if err := en.WriteString("Receiver"); err != nil {
		return err
	}
	if err := en.WriteMapHeader(2); err != nil {
		return err
	}
	if err := en.WriteString("Host"); err != nil {
		return err
	}
	if err := en.WriteString(m.Receiver.Host); err != nil {
		return err
	}
	if err := en.WriteString("Port"); err != nil {
		return err
	}
	if err := en.WriteInt(m.Receiver.Port); err != nil {
		return err
	}
	if err := en.WriteString("Nonce"); err != nil {
		return err
	}
	return en.WriteBytes(m.Nonce[:])
}

func (m *SubscribeRequest) DecodeMsg(dc *msgp.Reader) error {
	n, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		key, err := dc.ReadMapKeyPtr()
		if err != nil {
			return err
		}
		switch string(key) {
		case "Feed":
			m.Feed.Name, err = dc.ReadString()
		case "Receiver":
			var rn uint32
			rn, err = dc.ReadMapHeader()
			if err != nil {
				return err
			}
			for j := uint32(0); j < rn; j++ {
				rkey, rerr := dc.ReadMapKeyPtr()
				if rerr != nil {
					return rerr
				}
				switch string(rkey) {
				case "Host":
					m.Receiver.Host, err = dc.ReadString()
				case "Port":
					m.Receiver.Port, err = dc.ReadInt()
				default:
					err = dc.Skip()
				}
				if err != nil {
					return err
				}
			}
		case "Nonce":
			var nonce []byte
			nonce, err = dc.ReadBytes(nil)
			if err == nil {
				copy(m.Nonce[:], nonce)
			}
		default:
			err = dc.Skip()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Marshal encodes a SubscribeRequest into a complete frame body.
func (m SubscribeRequest) Marshal() ([]byte, error) {
	return encodeMsg(m.EncodeMsg)
}

// UnmarshalSubscribeRequest decodes a frame body into a SubscribeRequest.
func UnmarshalSubscribeRequest(body []byte) (SubscribeRequest, error) {
	var m SubscribeRequest
	dc := msgp.NewReader(sliceReader{body})
	return m, m.DecodeMsg(dc)
}

// sliceReader is a minimal io.Reader over a byte slice.
type sliceReader struct{ b []byte }

func (r sliceReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// --- SubscribeReply ---

func (m SubscribeReply) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(3); err != nil {
		return err
	}
	if err := en.WriteString("Status"); err != nil {
		return err
	}
	if err := en.WriteInt(int(m.Status)); err != nil {
		return err
	}
	if err := en.WriteString("Mcast"); err != nil {
		return err
	}
	if err := en.WriteMapHeader(5); err != nil {
		return err
	}
	fields := []struct {
		key string
		val interface{}
	}{
		{"GroupAddr", m.Mcast.GroupAddr},
		{"GroupPort", m.Mcast.GroupPort},
		{"LocalIface", m.Mcast.LocalIface},
		{"SenderTCPHost", m.Mcast.SenderTCPHost},
		{"SenderTCPPort", m.Mcast.SenderTCPPort},
	}
	for _, f := range fields {
		if err := en.WriteString(f.key); err != nil {
			return err
		}
		switch v := f.val.(type) {
		case string:
			if err := en.WriteString(v); err != nil {
				return err
			}
		case int:
			if err := en.WriteInt(v); err != nil {
				return err
			}
		}
	}
	if err := en.WriteString("Message"); err != nil {
		return err
	}
	return en.WriteString(m.Message)
}

func (m *SubscribeReply) DecodeMsg(dc *msgp.Reader) error {
	n, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		key, err := dc.ReadMapKeyPtr()
		if err != nil {
			return err
		}
		switch string(key) {
		case "Status":
			var s int
			s, err = dc.ReadInt()
			m.Status = SubscriptionStatus(s)
		case "Mcast":
			var rn uint32
			rn, err = dc.ReadMapHeader()
			if err != nil {
				return err
			}
			for j := uint32(0); j < rn; j++ {
				rkey, rerr := dc.ReadMapKeyPtr()
				if rerr != nil {
					return rerr
				}
				switch string(rkey) {
				case "GroupAddr":
					m.Mcast.GroupAddr, err = dc.ReadString()
				case "GroupPort":
					m.Mcast.GroupPort, err = dc.ReadInt()
				case "LocalIface":
					m.Mcast.LocalIface, err = dc.ReadString()
				case "SenderTCPHost":
					m.Mcast.SenderTCPHost, err = dc.ReadString()
				case "SenderTCPPort":
					m.Mcast.SenderTCPPort, err = dc.ReadInt()
				default:
					err = dc.Skip()
				}
				if err != nil {
					return err
				}
			}
		case "Message":
			m.Message, err = dc.ReadString()
		default:
			err = dc.Skip()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m SubscribeReply) Marshal() ([]byte, error) { return encodeMsg(m.EncodeMsg) }

func UnmarshalSubscribeReply(body []byte) (SubscribeReply, error) {
	var m SubscribeReply
	dc := msgp.NewReader(sliceReader{body})
	return m, m.DecodeMsg(dc)
}

// --- RequestMissed ---

func (m RequestMissed) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(1); err != nil {
		return err
	}
	if err := en.WriteString("ProductIndex"); err != nil {
		return err
	}
	return en.WriteUint32(m.ProductIndex)
}

func (m *RequestMissed) DecodeMsg(dc *msgp.Reader) error {
	n, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		key, err := dc.ReadMapKeyPtr()
		if err != nil {
			return err
		}
		switch string(key) {
		case "ProductIndex":
			m.ProductIndex, err = dc.ReadUint32()
		default:
			err = dc.Skip()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m RequestMissed) Marshal() ([]byte, error) { return encodeMsg(m.EncodeMsg) }

func UnmarshalRequestMissed(body []byte) (RequestMissed, error) {
	var m RequestMissed
	dc := msgp.NewReader(sliceReader{body})
	return m, m.DecodeMsg(dc)
}

// --- RequestBacklog ---

func (m RequestBacklog) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(4); err != nil {
		return err
	}
	if err := en.WriteString("HaveFrom"); err != nil {
		return err
	}
	if err := en.WriteBool(m.HaveFrom); err != nil {
		return err
	}
	if err := en.WriteString("From"); err != nil {
		return err
	}
	if err := en.WriteBytes(m.From[:]); err != nil {
		return err
	}
	if err := en.WriteString("To"); err != nil {
		return err
	}
	if err := en.WriteBytes(m.To[:]); err != nil {
		return err
	}
	if err := en.WriteString("TimeOffset"); err != nil {
		return err
	}
	return en.WriteInt64(int64(m.TimeOffset))
}

func (m *RequestBacklog) DecodeMsg(dc *msgp.Reader) error {
	n, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		key, err := dc.ReadMapKeyPtr()
		if err != nil {
			return err
		}
		switch string(key) {
		case "HaveFrom":
			m.HaveFrom, err = dc.ReadBool()
		case "From":
			var b []byte
			b, err = dc.ReadBytes(nil)
			if err == nil {
				copy(m.From[:], b)
			}
		case "To":
			var b []byte
			b, err = dc.ReadBytes(nil)
			if err == nil {
				copy(m.To[:], b)
			}
		case "TimeOffset":
			var v int64
			v, err = dc.ReadInt64()
			m.TimeOffset = time.Duration(v)
		default:
			err = dc.Skip()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m RequestBacklog) Marshal() ([]byte, error) { return encodeMsg(m.EncodeMsg) }

func UnmarshalRequestBacklog(body []byte) (RequestBacklog, error) {
	var m RequestBacklog
	dc := msgp.NewReader(sliceReader{body})
	return m, m.DecodeMsg(dc)
}

// --- DeliverMissed ---

func (m DeliverMissed) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(3); err != nil {
		return err
	}
	if err := en.WriteString("ProductIndex"); err != nil {
		return err
	}
	if err := en.WriteUint32(m.ProductIndex); err != nil {
		return err
	}
	if err := en.WriteString("Signature"); err != nil {
		return err
	}
	if err := en.WriteBytes(m.Signature[:]); err != nil {
		return err
	}
	if err := en.WriteString("Data"); err != nil {
		return err
	}
	return en.WriteBytes(m.Data)
}

func (m *DeliverMissed) DecodeMsg(dc *msgp.Reader) error {
	n, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		key, err := dc.ReadMapKeyPtr()
		if err != nil {
			return err
		}
		switch string(key) {
		case "ProductIndex":
			m.ProductIndex, err = dc.ReadUint32()
		case "Signature":
			var b []byte
			b, err = dc.ReadBytes(nil)
			if err == nil {
				copy(m.Signature[:], b)
			}
		case "Data":
			m.Data, err = dc.ReadBytes(nil)
		default:
			err = dc.Skip()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m DeliverMissed) Marshal() ([]byte, error) { return encodeMsg(m.EncodeMsg) }

func UnmarshalDeliverMissed(body []byte) (DeliverMissed, error) {
	var m DeliverMissed
	dc := msgp.NewReader(sliceReader{body})
	return m, m.DecodeMsg(dc)
}

// --- NotifyNoSuchProduct ---

func (m NotifyNoSuchProduct) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(1); err != nil {
		return err
	}
	if err := en.WriteString("ProductIndex"); err != nil {
		return err
	}
	return en.WriteUint32(m.ProductIndex)
}

func (m *NotifyNoSuchProduct) DecodeMsg(dc *msgp.Reader) error {
	n, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		key, err := dc.ReadMapKeyPtr()
		if err != nil {
			return err
		}
		switch string(key) {
		case "ProductIndex":
			m.ProductIndex, err = dc.ReadUint32()
		default:
			err = dc.Skip()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m NotifyNoSuchProduct) Marshal() ([]byte, error) { return encodeMsg(m.EncodeMsg) }

func UnmarshalNotifyNoSuchProduct(body []byte) (NotifyNoSuchProduct, error) {
	var m NotifyNoSuchProduct
	dc := msgp.NewReader(sliceReader{body})
	return m, m.DecodeMsg(dc)
}
