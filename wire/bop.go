package wire

import (
	"encoding/binary"
	"fmt"
)

// SignatureLen is the width of a product's content signature: a 16-byte,
// MD5-width content hash carried in the BOP.
const SignatureLen = 16

// MaxMetadataLen bounds the UTF-8 product-identifier metadata carried in a
// BOP payload, per spec.md section 6.
const MaxMetadataLen = 1024

// Signature identifies a product across sessions by content hash.
type Signature [SignatureLen]byte

// BOPPayload is the metadata a BOP packet carries beyond the common
// header: the product's total size, its content signature, the fixed
// interior-block payload length, and an application-defined identifier.
type BOPPayload struct {
	TotalSize  uint64
	Signature  Signature
	PayloadLen uint16
	Metadata   string
}

// bopFixedLen is the length of a BOP payload's fixed-width fields, before
// the variable-length metadata: total_size(8) + signature(16) +
// payload_len(2) + metadata_length(2).
const bopFixedLen = 8 + SignatureLen + 2 + 2

// DecodeBOP parses a BOP packet's payload (the bytes following the 16-byte
// header).
func DecodeBOP(payload []byte) (BOPPayload, error) {
	if len(payload) < bopFixedLen {
		return BOPPayload{}, fmt.Errorf("%w: BOP payload length %d < fixed fields length %d", ErrInvalidPacket, len(payload), bopFixedLen)
	}
	var b BOPPayload
	b.TotalSize = binary.BigEndian.Uint64(payload[0:8])
	copy(b.Signature[:], payload[8:8+SignatureLen])
	off := 8 + SignatureLen
	b.PayloadLen = binary.BigEndian.Uint16(payload[off : off+2])
	metaLen := binary.BigEndian.Uint16(payload[off+2 : off+4])
	off += 4
	if int(metaLen) > MaxMetadataLen {
		return BOPPayload{}, fmt.Errorf("%w: BOP metadata_length %d exceeds max %d", ErrInvalidPacket, metaLen, MaxMetadataLen)
	}
	if len(payload) < off+int(metaLen) {
		return BOPPayload{}, fmt.Errorf("%w: BOP metadata truncated, have %d want %d", ErrInvalidPacket, len(payload)-off, metaLen)
	}
	b.Metadata = string(payload[off : off+int(metaLen)])
	return b, nil
}

// EncodeBOP serializes a BOP payload for a simulated sender or test
// fixture; production senders are out of scope (spec.md section 1), but
// the encoder round-trips with DecodeBOP for property testing.
func EncodeBOP(b BOPPayload) []byte {
	meta := []byte(b.Metadata)
	buf := make([]byte, bopFixedLen+len(meta))
	binary.BigEndian.PutUint64(buf[0:8], b.TotalSize)
	copy(buf[8:8+SignatureLen], b.Signature[:])
	off := 8 + SignatureLen
	binary.BigEndian.PutUint16(buf[off:off+2], b.PayloadLen)
	binary.BigEndian.PutUint16(buf[off+2:off+4], uint16(len(meta)))
	off += 4
	copy(buf[off:], meta)
	return buf
}
