// Package product implements per-product reception state: the buffer a
// product's bytes land in, the bitmap of which blocks have arrived, and
// the EOP/completion bookkeeping spec.md section 4.3 describes.
package product

import (
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/wire"
)

// AbortReason distinguishes why a product was dropped before completion,
// for the "delivery failed" notification of spec.md section 7.
type AbortReason int

const (
	// AbortBOPTimeout means the BOP timer fired before a BOP arrived.
	AbortBOPTimeout AbortReason = iota
	// AbortNoSuchProduct means the sender explicitly declared the product
	// unrecoverable.
	AbortNoSuchProduct
	// AbortSessionStopped means the supervisor tore the session down
	// before the product finished.
	AbortSessionStopped
)

func (r AbortReason) String() string {
	switch r {
	case AbortBOPTimeout:
		return "bop-timeout"
	case AbortNoSuchProduct:
		return "no-such-product"
	case AbortSessionStopped:
		return "session-stopped"
	default:
		return "unknown"
	}
}

// RecordOutcome is the result of attempting to record one block.
type RecordOutcome int

const (
	// RecordFirst means the block's bytes were written for the first time.
	RecordFirst RecordOutcome = iota
	// RecordDuplicate means the block's bit was already set; bytes were
	// not rewritten.
	RecordDuplicate
	// RecordOutOfRange means the block's offset/length is inconsistent
	// with the product's total_size or its expected payload length.
	RecordOutOfRange
)

var (
	// ErrDuplicateProduct is returned by Map.Create for an index already
	// tracked.
	ErrDuplicateProduct = fmt.Errorf("product: duplicate product index")
	// ErrUnknownProduct names the "index has no tracker" condition. Map's
	// operations do not return it; they report an untracked index through
	// an ok=false result or a nil request slice.
	ErrUnknownProduct = fmt.Errorf("product: unknown product index")
)

// Buffer is the destination a product's bytes are written into, obtained
// from the external BOP-notify hook at BOP time (spec.md section 3,
// "Ownership"). The tracker borrows it for the product's lifetime.
type Buffer interface {
	// WriteAt writes b at the given byte offset within the product.
	WriteAt(b []byte, offset int64) (int, error)
	// Bytes returns the full product contents once complete. Only valid
	// after Finalize.
	Bytes() []byte
}

// Product is one in-flight product's reception state (spec.md section 3
// "Product tracker").
type Product struct {
	Index           uint32
	TotalSize       uint64
	Signature       wire.Signature
	PayloadLen      uint16
	Metadata        string
	Buf             Buffer
	Created         time.Time
	HighestSeq      uint32
	RequestCount    int
	eopReceived     bool
	eopRequested    bool
	haveHighestSeq  bool
	received        *bitset.BitSet
	numBlocks       uint32
}

// New creates a tracker for one product, per the BOP metadata that
// introduced it and the destination buffer obtained from the external
// notifier callback.
func New(index uint32, bop wire.BOPPayload, buf Buffer, created time.Time) *Product {
	n := numBlocksFor(bop.TotalSize, bop.PayloadLen)
	return &Product{
		Index:      index,
		TotalSize:  bop.TotalSize,
		Signature:  bop.Signature,
		PayloadLen: bop.PayloadLen,
		Metadata:   bop.Metadata,
		Buf:        buf,
		Created:    created,
		received:   bitset.New(uint(n)),
		numBlocks:  n,
	}
}

func numBlocksFor(totalSize uint64, payloadLen uint16) uint32 {
	if payloadLen == 0 {
		if totalSize == 0 {
			return 0
		}
		return 1
	}
	n := totalSize / uint64(payloadLen)
	if totalSize%uint64(payloadLen) != 0 {
		n++
	}
	return uint32(n)
}

// blockIndex maps a byte offset to its block index, validating it falls on
// a block boundary.
func (p *Product) blockIndex(seq uint32) (uint32, bool) {
	if p.PayloadLen == 0 {
		return 0, seq == 0
	}
	if uint64(seq)%uint64(p.PayloadLen) != 0 {
		return 0, false
	}
	return seq / uint32(p.PayloadLen), true
}

// expectedLen returns the length a block at seq must have to be valid: the
// fixed payload length for interior blocks, or the (shorter) trailing
// length for the last block.
func (p *Product) expectedLen(seq uint32) (uint16, bool) {
	idx, ok := p.blockIndex(seq)
	if !ok || idx >= p.numBlocks {
		return 0, false
	}
	if idx == p.numBlocks-1 {
		last := p.TotalSize - uint64(idx)*uint64(p.PayloadLen)
		return uint16(last), true
	}
	return p.PayloadLen, true
}

// RecordBlock writes bytes at offset seq, bounds-checking against
// total_size and the expected per-block length, and sets the bit iff the
// write was accepted. Duplicate arrivals do not re-write and do not clear
// the bit (spec.md section 3 invariants).
func (p *Product) RecordBlock(seq uint32, data []byte) RecordOutcome {
	expected, ok := p.expectedLen(seq)
	if !ok || len(data) != int(expected) || uint64(seq)+uint64(len(data)) > p.TotalSize {
		return RecordOutOfRange
	}
	idx, _ := p.blockIndex(seq)
	if p.received.Test(uint(idx)) {
		return RecordDuplicate
	}
	if _, err := p.Buf.WriteAt(data, int64(seq)); err != nil {
		return RecordOutOfRange
	}
	p.received.Set(uint(idx))
	if !p.haveHighestSeq || seq > p.HighestSeq {
		p.HighestSeq = seq
		p.haveHighestSeq = true
	}
	return RecordFirst
}

// MarkEOP records that the EOP marker arrived. Idempotent.
func (p *Product) MarkEOP() {
	p.eopReceived = true
}

// EOPReceived reports whether MarkEOP has been called.
func (p *Product) EOPReceived() bool {
	return p.eopReceived
}

// IsComplete reports whether every block has arrived and EOP has been
// seen (spec.md section 3: "The product is complete iff all block bits
// are set AND EOP-received is true.").
func (p *Product) IsComplete() bool {
	if !p.eopReceived {
		return false
	}
	return p.received.All() && p.received.Count() == uint(p.numBlocks)
}

// AllBlocksReceived reports whether every block bit is set, independent of
// EOP status. Used to detect the "lost EOP only" case of spec.md section
// 8: a product stalled purely because its EOP marker never arrived.
func (p *Product) AllBlocksReceived() bool {
	return p.received.Count() == uint(p.numBlocks)
}

// MissingBefore yields the (seq, len) coordinates of every block strictly
// before seq whose bit is still clear, bounded by total_size (spec.md
// section 4.3 "missing_before").
func (p *Product) MissingBefore(seq uint32) []wire.Request {
	limitIdx, ok := p.blockIndex(seq)
	if !ok {
		limitIdx = p.numBlocks
	}
	return p.missingBeforeIdx(limitIdx)
}

// MissingAll yields every block whose bit is still clear, used when a
// retransmitted BOP arrives and the tracker must ask for anything already
// multicast-missed (spec.md section 4.5 "Retx-BOP").
func (p *Product) MissingAll() []wire.Request {
	return p.missingBeforeIdx(p.numBlocks)
}

func (p *Product) missingBeforeIdx(limitIdx uint32) []wire.Request {
	var out []wire.Request
	for idx := uint32(0); idx < limitIdx && idx < p.numBlocks; idx++ {
		if p.received.Test(uint(idx)) {
			continue
		}
		blockSeq := idx * uint32(p.PayloadLen)
		ln, _ := p.expectedLen(blockSeq)
		out = append(out, wire.Request{
			Kind:         wire.RequestMissingData,
			ProductIndex: p.Index,
			Sequence:     blockSeq,
			Length:       ln,
		})
	}
	return out
}
