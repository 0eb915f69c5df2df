package session

// byteBuffer is the product.Buffer this package hands the tracker map at
// BOP time: a plain pre-sized byte slice, since the destination for a
// received product is "keep it in memory until finalize" (spec.md section
// 3's "Ownership" — the tracker borrows whatever the notifier returns).
type byteBuffer struct {
	data []byte
}

func newByteBuffer(size int) *byteBuffer {
	return &byteBuffer{data: make([]byte, size)}
}

func (b *byteBuffer) WriteAt(p []byte, offset int64) (int, error) {
	copy(b.data[offset:], p)
	return len(p), nil
}

func (b *byteBuffer) Bytes() []byte { return b.data }
