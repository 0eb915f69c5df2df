package wire

import (
	"fmt"

	"github.com/glycerine/blake2b"
)

// SignatureOf computes a product's content signature: a blake2b hash of
// its bytes, truncated to SignatureLen. Production senders compute this
// once per product and carry it in the BOP; simulated senders and test
// fixtures use this helper to do the same (SPEC_FULL.md section B).
func SignatureOf(data []byte) (Signature, error) {
	h, err := blake2b.New(nil)
	if err != nil {
		return Signature{}, fmt.Errorf("wire: blake2b.New: %w", err)
	}
	if _, err := h.Write(data); err != nil {
		return Signature{}, fmt.Errorf("wire: hashing product bytes: %w", err)
	}
	var sig Signature
	copy(sig[:], h.Sum(nil))
	return sig, nil
}
