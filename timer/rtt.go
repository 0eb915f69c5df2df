// Package timer implements the BOP timer of spec.md section 4.6: a
// bounded wait for the opening marker of an out-of-order product, plus
// the RTT estimate that bounds it.
package timer

import "time"

// RTT estimates round-trip time to the upstream sender with a simple
// exponential moving average, adapted from swp/rtt.go (alpha=0.1, no
// seasonal terms).
type RTT struct {
	est   float64
	alpha float64
	n     int64
	seed  time.Duration
}

// NewRTT returns an RTT estimator seeded at seed (spec.md section 6's
// "RTT seed, default 50 ms" configuration option).
func NewRTT(seed time.Duration) *RTT {
	return &RTT{alpha: 0.1, seed: seed}
}

// Estimate returns the current RTT estimate, or the configured seed if no
// sample has been observed yet.
func (r *RTT) Estimate() time.Duration {
	if r.n == 0 {
		return r.seed
	}
	return time.Duration(int64(r.est))
}

// AddSample folds a newly observed round trip into the estimate.
func (r *RTT) AddSample(sample time.Duration) {
	r.n++
	cur := float64(sample)
	if r.n == 1 {
		r.est = cur
		return
	}
	r.est = r.alpha*cur + (1-r.alpha)*r.est
}

// LinkLatencyFloor derives the minimum propagation-delay estimate implied
// by a configured link speed and a representative product size, per
// spec.md section 4.6: "never less than one link-propagation estimate
// derived from configured link speed" (SPEC_FULL.md section D.4).
func LinkLatencyFloor(linkBitsPerSec uint64, productSizeHintBytes uint64) time.Duration {
	if linkBitsPerSec == 0 {
		return 0
	}
	bits := productSizeHintBytes * 8
	seconds := float64(bits) / float64(linkBitsPerSec)
	return time.Duration(seconds * float64(time.Second))
}

// BoundedTimeout computes the BOP timer duration: a bounded multiple of
// the current RTT estimate, floored by the link-latency estimate.
func (r *RTT) BoundedTimeout(multiple float64, linkBitsPerSec uint64, productSizeHintBytes uint64) time.Duration {
	d := time.Duration(float64(r.Estimate()) * multiple)
	floor := LinkLatencyFloor(linkBitsPerSec, productSizeHintBytes)
	if d < floor {
		return floor
	}
	return d
}
