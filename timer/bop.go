package timer

import (
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/sirupsen/logrus"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/clock"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/logging"
)

// pollInterval bounds how long the BOP timer goroutine ever sleeps
// between re-checking the deadline queue, so a newly inserted deadline
// that is sooner than one already being waited on is never missed by
// more than this much. A real condition variable would wake immediately
// on insert; this poll is the single-goroutine equivalent used so the
// timer can run against a clock.SimClock in tests without a wall-clock
// wakeup race.
const pollInterval = 10 * time.Millisecond

// BOPTimer runs the single thread of spec.md section 4.6: it waits on a
// bounded multiple of the RTT estimate (or the link-latency floor) for
// each pending product's BOP, and reports expiry to the supervisor so the
// product can be aborted.
type BOPTimer struct {
	mu    sync.Mutex
	queue *DeadlineQueue
	clk   clock.Clock
	log   *logrus.Entry
	Halt  *idem.Halter

	OnExpire func(productIndex uint32)
}

// NewBOPTimer constructs a BOPTimer driven by clk (clock.RealClk in
// production, a clock.SimClock in tests).
func NewBOPTimer(clk clock.Clock, log *logrus.Entry) *BOPTimer {
	return &BOPTimer{
		queue: NewDeadlineQueue(),
		clk:   clk,
		log:   log,
		Halt:  idem.NewHalter(),
	}
}

// Add starts (or restarts) a BOP wait for productIndex, expiring at
// clk.Now()+timeout.
func (t *BOPTimer) Add(productIndex uint32, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue.Insert(&Pending{ProductIndex: productIndex, Deadline: t.clk.Now().Add(timeout)})
}

// Cancel stops productIndex's BOP wait, e.g. because its BOP arrived.
func (t *BOPTimer) Cancel(productIndex uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Cancel(productIndex)
}

// Pending reports whether productIndex currently has an outstanding wait.
func (t *BOPTimer) Pending(productIndex uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Contains(productIndex)
}

// Start launches the BOP timer's background goroutine. It runs until
// Halt.ReqStop fires.
func (t *BOPTimer) Start() {
	go func() {
		defer t.Halt.Done.Close()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.Halt.ReqStop.Chan:
				return
			case <-ticker.C:
				t.expireDue()
			}
		}
	}()
}

func (t *BOPTimer) expireDue() {
	now := t.clk.Now()
	var expired []*Pending
	t.mu.Lock()
	t.queue.ExpireThrough(now, func(p *Pending) {
		expired = append(expired, p)
	})
	t.mu.Unlock()

	for _, p := range expired {
		logging.WithProduct(t.log, p.ProductIndex).Warn("bop timer expired, aborting product")
		if t.OnExpire != nil {
			t.OnExpire(p.ProductIndex)
		}
	}
}

// Stop requests the BOP timer goroutine to exit and waits for it to do
// so.
func (t *BOPTimer) Stop() {
	t.Halt.RequestStop()
	<-t.Halt.Done.Chan
}
