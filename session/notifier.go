package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/control"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/logging"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/product"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/wire"
)

// iterationNotifier is the product.Notifier for one session iteration. It
// hands out destination buffers at BOP time, fires the one-shot backlog
// request on the first BOP this iteration accepts, multicast or
// retransmitted (spec.md section 4.7 step 6),
// and turns a BOP-timeout abort into a request_missed call plus a durable
// missed-product record (SPEC_FULL.md section D.2).
type iterationNotifier struct {
	sup      *Supervisor
	client   *control.Client
	prevSig  wire.Signature
	havePrev bool

	once sync.Once
	log  *logrus.Entry
}

func (n *iterationNotifier) BOPReceived(index uint32, bop wire.BOPPayload) (product.Buffer, error) {
	n.once.Do(func() {
		go n.requestBacklog(bop.Signature)
	})
	return newByteBuffer(int(bop.TotalSize)), nil
}

func (n *iterationNotifier) requestBacklog(firstSig wire.Signature) {
	ctx, cancel := context.WithTimeout(context.Background(), n.sup.cfg.SubscribeTimeout)
	defer cancel()
	if err := n.client.RequestBacklog(ctx, n.havePrev, n.prevSig, firstSig, n.sup.cfg.NoHistoryTimeOffset); err != nil {
		n.log.WithError(err).Warn("session: requesting backlog")
	}
}

func (n *iterationNotifier) DeliveryFailed(index uint32, reason product.AbortReason) {
	log := logging.WithProduct(n.log, index).WithField("reason", reason.String())
	switch reason {
	case product.AbortSessionStopped:
		log.Debug("session: dropping tracker on shutdown")
	case product.AbortNoSuchProduct:
		log.Warn("session: sender reports product unrecoverable")
	case product.AbortBOPTimeout:
		log.Warn("session: BOP timed out, asking sender for an out-of-band resend")
		if err := n.sup.mem.EnqueueMissed(index); err != nil {
			log.WithError(err).Warn("session: persisting stranded missed product")
		}
		ctx, cancel := context.WithTimeout(context.Background(), n.sup.cfg.SubscribeTimeout)
		defer cancel()
		if err := n.client.RequestMissed(ctx, index); err != nil {
			log.WithError(err).Warn("session: request_missed call failed")
		}
	}
}
