package session

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/wire"
)

// iterationSink is the retrans.Sink/mcast destination for one session
// iteration: it persists the last-delivered signature (guarding the
// "never rewritten backwards" property of spec.md section 8.5, since
// finalize order across product indices is unordered) and forwards the
// finished bytes to the external product-queue hook.
type iterationSink struct {
	sup *Supervisor
	log *logrus.Entry

	mu          sync.Mutex
	haveHighest bool
	highest     uint32 // reset each iteration; monotonicity holds within one EXECUTING run, not across a NAP.
}

func (s *iterationSink) Deliver(index uint32, sig wire.Signature, metadata string, data []byte) {
	s.mu.Lock()
	advance := !s.haveHighest || wire.Precedes(s.highest, index)
	if advance {
		s.haveHighest = true
		s.highest = index
	}
	s.mu.Unlock()

	if advance {
		if err := s.sup.mem.SetLastSignature(sig); err != nil {
			s.log.WithError(err).Warn("session: persisting last-delivered signature")
		}
	}

	if s.sup.cfg.OnProduct != nil {
		s.sup.cfg.OnProduct(index, metadata, data)
	}
}
