// Package session implements the supervisor of spec.md section 4.7: the
// state machine that owns one (sender, feed) subscription across its
// whole lifetime, repeatedly running a session iteration that spawns the
// multicast reader, the retransmission requester and receiver, and the
// BOP timer, and napping between failed attempts.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/glycerine/bchan"
	"github.com/glycerine/idem"
	"github.com/sirupsen/logrus"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/control"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/logging"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/mcast"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/memory"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/product"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/retrans"
	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/timer"
)

// Facts is the per-iteration snapshot broadcast over Supervisor's bchan,
// for a health check or status endpoint to read without touching the
// supervisor's internal state directly (SPEC_FULL.md section B: "1:M
// broadcast of per-iteration session facts").
type Facts struct {
	Epoch     int
	Mcast     control.MulticastInfo
	StartedAt time.Time
}

// Supervisor runs the state machine of spec.md section 4.7. Zero value is
// not usable; construct with New.
type Supervisor struct {
	cfg Config
	log *logrus.Entry
	mem *memory.Store

	Halt  *idem.Halter
	facts *bchan.Bchan

	mu    sync.Mutex
	state State
}

// New constructs a Supervisor. Start must be called before it does
// anything.
func New(cfg Config, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		log:   log,
		Halt:  idem.NewHalter(),
		facts: bchan.New(3),
		state: StateInitialized,
	}
}

// State reports the supervisor's current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.WithField("state", st.String()).Info("session: state transition")
}

// Facts returns the most recently broadcast iteration facts, if any.
func (s *Supervisor) Facts() (Facts, bool) {
	v := s.facts.Get()
	if v == nil {
		return Facts{}, false
	}
	return v.(Facts), true
}

// Start opens session memory and launches the supervisor's run loop. It
// transitions INITIALIZED -> EXECUTING (spec.md section 4.7).
func (s *Supervisor) Start() error {
	mem, err := memory.Open(s.cfg.MemoryPath)
	if err != nil {
		return fmt.Errorf("session: opening session memory: %w", err)
	}
	s.mem = mem
	s.setState(StateExecuting)
	go s.run()
	return nil
}

// Stop requests a clean shutdown and waits for the run loop to reach
// STOPPED. Idempotent.
func (s *Supervisor) Stop() {
	s.Halt.RequestStop()
	<-s.Halt.Done.Chan
}

func (s *Supervisor) stopRequested() bool {
	select {
	case <-s.Halt.ReqStop.Chan:
		return true
	default:
		return false
	}
}

func (s *Supervisor) run() {
	defer s.Halt.Done.Close()
	epoch := 0
	for {
		switch s.State() {
		case StateExecuting:
			err := s.runIteration(epoch)
			epoch++
			switch {
			case err == nil || errors.Is(err, errShutdown):
				s.setState(StateStopping)
			case errors.Is(err, ErrSubscriptionRefused) || errors.Is(err, errSystem):
				s.log.WithError(err).Error("session: fatal iteration error, stopping")
				s.setState(StateStopping)
			default:
				s.log.WithError(err).Error("session: iteration failed, napping before retry")
				s.setState(StateNAP)
			}

		case StateNAP:
			if s.napSleep() {
				s.setState(StateStopping)
			} else {
				s.setState(StateExecuting)
			}

		case StateStopping:
			s.shutdown()
			s.setState(StateStopped)
			return

		case StateStopped:
			return
		}
	}
}

// napSleep is the NAP state's bounded condition-variable wait, expressed
// idiomatically as a select over the shared stop channel and a timer
// (spec.md section 5: "condition-variable wait in NAP state"). It reports
// whether it was woken by a stop request rather than the timeout.
func (s *Supervisor) napSleep() bool {
	t := time.NewTimer(s.cfg.RetryNap)
	defer t.Stop()
	select {
	case <-s.Halt.ReqStop.Chan:
		return true
	case <-t.C:
		return false
	}
}

func (s *Supervisor) shutdown() {
	if err := s.mem.Close(); err != nil {
		s.log.WithError(err).Warn("session: closing session memory")
	}
}

// runIteration performs one pass of spec.md section 4.7's numbered steps.
func (s *Supervisor) runIteration(epoch int) error {
	if s.stopRequested() {
		return errShutdown
	}

	controlConn, err := s.cfg.Dial("tcp", joinHostPort(s.cfg.ControlEndpoint))
	if err != nil {
		return fmt.Errorf("session: dial control endpoint: %w", err)
	}
	client := control.NewClient(controlConn, control.ClientConfig{
		Timeout:             s.cfg.SubscribeTimeout,
		StrictFireAndForget: s.cfg.StrictFireAndForget,
	}, s.log)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubscribeTimeout)
	reply, err := client.Subscribe(ctx, s.cfg.Feed, s.cfg.Receiver)
	cancel()
	if err != nil {
		controlConn.Close()
		return fmt.Errorf("session: subscribe: %w", err)
	}
	if reply.Status == control.SubscriptionRefused {
		controlConn.Close()
		return fmt.Errorf("%w: %s", ErrSubscriptionRefused, reply.Message)
	}

	openMulticast := s.cfg.OpenMulticast
	if openMulticast == nil {
		openMulticast = s.openMulticast
	}
	mcastConn, err := openMulticast(reply.Mcast)
	if err != nil {
		controlConn.Close()
		return err
	}

	retransConn, err := s.cfg.Dial("tcp", net.JoinHostPort(reply.Mcast.SenderTCPHost, strconv.Itoa(reply.Mcast.SenderTCPPort)))
	if err != nil {
		mcastConn.Close()
		controlConn.Close()
		return fmt.Errorf("session: dial retransmission endpoint: %w", err)
	}

	prevSig, havePrev, err := s.mem.GetLastSignature()
	if err != nil {
		retransConn.Close()
		mcastConn.Close()
		controlConn.Close()
		return fmt.Errorf("%w: reading last signature: %v", errSystem, err)
	}

	// Re-request anything a crash left stranded between "detected
	// missing" and "requested" (SPEC_FULL.md section D.2).
	s.drainMissedQueue(client)

	queue := retrans.NewQueue()
	notifier := &iterationNotifier{sup: s, client: client, prevSig: prevSig, havePrev: havePrev, log: s.log}
	products := product.NewMap(notifier)
	sink := &iterationSink{sup: s, log: s.log}

	rtt := timer.NewRTT(s.cfg.RTTSeed)
	timeoutFn := func() time.Duration {
		return rtt.BoundedTimeout(s.cfg.BOPTimeoutMultiple, s.cfg.LinkBitsPerSec, s.cfg.ProductSizeHint)
	}

	bopTimer := timer.NewBOPTimer(s.cfg.Clock, s.log)
	bopTimer.OnExpire = func(index uint32) {
		products.Abort(index, product.AbortBOPTimeout)
	}
	bopTimer.Start()

	reader := mcast.NewReader(mcastConn, products, queue, sink, bopTimer, timeoutFn, s.log)
	requester := retrans.NewRequester(retransConn, queue, s.log)
	receiver := retrans.NewReceiver(retransConn, products, queue, sink, bopTimer, s.log)

	reader.Start()
	requester.Start()
	receiver.Start()

	s.facts.Bcast(Facts{Epoch: epoch, Mcast: reply.Mcast, StartedAt: time.Now()})

	iterErr := s.waitForTermination(reader, requester, receiver)

	reader.Stop()
	requester.Stop()
	receiver.Stop()
	bopTimer.Stop()
	products.DropAll(product.AbortSessionStopped)
	controlConn.Close()

	return iterErr
}

// waitForTermination blocks until any worker reports a terminal outcome
// or stop() is requested, per spec.md section 4.7 step 7.
func (s *Supervisor) waitForTermination(reader *mcast.Reader, requester *retrans.Requester, receiver *retrans.Receiver) error {
	select {
	case err := <-reader.Err:
		return err
	case err := <-requester.Err:
		return err
	case err := <-receiver.Err:
		return err
	case <-s.Halt.ReqStop.Chan:
		return errShutdown
	}
}

func (s *Supervisor) drainMissedQueue(client *control.Client) {
	for {
		idx, ok, err := s.mem.DequeueMissed()
		if err != nil {
			s.log.WithError(err).Warn("session: draining missed-product queue")
			return
		}
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubscribeTimeout)
		if err := client.RequestMissed(ctx, idx); err != nil {
			logging.WithProduct(s.log, idx).WithError(err).Warn("session: re-requesting stranded missed product")
		}
		cancel()
	}
}

func (s *Supervisor) openMulticast(info control.MulticastInfo) (net.PacketConn, error) {
	ip := net.ParseIP(info.GroupAddr)
	if ip == nil {
		return nil, fmt.Errorf("session: invalid multicast group address %q", info.GroupAddr)
	}
	group := &net.UDPAddr{IP: ip, Port: info.GroupPort}

	iface, err := s.resolveInterface(info.LocalIface)
	if err != nil {
		return nil, err
	}
	conn, err := mcast.OpenReceiver(group, iface)
	if err != nil {
		return nil, fmt.Errorf("session: opening multicast receiver: %w", err)
	}
	return conn, nil
}

func (s *Supervisor) resolveInterface(fromSender string) (*net.Interface, error) {
	name := s.cfg.LocalInterface
	if name == "" {
		name = fromSender
	}
	if name == "" {
		return nil, nil // kernel picks a default
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("session: resolving local interface %q: %w", name, err)
	}
	return iface, nil
}

func joinHostPort(ep control.Endpoint) string {
	return net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
}
