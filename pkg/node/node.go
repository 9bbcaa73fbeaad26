package node

import (
	"context"
	"sync"
	"time"

	"github.com/Krajiyah/ble-p2p/pkg/advertiser"
	"github.com/Krajiyah/ble-p2p/pkg/framer"
	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/negotiator"
	"github.com/Krajiyah/ble-p2p/pkg/radio"
	"github.com/Krajiyah/ble-p2p/pkg/scanner"
	"github.com/Krajiyah/ble-p2p/pkg/session"
	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	eventBufferSize = 64
	minPruneEvery   = 10 * time.Millisecond
)

// Node discovers peers, keeps sessions with them and exchanges messages over those sessions
type Node struct {
	config   Config
	radio    *radio.Queue
	listener models.NodeListener
	logger   logrus.FieldLogger

	registry   *session.Registry
	advertiser *advertiser.Advertiser
	scanner    *scanner.Scanner
	negotiator *negotiator.Negotiator
	seen       *seenCache
	events     chan models.DiscoveryEvent

	mutex   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	changed chan struct{}
	wg      sync.WaitGroup
}

// New builds a node on top of r. Nothing happens on the air until Start.
func New(config Config, r radio.Radio, listener models.NodeListener) (*Node, error) {
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if listener == nil {
		listener = models.NopListener{}
	}
	n := &Node{
		config:   config,
		radio:    radio.NewQueue(r),
		listener: listener,
		logger:   config.Logger.WithFields(logrus.Fields{"component": "node", "identity": config.Identity}),
		seen:     newSeenCache(util.SeenMessagesLimit),
		events:   make(chan models.DiscoveryEvent, eventBufferSize),
		changed:  make(chan struct{}),
	}
	n.registry = session.NewRegistry(session.Config{
		IdleTimeout:         config.IdleTimeout,
		ReassemblyTimeout:   config.ReassemblyTimeout,
		MaxMessageSize:      config.MaxMessageSize + models.MessageOverhead,
		OnReassemblyTimeout: n.onReassemblyTimeout,
		OnRelease:           n.onRelease,
		Logger:              config.Logger,
	})
	packet := models.AdvertisingPacket{
		Identity:    config.Identity,
		ServiceUUID: config.ServiceUUID,
		Interval:    config.AdvertiseInterval,
	}
	n.advertiser = advertiser.New(n.radio, packet, config.Retry, config.Logger)
	n.scanner = scanner.New(n.radio, config.ServiceUUID, config.DiscoveryTimeout, config.Retry, config.Logger)
	n.negotiator = negotiator.New(negotiator.Config{
		Local:          config.Identity,
		ConnectTimeout: config.ConnectTimeout,
		MaxConnections: config.MaxConnections,
		Retry:          config.Retry,
		Logger:         config.Logger,
	}, n.radio, n.registry, outbound{n})
	return n, nil
}

func (n *Node) Identity() models.PeerIdentity { return n.config.Identity }

// DiscoverPeers streams discovery events; closed once the node stops. Events are dropped
// while nobody is reading.
func (n *Node) DiscoverPeers() <-chan models.DiscoveryEvent { return n.events }

// Sessions returns the current sessions ordered by peer identity
func (n *Node) Sessions() []session.Info { return n.registry.Snapshot() }

// Start advertises, scans and accepts connections until ctx is done or Stop is called.
// Failing to advertise is fatal.
func (n *Node) Start(ctx context.Context) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.stopped {
		return models.ErrStopped
	}
	if n.ctx != nil {
		return errors.New("node already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := n.advertiser.Start(runCtx); err != nil {
		cancel()
		return err
	}
	events, err := n.scanner.Start(runCtx)
	if err != nil {
		cancel()
		n.advertiser.Stop()
		return errors.Wrap(err, "scanner issue")
	}
	n.ctx, n.cancel = runCtx, cancel
	n.wg.Add(4)
	go func() {
		defer n.wg.Done()
		n.negotiator.Run(runCtx)
	}()
	go n.discoveryLoop(events)
	go n.acceptLoop(runCtx)
	go n.pruneLoop(runCtx)
	n.logger.Info("Started")
	return nil
}

// Stop releases every session and closes the radio
func (n *Node) Stop() error {
	n.mutex.Lock()
	if n.stopped {
		n.mutex.Unlock()
		return nil
	}
	n.stopped = true
	cancel := n.cancel
	n.mutex.Unlock()
	if cancel != nil {
		cancel()
	}
	var result error
	if err := n.advertiser.Stop(); err != nil {
		result = err
	}
	n.registry.Close(models.ErrStopped)
	if err := n.radio.Close(); err != nil && result == nil {
		result = errors.Wrap(err, "radio Close issue")
	}
	n.wg.Wait()
	if cancel == nil {
		close(n.events)
	}
	n.logger.Info("Stopped")
	return result
}

func (n *Node) runContext() (context.Context, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.stopped || n.ctx == nil {
		return nil, models.ErrStopped
	}
	return n.ctx, nil
}

// changes returns a channel closed at the next session change
func (n *Node) changes() <-chan struct{} {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.changed
}

func (n *Node) notify() {
	n.mutex.Lock()
	close(n.changed)
	n.changed = make(chan struct{})
	n.mutex.Unlock()
}

func (n *Node) discoveryLoop(events <-chan models.DiscoveryEvent) {
	defer n.wg.Done()
	defer close(n.events)
	for e := range events {
		switch e.Kind {
		case models.PeerDiscovered:
			n.negotiator.OnDiscovered(e.Advertisement)
		case models.PeerLost:
			n.negotiator.OnLost(e.Advertisement.Identity)
		}
		select {
		case n.events <- e:
		default:
			n.logger.WithField("peer", e.Advertisement.Identity).Debug("Discovery event dropped")
		}
	}
}

func (n *Node) acceptLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case link, ok := <-n.radio.Incoming():
			if !ok {
				return
			}
			go n.handshake(ctx, link)
		}
	}
}

// handshake waits for the hello chunk identifying the central that opened link
func (n *Node) handshake(ctx context.Context, link radio.Link) {
	logger := n.logger.WithField("addr", link.RemoteAddr())
	values, err := link.Subscribe()
	if err != nil {
		logger.WithError(err).Warn("Subscribe issue")
		link.Disconnect()
		return
	}
	timer := time.NewTimer(n.config.HandshakeTimeout)
	defer timer.Stop()
	var id models.PeerIdentity
	select {
	case <-ctx.Done():
		link.Disconnect()
		return
	case <-timer.C:
		logger.Warn("No hello from central")
		link.Disconnect()
		return
	case b, ok := <-values:
		if !ok {
			return
		}
		id, err = helloIdentity(b)
		if err != nil {
			logger.WithError(err).Warn("Bad hello from central")
			n.listener.OnInternalError(err)
			link.Disconnect()
			return
		}
	}
	s, err := n.registry.Accept(id, link)
	if err != nil {
		logger.WithError(err).WithField("peer", id).Warn("Rejecting inbound connection")
		link.Disconnect()
		return
	}
	n.listener.OnConnected(id, models.Peripheral)
	n.notify()
	n.read(ctx, s, values)
}

func helloIdentity(b []byte) (models.PeerIdentity, error) {
	c, err := framer.DecodeChunk(b)
	if err != nil {
		return models.ZeroIdentity, err
	}
	if c.Kind != framer.Hello {
		return models.ZeroIdentity, errors.Wrapf(models.ErrMalformedChunk, "expected hello, got kind %d", c.Kind)
	}
	return models.PeerIdentityFromBytes(c.Payload)
}

// read feeds the values of one session through reassembly until the session ends
func (n *Node) read(ctx context.Context, s *session.Session, values <-chan []byte) {
	reason := models.ErrDisconnected
	defer func() { n.registry.Release(s, reason) }()
	for {
		select {
		case <-ctx.Done():
			reason = models.ErrStopped
			return
		case <-s.Done():
			return
		case b, ok := <-values:
			if !ok {
				return
			}
			_, payload, err := s.Receive(b)
			if err != nil {
				n.logger.WithError(err).WithField("peer", s.Identity()).Warn("Discarding chunk")
				n.listener.OnMessageDiscarded(s.Identity(), err)
				continue
			}
			if payload != nil {
				n.handle(ctx, s.Identity(), payload)
			}
		}
	}
}

// handle delivers a reassembled message and floods broadcasts onwards
func (n *Node) handle(ctx context.Context, from models.PeerIdentity, payload []byte) {
	logger := n.logger.WithField("peer", from)
	m, err := models.GetMessageFromBytes(payload, n.config.MaxMessageSize)
	if err != nil {
		logger.WithError(err).Warn("Undecodable message")
		n.listener.OnMessageDiscarded(from, err)
		return
	}
	if !n.seen.Add(m.ID) || m.Source == n.config.Identity {
		logger.WithField("id", m.ID).Debug("Duplicate message")
		return
	}
	if !m.IsBroadcast() && m.Destination != n.config.Identity {
		logger.WithFields(logrus.Fields{"id": m.ID, "destination": m.Destination}).Debug("Message for another peer")
		return
	}
	n.listener.OnMessageReceived(m.Source, m.Payload)
	if m.IsBroadcast() && m.TimeToLive > 0 {
		go n.relay(ctx, m.Relayed(), from, m.Source)
	}
}

func (n *Node) relay(ctx context.Context, m *models.Message, exclude ...models.PeerIdentity) {
	data, err := m.Data()
	if err != nil {
		n.listener.OnInternalError(err)
		return
	}
	targets := n.targets(exclude...)
	if len(targets) == 0 {
		return
	}
	n.logger.WithFields(logrus.Fields{"id": m.ID, "ttl": m.TimeToLive, "targets": len(targets)}).Debug("Relaying broadcast")
	for _, err := range n.sendAll(ctx, targets, data) {
		n.listener.OnInternalError(errors.Wrap(err, "relay issue"))
	}
}

func (n *Node) targets(exclude ...models.PeerIdentity) []*session.Session {
	ret := []*session.Session{}
	for _, s := range n.registry.Connected() {
		skip := false
		for _, id := range exclude {
			if s.Identity() == id {
				skip = true
			}
		}
		if !skip {
			ret = append(ret, s)
		}
	}
	return ret
}

// sendAll sends data on every session concurrently and returns the failures
func (n *Node) sendAll(ctx context.Context, sessions []*session.Session, data []byte) []error {
	var wg sync.WaitGroup
	var mutex sync.Mutex
	errs := []error{}
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			if err := n.sendTo(ctx, s, data); err != nil {
				mutex.Lock()
				errs = append(errs, errors.Wrapf(err, "send to %s", s.Identity()))
				mutex.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errs
}

// sendTo releases the session when a transfer breaks off halfway
func (n *Node) sendTo(ctx context.Context, s *session.Session, data []byte) error {
	err := s.Send(ctx, data)
	if err == nil {
		return nil
	}
	switch errors.Cause(err) {
	case models.ErrMessageTooLarge, models.ErrNotConnected:
	default:
		n.registry.Release(s, err)
	}
	return err
}

// SendMessage delivers payload to peer, opening a session first when the local side is the initiator.
// Otherwise it waits up to the connect timeout for peer to connect.
func (n *Node) SendMessage(ctx context.Context, peer models.PeerIdentity, payload []byte) error {
	if _, err := n.runContext(); err != nil {
		return err
	}
	if peer == n.config.Identity {
		return errors.New("cannot send to self")
	}
	if len(payload) > n.config.MaxMessageSize {
		return errors.Wrapf(models.ErrMessageTooLarge, "%d bytes", len(payload))
	}
	s, err := n.session(ctx, peer)
	if err != nil {
		return err
	}
	m := models.NewMessage(n.config.Identity, peer, payload)
	m.TimeToLive = 0
	data, err := m.Data()
	if err != nil {
		return err
	}
	return n.sendTo(ctx, s, data)
}

// Broadcast sends payload to every connected peer, which floods it further.
// It fails only when no peer could be reached.
func (n *Node) Broadcast(ctx context.Context, payload []byte) error {
	if _, err := n.runContext(); err != nil {
		return err
	}
	if len(payload) > n.config.MaxMessageSize {
		return errors.Wrapf(models.ErrMessageTooLarge, "%d bytes", len(payload))
	}
	m := models.NewMessage(n.config.Identity, models.ZeroIdentity, payload)
	m.TimeToLive = n.config.TimeToLive
	n.seen.Add(m.ID)
	data, err := m.Data()
	if err != nil {
		return err
	}
	targets := n.targets()
	if len(targets) == 0 {
		return errors.Wrap(models.ErrNotConnected, "no connected peers")
	}
	errs := n.sendAll(ctx, targets, data)
	for _, err := range errs {
		n.logger.WithError(err).Warn("Broadcast issue")
	}
	if len(errs) == len(targets) {
		return errs[0]
	}
	return nil
}

func (n *Node) session(ctx context.Context, peer models.PeerIdentity) (*session.Session, error) {
	timeout := n.config.ConnectTimeout
	if negotiator.ShouldInitiate(n.config.Identity, peer) {
		if _, ok := n.registry.Get(peer); !ok {
			s, err := n.negotiator.Connect(ctx, peer)
			if err == nil {
				return s, nil
			}
			if errors.Cause(err) != models.ErrDuplicateSession {
				return nil, err
			}
		}
		// an attempt is already running; it may spend its whole retry budget
		timeout *= time.Duration(n.config.Retry.MaxAttempts)
	}
	return n.awaitSession(ctx, peer, timeout)
}

func (n *Node) awaitSession(ctx context.Context, peer models.PeerIdentity, timeout time.Duration) (*session.Session, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		changed := n.changes()
		if s, ok := n.registry.Get(peer); ok && s.State() == models.Connected {
			return s, nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil, errors.Wrapf(models.ErrNotConnected, "no session with %s", peer)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (n *Node) pruneLoop(ctx context.Context) {
	defer n.wg.Done()
	every := n.config.IdleTimeout / 4
	if every < minPruneEvery {
		every = minPruneEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range n.registry.Prune(now) {
				n.logger.WithField("peer", id).Info("Pruned idle session")
			}
		}
	}
}

func (n *Node) onRelease(s *session.Session, reason error) {
	select {
	case <-s.Ready():
		n.listener.OnDisconnected(s.Identity())
	default:
	}
	n.notify()
}

func (n *Node) onReassemblyTimeout(id models.PeerIdentity, err error) {
	n.logger.WithError(err).WithField("peer", id).Warn("Discarding partial message")
	n.listener.OnMessageDiscarded(id, err)
}

// outbound receives the negotiator's results
type outbound struct{ n *Node }

func (o outbound) OnSessionConnected(s *session.Session, values <-chan []byte) {
	ctx, err := o.n.runContext()
	if err != nil {
		o.n.registry.Release(s, err)
		return
	}
	o.n.listener.OnConnected(s.Identity(), models.Central)
	o.n.notify()
	go o.n.read(ctx, s, values)
}

func (o outbound) OnConnectFailed(id models.PeerIdentity, err error) {
	o.n.listener.OnConnectFailed(id, err)
	o.n.notify()
}
