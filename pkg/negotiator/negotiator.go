package negotiator

import (
	"context"
	"time"

	"github.com/Krajiyah/ble-p2p/pkg/framer"
	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/radio"
	"github.com/Krajiyah/ble-p2p/pkg/session"
	"github.com/Krajiyah/ble-p2p/pkg/util"
	mapset "github.com/deckarep/golang-set"
	"github.com/golang-collections/go-datastructures/queue"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handler is told about the outcome of outbound attempts
type Handler interface {
	// OnSessionConnected receives the session and the values the peripheral indicates on it
	OnSessionConnected(*session.Session, <-chan []byte)
	OnConnectFailed(models.PeerIdentity, error)
}

// Config of a Negotiator
type Config struct {
	Local          models.PeerIdentity
	ConnectTimeout time.Duration
	MaxConnections int
	Retry          util.RetryPolicy
	Logger         logrus.FieldLogger
}

// ShouldInitiate tells whether local opens the connection to remote; the lower identity does
func ShouldInitiate(local, remote models.PeerIdentity) bool {
	return local.Compare(remote) < 0
}

type candidate struct {
	id   models.PeerIdentity
	rssi int
}

// Compare puts the strongest signal first
func (c candidate) Compare(other queue.Item) int {
	o := other.(candidate)
	if c.rssi > o.rssi {
		return -1
	} else if c.rssi == o.rssi {
		return 0
	}
	return 1
}

// Negotiator decides which discovered peers to connect to and drives outbound attempts
type Negotiator struct {
	config   Config
	radio    radio.Radio
	registry *session.Registry
	handler  Handler
	logger   logrus.FieldLogger

	pending  *queue.PriorityQueue
	queued   mapset.Set
	inFlight mapset.Set
	slots    chan struct{}
	wake     chan struct{}
}

func New(config Config, r radio.Radio, registry *session.Registry, handler Handler) *Negotiator {
	if config.MaxConnections < 1 {
		config.MaxConnections = 1
	}
	return &Negotiator{
		config:   config,
		radio:    r,
		registry: registry,
		handler:  handler,
		logger:   config.Logger.WithField("component", "negotiator"),
		pending:  queue.NewPriorityQueue(0),
		queued:   mapset.NewSet(),
		inFlight: mapset.NewSet(),
		slots:    make(chan struct{}, config.MaxConnections),
		wake:     make(chan struct{}, 1),
	}
}

// OnDiscovered queues a connection to the advertiser when the local side is the initiator.
// Returns true when the peer was queued.
func (n *Negotiator) OnDiscovered(a models.Advertisement) bool {
	id := a.Identity
	if !ShouldInitiate(n.config.Local, id) {
		n.logger.WithField("peer", id).Debug("Waiting for peer to connect")
		return false
	}
	if _, ok := n.registry.Get(id); ok || n.inFlight.Contains(id) {
		return false
	}
	if !n.queued.Add(id) {
		return false
	}
	if err := n.pending.Put(candidate{id, a.RSSI}); err != nil {
		n.queued.Remove(id)
		return false
	}
	select {
	case n.wake <- struct{}{}:
	default:
	}
	return true
}

// OnLost drops a queued connection to a peer that went away
func (n *Negotiator) OnLost(id models.PeerIdentity) {
	n.queued.Remove(id)
}

// Run dispatches queued peers, strongest signal first, without exceeding MaxConnections
func (n *Negotiator) Run(ctx context.Context) {
	defer n.pending.Dispose()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.wake:
		}
		for !n.pending.Empty() {
			if err := n.acquire(ctx); err != nil {
				return
			}
			items, err := n.pending.Get(1)
			if err != nil {
				n.release()
				return
			}
			c := items[0].(candidate)
			if !n.queued.Contains(c.id) {
				n.release()
				continue
			}
			n.queued.Remove(c.id)
			go n.connect(ctx, c.id)
		}
	}
}

func (n *Negotiator) acquire(ctx context.Context) error {
	select {
	case n.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Negotiator) release() { <-n.slots }

// Connect opens a session to id right away, waiting for a free connection slot first
func (n *Negotiator) Connect(ctx context.Context, id models.PeerIdentity) (*session.Session, error) {
	if err := n.acquire(ctx); err != nil {
		return nil, err
	}
	return n.connect(ctx, id)
}

// connect owns a slot; it is given back on failure or once the session ends
func (n *Negotiator) connect(ctx context.Context, id models.PeerIdentity) (*session.Session, error) {
	if id == n.config.Local {
		n.release()
		return nil, errors.New("cannot connect to self")
	}
	if !n.inFlight.Add(id) {
		n.release()
		return nil, errors.Wrapf(models.ErrDuplicateSession, "%s attempt in progress", id)
	}
	defer n.inFlight.Remove(id)
	attemptCtx, cancel := context.WithCancel(ctx)
	s, err := n.registry.Begin(id, cancel)
	if err != nil {
		cancel()
		n.release()
		return nil, err
	}
	logger := n.logger.WithField("peer", id)
	err = util.Retry(attemptCtx, n.config.Retry, "Connect", logger, func(int) error {
		return n.attempt(attemptCtx, s)
	})
	if err != nil {
		cancelled := attemptCtx.Err() != nil
		n.registry.Release(s, err)
		cancel()
		n.release()
		if cancelled {
			logger.Info("Connection attempt cancelled")
			return nil, context.Canceled
		}
		err = errors.Wrap(models.ErrConnectFailed, err.Error())
		logger.WithError(err).Warn("Giving up on peer")
		n.handler.OnConnectFailed(id, err)
		return nil, err
	}
	go func() {
		<-s.Done()
		n.release()
	}()
	return s, nil
}

// attempt is one bounded try of Connecting to Connected; failures leave the session Disconnected
func (n *Negotiator) attempt(ctx context.Context, s *session.Session) error {
	s.SetState(models.Connecting)
	dialCtx, cancel := context.WithTimeout(ctx, n.config.ConnectTimeout)
	defer cancel()
	link, err := n.radio.Connect(dialCtx, s.Identity())
	if err != nil {
		s.SetState(models.Disconnected)
		return errors.Wrap(err, "Connect issue")
	}
	values, err := link.Subscribe()
	if err == nil {
		err = link.Write(dialCtx, framer.HelloChunk(n.config.Local).Encode())
	}
	if err != nil {
		link.Disconnect()
		s.SetState(models.Disconnected)
		return errors.Wrap(err, "handshake issue")
	}
	if err := n.registry.Attach(s, link); err != nil {
		link.Disconnect()
		return util.Permanent(err)
	}
	n.handler.OnSessionConnected(s, values)
	return nil
}

// Cancel aborts a queued or running attempt to id and releases its registry entry.
// Connected sessions are left alone.
func (n *Negotiator) Cancel(id models.PeerIdentity) bool {
	wasQueued := n.queued.Contains(id)
	n.queued.Remove(id)
	s, ok := n.registry.Get(id)
	if !ok || s.Role() != models.Central {
		return wasQueued
	}
	notConnected := func(current *session.Session) bool { return current.State() != models.Connected }
	return n.registry.ReleaseIf(s, context.Canceled, notConnected) || wasQueued
}

// InFlight is the number of attempts currently running
func (n *Negotiator) InFlight() int { return n.inFlight.Cardinality() }
