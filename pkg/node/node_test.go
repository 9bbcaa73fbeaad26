package node

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/radio"
	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gotest.tools/assert"
	"gotest.tools/poll"
)

const testWait = 5 * time.Second

type received struct {
	from    models.PeerIdentity
	payload []byte
}

type testListener struct {
	mutex        sync.Mutex
	connected    map[models.PeerIdentity]models.Role
	disconnected []models.PeerIdentity
	messages     []received
	discarded    []error
}

func newTestListener() *testListener {
	return &testListener{connected: map[models.PeerIdentity]models.Role{}}
}

func (l *testListener) OnConnected(id models.PeerIdentity, role models.Role) {
	l.mutex.Lock()
	l.connected[id] = role
	l.mutex.Unlock()
}

func (l *testListener) OnDisconnected(id models.PeerIdentity) {
	l.mutex.Lock()
	delete(l.connected, id)
	l.disconnected = append(l.disconnected, id)
	l.mutex.Unlock()
}

func (l *testListener) OnConnectFailed(models.PeerIdentity, error) {}

func (l *testListener) OnMessageReceived(id models.PeerIdentity, b []byte) {
	l.mutex.Lock()
	l.messages = append(l.messages, received{id, b})
	l.mutex.Unlock()
}

func (l *testListener) OnMessageDiscarded(_ models.PeerIdentity, err error) {
	l.mutex.Lock()
	l.discarded = append(l.discarded, err)
	l.mutex.Unlock()
}

func (l *testListener) OnInternalError(error) {}

func (l *testListener) role(id models.PeerIdentity) (models.Role, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	r, ok := l.connected[id]
	return r, ok
}

func (l *testListener) received() []received {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]received(nil), l.messages...)
}

func (l *testListener) disconnects() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.disconnected)
}

func identityOf(b byte) models.PeerIdentity {
	var id models.PeerIdentity
	id[models.PeerIdentitySize-1] = b
	return id
}

func testConfig(id models.PeerIdentity) Config {
	c := DefaultConfig()
	c.Identity = id
	c.AdvertiseInterval = 10 * time.Millisecond
	c.DiscoveryTimeout = 2 * time.Second
	c.ConnectTimeout = 500 * time.Millisecond
	c.HandshakeTimeout = 500 * time.Millisecond
	c.Retry = util.RetryPolicy{MaxAttempts: 3, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, Multiplier: 2}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	c.Logger = l
	return c
}

type testNode struct {
	*Node
	listener *testListener
	radio    *radio.AirRadio
}

func startNode(t *testing.T, air *radio.Air, config Config) *testNode {
	r := air.NewRadio(config.Identity)
	l := newTestListener()
	n, err := New(config, r, l)
	assert.NilError(t, err)
	assert.NilError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Stop() })
	return &testNode{n, l, r}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if cond() {
			return poll.Success()
		}
		return poll.Continue(desc)
	}, poll.WithTimeout(testWait), poll.WithDelay(10*time.Millisecond))
}

func waitConnected(t *testing.T, n *testNode, peers ...*testNode) {
	t.Helper()
	waitFor(t, "sessions connected", func() bool {
		for _, p := range peers {
			if _, ok := n.listener.role(p.Identity()); !ok {
				return false
			}
		}
		return true
	})
}

func assertReceived(t *testing.T, r received, from models.PeerIdentity, payload string) {
	t.Helper()
	assert.Equal(t, r.from, from)
	assert.Equal(t, string(r.payload), payload)
}

func TestConfigValidate(t *testing.T) {
	c := DefaultConfig()
	assert.NilError(t, c.Validate())

	c.Identity = models.ZeroIdentity
	assert.ErrorContains(t, c.Validate(), "identity")

	c = DefaultConfig()
	c.ServiceUUID = "nope"
	assert.ErrorContains(t, c.Validate(), "invalid service uuid")

	c = DefaultConfig()
	c.ConnectTimeout = 0
	assert.ErrorContains(t, c.Validate(), "connect timeout must be positive")

	c = DefaultConfig()
	c.MaxConnections = 0
	assert.ErrorContains(t, c.Validate(), "max connections")

	c = DefaultConfig()
	c.Retry.MaxAttempts = 0
	_, err := New(c, radio.NewAir(radio.DefaultAirConfig()).NewRadio(c.Identity), nil)
	assert.ErrorContains(t, err, "invalid config")
}

func TestSendMessageBothDirections(t *testing.T) {
	air := radio.NewAir(radio.DefaultAirConfig())
	low := startNode(t, air, testConfig(identityOf(1)))
	high := startNode(t, air, testConfig(identityOf(5)))
	waitConnected(t, low, high)
	waitConnected(t, high, low)

	role, _ := low.listener.role(high.Identity())
	assert.Equal(t, role, models.Central)
	role, _ = high.listener.role(low.Identity())
	assert.Equal(t, role, models.Peripheral)
	assert.Equal(t, low.radio.Connects(), 1)
	assert.Equal(t, high.radio.Connects(), 0)

	ctx := context.Background()
	assert.NilError(t, low.SendMessage(ctx, high.Identity(), []byte("ping")))
	assert.NilError(t, high.SendMessage(ctx, low.Identity(), []byte("pong")))
	waitFor(t, "ping", func() bool { return len(high.listener.received()) == 1 })
	waitFor(t, "pong", func() bool { return len(low.listener.received()) == 1 })
	assertReceived(t, high.listener.received()[0], low.Identity(), "ping")
	assertReceived(t, low.listener.received()[0], high.Identity(), "pong")

	infos := low.Sessions()
	assert.Equal(t, len(infos), 1)
	assert.Equal(t, infos[0].Identity, high.Identity())
	assert.Equal(t, infos[0].State, models.Connected)
}

func TestLargeMessage(t *testing.T) {
	air := radio.NewAir(radio.DefaultAirConfig())
	low := startNode(t, air, testConfig(identityOf(1)))
	high := startNode(t, air, testConfig(identityOf(5)))

	expected := make([]byte, 100*1024)
	rand.Read(expected)
	assert.NilError(t, low.SendMessage(context.Background(), high.Identity(), expected))
	waitFor(t, "large message", func() bool { return len(high.listener.received()) == 1 })
	assert.Assert(t, bytes.Equal(high.listener.received()[0].payload, expected))

	err := low.SendMessage(context.Background(), high.Identity(), make([]byte, util.MaxMessageSize+1))
	assert.Equal(t, errors.Cause(err), models.ErrMessageTooLarge)
}

func TestMessageOfExactlyMaxSize(t *testing.T) {
	air := radio.NewAir(radio.DefaultAirConfig())
	lowConfig, highConfig := testConfig(identityOf(1)), testConfig(identityOf(5))
	lowConfig.MaxMessageSize, highConfig.MaxMessageSize = 8*1024, 8*1024
	low := startNode(t, air, lowConfig)
	high := startNode(t, air, highConfig)

	expected := make([]byte, lowConfig.MaxMessageSize)
	rand.Read(expected)
	assert.NilError(t, low.SendMessage(context.Background(), high.Identity(), expected))
	waitFor(t, "message of max size", func() bool { return len(high.listener.received()) == 1 })
	assert.Assert(t, bytes.Equal(high.listener.received()[0].payload, expected))
}

func TestHigherIdentityWaitsForInbound(t *testing.T) {
	air := radio.NewAir(radio.DefaultAirConfig())
	config := testConfig(identityOf(5))
	config.ConnectTimeout = time.Second
	high := startNode(t, air, config)

	err := high.SendMessage(context.Background(), identityOf(1), []byte("anyone?"))
	assert.Equal(t, errors.Cause(err), models.ErrNotConnected)
	assert.Equal(t, high.radio.Connects(), 0)

	done := make(chan error, 1)
	go func() { done <- high.SendMessage(context.Background(), identityOf(1), []byte("hi")) }()
	low := startNode(t, air, testConfig(identityOf(1)))
	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(testWait):
		t.Fatal("send never completed")
	}
	waitFor(t, "hi", func() bool { return len(low.listener.received()) == 1 })
	assert.Equal(t, high.radio.Connects(), 0)
}

func TestBroadcastDeliveredOncePerNode(t *testing.T) {
	air := radio.NewAir(radio.DefaultAirConfig())
	nodes := []*testNode{
		startNode(t, air, testConfig(identityOf(1))),
		startNode(t, air, testConfig(identityOf(2))),
		startNode(t, air, testConfig(identityOf(3))),
	}
	for i, n := range nodes {
		others := []*testNode{}
		for j, o := range nodes {
			if i != j {
				others = append(others, o)
			}
		}
		waitConnected(t, n, others...)
	}

	assert.NilError(t, nodes[0].Broadcast(context.Background(), []byte("hello all")))
	for _, n := range nodes[1:] {
		n := n
		waitFor(t, "broadcast", func() bool { return len(n.listener.received()) >= 1 })
	}
	// relays must have settled before counting
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, len(nodes[0].listener.received()), 0)
	for _, n := range nodes[1:] {
		got := n.listener.received()
		assert.Equal(t, len(got), 1)
		assertReceived(t, got[0], nodes[0].Identity(), "hello all")
	}
}

func TestBroadcastWithoutPeers(t *testing.T) {
	air := radio.NewAir(radio.DefaultAirConfig())
	n := startNode(t, air, testConfig(identityOf(1)))
	err := n.Broadcast(context.Background(), []byte("x"))
	assert.Equal(t, errors.Cause(err), models.ErrNotConnected)
}

func TestIdleSessionsArePruned(t *testing.T) {
	air := radio.NewAir(radio.DefaultAirConfig())
	config := testConfig(identityOf(1))
	config.IdleTimeout = 200 * time.Millisecond
	low := startNode(t, air, config)
	high := startNode(t, air, testConfig(identityOf(5)))
	waitConnected(t, low, high)

	waitFor(t, "pruned", func() bool { return low.listener.disconnects() == 1 })
	waitFor(t, "peer saw disconnect", func() bool { return high.listener.disconnects() == 1 })
	assert.Equal(t, len(low.Sessions()), 0)
	assert.Equal(t, len(high.Sessions()), 0)
	assert.Equal(t, air.Disconnects(), 1)
}

func TestStop(t *testing.T) {
	air := radio.NewAir(radio.DefaultAirConfig())
	low := startNode(t, air, testConfig(identityOf(1)))
	high := startNode(t, air, testConfig(identityOf(5)))
	waitConnected(t, high, low)

	assert.NilError(t, low.Stop())
	assert.Equal(t, low.listener.disconnects(), 1)
	assert.Equal(t, len(low.Sessions()), 0)
	waitFor(t, "peer saw disconnect", func() bool { return high.listener.disconnects() == 1 })

	_, open := <-low.DiscoverPeers()
	for open {
		_, open = <-low.DiscoverPeers()
	}
	assert.Equal(t, errors.Cause(low.SendMessage(context.Background(), high.Identity(), []byte("x"))), models.ErrStopped)
	assert.Equal(t, low.Start(context.Background()), models.ErrStopped)
	assert.NilError(t, low.Stop())
}

func TestDiscoverPeers(t *testing.T) {
	air := radio.NewAir(radio.DefaultAirConfig())
	a := startNode(t, air, testConfig(identityOf(1)))
	b := startNode(t, air, testConfig(identityOf(5)))
	select {
	case e := <-a.DiscoverPeers():
		assert.Equal(t, e.Kind, models.PeerDiscovered)
		assert.Equal(t, e.Advertisement.Identity, b.Identity())
	case <-time.After(testWait):
		t.Fatal("nothing discovered")
	}
}

func TestAdvertiseFailureIsFatal(t *testing.T) {
	air := radio.NewAir(radio.DefaultAirConfig())
	config := testConfig(identityOf(1))
	r := air.NewRadio(config.Identity)
	r.SetAdvertiseFault(func() error { return models.ErrRadioUnavailable })
	n, err := New(config, r, nil)
	assert.NilError(t, err)
	err = n.Start(context.Background())
	assert.Equal(t, errors.Cause(err), models.ErrAdvertiseFailed)
	assert.NilError(t, n.Stop())
}

func TestSeenCacheEvictsOldest(t *testing.T) {
	c := newSeenCache(2)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	assert.Assert(t, c.Add(ids[0]))
	assert.Assert(t, !c.Add(ids[0]))
	assert.Assert(t, c.Add(ids[1]))
	assert.Assert(t, c.Add(ids[2]))
	assert.Equal(t, c.Len(), 2)
	assert.Assert(t, c.Add(ids[0]))
	assert.Assert(t, !c.Add(ids[2]))
}
