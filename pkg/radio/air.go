package radio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/pkg/errors"
)

const (
	scanBufferSize     = 64
	incomingBufferSize = 16
	linkBufferSize     = 256
)

// AirConfig controls the simulated medium
type AirConfig struct {
	MTU          int
	BaseRSSI     int
	ConnectDelay time.Duration
}

// DefaultAirConfig returns a perfectly reliable medium
func DefaultAirConfig() AirConfig {
	return AirConfig{MTU: util.MTU, BaseRSSI: -50}
}

// Air is an in-memory medium shared by simulated radios
type Air struct {
	config      AirConfig
	mutex       sync.Mutex
	radios      map[models.PeerIdentity]*AirRadio
	rssi        map[[2]models.PeerIdentity]int
	disconnects int
}

func NewAir(config AirConfig) *Air {
	if config.MTU < util.MinMTU {
		config.MTU = util.MinMTU
	}
	return &Air{
		config: config,
		radios: map[models.PeerIdentity]*AirRadio{},
		rssi:   map[[2]models.PeerIdentity]int{},
	}
}

// NewRadio attaches a radio with the given identity to the medium
func (a *Air) NewRadio(id models.PeerIdentity) *AirRadio {
	r := &AirRadio{
		air:      a,
		id:       id,
		addr:     addrOf(id),
		incoming: make(chan Link, incomingBufferSize),
		links:    map[*memLink]struct{}{},
		scans:    map[*scanSub]struct{}{},
	}
	a.mutex.Lock()
	a.radios[id] = r
	a.mutex.Unlock()
	return r
}

// SetRSSI sets the signal strength of from's advertisements as heard by to
func (a *Air) SetRSSI(from, to models.PeerIdentity, rssi int) {
	a.mutex.Lock()
	a.rssi[[2]models.PeerIdentity{from, to}] = rssi
	a.mutex.Unlock()
}

// Disconnects counts links torn down on the medium
func (a *Air) Disconnects() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.disconnects
}

func (a *Air) signal(from, to models.PeerIdentity) int {
	if v, ok := a.rssi[[2]models.PeerIdentity{from, to}]; ok {
		return v
	}
	return a.config.BaseRSSI
}

func (a *Air) radio(id models.PeerIdentity) (*AirRadio, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	r, ok := a.radios[id]
	return r, ok
}

func (a *Air) broadcast(from *AirRadio, p models.AdvertisingPacket) {
	a.mutex.Lock()
	targets := make([]*AirRadio, 0, len(a.radios))
	rssi := map[*AirRadio]int{}
	for id, r := range a.radios {
		if id == from.id {
			continue
		}
		targets = append(targets, r)
		rssi[r] = a.signal(from.id, id)
	}
	a.mutex.Unlock()
	now := time.Now()
	for _, r := range targets {
		r.hear(models.Advertisement{
			Identity:    p.Identity,
			ServiceUUID: p.ServiceUUID,
			Addr:        from.addr,
			RSSI:        rssi[r],
			Timestamp:   now,
		})
	}
}

func (a *Air) countDisconnect() {
	a.mutex.Lock()
	a.disconnects++
	a.mutex.Unlock()
}

func addrOf(id models.PeerIdentity) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", id[10], id[11], id[12], id[13], id[14], id[15])
}

type scanSub struct {
	serviceUUID string
	mutex       sync.Mutex
	ch          chan models.Advertisement
	closed      bool
}

func (s *scanSub) send(a models.Advertisement) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed || !util.AddrEqualAddr(s.serviceUUID, a.ServiceUUID) {
		return
	}
	select {
	case s.ch <- a:
	default:
	}
}

func (s *scanSub) close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// AirRadio is a Radio living on an Air
type AirRadio struct {
	air      *Air
	id       models.PeerIdentity
	addr     string
	incoming chan Link

	mutex         sync.Mutex
	advertising   *models.AdvertisingPacket
	stopAdvertise context.CancelFunc
	scans         map[*scanSub]struct{}
	links         map[*memLink]struct{}
	closed        bool

	advertiseFault func() error
	connectFault   func(models.PeerIdentity) error
	writeFault     func([]byte) error
	connects       int
}

// Addr is the simulated hardware address
func (r *AirRadio) Addr() string { return r.addr }

// SetAdvertiseFault makes StartAdvertising return the error fn returns, if any
func (r *AirRadio) SetAdvertiseFault(fn func() error) {
	r.mutex.Lock()
	r.advertiseFault = fn
	r.mutex.Unlock()
}

// SetConnectFault makes Connect return the error fn returns, if any
func (r *AirRadio) SetConnectFault(fn func(models.PeerIdentity) error) {
	r.mutex.Lock()
	r.connectFault = fn
	r.mutex.Unlock()
}

// SetWriteFault makes writes on links opened by this radio fail when fn returns an error
func (r *AirRadio) SetWriteFault(fn func([]byte) error) {
	r.mutex.Lock()
	r.writeFault = fn
	r.mutex.Unlock()
}

// Connects counts Connect calls
func (r *AirRadio) Connects() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.connects
}

// IsAdvertising reports whether the radio is currently broadcasting
func (r *AirRadio) IsAdvertising() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.advertising != nil
}

// InterruptScans closes every open scan stream as if the platform had stopped scanning
func (r *AirRadio) InterruptScans() {
	r.mutex.Lock()
	subs := make([]*scanSub, 0, len(r.scans))
	for s := range r.scans {
		subs = append(subs, s)
		delete(r.scans, s)
	}
	r.mutex.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (r *AirRadio) hear(a models.Advertisement) {
	r.mutex.Lock()
	subs := make([]*scanSub, 0, len(r.scans))
	for s := range r.scans {
		subs = append(subs, s)
	}
	r.mutex.Unlock()
	for _, s := range subs {
		s.send(a)
	}
}

func (r *AirRadio) StartAdvertising(ctx context.Context, p models.AdvertisingPacket) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		return models.ErrStopped
	}
	if r.advertiseFault != nil {
		if err := r.advertiseFault(); err != nil {
			return err
		}
	}
	if r.stopAdvertise != nil {
		r.stopAdvertise()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = util.AdvertiseInterval
	}
	advCtx, cancel := context.WithCancel(context.Background())
	r.advertising = &p
	r.stopAdvertise = cancel
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			r.air.broadcast(r, p)
			select {
			case <-advCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (r *AirRadio) StopAdvertising() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.stopAdvertise != nil {
		r.stopAdvertise()
		r.stopAdvertise = nil
	}
	r.advertising = nil
	return nil
}

func (r *AirRadio) StartScanning(ctx context.Context, serviceUUID string) (<-chan models.Advertisement, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		return nil, models.ErrStopped
	}
	s := &scanSub{serviceUUID: serviceUUID, ch: make(chan models.Advertisement, scanBufferSize)}
	r.scans[s] = struct{}{}
	go func() {
		<-ctx.Done()
		r.mutex.Lock()
		delete(r.scans, s)
		r.mutex.Unlock()
		s.close()
	}()
	return s.ch, nil
}

func (r *AirRadio) Connect(ctx context.Context, id models.PeerIdentity) (Link, error) {
	r.mutex.Lock()
	r.connects++
	closed := r.closed
	fault := r.connectFault
	writeFault := r.writeFault
	r.mutex.Unlock()
	if closed {
		return nil, models.ErrStopped
	}
	if d := r.air.config.ConnectDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if fault != nil {
		if err := fault(id); err != nil {
			return nil, err
		}
	}
	target, ok := r.air.radio(id)
	if !ok || target == r || !target.IsAdvertising() {
		return nil, errors.Wrapf(models.ErrUnknownPeer, "%s is not advertising", id)
	}
	central, peripheral := newLinkPair(r.air, r.addr, target.addr)
	central.writeFault = writeFault
	if err := target.accept(ctx, peripheral); err != nil {
		central.Disconnect()
		return nil, err
	}
	r.track(central)
	return central, nil
}

func (r *AirRadio) accept(ctx context.Context, l *memLink) error {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return models.ErrStopped
	}
	r.mutex.Unlock()
	select {
	case r.incoming <- l:
		r.track(l)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *AirRadio) track(l *memLink) {
	r.mutex.Lock()
	r.links[l] = struct{}{}
	r.mutex.Unlock()
	go func() {
		<-l.Disconnected()
		r.mutex.Lock()
		delete(r.links, l)
		r.mutex.Unlock()
	}()
}

func (r *AirRadio) Incoming() <-chan Link { return r.incoming }

// Close stops advertising and scanning, tears down links and detaches from the medium
func (r *AirRadio) Close() error {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil
	}
	r.closed = true
	links := make([]*memLink, 0, len(r.links))
	for l := range r.links {
		links = append(links, l)
	}
	r.mutex.Unlock()
	r.StopAdvertising()
	r.InterruptScans()
	for _, l := range links {
		l.Disconnect()
	}
	r.air.mutex.Lock()
	delete(r.air.radios, r.id)
	r.air.mutex.Unlock()
	return nil
}

type pipe struct {
	air       *Air
	done      chan struct{}
	closeOnce sync.Once
}

func (p *pipe) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.air.countDisconnect()
	})
}

type memLink struct {
	pipe       *pipe
	remote     string
	mtu        int
	in         chan []byte
	peer       *memLink
	writeFault func([]byte) error

	subscribeOnce sync.Once
	out           chan []byte
}

func newLinkPair(air *Air, centralAddr, peripheralAddr string) (*memLink, *memLink) {
	p := &pipe{air: air, done: make(chan struct{})}
	c := &memLink{pipe: p, remote: peripheralAddr, mtu: air.config.MTU, in: make(chan []byte, linkBufferSize)}
	s := &memLink{pipe: p, remote: centralAddr, mtu: air.config.MTU, in: make(chan []byte, linkBufferSize)}
	c.peer, s.peer = s, c
	return c, s
}

func (l *memLink) RemoteAddr() string { return l.remote }
func (l *memLink) MTU() int           { return l.mtu }

func (l *memLink) Write(ctx context.Context, b []byte) error {
	if len(b) > l.mtu-util.ATTWriteOverhead {
		return errors.Errorf("value of %d bytes exceeds mtu %d", len(b), l.mtu)
	}
	if l.writeFault != nil {
		if err := l.writeFault(b); err != nil {
			return err
		}
	}
	select {
	case <-l.pipe.done:
		return models.ErrDisconnected
	default:
	}
	cp := append([]byte(nil), b...)
	select {
	case l.peer.in <- cp:
		return nil
	case <-l.pipe.done:
		return models.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *memLink) Subscribe() (<-chan []byte, error) {
	l.subscribeOnce.Do(func() {
		l.out = make(chan []byte)
		go func() {
			defer close(l.out)
			for {
				select {
				case b := <-l.in:
					select {
					case l.out <- b:
					case <-l.pipe.done:
						return
					}
				case <-l.pipe.done:
					return
				}
			}
		}()
	})
	return l.out, nil
}

func (l *memLink) Disconnect() error {
	l.pipe.close()
	return nil
}

func (l *memLink) Disconnected() <-chan struct{} { return l.pipe.done }
