package ble

import (
	"context"
	"sync"
	"time"

	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/radio"
	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// a failing HCI advertise call returns well within this window
	advertiseSettle  = 200 * time.Millisecond
	scanBufferSize   = 64
	incomingBuffer   = 16
	readvertiseDelay = time.Second
)

// Config of a RealRadio
type Config struct {
	DialTimeout       time.Duration
	AdvertiseInterval time.Duration
	Logger            logrus.FieldLogger
}

// DefaultConfig returns the radio defaults
func DefaultConfig() Config {
	return Config{
		DialTimeout:       util.ConnectTimeout,
		AdvertiseInterval: util.AdvertiseInterval,
		Logger:            logrus.StandardLogger(),
	}
}

// RealRadio drives the host's bluetooth controller through go-ble.
// It hosts the message characteristic as a peripheral and dials peers as a central.
type RealRadio struct {
	config   Config
	methods  coreMethods
	logger   logrus.FieldLogger
	incoming chan radio.Link

	mutex         sync.Mutex
	addrs         map[models.PeerIdentity]ble.Addr
	peripherals   map[ble.Conn]*peripheralLink
	centrals      map[*centralLink]struct{}
	stopAdvertise context.CancelFunc
	closed        bool
}

// NewRealRadio opens the default HCI device and hosts the message service on it
func NewRealRadio(config Config) (*RealRadio, error) {
	return newRealRadio(config, &realCoreMethods{})
}

func newRealRadio(config Config, methods coreMethods) (*RealRadio, error) {
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	r := &RealRadio{
		config:      config,
		methods:     methods,
		logger:      config.Logger.WithField("component", "radio"),
		incoming:    make(chan radio.Link, incomingBuffer),
		addrs:       map[models.PeerIdentity]ble.Addr{},
		peripherals: map[ble.Conn]*peripheralLink{},
		centrals:    map[*centralLink]struct{}{},
	}
	if err := methods.SetDefaultDevice(config.DialTimeout, config.AdvertiseInterval); err != nil {
		return nil, errors.Wrap(models.ErrRadioUnavailable, err.Error())
	}
	if err := methods.AddService(r.newService()); err != nil {
		return nil, errors.Wrap(err, "AddService issue")
	}
	return r, nil
}

func (r *RealRadio) newService() *ble.Service {
	s := ble.NewService(ble.MustParse(util.MainServiceUUID))
	c := ble.NewCharacteristic(ble.MustParse(util.MessageCharUUID))
	c.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		l, ok := r.peripheral(req.Conn())
		if !ok {
			rsp.SetStatus(ble.ErrUnlikely)
			return
		}
		l.in.push(req.Data())
	}))
	c.HandleIndicate(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
		l, ok := r.peripheral(req.Conn())
		if !ok {
			return
		}
		l.setNotifier(n)
		select {
		case <-n.Context().Done():
		case <-l.Disconnected():
		}
	}))
	s.AddCharacteristic(c)
	return s
}

// peripheral returns the link of conn, opening one when the central first touches the service
func (r *RealRadio) peripheral(conn ble.Conn) (*peripheralLink, bool) {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil, false
	}
	if l, ok := r.peripherals[conn]; ok {
		r.mutex.Unlock()
		return l, true
	}
	l := newPeripheralLink(conn)
	r.peripherals[conn] = l
	r.mutex.Unlock()
	go func() {
		<-l.Disconnected()
		r.mutex.Lock()
		delete(r.peripherals, conn)
		r.mutex.Unlock()
	}()
	select {
	case r.incoming <- l:
	default:
		r.logger.WithField("addr", l.RemoteAddr()).Warn("Dropping inbound connection, nobody is accepting")
		l.Disconnect()
		return nil, false
	}
	return l, true
}

func (r *RealRadio) StartAdvertising(ctx context.Context, p models.AdvertisingPacket) error {
	u, err := ble.Parse(p.ServiceUUID)
	if err != nil {
		return errors.Wrapf(err, "invalid service uuid %q", p.ServiceUUID)
	}
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return models.ErrStopped
	}
	if r.stopAdvertise != nil {
		r.stopAdvertise()
	}
	advCtx, cancel := context.WithCancel(context.Background())
	r.stopAdvertise = cancel
	r.mutex.Unlock()
	if p.Interval > 0 && p.Interval != r.config.AdvertiseInterval {
		r.logger.WithField("interval", p.Interval).Debug("Advertising interval is fixed when the device is opened")
	}

	errc := make(chan error, 1)
	go func() {
		first := true
		for {
			err := r.methods.AdvertiseNameAndServices(advCtx, p.LocalName(), u)
			if advCtx.Err() != nil {
				return
			}
			if first && err != nil {
				errc <- err
				return
			}
			first = false
			if err != nil {
				r.logger.WithError(err).Warn("Advertising interrupted")
			}
			select {
			case <-advCtx.Done():
				return
			case <-time.After(readvertiseDelay):
			}
		}
	}()

	t := time.NewTimer(advertiseSettle)
	defer t.Stop()
	select {
	case err := <-errc:
		cancel()
		return errors.Wrap(models.ErrRadioUnavailable, err.Error())
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-t.C:
		r.logger.WithField("name", p.LocalName()).Info("Advertising")
		return nil
	}
}

func (r *RealRadio) StopAdvertising() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.stopAdvertise != nil {
		r.stopAdvertise()
		r.stopAdvertise = nil
	}
	return nil
}

func (r *RealRadio) StartScanning(ctx context.Context, serviceUUID string) (<-chan models.Advertisement, error) {
	r.mutex.Lock()
	closed := r.closed
	r.mutex.Unlock()
	if closed {
		return nil, models.ErrStopped
	}
	out := make(chan models.Advertisement, scanBufferSize)
	filter := func(a ble.Advertisement) bool {
		return util.HasService(a.Services(), serviceUUID)
	}
	handler := func(a ble.Advertisement) {
		id, err := models.PeerIdentityFromLocalName(a.LocalName())
		if err != nil {
			return
		}
		r.mutex.Lock()
		r.addrs[id] = a.Addr()
		r.mutex.Unlock()
		select {
		case out <- models.Advertisement{
			Identity:    id,
			ServiceUUID: serviceUUID,
			Addr:        a.Addr().String(),
			RSSI:        a.RSSI(),
			Timestamp:   time.Now(),
		}:
		default:
		}
	}
	go func() {
		defer close(out)
		err := r.methods.Scan(ctx, true, handler, filter)
		if err != nil && ctx.Err() == nil {
			r.logger.WithError(err).Warn("Scan stopped")
		}
	}()
	return out, nil
}

// Connect dials the last address id was heard from and locates the message characteristic
func (r *RealRadio) Connect(ctx context.Context, id models.PeerIdentity) (radio.Link, error) {
	r.mutex.Lock()
	addr, ok := r.addrs[id]
	closed := r.closed
	r.mutex.Unlock()
	if closed {
		return nil, models.ErrStopped
	}
	if !ok {
		return nil, errors.Wrapf(models.ErrUnknownPeer, "%s has not been heard", id)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	client, err := r.methods.Dial(ble.WithSigHandler(dialCtx, cancel), addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "Dial issue")
	}
	char, err := r.setup(client)
	if err != nil {
		client.CancelConnection()
		return nil, err
	}
	l := newCentralLink(client, char)
	r.mutex.Lock()
	r.centrals[l] = struct{}{}
	r.mutex.Unlock()
	go func() {
		<-l.Disconnected()
		r.mutex.Lock()
		delete(r.centrals, l)
		r.mutex.Unlock()
	}()
	return l, nil
}

func (r *RealRadio) setup(client ble.Client) (*ble.Characteristic, error) {
	var char *ble.Characteristic
	err := util.CatchErrs(func() error {
		if _, err := client.ExchangeMTU(util.MTU); err != nil {
			return errors.Wrap(err, "ExchangeMTU issue")
		}
		p, err := client.DiscoverProfile(true)
		if err != nil {
			return errors.Wrap(err, "DiscoverProfile issue")
		}
		for _, s := range p.Services {
			if !util.UuidEqualStr(s.UUID, util.MainServiceUUID) {
				continue
			}
			for _, c := range s.Characteristics {
				if util.UuidEqualStr(c.UUID, util.MessageCharUUID) {
					char = c
					return nil
				}
			}
		}
		return errors.New("could not find message characteristic in remote profile")
	})
	return char, err
}

func (r *RealRadio) Incoming() <-chan radio.Link { return r.incoming }

// Close tears down every link and stops the device
func (r *RealRadio) Close() error {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil
	}
	r.closed = true
	if r.stopAdvertise != nil {
		r.stopAdvertise()
		r.stopAdvertise = nil
	}
	links := []radio.Link{}
	for _, l := range r.peripherals {
		links = append(links, l)
	}
	for l := range r.centrals {
		links = append(links, l)
	}
	r.mutex.Unlock()
	for _, l := range links {
		l.Disconnect()
	}
	return r.methods.Stop()
}
