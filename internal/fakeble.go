// Package internal holds go-ble test doubles shared by package tests
package internal

import (
	"context"
	"sync"

	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/go-ble/ble"
	"github.com/pkg/errors"
)

type DummyAdv struct {
	Address    ble.Addr
	Rssi       int
	Name       string
	NonService bool
}

type DummyAddr struct {
	Address string
}

func (addr DummyAddr) String() string { return addr.Address }

func (a DummyAdv) LocalName() string              { return a.Name }
func (a DummyAdv) ManufacturerData() []byte       { return nil }
func (a DummyAdv) ServiceData() []ble.ServiceData { return nil }
func (a DummyAdv) Services() []ble.UUID {
	if a.NonService {
		return nil
	}
	return GetTestServiceUUIDs()
}
func (a DummyAdv) OverflowService() []ble.UUID  { return nil }
func (a DummyAdv) TxPowerLevel() int            { return 0 }
func (a DummyAdv) Connectable() bool            { return true }
func (a DummyAdv) SolicitedService() []ble.UUID { return nil }
func (a DummyAdv) RSSI() int                    { return a.Rssi }
func (a DummyAdv) Addr() ble.Addr               { return a.Address }

func GetTestServiceUUIDs() []ble.UUID {
	return []ble.UUID{ble.MustParse(util.MainServiceUUID)}
}

// GetTestServices returns the main service hosting the given characteristics
func GetTestServices(charUUIDs ...string) []*ble.Service {
	s := ble.NewService(ble.MustParse(util.MainServiceUUID))
	for _, uuid := range charUUIDs {
		s.NewCharacteristic(ble.MustParse(uuid))
	}
	return []*ble.Service{s}
}

// MockConn is a ble.Conn whose Close disconnects it
type MockConn struct {
	ctx  context.Context
	Addr string
	Mtu  int
	done chan struct{}
	once sync.Once
}

func NewMockConn(addr string, mtu int) *MockConn {
	return &MockConn{ctx: context.Background(), Addr: addr, Mtu: mtu, done: make(chan struct{})}
}

func (c *MockConn) Context() context.Context          { return c.ctx }
func (c *MockConn) SetContext(ctx context.Context)    { c.ctx = ctx }
func (c *MockConn) LocalAddr() ble.Addr               { return ble.NewAddr("00:00:00:00:00:00") }
func (c *MockConn) RemoteAddr() ble.Addr              { return ble.NewAddr(c.Addr) }
func (c *MockConn) RxMTU() int                        { return c.Mtu }
func (c *MockConn) SetRxMTU(mtu int)                  {}
func (c *MockConn) TxMTU() int                        { return c.Mtu }
func (c *MockConn) SetTxMTU(mtu int)                  { c.Mtu = mtu }
func (c *MockConn) Disconnected() <-chan struct{}     { return c.done }
func (c *MockConn) Read(p []byte) (n int, err error)  { return 0, nil }
func (c *MockConn) Write(p []byte) (n int, err error) { return len(p), nil }
func (c *MockConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// FakeClient is a ble.Client connected to a peer hosting Services
type FakeClient struct {
	conn     *MockConn
	Services []*ble.Service
	WriteErr error

	mutex   sync.Mutex
	written [][]byte
	handler ble.NotificationHandler
	cancels int
}

func NewFakeClient(addr string, mtu int, services []*ble.Service) *FakeClient {
	return &FakeClient{conn: NewMockConn(addr, mtu), Services: services}
}

// Written returns the values written to any characteristic
func (c *FakeClient) Written() [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([][]byte(nil), c.written...)
}

// Indicate delivers v to the subscribed handler, if any
func (c *FakeClient) Indicate(v []byte) bool {
	c.mutex.Lock()
	h := c.handler
	c.mutex.Unlock()
	if h == nil {
		return false
	}
	h(v)
	return true
}

// Cancels counts CancelConnection calls
func (c *FakeClient) Cancels() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.cancels
}

func (c *FakeClient) Addr() ble.Addr        { return c.conn.RemoteAddr() }
func (c *FakeClient) Name() string          { return "fake" }
func (c *FakeClient) Profile() *ble.Profile { return &ble.Profile{Services: c.Services} }
func (c *FakeClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	return c.Profile(), nil
}
func (c *FakeClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	return c.Services, nil
}
func (c *FakeClient) DiscoverIncludedServices(filter []ble.UUID, s *ble.Service) ([]*ble.Service, error) {
	return nil, nil
}
func (c *FakeClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	return s.Characteristics, nil
}
func (c *FakeClient) DiscoverDescriptors(filter []ble.UUID, char *ble.Characteristic) ([]*ble.Descriptor, error) {
	return nil, nil
}
func (c *FakeClient) ReadCharacteristic(char *ble.Characteristic) ([]byte, error) { return nil, nil }
func (c *FakeClient) ReadLongCharacteristic(char *ble.Characteristic) ([]byte, error) {
	return nil, nil
}
func (c *FakeClient) WriteCharacteristic(char *ble.Characteristic, value []byte, noRsp bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.WriteErr != nil {
		return c.WriteErr
	}
	c.written = append(c.written, append([]byte(nil), value...))
	return nil
}
func (c *FakeClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error)  { return nil, nil }
func (c *FakeClient) WriteDescriptor(d *ble.Descriptor, v []byte) error { return nil }
func (c *FakeClient) ReadRSSI() int                                     { return -50 }
func (c *FakeClient) ExchangeMTU(rxMTU int) (txMTU int, err error) {
	if rxMTU < c.conn.Mtu {
		c.conn.SetTxMTU(rxMTU)
	}
	return c.conn.Mtu, nil
}
func (c *FakeClient) Subscribe(char *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	if !ind {
		return errors.New("only indications are supported")
	}
	c.mutex.Lock()
	c.handler = h
	c.mutex.Unlock()
	return nil
}
func (c *FakeClient) Unsubscribe(char *ble.Characteristic, ind bool) error { return nil }
func (c *FakeClient) ClearSubscriptions() error                            { return nil }
func (c *FakeClient) CancelConnection() error {
	c.mutex.Lock()
	c.cancels++
	c.mutex.Unlock()
	return c.conn.Close()
}
func (c *FakeClient) Disconnected() <-chan struct{} { return c.conn.Disconnected() }
func (c *FakeClient) Conn() ble.Conn                { return c.conn }

// FakeRequest is a GATT request arriving on Connection
type FakeRequest struct {
	Connection ble.Conn
	Value      []byte
}

func (r FakeRequest) Conn() ble.Conn { return r.Connection }
func (r FakeRequest) Data() []byte   { return r.Value }
func (r FakeRequest) Offset() int    { return 0 }

type FakeResponseWriter struct {
	status ble.ATTError
}

func (w *FakeResponseWriter) Write(b []byte) (int, error)   { return len(b), nil }
func (w *FakeResponseWriter) Status() ble.ATTError          { return w.status }
func (w *FakeResponseWriter) SetStatus(status ble.ATTError) { w.status = status }
func (w *FakeResponseWriter) Len() int                      { return 0 }
func (w *FakeResponseWriter) Cap() int                      { return util.MTU }

// FakeNotifier records indications sent to a subscribed central
type FakeNotifier struct {
	ctx    context.Context
	cancel context.CancelFunc
	mutex  sync.Mutex
	sent   [][]byte
}

func NewFakeNotifier() *FakeNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &FakeNotifier{ctx: ctx, cancel: cancel}
}

func (n *FakeNotifier) Context() context.Context { return n.ctx }
func (n *FakeNotifier) Write(b []byte) (int, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.sent = append(n.sent, append([]byte(nil), b...))
	return len(b), nil
}
func (n *FakeNotifier) Close() error {
	n.cancel()
	return nil
}
func (n *FakeNotifier) Cap() int { return util.MTU }

func (n *FakeNotifier) Sent() [][]byte {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return append([][]byte(nil), n.sent...)
}
