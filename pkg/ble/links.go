package ble

import (
	"context"
	"sync"

	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/go-ble/ble"
	"github.com/pkg/errors"
)

const inboxSize = 256

// inbox buffers values written by the remote side and is closed once on disconnect
type inbox struct {
	mutex  sync.RWMutex
	closed bool
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
}

func newInbox() *inbox {
	return &inbox{ch: make(chan []byte, inboxSize), done: make(chan struct{})}
}

func (i *inbox) push(b []byte) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	if i.closed {
		return
	}
	select {
	case i.ch <- append([]byte(nil), b...):
	case <-i.done:
	}
}

func (i *inbox) close() {
	i.once.Do(func() {
		close(i.done)
		i.mutex.Lock()
		i.closed = true
		close(i.ch)
		i.mutex.Unlock()
	})
}

// centralLink is a connection this radio dialled; it writes the remote
// characteristic and listens to its indications
type centralLink struct {
	client     ble.Client
	char       *ble.Characteristic
	in         *inbox
	subscribed sync.Once
}

func newCentralLink(client ble.Client, char *ble.Characteristic) *centralLink {
	l := &centralLink{client: client, char: char, in: newInbox()}
	go func() {
		<-client.Disconnected()
		l.in.close()
	}()
	return l
}

func (l *centralLink) RemoteAddr() string { return l.client.Addr().String() }

func (l *centralLink) MTU() int {
	if conn := l.client.Conn(); conn != nil && conn.TxMTU() >= util.MinMTU {
		return conn.TxMTU()
	}
	return util.MinMTU
}

func (l *centralLink) Write(ctx context.Context, b []byte) error {
	return util.WithDone(ctx, l.in.done, models.ErrDisconnected, func() error {
		err := util.CatchErrs(func() error {
			return l.client.WriteCharacteristic(l.char, b, false)
		})
		return errors.Wrap(err, "WriteCharacteristic issue")
	})
}

func (l *centralLink) Subscribe() (<-chan []byte, error) {
	var err error
	l.subscribed.Do(func() {
		err = util.CatchErrs(func() error {
			return l.client.Subscribe(l.char, true, l.in.push)
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "Subscribe issue")
	}
	return l.in.ch, nil
}

func (l *centralLink) Disconnect() error {
	l.in.close()
	return l.client.CancelConnection()
}

func (l *centralLink) Disconnected() <-chan struct{} { return l.in.done }

// peripheralLink is a connection opened by a remote central against the hosted service
type peripheralLink struct {
	conn     ble.Conn
	in       *inbox
	mutex    sync.Mutex
	notifier ble.Notifier
	notified chan struct{}
}

func newPeripheralLink(conn ble.Conn) *peripheralLink {
	l := &peripheralLink{conn: conn, in: newInbox(), notified: make(chan struct{})}
	go func() {
		<-conn.Disconnected()
		l.in.close()
	}()
	return l
}

func (l *peripheralLink) setNotifier(n ble.Notifier) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.notifier == nil {
		close(l.notified)
	}
	l.notifier = n
}

func (l *peripheralLink) RemoteAddr() string { return l.conn.RemoteAddr().String() }

func (l *peripheralLink) MTU() int {
	if l.conn.TxMTU() >= util.MinMTU {
		return l.conn.TxMTU()
	}
	return util.MinMTU
}

// Write sends b as an indication once the central subscribed
func (l *peripheralLink) Write(ctx context.Context, b []byte) error {
	select {
	case <-l.in.done:
		return models.ErrDisconnected
	default:
	}
	select {
	case <-l.notified:
	case <-l.in.done:
		return models.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
	l.mutex.Lock()
	n := l.notifier
	l.mutex.Unlock()
	return util.WithDone(ctx, l.in.done, models.ErrDisconnected, func() error {
		err := util.CatchErrs(func() error {
			_, err := n.Write(b)
			return err
		})
		return errors.Wrap(err, "Indicate issue")
	})
}

func (l *peripheralLink) Subscribe() (<-chan []byte, error) { return l.in.ch, nil }

func (l *peripheralLink) Disconnect() error {
	l.in.close()
	return l.conn.Close()
}

func (l *peripheralLink) Disconnected() <-chan struct{} { return l.in.done }
