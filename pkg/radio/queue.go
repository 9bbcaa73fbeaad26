package radio

import (
	"context"
	"sync"

	"github.com/Krajiyah/ble-p2p/pkg/models"
)

// Queue runs the control operations of a Radio one at a time on a single goroutine.
// Link traffic is not serialized.
type Queue struct {
	radio     Radio
	jobs      chan func()
	quit      chan struct{}
	closeOnce sync.Once
}

// NewQueue wraps r and starts the coordination goroutine
func NewQueue(r Radio) *Queue {
	q := &Queue{radio: r, jobs: make(chan func()), quit: make(chan struct{})}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	for {
		select {
		case job := <-q.jobs:
			job()
		case <-q.quit:
			return
		}
	}
}

func (q *Queue) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errc := make(chan error, 1)
	select {
	case q.jobs <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.quit:
		return models.ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-q.quit:
		return models.ErrStopped
	}
}

func (q *Queue) StartAdvertising(ctx context.Context, p models.AdvertisingPacket) error {
	return q.do(ctx, func() error { return q.radio.StartAdvertising(ctx, p) })
}

func (q *Queue) StopAdvertising() error {
	return q.do(context.Background(), q.radio.StopAdvertising)
}

func (q *Queue) StartScanning(ctx context.Context, serviceUUID string) (<-chan models.Advertisement, error) {
	var ch <-chan models.Advertisement
	err := q.do(ctx, func() error {
		var e error
		ch, e = q.radio.StartScanning(ctx, serviceUUID)
		return e
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (q *Queue) Connect(ctx context.Context, id models.PeerIdentity) (Link, error) {
	var l Link
	err := q.do(ctx, func() error {
		var e error
		l, e = q.radio.Connect(ctx, id)
		return e
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (q *Queue) Incoming() <-chan Link { return q.radio.Incoming() }

func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.quit) })
	return q.radio.Close()
}
