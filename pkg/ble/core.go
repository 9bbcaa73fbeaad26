package ble

import (
	"context"
	"time"

	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/go-ble/ble"
	"github.com/pkg/errors"
)

type coreMethods interface {
	SetDefaultDevice(timeout time.Duration, interval time.Duration) error
	Stop() error
	AddService(*ble.Service) error
	AdvertiseNameAndServices(context.Context, string, ...ble.UUID) error
	Scan(context.Context, bool, ble.AdvHandler, ble.AdvFilter) error
	Dial(context.Context, ble.Addr) (ble.Client, error)
}

type realCoreMethods struct{}

func (bc *realCoreMethods) SetDefaultDevice(timeout time.Duration, interval time.Duration) error {
	device, err := newDevice(timeout, interval)
	if err != nil {
		return errors.Wrap(err, "newDevice issue")
	}
	ble.SetDefaultDevice(device)
	return nil
}

func (bc *realCoreMethods) Stop() error {
	return util.CatchErrs(ble.Stop)
}

func (bc *realCoreMethods) AddService(s *ble.Service) error {
	return util.CatchErrs(func() error {
		return ble.AddService(s)
	})
}

func (bc *realCoreMethods) AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error {
	return util.CatchErrs(func() error {
		return ble.AdvertiseNameAndServices(ctx, name, uuids...)
	})
}

func (bc *realCoreMethods) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler, f ble.AdvFilter) error {
	return util.CatchErrs(func() error {
		return ble.Scan(ctx, allowDup, h, f)
	})
}

func (bc *realCoreMethods) Dial(ctx context.Context, addr ble.Addr) (ble.Client, error) {
	var client ble.Client
	err := util.CatchErrs(func() error {
		c, e := ble.Dial(ctx, addr)
		client = c
		return e
	})
	return client, err
}
