//go:build linux

package ble

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
)

// advertising intervals are counted in units of 0.625 ms
const advIntervalUnit = 625 * time.Microsecond

func advInterval(d time.Duration) uint16 {
	units := d / advIntervalUnit
	if units < 0x20 {
		units = 0x20
	}
	if units > 0x4000 {
		units = 0x4000
	}
	return uint16(units)
}

func newDevice(timeout time.Duration, interval time.Duration) (ble.Device, error) {
	opts := []ble.Option{
		ble.OptDialerTimeout(timeout), // client to server timeout
	}
	if interval > 0 {
		opts = append(opts, ble.OptAdvParams(cmd.LESetAdvertisingParameters{
			AdvertisingIntervalMin: advInterval(interval),
			AdvertisingIntervalMax: advInterval(interval),
			AdvertisingChannelMap:  0x7,
		}))
	}
	return linux.NewDevice(opts...)
}
