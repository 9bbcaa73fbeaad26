//go:build darwin

package ble

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// CoreBluetooth picks its own dial timeout and advertising interval
func newDevice(_ time.Duration, _ time.Duration) (ble.Device, error) {
	return darwin.NewDevice()
}
