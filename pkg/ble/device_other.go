//go:build !linux && !darwin

package ble

import (
	"runtime"
	"time"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
)

func newDevice(_ time.Duration, _ time.Duration) (ble.Device, error) {
	return nil, errors.Errorf("no ble device support on %s", runtime.GOOS)
}
