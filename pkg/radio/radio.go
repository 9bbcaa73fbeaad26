package radio

import (
	"context"

	"github.com/Krajiyah/ble-p2p/pkg/models"
)

// Radio is the platform surface the protocol runs on top of
type Radio interface {
	StartAdvertising(context.Context, models.AdvertisingPacket) error
	StopAdvertising() error
	// StartScanning streams advertisements for the service until ctx is done or the radio gives up,
	// at which point the channel is closed.
	StartScanning(ctx context.Context, serviceUUID string) (<-chan models.Advertisement, error)
	Connect(context.Context, models.PeerIdentity) (Link, error)
	// Incoming yields links opened by remote centrals
	Incoming() <-chan Link
	Close() error
}

// Link is an established GATT connection carrying the message characteristic
type Link interface {
	RemoteAddr() string
	MTU() int
	// Write returns once the remote side acknowledged the value
	Write(context.Context, []byte) error
	// Subscribe returns the values written by the remote side; closed on disconnect
	Subscribe() (<-chan []byte, error)
	Disconnect() error
	Disconnected() <-chan struct{}
}
