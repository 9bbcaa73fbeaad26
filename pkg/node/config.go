package node

import (
	"time"

	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config of a Node
type Config struct {
	Identity    models.PeerIdentity
	ServiceUUID string

	AdvertiseInterval time.Duration
	// DiscoveryTimeout is how long a peer may go unheard before it is reported lost
	DiscoveryTimeout  time.Duration
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	ReassemblyTimeout time.Duration

	MaxMessageSize int
	MaxConnections int
	// TimeToLive is the number of relays a broadcast may take
	TimeToLive int32
	Retry      util.RetryPolicy
	Logger     logrus.FieldLogger
}

// DefaultConfig returns a config with a fresh random identity
func DefaultConfig() Config {
	return Config{
		Identity:          models.NewPeerIdentity(),
		ServiceUUID:       util.MainServiceUUID,
		AdvertiseInterval: util.AdvertiseInterval,
		DiscoveryTimeout:  util.DiscoveryTimeout,
		ConnectTimeout:    util.ConnectTimeout,
		HandshakeTimeout:  util.HandshakeTimeout,
		IdleTimeout:       util.IdleTimeout,
		ReassemblyTimeout: util.ReassemblyTimeout,
		MaxMessageSize:    util.MaxMessageSize,
		MaxConnections:    util.MaxConnections,
		TimeToLive:        util.TimeToLiveDefault,
		Retry:             util.DefaultRetryPolicy(),
		Logger:            logrus.StandardLogger(),
	}
}

func (c Config) Validate() error {
	if c.Identity.IsZero() {
		return errors.New("identity must be set")
	}
	if _, err := uuid.Parse(c.ServiceUUID); err != nil {
		return errors.Wrapf(err, "invalid service uuid %q", c.ServiceUUID)
	}
	timeouts := map[string]time.Duration{
		"advertise interval": c.AdvertiseInterval,
		"discovery timeout":  c.DiscoveryTimeout,
		"connect timeout":    c.ConnectTimeout,
		"handshake timeout":  c.HandshakeTimeout,
		"idle timeout":       c.IdleTimeout,
		"reassembly timeout": c.ReassemblyTimeout,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxMessageSize <= 0 {
		return errors.Errorf("max message size must be positive, got %d", c.MaxMessageSize)
	}
	if c.MaxConnections <= 0 {
		return errors.Errorf("max connections must be positive, got %d", c.MaxConnections)
	}
	if c.TimeToLive < 0 {
		return errors.Errorf("time to live must not be negative, got %d", c.TimeToLive)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.Errorf("retry attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}
