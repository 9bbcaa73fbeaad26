package advertiser

import (
	"context"
	"sync"

	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/radio"
	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Advertiser broadcasts the local advertising packet
type Advertiser struct {
	radio  radio.Radio
	packet models.AdvertisingPacket
	policy util.RetryPolicy
	logger logrus.FieldLogger

	mutex       sync.Mutex
	advertising bool
}

func New(r radio.Radio, packet models.AdvertisingPacket, policy util.RetryPolicy, logger logrus.FieldLogger) *Advertiser {
	return &Advertiser{
		radio:  r,
		packet: packet,
		policy: policy,
		logger: logger.WithFields(logrus.Fields{"component": "advertiser", "name": packet.LocalName()}),
	}
}

// Start asks the radio to broadcast the packet. ErrRadioUnavailable is retried with backoff;
// once the budget is spent, or on any other radio error, ErrAdvertiseFailed is returned.
func (a *Advertiser) Start(ctx context.Context) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	err := util.Retry(ctx, a.policy, "StartAdvertising", a.logger, func(int) error {
		err := a.radio.StartAdvertising(ctx, a.packet)
		if err == nil || errors.Cause(err) == models.ErrRadioUnavailable {
			return err
		}
		return util.Permanent(err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(models.ErrAdvertiseFailed, err.Error())
	}
	a.advertising = true
	a.logger.WithField("interval", a.packet.Interval).Info("Advertising")
	return nil
}

func (a *Advertiser) Stop() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if !a.advertising {
		return nil
	}
	a.advertising = false
	if err := a.radio.StopAdvertising(); err != nil {
		return errors.Wrap(err, "StopAdvertising issue")
	}
	a.logger.Info("Stopped advertising")
	return nil
}

func (a *Advertiser) IsAdvertising() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.advertising
}
