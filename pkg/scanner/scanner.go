package scanner

import (
	"context"
	"time"

	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/radio"
	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const eventBufferSize = 64

// Scanner turns the advertisements heard by the radio into PeerDiscovered and PeerLost events
type Scanner struct {
	radio       radio.Radio
	serviceUUID string
	timeout     time.Duration
	policy      util.RetryPolicy
	logger      logrus.FieldLogger
	sightings   *models.RssiMap
}

// New returns a scanner that reports a peer lost after timeout without advertisements
func New(r radio.Radio, serviceUUID string, timeout time.Duration, policy util.RetryPolicy, logger logrus.FieldLogger) *Scanner {
	return &Scanner{
		radio:       r,
		serviceUUID: serviceUUID,
		timeout:     timeout,
		policy:      policy,
		logger:      logger.WithField("component", "scanner"),
		sightings:   models.NewRssiMap(),
	}
}

// Sightings is the table of peers currently in range
func (s *Scanner) Sightings() *models.RssiMap { return s.sightings }

// Start scans until ctx is done, then closes the returned channel
func (s *Scanner) Start(ctx context.Context) (<-chan models.DiscoveryEvent, error) {
	advs, err := s.startScanning(ctx)
	if err != nil {
		return nil, err
	}
	events := make(chan models.DiscoveryEvent, eventBufferSize)
	go s.loop(ctx, advs, events)
	return events, nil
}

func (s *Scanner) startScanning(ctx context.Context) (<-chan models.Advertisement, error) {
	var advs <-chan models.Advertisement
	err := util.Retry(ctx, s.policy, "StartScanning", s.logger, func(int) error {
		var e error
		advs, e = s.radio.StartScanning(ctx, s.serviceUUID)
		if errors.Cause(e) == models.ErrStopped {
			return util.Permanent(e)
		}
		return e
	})
	return advs, err
}

// loop restarts scanning with backoff when the radio closes the stream and gives up after
// MaxAttempts restarts in a row that heard nothing
func (s *Scanner) loop(ctx context.Context, advs <-chan models.Advertisement, events chan<- models.DiscoveryEvent) {
	defer close(events)
	sweep := time.NewTicker(s.timeout / 4)
	defer sweep.Stop()
	restarts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-advs:
			if ok {
				restarts = 0
				s.observe(ctx, a, events)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			restarts++
			if restarts > s.policy.MaxAttempts {
				s.logger.WithField("restarts", restarts-1).Error("Scan stream keeps closing, giving up")
				return
			}
			backoff := s.policy.Backoff(restarts)
			s.logger.WithField("backoff", backoff).Warn("Scan stream closed, restarting")
			if !sleep(ctx, backoff) {
				return
			}
			var err error
			advs, err = s.startScanning(ctx)
			if err != nil {
				s.logger.WithError(err).Error("Could not restart scanning")
				return
			}
		case now := <-sweep.C:
			for _, a := range s.sightings.Expire(now.Add(-s.timeout)) {
				s.logger.WithField("peer", a.Identity).Info("Peer lost")
				emit(ctx, events, models.DiscoveryEvent{Kind: models.PeerLost, Advertisement: a})
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scanner) observe(ctx context.Context, a models.Advertisement, events chan<- models.DiscoveryEvent) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if !s.sightings.Set(a) {
		return
	}
	s.logger.WithFields(logrus.Fields{"peer": a.Identity, "rssi": a.RSSI}).Info("Peer discovered")
	emit(ctx, events, models.DiscoveryEvent{Kind: models.PeerDiscovered, Advertisement: a})
}

func emit(ctx context.Context, events chan<- models.DiscoveryEvent, e models.DiscoveryEvent) {
	select {
	case events <- e:
	case <-ctx.Done():
	}
}
