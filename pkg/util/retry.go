package util

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RetryPolicy describes a bounded exponential backoff
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns the policy used by advertiser, scanner and negotiator unless configured otherwise
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

// Backoff returns the delay to wait after the given (1 based) failed attempt
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Cause() error  { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// Retry calls fn until it succeeds, returns a Permanent error, the policy runs out of attempts or ctx is done.
// The returned error keeps the cause of the last failure.
func Retry(ctx context.Context, policy RetryPolicy, method string, logger logrus.FieldLogger, fn func(attempt int) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = CatchErrs(func() error { return fn(attempt) })
		if err == nil {
			return nil
		}
		if p, ok := err.(*permanentError); ok {
			return p.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == attempts {
			break
		}
		delay := policy.Backoff(attempt)
		logger.WithFields(logrus.Fields{
			"method":  method,
			"attempt": attempt,
			"backoff": delay,
		}).WithError(err).Warn("Retrying...")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return errors.Wrapf(err, "%s: exceeded %d attempts", method, attempts)
}
