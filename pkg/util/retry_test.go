package util

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gotest.tools/assert"
)

var (
	errFlaky    = errors.New("flaky")
	fastPolicy  = RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, Multiplier: 2}
	quietLogger = func() logrus.FieldLogger {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		return l
	}()
)

func TestBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	assert.Equal(t, p.Backoff(1), 100*time.Millisecond)
	assert.Equal(t, p.Backoff(2), 200*time.Millisecond)
	assert.Equal(t, p.Backoff(3), 400*time.Millisecond)
	assert.Equal(t, p.Backoff(4), 800*time.Millisecond)
	assert.Equal(t, p.Backoff(5), time.Second)
	assert.Equal(t, p.Backoff(9), time.Second)
}

func TestRetrySucceedsEventually(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy, "Flaky", quietLogger, func(attempt int) error {
		calls++
		assert.Equal(t, attempt, calls)
		if attempt < 3 {
			return errFlaky
		}
		return nil
	})
	assert.NilError(t, err)
	assert.Equal(t, calls, 3)
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy, "Flaky", quietLogger, func(int) error {
		calls++
		return errors.Wrap(errFlaky, "radio said")
	})
	assert.Equal(t, calls, fastPolicy.MaxAttempts)
	assert.Equal(t, errors.Cause(err), errFlaky)
	assert.ErrorContains(t, err, "exceeded 4 attempts")
}

func TestRetryPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy, "Flaky", quietLogger, func(int) error {
		calls++
		return Permanent(errFlaky)
	})
	assert.Equal(t, calls, 1)
	assert.Equal(t, err, errFlaky)
}

func TestRetryStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour, Multiplier: 1}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, slow, "Flaky", quietLogger, func(int) error { return errFlaky })
	assert.Equal(t, err, context.Canceled)
}

func TestRetryCatchesPanic(t *testing.T) {
	err := Retry(context.Background(), fastPolicy, "Panicky", quietLogger, func(attempt int) error {
		if attempt == 1 {
			panic(errFlaky)
		}
		return nil
	})
	assert.NilError(t, err)
}
