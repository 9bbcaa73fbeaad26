package util

import (
	"context"
)

// WithContext runs fn and returns its error, or ctx.Err() if ctx is done first.
// fn keeps running in the background when ctx ends; its result is dropped.
func WithContext(ctx context.Context, fn func() error) error {
	ch := make(chan error, 1)
	go func() {
		ch <- fn()
	}()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithDone is WithContext that also gives up with closedErr once done is closed
func WithDone(ctx context.Context, done <-chan struct{}, closedErr error, fn func() error) error {
	select {
	case <-done:
		return closedErr
	default:
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-runCtx.Done():
		}
	}()
	err := WithContext(runCtx, fn)
	if err == context.Canceled && ctx.Err() == nil {
		return closedErr
	}
	return err
}
