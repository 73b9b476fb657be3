package xroute

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls handler retries.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// NewBackOff returns the wait policy for one message. Defaults to exponential
	// backoff starting at 100ms.
	NewBackOff func() backoff.BackOff
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
}

// RetryMiddleware re-invokes a failing handler before the failure reaches the
// endpoint's ErrorHandler.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := max(cfg.MaxAttempts, 1)
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			var b backoff.BackOff
			if cfg.NewBackOff != nil {
				b = cfg.NewBackOff()
			} else {
				eb := backoff.NewExponentialBackOff()
				eb.InitialInterval = 100 * time.Millisecond
				eb.MaxElapsedTime = 0
				b = eb
			}
			b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

			return backoff.Retry(func() error {
				err := next(ctx, msg)
				if err != nil && cfg.RetryIf != nil && !cfg.RetryIf(err) {
					return backoff.Permanent(err)
				}
				return err
			}, b)
		}
	}
}

// TimeoutMiddleware bounds handler execution. When exceeded the handler's
// context is cancelled and context.DeadlineExceeded is returned.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				errCh <- invokeHandler(tctx, next, msg)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts handler panics into errors wrapping ErrHandlerPanic.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// Chain composes middlewares around a handler; the first middleware is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
