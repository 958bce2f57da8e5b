package sink

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/cenkalti/backoff/v4"
)

// ErrTransient marks errors that may succeed on retry.
var ErrTransient = errors.New("transient sink error")

// ErrRetriesExhausted wraps the last transient error once the policy gives up.
var ErrRetriesExhausted = errors.New("sink retries exhausted")

type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() []error { return []error{e.err, ErrTransient} }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying. Backends mark their own
// transient errors; connection-level failures are recognized here.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryObserver is told about every retried attempt.
type RetryObserver interface {
	SinkRetried()
}

// Retry runs op until it succeeds, fails permanently, or the policy is
// exhausted. Non-transient errors are returned unchanged after one attempt.
func Retry(ctx context.Context, policy RetryPolicy, obs RetryObserver, op func() error) error {
	policy = policy.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval
	eb.MaxElapsedTime = 0
	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(policy.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	var last error
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 && obs != nil {
			obs.SinkRetried()
		}
		err := op()
		if err == nil {
			return nil
		}
		last = err
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		log.WithError(err).WithField("attempt", attempt).Warn("transient sink error")
		return err
	}, b)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if last != nil && IsTransient(last) {
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, last)
	}
	return err
}
