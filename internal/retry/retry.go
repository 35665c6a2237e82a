// Package retry holds the single retry policy shared by network calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// Policy bounds how often and how fast an operation is repeated.
// MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     string
	MaxDelay    time.Duration
}

// Default matches the observed behaviour: 3 attempts, fixed delay.
func Default() Policy {
	return Policy{MaxAttempts: 3, Delay: 5 * time.Second, Backoff: BackoffConstant}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Notify is called before each retry with the attempt that just failed.
type Notify func(attempt int, err error, next time.Duration)

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	switch p.Backoff {
	case BackoffExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		if p.MaxDelay > 0 {
			eb.MaxInterval = p.MaxDelay
		}
		eb.MaxElapsedTime = 0
		eb.RandomizationFactor = 0
		b = eb
	default:
		b = backoff.NewConstantBackOff(p.Delay)
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, returns a Permanent error, the context ends,
// or MaxAttempts is reached. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, op func(attempt int) error, notify Notify) error {
	attempt := 0
	operation := func() error {
		attempt++
		return op(attempt)
	}
	var n backoff.Notify
	if notify != nil {
		n = func(err error, next time.Duration) { notify(attempt, err, next) }
	}
	return backoff.RetryNotify(operation, p.backOff(ctx), n)
}
