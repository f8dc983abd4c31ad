package common

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often and how patiently a remote call is retried.
type RetryPolicy struct {
	// Total number of attempts, including the first one
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts" lc:"attempts per remote call before failing with EIO" validate:"gte=1"`

	// Delay before the second attempt, doubled for each later one
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff" lc:"delay before the first retry" validate:"gte=0"`

	// Upper bound for the doubled delay
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" lc:"cap for the exponential backoff" validate:"gtefield=InitialBackoff"`
}

// DefaultRetryPolicy is used when no configuration is supplied.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// NewBackOff returns the delays between the attempts of p, without jitter.
// It stops after MaxAttempts-1 delays or when ctx is done.
func (p RetryPolicy) NewBackOff(ctx context.Context) backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = p.InitialBackoff
	exponential.RandomizationFactor = 0
	exponential.Multiplier = 2
	exponential.MaxInterval = p.MaxBackoff
	if exponential.MaxInterval <= 0 {
		exponential.MaxInterval = time.Duration(math.MaxInt64)
	}
	// Attempts are bounded by count only
	exponential.MaxElapsedTime = 0
	exponential.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(p.attempts()-1)), ctx)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func isPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// retryTimer waits out the delays between attempts. nil uses a real timer.
var retryTimer func() backoff.Timer

// Retry calls fn until it succeeds, fails permanently, or MaxAttempts is
// used up. The exhausted case wraps the last error in ErrTransient. onRetry,
// when non-nil, runs before every repeated attempt.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := policy.attempts()
	attempt := 0
	var stopErr error

	operation := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && isPermanent(err) {
			stopErr = err
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err)
		}
		Logger.Warnw("remote call failed, retrying",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
	}

	var timer backoff.Timer
	if retryTimer != nil {
		timer = retryTimer()
	}
	err := backoff.RetryNotifyWithTimer(operation, policy.NewBackOff(ctx), notify, timer)
	switch {
	case err == nil:
		return nil
	case stopErr != nil:
		return stopErr
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	}

	Logger.Errorw("remote call failed, giving up", "op", op, "attempts", attempt, "error", err)
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}
