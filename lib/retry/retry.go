// Package retry provides a bounded retry loop with a deterministic backoff schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/orderflow/errs"
)

// Outcome classifies the result of a single attempt.
type Outcome int

const (
	// Success ends the loop with the attempt's value.
	Success Outcome = iota
	// Retryable schedules another attempt if any remain.
	Retryable
	// Fatal ends the loop with the attempt's error.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classifier maps an attempt error to an outcome. It is only called with non-nil errors.
type Classifier func(error) Outcome

// Notify observes a failed attempt before the loop sleeps for next.
type Notify func(err error, attempt int, next time.Duration)

// Policy describes how many attempts to make and how long to wait between them.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
	Classify Classifier
	Notify   Notify
}

// Default returns three attempts starting at one second and doubling.
func Default() Policy {
	return Policy{Attempts: 3, Delay: time.Second, Backoff: 2.0}
}

// Validate reports whether the policy can drive a retry loop.
func (p Policy) Validate() error {
	if p.Attempts < 1 {
		return fmt.Errorf("retry attempts must be >= 1")
	}
	if p.Delay < 0 {
		return fmt.Errorf("retry delay must be >= 0")
	}
	if p.Backoff < 1 || math.IsNaN(p.Backoff) || math.IsInf(p.Backoff, 0) {
		return fmt.Errorf("retry backoff must be a finite value >= 1")
	}
	return nil
}

// Wait returns the sleep that follows the given failed attempt (1-based):
// Delay for the first, Delay*Backoff for the second, and so on.
func (p Policy) Wait(attempt int) time.Duration {
	if attempt < 1 || p.Delay <= 0 {
		return 0
	}
	d := float64(p.Delay) * math.Pow(p.Backoff, float64(attempt-1))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Outcome classifies err using the policy's classifier.
func (p Policy) Outcome(err error) Outcome {
	if err == nil {
		return Success
	}
	if p.Classify != nil {
		return p.Classify(err)
	}
	return Classify(err)
}

// Classify is the default classifier: invalid or unauthorised requests and
// cancellations are fatal, everything else is retryable.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errs.Retryable(err):
		return Retryable
	default:
		return Fatal
	}
}

// schedule adapts Policy.Wait to the backoff.BackOff interface.
type schedule struct {
	policy  Policy
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	return s.policy.Wait(s.attempt)
}

func (s *schedule) Reset() { s.attempt = 0 }

// Do calls op until it succeeds, returns a fatal error, or the policy runs out
// of attempts. The final error is returned as produced by op.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if op == nil {
		return zero, fmt.Errorf("retry: operation required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.Validate(); err != nil {
		return zero, err
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if p.Outcome(err) == Fatal {
			return value, backoff.Permanent(err)
		}
		return value, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(&schedule{policy: p}),
		backoff.WithMaxTries(uint(p.Attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			p.Notify(err, attempt, next)
		}))
	}

	value, err := backoff.Retry(ctx, operation, opts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return value, permanent.Unwrap()
	}
	return value, err
}

// Run is Do for operations that only return an error.
func Run(ctx context.Context, p Policy, op func(context.Context) error) error {
	if op == nil {
		return fmt.Errorf("retry: operation required")
	}
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Blocking runs op with the same policy for callers that have no context.
func Blocking(p Policy, op func() error) error {
	if op == nil {
		return fmt.Errorf("retry: operation required")
	}
	return Run(context.Background(), p, func(context.Context) error { return op() })
}
