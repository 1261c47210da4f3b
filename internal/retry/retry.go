// Package retry runs provider calls with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"net"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rcliao/selah/internal/llm"
)

// Policy bounds retries. Attempts are 1-based.
type Policy struct {
	MaxAttempts          int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	RetryableStatusCodes []int
}

// DefaultPolicy is 5 attempts, 1s doubling to a 16s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:          5,
		BaseDelay:            time.Second,
		MaxDelay:             16 * time.Second,
		RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
	}
}

// Delay returns the wait after the given failed attempt:
// min(BaseDelay * 2^(attempt-1), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// Retryable reports whether err is worth another attempt. Auth, safety,
// usage, missing-field and cancellation failures never are.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	var le *llm.Error
	if errors.As(err, &le) {
		switch le.Kind {
		case llm.KindTransport, llm.KindMalformed:
			return true
		case llm.KindRateLimit, llm.KindServer:
			return le.StatusCode == 0 || slices.Contains(p.RetryableStatusCodes, le.StatusCode)
		default:
			return false
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Op is one attempt. attempt starts at 1.
type Op func(ctx context.Context, attempt int) error

// Notify is called before each wait with the attempt about to run.
type Notify func(next, max int, err error, wait time.Duration)

// Do runs op until it succeeds, fails terminally, exhausts MaxAttempts or ctx
// is done. It returns the number of attempts made and the last error.
func Do(ctx context.Context, p Policy, op Op, notify Notify) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	sched := &schedule{policy: p}
	var b backoff.BackOff = sched
	b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := op(ctx, attempts)
		if err == nil {
			return nil
		}
		sched.last = err
		if !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempts+1, p.MaxAttempts, err, wait)
		}
	})
	return attempts, err
}

// schedule is the backoff.BackOff behind Do. It follows Policy.Delay but
// honors a provider Retry-After hint, capped at MaxDelay.
type schedule struct {
	policy Policy
	n      int
	last   error
}

func (s *schedule) NextBackOff() time.Duration {
	s.n++
	d := s.policy.Delay(s.n)
	var le *llm.Error
	if errors.As(s.last, &le) && le.RetryAfter > 0 {
		d = min(le.RetryAfter, s.policy.MaxDelay)
	}
	return d
}

func (s *schedule) Reset() { s.n = 0 }
