// Package retry holds the single retry policy shared by the dispatcher and the projector.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmehdipour/ledger-bridge/internal/failure"
)

// Policy is an exponential backoff curve with bounded growth and symmetric jitter.
//
// Backoff(n) = min(Cap, Base * 2^(n-1)) scaled by a random factor in [1-Jitter, 1+Jitter],
// and never above Cap.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64 // 0..1

	// Rand returns values in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        500 * time.Millisecond,
		Cap:         time.Minute,
		Jitter:      0.2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Base <= 0 {
		p.Base = 100 * time.Millisecond
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff returns the wait before retry number attempt (1-based: the wait after the first failure is Backoff(1)).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	d := p.Base
	for i := 1; i < attempt && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}

	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread + 2*spread*r())
	}
	if d > p.Cap {
		d = p.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Exhausted reports whether a unit of work that has failed attempts times must stop retrying.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().MaxAttempts
}

// Do runs fn until it succeeds, returns a non-transient error, the context ends,
// or MaxAttempts calls have been made. It returns the number of calls made.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	p = p.normalized()

	attempts := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(&curve{policy: p}, uint64(p.MaxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !failure.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)

	return attempts, err
}

// curve adapts Policy to backoff.BackOff.
type curve struct {
	policy Policy
	n      int
}

func (c *curve) NextBackOff() time.Duration {
	c.n++
	return c.policy.Backoff(c.n)
}

func (c *curve) Reset() { c.n = 0 }
