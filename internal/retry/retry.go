package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff applied uniformly to
// fetch and sink calls.
type Policy struct {
	Attempts  int           // total tries including the first, minimum 1
	BaseDelay time.Duration // delay before the second try, doubled after each failure
	MaxDelay  time.Duration // delay cap, 0 means uncapped
	Jitter    float64       // fraction of the delay added randomly, 0..1
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, attempts are exhausted, the error is
// permanent, or ctx is done. Returns the last error seen.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if i == attempts-1 {
			break
		}

		d := delay
		if p.Jitter > 0 {
			d += time.Duration(rand.Float64() * p.Jitter * float64(d))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
