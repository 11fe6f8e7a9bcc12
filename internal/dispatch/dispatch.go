// Package dispatch fans a finished digest out to independently-configured
// sinks. Sinks never see each other; one failing never stops the others.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"digestwire/internal/digest"
	"digestwire/internal/retry"
)

// Sink delivers a digest to one destination. Deliver must honor ctx and
// must not mutate the digest.
type Sink interface {
	ID() string
	Deliver(ctx context.Context, d *digest.Digest) error
}

// SkipError tells the dispatcher a sink declined this digest. A skip is not
// a failure and is never retried.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

// Skip builds a SkipError.
func Skip(reason string) error { return &SkipError{Reason: reason} }

// Status of one sink delivery.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Outcome records one sink's delivery result.
type Outcome struct {
	SinkID     string
	Status     Status
	Detail     string // failure or skip reason
	Attempts   int
	FinishedAt time.Time
}

// Dispatcher runs all sinks concurrently under a shared retry policy.
type Dispatcher struct {
	sinks  []Sink
	policy retry.Policy
}

// New creates a dispatcher.
func New(sinks []Sink, policy retry.Policy) *Dispatcher {
	return &Dispatcher{sinks: sinks, policy: policy}
}

// Dispatch delivers the digest to every sink and returns an outcome per
// sink ID. The digest is read-only from the caller's perspective and from
// every sink's, so the fan-out needs no locking.
func (d *Dispatcher) Dispatch(ctx context.Context, dig *digest.Digest) map[string]Outcome {
	outcomes := make(map[string]Outcome, len(d.sinks))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sink := range d.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			out := d.deliverOne(ctx, s, dig)
			mu.Lock()
			outcomes[s.ID()] = out
			mu.Unlock()
		}(sink)
	}
	wg.Wait()

	return outcomes
}

func (d *Dispatcher) deliverOne(ctx context.Context, s Sink, dig *digest.Digest) Outcome {
	out := Outcome{SinkID: s.ID()}

	err := d.policy.Do(ctx, func() error {
		out.Attempts++
		err := s.Deliver(ctx, dig)
		if err != nil {
			if _, skip := isSkip(err); skip {
				return retry.Permanent(err)
			}
			log.Printf("dispatch: %s attempt %d failed: %v", s.ID(), out.Attempts, err)
		}
		return err
	})
	out.FinishedAt = time.Now().UTC()

	switch {
	case err == nil:
		out.Status = StatusSucceeded
		log.Printf("dispatch: %s succeeded", s.ID())
	default:
		if reason, skip := isSkip(err); skip {
			out.Status = StatusSkipped
			out.Detail = reason
			log.Printf("dispatch: %s skipped: %s", s.ID(), reason)
		} else {
			out.Status = StatusFailed
			out.Detail = err.Error()
			log.Printf("dispatch: %s failed: %v", s.ID(), err)
		}
	}
	return out
}

func isSkip(err error) (string, bool) {
	var skip *SkipError
	if errors.As(err, &skip) {
		return skip.Reason, true
	}
	return "", false
}

// SkippedOutcomes marks every sink skipped with one reason, for dry runs
// and builds that produced no digest.
func (d *Dispatcher) SkippedOutcomes(reason string) map[string]Outcome {
	outcomes := make(map[string]Outcome, len(d.sinks))
	now := time.Now().UTC()
	for _, s := range d.sinks {
		outcomes[s.ID()] = Outcome{
			SinkID:     s.ID(),
			Status:     StatusSkipped,
			Detail:     reason,
			FinishedAt: now,
		}
	}
	return outcomes
}

// AnyFailed and AllFailed implement the run exit policy: partial success is
// a warning, total failure fails the run. Skipped sinks count as neither.
func AnyFailed(outcomes map[string]Outcome) bool {
	for _, out := range outcomes {
		if out.Status == StatusFailed {
			return true
		}
	}
	return false
}

func AllFailed(outcomes map[string]Outcome) bool {
	failed := 0
	for _, out := range outcomes {
		switch out.Status {
		case StatusFailed:
			failed++
		case StatusSucceeded:
			return false
		}
	}
	return failed > 0
}
