package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultMaxItems = 20

// ErrUnavailable marks a source that could not be reached after retries.
var ErrUnavailable = errors.New("source unavailable")

// ErrMalformed marks a source that answered with something unparseable.
// Malformed responses are never retried.
var ErrMalformed = errors.New("source response malformed")

// Unavailable wraps err as an ErrUnavailable.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Malformed wraps err as an ErrMalformed.
func Malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}

// CandidateItem is one unmerged observation of a story from one source.
// Immutable once produced by a fetcher.
type CandidateItem struct {
	SourceID    string
	RawURL      string
	ResolvedURL *string // nil until redirect resolution succeeds
	Title       string
	PublishedAt *time.Time // source-reported, nil when unknown
	FetchedAt   time.Time
	Metadata    map[string]string
}

// Source produces candidate items for one configured external source.
// Fetch is restartable per invocation and must honor ctx.
type Source interface {
	ID() string
	Fetch(ctx context.Context) ([]CandidateItem, error)
}

// withinWindow reports whether a published time falls inside the lookback
// window. Items without a published time pass: they cannot be proven stale.
func withinWindow(published *time.Time, cutoff time.Time) bool {
	if cutoff.IsZero() || published == nil {
		return true
	}
	return !published.Before(cutoff)
}

func applyWindow(items []CandidateItem, cutoff time.Time) []CandidateItem {
	if cutoff.IsZero() {
		return items
	}
	kept := items[:0]
	for _, it := range items {
		if withinWindow(it.PublishedAt, cutoff) {
			kept = append(kept, it)
		}
	}
	return kept
}

func capItems(items []CandidateItem, max int) []CandidateItem {
	if max <= 0 {
		max = defaultMaxItems
	}
	if len(items) > max {
		return items[:max]
	}
	return items
}
