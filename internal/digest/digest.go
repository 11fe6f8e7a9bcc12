// Package digest assembles the deduplicated story set into the ranked
// document that every distribution sink consumes.
package digest

import (
	"errors"
	"sort"
	"strings"
	"time"

	"digestwire/internal/merge"
)

// ErrEmpty reports a run that produced no stories while the configuration
// requires some. It fails the build stage, never the process.
var ErrEmpty = errors.New("digest is empty")

// Digest is the ordered story set for one run. Immutable once built; sinks
// only read it.
type Digest struct {
	RunID          string
	Query          string
	Date           time.Time
	GeneratedAt    time.Time
	Stories        []merge.Story
	SourceCounts   map[string]int
	CandidateCount int
}

// Empty reports whether the digest carries no stories.
func (d *Digest) Empty() bool { return len(d.Stories) == 0 }

// Options control ranking and the item cap.
type Options struct {
	Policy         string // recency | coverage | none
	MaxItems       int
	RequireStories bool
}

// Build ranks and caps the story set. The sort is stable and ties always
// break on story ID, so a fixed story set builds an identical digest every
// time.
func Build(runID, query string, date time.Time, stories []merge.Story, candidateCount int, opts Options) (*Digest, error) {
	ranked := make([]merge.Story, len(stories))
	copy(ranked, stories)

	switch opts.Policy {
	case "coverage":
		for i := range ranked {
			ranked[i].RankScore = float64(len(ranked[i].ContributingSources))
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].RankScore != ranked[j].RankScore {
				return ranked[i].RankScore > ranked[j].RankScore
			}
			if ti, tj := rankTime(ranked[i]), rankTime(ranked[j]); !ti.Equal(tj) {
				return ti.After(tj)
			}
			return ranked[i].ID < ranked[j].ID
		})
	case "recency":
		sort.SliceStable(ranked, func(i, j int) bool {
			if ti, tj := rankTime(ranked[i]), rankTime(ranked[j]); !ti.Equal(tj) {
				return ti.After(tj)
			}
			return ranked[i].ID < ranked[j].ID
		})
	default: // "none": keep deterministic merge order
	}

	if opts.MaxItems > 0 && len(ranked) > opts.MaxItems {
		ranked = ranked[:opts.MaxItems]
	}

	d := &Digest{
		RunID:          runID,
		Query:          query,
		Date:           date,
		GeneratedAt:    time.Now().UTC(),
		Stories:        ranked,
		SourceCounts:   countSources(ranked),
		CandidateCount: candidateCount,
	}

	if d.Empty() && opts.RequireStories {
		return d, ErrEmpty
	}
	return d, nil
}

// rankTime orders a story by published time, falling back to first seen.
func rankTime(s merge.Story) time.Time {
	if s.PublishedAt != nil {
		return *s.PublishedAt
	}
	return s.FirstSeenAt
}

func countSources(stories []merge.Story) map[string]int {
	counts := make(map[string]int)
	for _, s := range stories {
		for _, id := range s.ContributingSources {
			counts[id]++
		}
	}
	return counts
}

// Subject renders the configured subject template, replacing {query} and
// {date}.
func Subject(template, query string, date time.Time) string {
	s := strings.ReplaceAll(template, "{query}", query)
	return strings.ReplaceAll(s, "{date}", date.Format("2006-01-02"))
}
