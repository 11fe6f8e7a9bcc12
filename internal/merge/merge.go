package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sort"
	"time"

	"digestwire/internal/extract"
	"digestwire/internal/source"
)

// ambiguousBand is the width above the similarity threshold inside which a
// near-duplicate merge is logged as borderline.
const ambiguousBand = 0.1

// Story is the canonical deduplicated representation of one article.
type Story struct {
	ID                  string
	CanonicalURL        string
	Title               string
	ContributingSources []string // sorted, non-empty
	Content             *extract.Content // nil when no source yielded text
	PublishedAt         *time.Time
	FirstSeenAt         time.Time
	URLUnresolved       bool
	RankScore           float64
}

// Options are the merge policy knobs. The similarity metric and window are
// policy, not mechanism: tuning them never changes the URL-first algorithm.
type Options struct {
	Window          time.Duration
	TitleSimilarity float64
	SourcePriority  []string // source IDs in authority order
}

// Engine collapses candidate items across sources into canonical stories.
type Engine struct {
	opts     Options
	priority map[string]int
}

// New creates a merge engine.
func New(opts Options) *Engine {
	if opts.Window == 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.TitleSimilarity == 0 {
		opts.TitleSimilarity = 0.6
	}
	prio := make(map[string]int, len(opts.SourcePriority))
	for i, id := range opts.SourcePriority {
		prio[id] = i
	}
	return &Engine{opts: opts, priority: prio}
}

func (e *Engine) rank(sourceID string) int {
	if r, ok := e.priority[sourceID]; ok {
		return r
	}
	return len(e.opts.SourcePriority)
}

type candidate struct {
	item       source.CandidateItem
	key        string // canonical URL after scheme upgrade
	unresolved bool
}

// Merge produces the canonical story set for a batch. The output is
// deterministic for a fixed input set regardless of input order.
func (e *Engine) Merge(items []source.CandidateItem, contents map[string]*extract.Content) []Story {
	if len(items) == 0 {
		return nil
	}

	cands := make([]candidate, 0, len(items))
	keys := make([]string, 0, len(items))
	for _, item := range items {
		raw := item.RawURL
		unresolved := item.ResolvedURL == nil
		if !unresolved {
			raw = *item.ResolvedURL
		}
		key := CanonicalURL(raw)
		cands = append(cands, candidate{item: item, key: key, unresolved: unresolved})
		keys = append(keys, key)
	}

	// Upgrade http keys to https where both schemes were observed.
	upgraded := upgradeSchemes(keys)
	for i := range cands {
		cands[i].key = upgraded[cands[i].key]
	}

	// Deterministic processing order: authority first, then arrival, then
	// stable textual tie-breaks. Removes any ordering introduced by
	// concurrent fetching.
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if ra, rb := e.rank(a.item.SourceID), e.rank(b.item.SourceID); ra != rb {
			return ra < rb
		}
		if !a.item.FetchedAt.Equal(b.item.FetchedAt) {
			return a.item.FetchedAt.Before(b.item.FetchedAt)
		}
		if a.item.SourceID != b.item.SourceID {
			return a.item.SourceID < b.item.SourceID
		}
		return a.key < b.key
	})

	// Exact canonical-URL grouping.
	groupOf := make(map[string]int)
	var groups [][]int // candidate indices per group, in processing order
	for i, c := range cands {
		g, ok := groupOf[c.key]
		if !ok {
			g = len(groups)
			groupOf[c.key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}

	// Secondary near-duplicate pass over group seeds: similar title AND
	// published inside the window, both required.
	parent := make([]int, len(groups))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); j++ {
			if find(i) == find(j) {
				continue
			}
			a, b := cands[groups[i][0]], cands[groups[j][0]]
			sim := TitleSimilarity(a.item.Title, b.item.Title)
			if sim < e.opts.TitleSimilarity {
				continue
			}
			if !withinWindow(a.item.PublishedAt, b.item.PublishedAt, e.opts.Window) {
				continue
			}
			if sim < e.opts.TitleSimilarity+ambiguousBand {
				log.Printf("merge: ambiguous near-duplicate (similarity %.2f): %q / %q", sim, a.item.Title, b.item.Title)
			}
			// the earlier group seeds the story
			parent[find(j)] = find(i)
		}
	}

	// Assemble stories in seed order.
	clusterOf := make(map[int][]int) // root group -> candidate indices
	var order []int
	for g := range groups {
		root := find(g)
		if _, ok := clusterOf[root]; !ok && root == g {
			order = append(order, root)
		}
		clusterOf[root] = append(clusterOf[root], groups[g]...)
	}

	stories := make([]Story, 0, len(order))
	for _, root := range order {
		stories = append(stories, e.assemble(cands, clusterOf[root], contents))
	}
	return stories
}

// withinWindow requires both published times: an item without one cannot be
// near-duplicate merged, only URL-merged.
func withinWindow(a, b *time.Time, window time.Duration) bool {
	if a == nil || b == nil {
		return false
	}
	d := a.Sub(*b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// assemble builds one Story from a cluster of candidate indices. The first
// index is the highest-priority seed and provides the canonical URL and title.
func (e *Engine) assemble(cands []candidate, cluster []int, contents map[string]*extract.Content) Story {
	sort.Ints(cluster)
	seed := cands[cluster[0]]

	sourceSet := make(map[string]struct{})
	firstSeen := seed.item.FetchedAt
	var published *time.Time
	var content *extract.Content
	unresolved := true

	for _, ci := range cluster {
		c := cands[ci]
		sourceSet[c.item.SourceID] = struct{}{}
		if c.item.FetchedAt.Before(firstSeen) {
			firstSeen = c.item.FetchedAt
		}
		if c.item.PublishedAt != nil && (published == nil || c.item.PublishedAt.Before(*published)) {
			t := *c.item.PublishedAt
			published = &t
		}
		if !c.unresolved {
			unresolved = false
			// candidates are in priority order, so the first hit wins
			if content == nil && c.item.ResolvedURL != nil {
				if got := contents[*c.item.ResolvedURL]; got != nil && got.Err == nil {
					content = got
				}
			}
		}
	}

	sources := make([]string, 0, len(sourceSet))
	for id := range sourceSet {
		sources = append(sources, id)
	}
	sort.Strings(sources)

	return Story{
		ID:                  StoryID(seed.key),
		CanonicalURL:        seed.key,
		Title:               seed.item.Title,
		ContributingSources: sources,
		Content:             content,
		PublishedAt:         published,
		FirstSeenAt:         firstSeen,
		URLUnresolved:       unresolved,
	}
}

// StoryID is the stable identifier for a canonical URL: the first 16 hex
// characters of its SHA-256.
func StoryID(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])[:16]
}
