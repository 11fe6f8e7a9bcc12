package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"digestwire/internal/retry"
)

// Edition is one language/country view of a newswire.
type Edition struct {
	Language string
	Country  string
}

// NewswireSource sweeps a newswire's search feed across editions. Links in
// those feeds point at the newswire's interstitial pages, so each item is
// passed through a Resolver to find the publisher URL.
type NewswireSource struct {
	id       string
	host     string
	query    string
	editions []Edition
	maxItems int
	cutoff   time.Time
	policy   retry.Policy
	parser   *gofeed.Parser
	resolver *Resolver
}

// NewNewswireSource creates a newswire source. resolver may be nil, in which
// case items keep ResolvedURL nil.
func NewNewswireSource(id, host, query string, editions []Edition, maxItems int, cutoff time.Time, policy retry.Policy, resolver *Resolver) *NewswireSource {
	return &NewswireSource{
		id:       id,
		host:     host,
		query:    query,
		editions: editions,
		maxItems: maxItems,
		cutoff:   cutoff,
		policy:   policy,
		parser:   gofeed.NewParser(),
		resolver: resolver,
	}
}

func (s *NewswireSource) ID() string { return s.id }

// Fetch sweeps all editions, dedupes by raw link (first edition wins), and
// resolves interstitial links. A failed edition degrades the sweep; the
// source only fails when every edition fails.
func (s *NewswireSource) Fetch(ctx context.Context) ([]CandidateItem, error) {
	if len(s.editions) == 0 {
		return nil, retry.Permanent(Malformed(errors.New("no editions configured")))
	}

	now := time.Now()
	seen := make(map[string]struct{})
	var items []CandidateItem
	var lastErr error
	failed := 0

	for _, ed := range s.editions {
		feedURL := s.searchFeedURL(ed)
		var feed *gofeed.Feed
		err := s.policy.Do(ctx, func() error {
			f, err := s.parser.ParseURLWithContext(feedURL, ctx)
			if err != nil {
				return classifyFeedErr(err)
			}
			feed = f
			return nil
		})
		if err != nil {
			log.Printf("newswire %s: edition %s:%s failed: %v", s.id, ed.Country, ed.Language, err)
			lastErr = err
			failed++
			continue
		}

		for _, item := range feed.Items {
			ci := feedItemToCandidate(item, s.id, "", now)
			if ci == nil {
				continue
			}
			if _, dup := seen[ci.RawURL]; dup {
				continue
			}
			seen[ci.RawURL] = struct{}{}
			ci.ResolvedURL = nil // interstitial link, not the publisher
			ci.Metadata["edition"] = fmt.Sprintf("%s:%s", ed.Country, ed.Language)
			items = append(items, *ci)
		}
	}

	if failed == len(s.editions) {
		if errors.Is(lastErr, ErrMalformed) || errors.Is(lastErr, ErrUnavailable) {
			return nil, lastErr
		}
		return nil, Unavailable(lastErr)
	}

	items = capItems(applyWindow(items, s.cutoff), s.maxItems)

	if s.resolver != nil {
		for i := range items {
			resolved, err := s.resolver.Resolve(ctx, items[i].RawURL)
			if err != nil {
				// unresolved items stay merge-eligible on their raw URL
				log.Printf("newswire %s: could not resolve %s: %v", s.id, items[i].RawURL, err)
				continue
			}
			items[i].ResolvedURL = &resolved
		}
	}

	return items, nil
}

// searchFeedURL builds the per-edition search feed URL, e.g.
// https://news.google.com/rss/search?q=...&hl=en&gl=US&ceid=US:en
func (s *NewswireSource) searchFeedURL(ed Edition) string {
	params := url.Values{"q": {s.query}}
	if ed.Language != "" {
		params.Set("hl", ed.Language)
	}
	if ed.Country != "" {
		params.Set("gl", ed.Country)
	}
	if ed.Language != "" && ed.Country != "" {
		params.Set("ceid", fmt.Sprintf("%s:%s", strings.ToUpper(ed.Country), strings.ToLower(ed.Language)))
	}
	base := s.host
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return fmt.Sprintf("%s/rss/search?%s", base, params.Encode())
}
