package source

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"digestwire/internal/retry"
)

// FeedSource polls a single RSS/Atom feed.
type FeedSource struct {
	id       string
	name     string
	feedURL  string
	maxItems int
	cutoff   time.Time
	policy   retry.Policy
	parser   *gofeed.Parser
}

// NewFeedSource creates a feed source. name is the display name attached to
// items; empty derives it from the feed host.
func NewFeedSource(id, name, feedURL string, maxItems int, cutoff time.Time, policy retry.Policy) *FeedSource {
	if name == "" {
		name = hostDisplayName(feedURL)
	}
	return &FeedSource{
		id:       id,
		name:     name,
		feedURL:  feedURL,
		maxItems: maxItems,
		cutoff:   cutoff,
		policy:   policy,
		parser:   gofeed.NewParser(),
	}
}

func (s *FeedSource) ID() string { return s.id }

// Fetch parses the feed and returns items within the lookback window.
func (s *FeedSource) Fetch(ctx context.Context) ([]CandidateItem, error) {
	var feed *gofeed.Feed
	err := s.policy.Do(ctx, func() error {
		f, err := s.parser.ParseURLWithContext(s.feedURL, ctx)
		if err != nil {
			return classifyFeedErr(err)
		}
		feed = f
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, Unavailable(err)
	}

	now := time.Now()
	var items []CandidateItem
	for _, item := range feed.Items {
		ci := feedItemToCandidate(item, s.id, s.name, now)
		if ci != nil {
			items = append(items, *ci)
		}
	}
	return capItems(applyWindow(items, s.cutoff), s.maxItems), nil
}

func classifyFeedErr(err error) error {
	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return err
		}
		return retry.Permanent(Unavailable(err))
	}
	if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
		return retry.Permanent(Malformed(err))
	}
	// transport errors are retryable
	return err
}

func feedItemToCandidate(item *gofeed.Item, sourceID, sourceName string, fetchedAt time.Time) *CandidateItem {
	link := item.Link
	if link == "" {
		link = item.GUID
	}
	title := strings.TrimSpace(item.Title)
	if link == "" || title == "" {
		return nil
	}

	var published *time.Time
	if item.PublishedParsed != nil {
		t := *item.PublishedParsed
		published = &t
	} else if item.UpdatedParsed != nil {
		t := *item.UpdatedParsed
		published = &t
	}

	meta := map[string]string{"source": sourceName}
	if item.Description != "" {
		meta["summary"] = stripHTML(item.Description)
	}

	resolved := link
	return &CandidateItem{
		SourceID:    sourceID,
		RawURL:      link,
		ResolvedURL: &resolved,
		Title:       title,
		PublishedAt: published,
		FetchedAt:   fetchedAt,
		Metadata:    meta,
	}
}

func stripHTML(text string) string {
	var b strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			b.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			b.WriteRune(r)
		}
	}

	s := b.String()
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")

	return strings.Join(strings.Fields(s), " ")
}

func hostDisplayName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "rss.", "feeds.", "news."} {
		host = strings.TrimPrefix(host, prefix)
	}
	parts := strings.Split(host, ".")
	name := parts[0]
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	if name == "" {
		return host
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
