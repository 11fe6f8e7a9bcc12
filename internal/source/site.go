package source

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/gocolly/colly/v2"

	"digestwire/internal/retry"
)

const siteUserAgent = "digestwire/1.0 (news aggregator)"

// SiteSpec describes how to scrape one listing page.
type SiteSpec struct {
	ID            string
	URL           string
	ItemSelector  string
	TitleSelector string
	LinkSelector  string
	LinkAttr      string
	DateSelector  string
	MaxItems      int
}

// SiteSource crawls a single listing page with configured selectors, for
// sites that publish news without a feed.
type SiteSource struct {
	spec   SiteSpec
	cutoff time.Time
	policy retry.Policy
}

// NewSiteSource creates a selector-driven site source.
func NewSiteSource(spec SiteSpec, cutoff time.Time, policy retry.Policy) *SiteSource {
	if spec.LinkAttr == "" {
		spec.LinkAttr = "href"
	}
	return &SiteSource{spec: spec, cutoff: cutoff, policy: policy}
}

func (s *SiteSource) ID() string { return s.spec.ID }

// Fetch visits the listing page and extracts one candidate per matched
// entry. A page that loads but matches nothing means the selectors have
// drifted from the markup.
func (s *SiteSource) Fetch(ctx context.Context) ([]CandidateItem, error) {
	pageURL, err := url.Parse(s.spec.URL)
	if err != nil {
		return nil, retry.Permanent(Malformed(err))
	}

	var items []CandidateItem
	err = s.policy.Do(ctx, func() error {
		items = items[:0]
		now := time.Now()

		c := colly.NewCollector(
			colly.AllowedDomains(pageURL.Hostname()),
			colly.UserAgent(siteUserAgent),
		)
		c.SetRequestTimeout(20 * time.Second)

		c.OnHTML(s.spec.ItemSelector, func(e *colly.HTMLElement) {
			if ci := s.elementToCandidate(e, pageURL, now); ci != nil {
				items = append(items, *ci)
			}
		})

		if err := c.Visit(s.spec.URL); err != nil {
			return err
		}
		c.Wait()
		return ctx.Err()
	})
	if err != nil {
		return nil, Unavailable(err)
	}

	if len(items) == 0 {
		// selector drift: the page answered but nothing matched
		return nil, Malformed(errors.New("no items matched selectors"))
	}
	return capItems(applyWindow(items, s.cutoff), s.spec.MaxItems), nil
}

func (s *SiteSource) elementToCandidate(e *colly.HTMLElement, pageURL *url.URL, fetchedAt time.Time) *CandidateItem {
	title := strings.TrimSpace(e.ChildText(s.spec.TitleSelector))
	if title == "" {
		title = strings.TrimSpace(e.Text)
	}

	link := e.ChildAttr(s.spec.LinkSelector, s.spec.LinkAttr)
	if link == "" && e.Name == "a" {
		link = e.Attr(s.spec.LinkAttr)
	}
	if title == "" || link == "" {
		return nil
	}
	abs, err := pageURL.Parse(link)
	if err != nil {
		return nil
	}
	resolved := abs.String()

	var published *time.Time
	if s.spec.DateSelector != "" {
		if text := strings.TrimSpace(e.ChildText(s.spec.DateSelector)); text != "" {
			if t, err := dateparse.ParseAny(text); err == nil {
				published = &t
			} else {
				log.Printf("site %s: unparseable date %q", s.spec.ID, text)
			}
		}
	}

	return &CandidateItem{
		SourceID:    s.spec.ID,
		RawURL:      resolved,
		ResolvedURL: &resolved,
		Title:       title,
		PublishedAt: published,
		FetchedAt:   fetchedAt,
		Metadata:    map[string]string{"source": pageURL.Hostname()},
	}
}
