package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const resolverUserAgent = "digestwire/1.0 (news aggregator)"

// Resolver follows a newswire interstitial link to the publisher URL.
// HTTP redirects are followed first; when the final page is still on a
// newswire host, the HTML body is searched for the publisher target.
type Resolver struct {
	wireHost string
	client   *http.Client
}

// NewResolver creates a resolver that treats wireHost's registrable domain
// (news.google.com -> google.com) and all its subdomains as interstitial
// hosts, since newswire redirects may bounce through sibling hosts.
func NewResolver(wireHost string, timeout time.Duration) *Resolver {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	host := strings.ToLower(wireHost)
	if labels := strings.Split(host, "."); len(labels) > 2 {
		host = strings.Join(labels[len(labels)-2:], ".")
	}
	return &Resolver{
		wireHost: host,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Resolve returns the publisher URL for a newswire link, or an error when no
// target could be found. Resolve never mutates its input.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", resolverUserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	final := resp.Request.URL
	if !r.isWireHost(final.Hostname()) {
		return final.String(), nil
	}

	// Still on the newswire: the page itself names the publisher.
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", err
	}
	if target := r.targetFromDocument(doc, final); target != "" {
		return target, nil
	}
	return "", errors.New("no publisher target in interstitial page")
}

var metaRefreshURL = regexp.MustCompile(`(?i)url\s*=\s*['"]?([^'";]+)`)

// targetFromDocument checks, in order: a meta refresh redirect, the first
// absolute anchor to a non-newswire host, and the og:url property.
func (r *Resolver) targetFromDocument(doc *goquery.Document, base *url.URL) string {
	var target string

	doc.Find(`meta[http-equiv]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if !strings.EqualFold(sel.AttrOr("http-equiv", ""), "refresh") {
			return true
		}
		if m := metaRefreshURL.FindStringSubmatch(sel.AttrOr("content", "")); m != nil {
			if u := r.acceptTarget(m[1], base); u != "" {
				target = u
				return false
			}
		}
		return true
	})
	if target != "" {
		return target
	}

	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href := sel.AttrOr("href", "")
		if !strings.HasPrefix(href, "http") {
			return true
		}
		if u := r.acceptTarget(href, base); u != "" {
			target = u
			return false
		}
		return true
	})
	if target != "" {
		return target
	}

	if og, ok := doc.Find(`meta[property="og:url"]`).Attr("content"); ok {
		if u := r.acceptTarget(og, base); u != "" {
			return u
		}
	}
	return ""
}

// acceptTarget resolves candidate against base and returns it only when it
// leaves the newswire.
func (r *Resolver) acceptTarget(candidate string, base *url.URL) string {
	u, err := base.Parse(strings.TrimSpace(candidate))
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if r.isWireHost(u.Hostname()) {
		return ""
	}
	return u.String()
}

func (r *Resolver) isWireHost(host string) bool {
	host = strings.ToLower(host)
	return host == r.wireHost || strings.HasSuffix(host, "."+r.wireHost)
}
