package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const defaultMinTextLength = 150

// Content is the extracted article body for one resolved URL.
type Content struct {
	URL        string
	Text       string
	Byline     string
	Confidence float64
	Err        *Error // set when extraction failed; Text is empty then
}

// Error describes a per-item extraction failure. It never aborts a batch.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// Extractor retrieves article pages and extracts readable text.
type Extractor struct {
	client    *http.Client
	timeout   time.Duration
	minLength int
}

// New creates an extractor with a per-item timeout.
func New(timeout time.Duration, minTextLength int) *Extractor {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	if minTextLength == 0 {
		minTextLength = defaultMinTextLength
	}
	return &Extractor{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		timeout:   timeout,
		minLength: minTextLength,
	}
}

// Extract fetches one URL and extracts its text. A failure is reported in
// the returned Content, not as a Go error, so callers can keep the item.
func (e *Extractor) Extract(ctx context.Context, rawURL string) *Content {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	c := &Content{URL: rawURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		c.Err = &Error{Reason: fmt.Sprintf("bad url: %v", err)}
		return c
	}
	req.Header.Set("User-Agent", "digestwire/1.0 (news aggregator)")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			c.Err = &Error{Reason: "timeout"}
		} else {
			c.Err = &Error{Reason: fmt.Sprintf("request failed: %v", err)}
		}
		return c
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.Err = &Error{Reason: fmt.Sprintf("HTTP %d", resp.StatusCode)}
		return c
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.Err = &Error{Reason: fmt.Sprintf("reading body: %v", err)}
		return c
	}

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil {
		c.Err = &Error{Reason: fmt.Sprintf("readability: %v", err)}
		return c
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) < e.minLength {
		c.Err = &Error{Reason: "text too short"}
		return c
	}

	c.Text = text
	c.Byline = strings.TrimSpace(article.Byline)
	c.Confidence = confidence(len(text))
	return c
}

// confidence is a coarse signal for downstream display decisions, scaled by
// how much text survived extraction.
func confidence(textLen int) float64 {
	switch {
	case textLen >= 2000:
		return 1.0
	case textLen >= 500:
		return 0.8
	default:
		return 0.5
	}
}
