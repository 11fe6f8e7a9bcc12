package digest

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
)

var md = goldmark.New()

// Markdown renders the digest document: a title, a stats line, and one
// section per story separated by rules.
func (d *Digest) Markdown(excerptChars int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s digest — %s\n\n", d.Query, d.Date.Format("2006-01-02"))

	if d.Empty() {
		b.WriteString("No stories today.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "%d stories from %d sources (%d candidates collected)\n",
		len(d.Stories), len(d.SourceCounts), d.CandidateCount)

	for _, s := range d.Stories {
		b.WriteString("\n---\n\n")
		fmt.Fprintf(&b, "## [%s](%s)\n\n", s.Title, s.CanonicalURL)

		line := fmt.Sprintf("Sources: %s", strings.Join(s.ContributingSources, ", "))
		if s.PublishedAt != nil {
			line += " · " + s.PublishedAt.Format("2006-01-02 15:04")
		}
		if s.URLUnresolved {
			line += " · unresolved link"
		}
		b.WriteString(line + "\n")

		if s.Content != nil {
			if s.Content.Byline != "" {
				fmt.Fprintf(&b, "\n*%s*\n", s.Content.Byline)
			}
			if s.Content.Text != "" {
				fmt.Fprintf(&b, "\n%s\n", excerpt(s.Content.Text, excerptChars))
			}
		}
	}

	return b.String()
}

// HTML converts the digest markdown for HTML-consuming sinks (email body,
// archive object, operator view).
func (d *Digest) HTML(excerptChars int) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(d.Markdown(excerptChars)), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// excerpt cuts text at the last word boundary before limit.
func excerpt(text string, limit int) string {
	if limit <= 0 {
		limit = 400
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	cut := string(runes[:limit])
	if i := strings.LastIndexAny(cut, " \t\n"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

// SortedSources returns the digest's source IDs with counts, highest first,
// for run summaries.
func (d *Digest) SortedSources() []string {
	type kv struct {
		id string
		n  int
	}
	var all []kv
	for id, n := range d.SourceCounts {
		all = append(all, kv{id, n})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].n != all[j].n {
			return all[i].n > all[j].n
		}
		return all[i].id < all[j].id
	})
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = fmt.Sprintf("%s (%d)", s.id, s.n)
	}
	return out
}
