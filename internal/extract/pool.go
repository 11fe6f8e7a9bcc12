package extract

import (
	"context"
	"log"
	"sync"
)

// Result summarizes one batch extraction.
type Result struct {
	Extracted int
	Failed    int
}

// Batch extracts all URLs with a fixed number of workers and returns the
// contents keyed by URL. Duplicate URLs are extracted once. Cancellation
// marks still-pending URLs as failed rather than blocking.
func (e *Extractor) Batch(ctx context.Context, urls []string, workers int) (map[string]*Content, *Result) {
	if workers <= 0 {
		workers = 4
	}

	unique := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		unique = append(unique, u)
	}

	jobs := make(chan string)
	out := make(chan *Content)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				if ctx.Err() != nil {
					out <- &Content{URL: u, Err: &Error{Reason: "run cancelled"}}
					continue
				}
				out <- e.Extract(ctx, u)
			}
		}()
	}

	go func() {
		for _, u := range unique {
			jobs <- u
		}
		close(jobs)
		wg.Wait()
		close(out)
	}()

	contents := make(map[string]*Content, len(unique))
	result := &Result{}
	for c := range out {
		contents[c.URL] = c
		if c.Err != nil {
			result.Failed++
			log.Printf("extract: %s failed: %s", c.URL, c.Err.Reason)
		} else {
			result.Extracted++
		}
	}

	log.Printf("extract: %d extracted, %d failed", result.Extracted, result.Failed)
	return contents, result
}
