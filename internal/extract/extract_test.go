package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func articleHTML(paragraphs int) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>Big Match Report</title></head><body><article>`)
	for i := 0; i < paragraphs; i++ {
		fmt.Fprintf(&b, "<p>Paragraph %d of the match report, with enough words to look like real prose for the extractor to keep.</p>", i)
	}
	b.WriteString(`</article></body></html>`)
	return b.String()
}

func TestExtractSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, articleHTML(10))
	}))
	defer srv.Close()

	e := New(5*time.Second, 100)
	c := e.Extract(context.Background(), srv.URL+"/story")
	if c.Err != nil {
		t.Fatalf("unexpected extraction error: %v", c.Err)
	}
	if !strings.Contains(c.Text, "Paragraph 3") {
		t.Error("expected extracted text to contain article body")
	}
	if c.Confidence == 0 {
		t.Error("expected non-zero confidence")
	}
}

func TestExtractHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	e := New(5*time.Second, 100)
	c := e.Extract(context.Background(), srv.URL+"/story")
	if c.Err == nil {
		t.Fatal("expected extraction error for 403")
	}
	if c.Err.Reason != "HTTP 403" {
		t.Errorf("unexpected reason %q", c.Err.Reason)
	}
}

func TestExtractTooShort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><article><p>tiny</p></article></body></html>`)
	}))
	defer srv.Close()

	e := New(5*time.Second, 150)
	c := e.Extract(context.Background(), srv.URL+"/story")
	if c.Err == nil || c.Err.Reason != "text too short" {
		t.Errorf("expected text too short, got %v", c.Err)
	}
}

func TestExtractTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, articleHTML(10))
	}))
	defer srv.Close()

	e := New(50*time.Millisecond, 100)
	c := e.Extract(context.Background(), srv.URL+"/slow")
	if c.Err == nil || c.Err.Reason != "timeout" {
		t.Errorf("expected timeout, got %v", c.Err)
	}
}

func TestBatchMixedResults(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.HasPrefix(r.URL.Path, "/bad") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, articleHTML(10))
	}))
	defer srv.Close()

	urls := []string{
		srv.URL + "/good/1",
		srv.URL + "/good/2",
		srv.URL + "/bad/3",
		srv.URL + "/good/1", // duplicate, extracted once
		"",
	}

	e := New(5*time.Second, 100)
	contents, result := e.Batch(context.Background(), urls, 2)

	if result.Extracted != 2 || result.Failed != 1 {
		t.Errorf("expected 2 extracted / 1 failed, got %d/%d", result.Extracted, result.Failed)
	}
	if len(contents) != 3 {
		t.Errorf("expected 3 unique contents, got %d", len(contents))
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", hits.Load())
	}
	if c := contents[srv.URL+"/bad/3"]; c == nil || c.Err == nil {
		t.Error("expected failed content recorded for bad URL")
	}
}

func TestBatchCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, articleHTML(10))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(5*time.Second, 100)
	contents, result := e.Batch(ctx, []string{srv.URL + "/a", srv.URL + "/b"}, 1)
	if result.Failed != 2 {
		t.Errorf("expected all items failed after cancellation, got %d", result.Failed)
	}
	for _, c := range contents {
		if c.Err == nil {
			t.Error("expected error on cancelled item")
		}
	}
}
