package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"digestwire/internal/journal"
	"digestwire/internal/run"
)

func openTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("failed to open test journal: %v", err)
	}
	t.Cleanup(func() { jnl.Close() })
	return jnl
}

func ptr(s string) *string { return &s }

// stubRunner records executions and optionally blocks until released.
type stubRunner struct {
	started chan string
	release chan struct{}
}

func (r *stubRunner) Execute(_ context.Context, opts run.Options) *run.Summary {
	if r.started != nil {
		r.started <- opts.RunID
	}
	if r.release != nil {
		<-r.release
	}
	return &run.Summary{RunID: opts.RunID, Status: run.StatusCompleted}
}

func TestHealthz(t *testing.T) {
	srv := New(openTestJournal(t), &stubRunner{}, "TEST_SERVER_KEY")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestTriggerRequiresAPIKey(t *testing.T) {
	t.Setenv("TEST_SERVER_KEY", "secret")
	srv := New(openTestJournal(t), &stubRunner{}, "TEST_SERVER_KEY")

	req := httptest.NewRequest("POST", "/api/run", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/api/run", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: expected 401, got %d", rec.Code)
	}
}

func TestTriggerDisabledWithoutConfiguredKey(t *testing.T) {
	srv := New(openTestJournal(t), &stubRunner{}, "TEST_SERVER_KEY_UNSET")

	req := httptest.NewRequest("POST", "/api/run", nil)
	req.Header.Set("X-API-Key", "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 when no key is configured, got %d", rec.Code)
	}
}

func TestTriggerStartsRunAndReportsBusy(t *testing.T) {
	t.Setenv("TEST_SERVER_KEY", "secret")
	runner := &stubRunner{started: make(chan string, 1), release: make(chan struct{})}
	srv := New(openTestJournal(t), runner, "TEST_SERVER_KEY")

	req := httptest.NewRequest("POST", "/api/run", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["run_id"] == "" {
		t.Error("expected a run_id in the response")
	}

	// wait for the async run to start, then trigger again while it holds
	select {
	case id := <-runner.started:
		if id != resp["run_id"] {
			t.Errorf("runner got run ID %s, response said %s", id, resp["run_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("run never started")
	}

	req = httptest.NewRequest("POST", "/api/run", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 while busy, got %d", rec.Code)
	}

	close(runner.release)
}

func TestListRuns(t *testing.T) {
	jnl := openTestJournal(t)
	jnl.StartRun("run-a", "aek", "completed")
	jnl.StartRun("run-b", "aek", "completed")
	srv := New(jnl, &stubRunner{}, "TEST_SERVER_KEY")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs?limit=1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Runs []struct {
			RunID string `json:"run_id"`
		} `json:"runs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Runs) != 1 || resp.Runs[0].RunID != "run-b" {
		t.Errorf("unexpected runs %+v", resp.Runs)
	}
}

func TestGetRunDetail(t *testing.T) {
	jnl := openTestJournal(t)
	jnl.StartRun("run-a", "aek", "fetching")
	jnl.StageStarted("run-a", "fetch")
	jnl.StageFinished("run-a", "fetch", "succeeded", ptr("8 items from 2/2 sources"), nil)
	jnl.RecordStories("run-a", []journal.StoryRecord{
		{StoryID: "aaaa", CanonicalURL: "https://ex.com/a", Title: "Story", Sources: "feed", Position: 0},
	})
	jnl.RecordSink("run-a", journal.SinkRecord{SinkID: "email", Outcome: "succeeded", Attempts: 1, FinishedAt: time.Now()})
	jnl.FinishRun("run-a", "completed", 0, 8, 1, ptr("# aek digest"), nil)

	srv := New(jnl, &stubRunner{}, "TEST_SERVER_KEY")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/run-a", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Run struct {
			Status     string `json:"status"`
			StoryCount int    `json:"story_count"`
		} `json:"run"`
		Stages  []struct{ Stage, Status string } `json:"stages"`
		Stories []struct {
			StoryID string `json:"story_id"`
		} `json:"stories"`
		Sinks []struct {
			SinkID  string `json:"sink_id"`
			Outcome string `json:"outcome"`
		} `json:"sinks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Run.Status != "completed" || resp.Run.StoryCount != 1 {
		t.Errorf("unexpected run %+v", resp.Run)
	}
	if len(resp.Stages) != 1 || resp.Stages[0].Stage != "fetch" {
		t.Errorf("unexpected stages %+v", resp.Stages)
	}
	if len(resp.Stories) != 1 || resp.Stories[0].StoryID != "aaaa" {
		t.Errorf("unexpected stories %+v", resp.Stories)
	}
	if len(resp.Sinks) != 1 || resp.Sinks[0].Outcome != "succeeded" {
		t.Errorf("unexpected sinks %+v", resp.Sinks)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := New(openTestJournal(t), &stubRunner{}, "TEST_SERVER_KEY")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/ghost", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestGetRunDigestHTML(t *testing.T) {
	jnl := openTestJournal(t)
	jnl.StartRun("run-a", "aek", "completed")
	jnl.FinishRun("run-a", "completed", 0, 8, 1, ptr("# aek digest - 2026-08-31\n\n## [Story](https://ex.com/a)\n"), nil)

	srv := New(jnl, &stubRunner{}, "TEST_SERVER_KEY")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/run-a/digest", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("unexpected content type %s", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<h1") || !strings.Contains(body, `href="https://ex.com/a"`) {
		t.Errorf("expected rendered digest HTML, got %s", body)
	}
}

func TestGetRunDigestMissing(t *testing.T) {
	jnl := openTestJournal(t)
	jnl.StartRun("run-a", "aek", "aborted")

	srv := New(jnl, &stubRunner{}, "TEST_SERVER_KEY")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/run-a/digest", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a run without a digest, got %d", rec.Code)
	}
}
