package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"digestwire/internal/digest"
	"digestwire/internal/merge"
	"digestwire/internal/retry"
)

var testPolicy = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}

// mockSink is a scriptable Sink for dispatcher tests.
type mockSink struct {
	id    string
	errs  []error // one per call; nil means success
	calls int
}

func (m *mockSink) ID() string { return m.id }

func (m *mockSink) Deliver(_ context.Context, _ *digest.Digest) error {
	var err error
	if m.calls < len(m.errs) {
		err = m.errs[m.calls]
	}
	m.calls++
	return err
}

func testDigest(t *testing.T, stories int) *digest.Digest {
	t.Helper()
	var set []merge.Story
	for i := 0; i < stories; i++ {
		set = append(set, merge.Story{
			ID:                  merge.StoryID(string(rune('a' + i))),
			CanonicalURL:        "https://ex.com/" + string(rune('a'+i)),
			Title:               "Story",
			ContributingSources: []string{"feed"},
		})
	}
	d, err := digest.Build("run-1", "test", time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), set, stories, digest.Options{Policy: "none"})
	if err != nil {
		t.Fatalf("building test digest: %v", err)
	}
	return d
}

func TestDispatchFanOutIsolation(t *testing.T) {
	boom := errors.New("smtp down")
	email := &mockSink{id: "email", errs: []error{boom, boom}}
	archive := &mockSink{id: "archive"}

	d := New([]Sink{email, archive}, testPolicy)
	outcomes := d.Dispatch(context.Background(), testDigest(t, 1))

	if outcomes["email"].Status != StatusFailed {
		t.Errorf("expected email failed, got %s", outcomes["email"].Status)
	}
	if outcomes["archive"].Status != StatusSucceeded {
		t.Errorf("expected archive succeeded, got %s", outcomes["archive"].Status)
	}
	if outcomes["email"].Attempts != 2 {
		t.Errorf("expected 2 attempts on failing sink, got %d", outcomes["email"].Attempts)
	}
}

func TestDispatchRetryRecovers(t *testing.T) {
	flaky := &mockSink{id: "flaky", errs: []error{errors.New("transient")}}
	d := New([]Sink{flaky}, testPolicy)
	outcomes := d.Dispatch(context.Background(), testDigest(t, 1))

	if outcomes["flaky"].Status != StatusSucceeded {
		t.Errorf("expected success after retry, got %s", outcomes["flaky"].Status)
	}
	if outcomes["flaky"].Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", outcomes["flaky"].Attempts)
	}
}

func TestDispatchPermanentErrorNotRetried(t *testing.T) {
	rejected := &mockSink{id: "email", errs: []error{retry.Permanent(errors.New("HTTP 400"))}}
	d := New([]Sink{rejected}, testPolicy)
	outcomes := d.Dispatch(context.Background(), testDigest(t, 1))

	if outcomes["email"].Status != StatusFailed {
		t.Errorf("expected failed, got %s", outcomes["email"].Status)
	}
	if rejected.calls != 1 {
		t.Errorf("permanent error must not be retried, got %d calls", rejected.calls)
	}
}

func TestDispatchSkipNotRetried(t *testing.T) {
	skipping := &mockSink{id: "forum", errs: []error{Skip("empty digest")}}
	d := New([]Sink{skipping}, testPolicy)
	outcomes := d.Dispatch(context.Background(), testDigest(t, 0))

	out := outcomes["forum"]
	if out.Status != StatusSkipped {
		t.Errorf("expected skipped, got %s", out.Status)
	}
	if out.Detail != "empty digest" {
		t.Errorf("unexpected detail %q", out.Detail)
	}
	if skipping.calls != 1 {
		t.Errorf("skip must not be retried, got %d calls", skipping.calls)
	}
}

func TestSkippedOutcomes(t *testing.T) {
	d := New([]Sink{&mockSink{id: "email"}, &mockSink{id: "archive"}}, testPolicy)
	outcomes := d.SkippedOutcomes("dry run")
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for _, out := range outcomes {
		if out.Status != StatusSkipped || out.Detail != "dry run" {
			t.Errorf("unexpected outcome %+v", out)
		}
	}
}

func TestFailurePolicies(t *testing.T) {
	mixed := map[string]Outcome{
		"email":   {Status: StatusFailed},
		"archive": {Status: StatusSucceeded},
	}
	if !AnyFailed(mixed) {
		t.Error("expected AnyFailed for mixed outcomes")
	}
	if AllFailed(mixed) {
		t.Error("partial failure is not total failure")
	}

	total := map[string]Outcome{
		"email": {Status: StatusFailed},
		"forum": {Status: StatusFailed},
	}
	if !AllFailed(total) {
		t.Error("expected AllFailed when no sink succeeded")
	}

	skippedOnly := map[string]Outcome{
		"forum": {Status: StatusSkipped},
	}
	if AnyFailed(skippedOnly) || AllFailed(skippedOnly) {
		t.Error("skipped sinks are neither failures nor successes")
	}
}
