package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestEmailSinkDeliver(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/mail/send" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("expected bearer auth")
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	t.Setenv("TEST_MAIL_KEY", "key")
	t.Setenv("TEST_MAIL_FROM", "digest@example.com")

	sink := NewEmailSink(EmailConfig{
		Endpoint:         srv.URL,
		APIKeyEnv:        "TEST_MAIL_KEY",
		FromEmailEnv:     "TEST_MAIL_FROM",
		FromNameTemplate: "{query} Daily",
		Recipients:       []string{"a@example.com", "b@example.com"},
		SubjectTemplate:  "{query} digest - {date}",
	})

	if err := sink.Deliver(context.Background(), testDigest(t, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["subject"] != "test digest - 2026-08-31" {
		t.Errorf("unexpected subject %v", got["subject"])
	}
	from := got["from"].(map[string]any)
	if from["name"] != "test Daily" {
		t.Errorf("unexpected from name %v", from["name"])
	}
}

func TestEmailSinkSkipsEmptyDigest(t *testing.T) {
	t.Setenv("TEST_MAIL_KEY", "key")
	t.Setenv("TEST_MAIL_FROM", "digest@example.com")

	sink := NewEmailSink(EmailConfig{
		APIKeyEnv:    "TEST_MAIL_KEY",
		FromEmailEnv: "TEST_MAIL_FROM",
	})

	err := sink.Deliver(context.Background(), testDigest(t, 0))
	var skip *SkipError
	if !errors.As(err, &skip) {
		t.Fatalf("expected skip for empty digest, got %v", err)
	}

	sink.cfg.SendEmpty = true
	sink.cfg.Endpoint = "http://127.0.0.1:0" // unreachable; send must be attempted
	if err := sink.Deliver(context.Background(), testDigest(t, 0)); err == nil || errors.As(err, &skip) {
		t.Errorf("send_empty must attempt delivery, got %v", err)
	}
}

func TestEmailSinkClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	t.Setenv("TEST_MAIL_KEY", "key")
	t.Setenv("TEST_MAIL_FROM", "digest@example.com")

	sink := NewEmailSink(EmailConfig{
		Endpoint:     srv.URL,
		APIKeyEnv:    "TEST_MAIL_KEY",
		FromEmailEnv: "TEST_MAIL_FROM",
		Recipients:   []string{"a@example.com"},
	})

	calls := 0
	err := testPolicy.Do(context.Background(), func() error {
		calls++
		return sink.Deliver(context.Background(), testDigest(t, 1))
	})
	if err == nil {
		t.Fatal("expected error for 400")
	}
	if calls != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls)
	}
}

func TestForumSinkDeliver(t *testing.T) {
	var submitted url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			if _, _, ok := r.BasicAuth(); !ok {
				t.Error("expected basic auth on token exchange")
			}
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
		case "/api/submit":
			if r.Header.Get("Authorization") != "Bearer tok" {
				t.Errorf("unexpected auth %q", r.Header.Get("Authorization"))
			}
			r.ParseForm()
			submitted = r.PostForm
			json.NewEncoder(w).Encode(map[string]any{"json": map[string]any{"errors": []any{}}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	t.Setenv("TEST_FORUM_ID", "id")
	t.Setenv("TEST_FORUM_SECRET", "secret")
	t.Setenv("TEST_FORUM_REFRESH", "refresh")

	sink := NewForumSink(ForumConfig{
		AuthEndpoint:    srv.URL + "/token",
		APIEndpoint:     srv.URL,
		ClientIDEnv:     "TEST_FORUM_ID",
		ClientSecretEnv: "TEST_FORUM_SECRET",
		RefreshTokenEnv: "TEST_FORUM_REFRESH",
		UserAgent:       "digestwire-test/1.0",
		Subreddit:       "soccer",
		FlairID:         "flair-1",
		SubjectTemplate: "{query} digest - {date}",
	})

	if err := sink.Deliver(context.Background(), testDigest(t, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if submitted.Get("sr") != "soccer" || submitted.Get("kind") != "self" {
		t.Errorf("unexpected form %v", submitted)
	}
	if submitted.Get("flair_id") != "flair-1" {
		t.Error("expected flair id in submission")
	}
}

func TestForumSinkSubmitErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
		case "/api/submit":
			json.NewEncoder(w).Encode(map[string]any{
				"json": map[string]any{"errors": []any{[]any{"SUBREDDIT_NOTALLOWED", "not allowed"}}},
			})
		}
	}))
	defer srv.Close()

	t.Setenv("TEST_FORUM_ID", "id")
	t.Setenv("TEST_FORUM_SECRET", "secret")
	t.Setenv("TEST_FORUM_REFRESH", "refresh")

	sink := NewForumSink(ForumConfig{
		AuthEndpoint:    srv.URL + "/token",
		APIEndpoint:     srv.URL,
		ClientIDEnv:     "TEST_FORUM_ID",
		ClientSecretEnv: "TEST_FORUM_SECRET",
		RefreshTokenEnv: "TEST_FORUM_REFRESH",
		Subreddit:       "soccer",
	})

	if err := sink.Deliver(context.Background(), testDigest(t, 1)); err == nil {
		t.Error("expected error when the API reports submit errors")
	}
}

func TestForumSinkSkipsEmptyDigest(t *testing.T) {
	sink := NewForumSink(ForumConfig{})
	err := sink.Deliver(context.Background(), testDigest(t, 0))
	var skip *SkipError
	if !errors.As(err, &skip) {
		t.Errorf("forum must always skip an empty digest, got %v", err)
	}
}

// mockPutter records PutObject calls.
type mockPutter struct {
	bucket, key, contentType string
	body                     string
	err                      error
}

func (m *mockPutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.bucket = *in.Bucket
	m.key = *in.Key
	m.contentType = *in.ContentType
	body, _ := io.ReadAll(in.Body)
	m.body = string(body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveSinkDeliver(t *testing.T) {
	putter := &mockPutter{}
	sink := &ArchiveSink{cfg: ArchiveConfig{Bucket: "digests", Prefix: "aek"}, client: putter}

	if err := sink.Deliver(context.Background(), testDigest(t, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if putter.bucket != "digests" {
		t.Errorf("unexpected bucket %s", putter.bucket)
	}
	if putter.key != "aek/digests/2026/08/31/digest-run-1.html" {
		t.Errorf("unexpected key %s", putter.key)
	}
	if putter.contentType != "text/html; charset=utf-8" {
		t.Errorf("unexpected content type %s", putter.contentType)
	}
	if !strings.Contains(putter.body, "<h1") {
		t.Error("expected rendered HTML body")
	}
}

func TestArchiveSinkUploadsEmptyDigest(t *testing.T) {
	putter := &mockPutter{}
	sink := &ArchiveSink{cfg: ArchiveConfig{Bucket: "digests"}, client: putter}

	if err := sink.Deliver(context.Background(), testDigest(t, 0)); err != nil {
		t.Fatalf("empty digest must still be archived: %v", err)
	}
	if !strings.Contains(putter.body, "No stories today.") {
		t.Error("expected empty-digest notice in archived HTML")
	}
}

func TestArchiveSinkMissingBucketIsPermanent(t *testing.T) {
	putter := &mockPutter{err: &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "missing"}}
	sink := &ArchiveSink{cfg: ArchiveConfig{Bucket: "ghost"}, client: putter}

	calls := 0
	err := testPolicy.Do(context.Background(), func() error {
		calls++
		return sink.Deliver(context.Background(), testDigest(t, 1))
	})
	if err == nil {
		t.Fatal("expected upload error")
	}
	if calls != 1 {
		t.Errorf("NoSuchBucket must not be retried, got %d calls", calls)
	}
}
