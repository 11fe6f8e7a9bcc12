package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"digestwire/internal/digest"
	"digestwire/internal/retry"
)

// ForumConfig configures the Reddit-compatible forum sink.
type ForumConfig struct {
	AuthEndpoint    string
	APIEndpoint     string
	ClientIDEnv     string
	ClientSecretEnv string
	RefreshTokenEnv string
	UserAgent       string
	Subreddit       string
	FlairID         string
	SubjectTemplate string
	ExcerptChars    int
}

// ForumSink posts the digest markdown as a self post. Delivery is two
// steps: exchange the refresh token for a bearer token, then submit.
type ForumSink struct {
	cfg          ForumConfig
	clientID     string
	clientSecret string
	refreshToken string
	client       *http.Client
}

// NewForumSink creates the forum sink, reading credentials from the
// configured environment variables.
func NewForumSink(cfg ForumConfig) *ForumSink {
	return &ForumSink{
		cfg:          cfg,
		clientID:     os.Getenv(cfg.ClientIDEnv),
		clientSecret: os.Getenv(cfg.ClientSecretEnv),
		refreshToken: os.Getenv(cfg.RefreshTokenEnv),
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *ForumSink) ID() string { return "forum" }

func (s *ForumSink) Deliver(ctx context.Context, d *digest.Digest) error {
	if d.Empty() {
		return Skip("empty digest")
	}
	if s.clientID == "" || s.clientSecret == "" || s.refreshToken == "" {
		return Skip("forum credentials not configured")
	}

	token, err := s.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}

	form := url.Values{
		"sr":       {s.cfg.Subreddit},
		"title":    {digest.Subject(s.cfg.SubjectTemplate, d.Query, d.Date)},
		"kind":     {"self"},
		"text":     {d.Markdown(s.cfg.ExcerptChars)},
		"api_type": {"json"},
	}
	if s.cfg.FlairID != "" {
		form.Set("flair_id", s.cfg.FlairID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIEndpoint+"/api/submit", strings.NewReader(form.Encode()))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("submit: HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return retry.Permanent(fmt.Errorf("submit rejected: HTTP %d", resp.StatusCode))
	}

	var result struct {
		JSON struct {
			Errors [][]any `json:"errors"`
		} `json:"json"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return retry.Permanent(fmt.Errorf("decoding submit response: %w", err))
	}
	if len(result.JSON.Errors) > 0 {
		return retry.Permanent(fmt.Errorf("submit errors: %v", result.JSON.Errors))
	}
	return nil
}

func (s *ForumSink) accessToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {s.refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.AuthEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.SetBasicAuth(s.clientID, s.clientSecret)
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// usually an invalid or revoked refresh token
		return "", retry.Permanent(fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", retry.Permanent(err)
	}
	if token.AccessToken == "" {
		return "", retry.Permanent(fmt.Errorf("no access token in response"))
	}
	return token.AccessToken, nil
}
