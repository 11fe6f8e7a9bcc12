package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"digestwire/internal/digest"
	"digestwire/internal/retry"
)

// EmailConfig configures the SendGrid-compatible email sink.
type EmailConfig struct {
	Endpoint         string
	APIKeyEnv        string
	FromEmailEnv     string
	FromNameTemplate string // {query} is replaced with the digest query
	Recipients       []string
	SubjectTemplate  string
	ExcerptChars     int
	SendEmpty        bool
}

// EmailSink sends the digest as an HTML email to all recipients in one
// personalization.
type EmailSink struct {
	cfg    EmailConfig
	apiKey string
	from   string
	client *http.Client
}

// NewEmailSink creates the email sink, reading credentials from the
// configured environment variables.
func NewEmailSink(cfg EmailConfig) *EmailSink {
	return &EmailSink{
		cfg:    cfg,
		apiKey: os.Getenv(cfg.APIKeyEnv),
		from:   os.Getenv(cfg.FromEmailEnv),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *EmailSink) ID() string { return "email" }

func (s *EmailSink) Deliver(ctx context.Context, d *digest.Digest) error {
	if d.Empty() && !s.cfg.SendEmpty {
		return Skip("empty digest")
	}
	if s.apiKey == "" || s.from == "" {
		return Skip("email credentials not configured")
	}

	html, err := d.HTML(s.cfg.ExcerptChars)
	if err != nil {
		return retry.Permanent(fmt.Errorf("rendering digest: %w", err))
	}

	fromName := strings.ReplaceAll(s.cfg.FromNameTemplate, "{query}", d.Query)
	subject := digest.Subject(s.cfg.SubjectTemplate, d.Query, d.Date)

	recipients := make([]map[string]string, 0, len(s.cfg.Recipients))
	for _, to := range s.cfg.Recipients {
		recipients = append(recipients, map[string]string{"email": to})
	}

	body, err := json.Marshal(map[string]any{
		"personalizations": []map[string]any{{"to": recipients}},
		"from":             map[string]string{"email": s.from, "name": fromName},
		"subject":          subject,
		"content":          []map[string]string{{"type": "text/html", "value": html}},
	})
	if err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode < 500:
		// a 4xx will not get better on retry
		return retry.Permanent(fmt.Errorf("mail API rejected send: HTTP %d", resp.StatusCode))
	default:
		return fmt.Errorf("mail API error: HTTP %d", resp.StatusCode)
	}
}
