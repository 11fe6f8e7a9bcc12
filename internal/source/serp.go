package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/araddon/dateparse"

	"digestwire/internal/retry"
)

const serpStatusOK = 20000

// SERPSource queries a paid SERP news API (DataForSEO-compatible live
// advanced endpoint) for a keyword.
type SERPSource struct {
	id           string
	endpoint     string
	login        string
	password     string
	keyword      string
	languageCode string
	locationCode int
	maxItems     int
	cutoff       time.Time
	policy       retry.Policy
	client       *http.Client
}

// NewSERPSource creates a SERP source. Credentials are read from the named
// environment variables at construction.
func NewSERPSource(id, endpoint, loginEnv, passwordEnv, keyword, languageCode string, locationCode, maxItems int, cutoff time.Time, policy retry.Policy) *SERPSource {
	return &SERPSource{
		id:           id,
		endpoint:     endpoint,
		login:        os.Getenv(loginEnv),
		password:     os.Getenv(passwordEnv),
		keyword:      keyword,
		languageCode: languageCode,
		locationCode: locationCode,
		maxItems:     maxItems,
		cutoff:       cutoff,
		policy:       policy,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SERPSource) ID() string { return s.id }

// Fetch posts the keyword task and parses news_search and top_stories items
// out of the response.
func (s *SERPSource) Fetch(ctx context.Context) ([]CandidateItem, error) {
	if s.login == "" || s.password == "" {
		return nil, retry.Permanent(Unavailable(errors.New("missing credentials")))
	}

	payload, err := json.Marshal([]map[string]any{{
		"language_code": s.languageCode,
		"location_code": s.locationCode,
		"keyword":       s.keyword,
	}})
	if err != nil {
		return nil, Malformed(err)
	}

	var envelope serpEnvelope
	err = s.policy.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.endpoint+"/v3/serp/google/news/live/advanced", bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(Unavailable(err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(s.login, s.password)

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return retry.Permanent(Unavailable(fmt.Errorf("HTTP %d", resp.StatusCode)))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return retry.Permanent(Malformed(err))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, Unavailable(err)
	}

	// The API answered; anything but 20000 means it refused the task.
	if envelope.StatusCode != serpStatusOK {
		return nil, Malformed(fmt.Errorf("api status %d: %s", envelope.StatusCode, envelope.StatusMessage))
	}
	if len(envelope.Tasks) == 0 || envelope.Tasks[0].StatusCode != serpStatusOK {
		msg := "no tasks in response"
		if len(envelope.Tasks) > 0 {
			msg = envelope.Tasks[0].StatusMessage
		}
		return nil, Malformed(fmt.Errorf("task failed: %s", msg))
	}

	now := time.Now()
	var items []CandidateItem
	for _, result := range envelope.Tasks[0].Result {
		for _, item := range result.Items {
			switch item.Type {
			case "news_search":
				if ci := s.serpItemToCandidate(item.serpItemFields, now); ci != nil {
					items = append(items, *ci)
				}
			case "top_stories":
				for _, sub := range item.NewsItems {
					if ci := s.serpItemToCandidate(sub, now); ci != nil {
						items = append(items, *ci)
					}
				}
			}
		}
	}
	return capItems(applyWindow(items, s.cutoff), s.maxItems), nil
}

func (s *SERPSource) serpItemToCandidate(item serpItemFields, fetchedAt time.Time) *CandidateItem {
	if item.URL == "" || item.Title == "" {
		return nil
	}

	var published *time.Time
	if item.Timestamp != "" {
		if t, err := dateparse.ParseAny(item.Timestamp); err == nil {
			published = &t
		}
	}

	meta := map[string]string{}
	if item.Domain != "" {
		meta["source"] = item.Domain
	}

	resolved := item.URL
	return &CandidateItem{
		SourceID:    s.id,
		RawURL:      item.URL,
		ResolvedURL: &resolved,
		Title:       item.Title,
		PublishedAt: published,
		FetchedAt:   fetchedAt,
		Metadata:    meta,
	}
}

type serpEnvelope struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
	Tasks         []struct {
		StatusCode    int    `json:"status_code"`
		StatusMessage string `json:"status_message"`
		Result        []struct {
			Items []serpItem `json:"items"`
		} `json:"result"`
	} `json:"tasks"`
}

type serpItemFields struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Domain    string `json:"domain"`
	Timestamp string `json:"timestamp"`
}

type serpItem struct {
	Type string `json:"type"`
	serpItemFields
	NewsItems []serpItemFields `json:"news_items"`
}
