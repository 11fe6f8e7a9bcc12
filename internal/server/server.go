package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"digestwire/internal/journal"
	"digestwire/internal/run"
)

var md = goldmark.New()

// ErrBusy is returned when a trigger arrives while a run is in flight.
var ErrBusy = errors.New("a run is already in progress")

// Runner executes one pipeline run. Satisfied by run.Orchestrator.
type Runner interface {
	Execute(ctx context.Context, opts run.Options) *run.Summary
}

// Server is the HTTP trigger/status surface. Mutating endpoints require
// the configured API key; without one the trigger endpoint is disabled.
type Server struct {
	jnl    *journal.Journal
	runner Runner
	apiKey string
	mux    *http.ServeMux

	mu   sync.Mutex
	busy bool
}

// New creates a server. apiKeyEnv names the env var holding the trigger key.
func New(jnl *journal.Journal, runner Runner, apiKeyEnv string) *Server {
	s := &Server{
		jnl:    jnl,
		runner: runner,
		apiKey: os.Getenv(apiKeyEnv),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/run", s.handleTrigger)
	s.mux.HandleFunc("/api/runs", s.handleList)
	s.mux.HandleFunc("/api/runs/", s.handleRun)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

// TriggerRun starts an asynchronous run and returns its ID. Only one run
// may be active at a time; both the HTTP trigger and the scheduler go
// through this gate.
func (s *Server) TriggerRun() (string, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return "", ErrBusy
	}
	s.busy = true
	s.mu.Unlock()

	runID := uuid.NewString()
	go func() {
		defer func() {
			s.mu.Lock()
			s.busy = false
			s.mu.Unlock()
		}()
		summary := s.runner.Execute(context.Background(), run.Options{RunID: runID})
		log.Printf("server: run %s finished: %s (exit %d)", runID, summary.Status, summary.ExitCode)
	}()
	return runID, nil
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	runID, err := s.TriggerRun()
	if errors.Is(err, ErrBusy) {
		http.Error(w, "a run is already in progress", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{"run_id": runID}); err != nil {
		log.Printf("server: encoding response: %v", err)
	}
}

// authorized checks X-API-Key with a constant-time compare. A missing
// configured key disables the trigger endpoint entirely.
func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return false
	}
	got := r.Header.Get("X-API-Key")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) == 1
}

type runSummary struct {
	RunID          string  `json:"run_id"`
	Query          string  `json:"query"`
	Status         string  `json:"status"`
	ExitCode       int     `json:"exit_code"`
	CandidateCount int     `json:"candidate_count"`
	StoryCount     int     `json:"story_count"`
	Error          *string `json:"error,omitempty"`
	StartedAt      string  `json:"started_at"`
	FinishedAt     *string `json:"finished_at,omitempty"`
}

type stageView struct {
	Stage      string  `json:"stage"`
	Status     string  `json:"status"`
	Detail     *string `json:"detail,omitempty"`
	Error      *string `json:"error,omitempty"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

type storyView struct {
	StoryID       string  `json:"story_id"`
	CanonicalURL  string  `json:"canonical_url"`
	Title         string  `json:"title"`
	Sources       string  `json:"sources"`
	PublishedAt   *string `json:"published_at,omitempty"`
	Position      int     `json:"position"`
	Score         float64 `json:"score"`
	URLUnresolved bool    `json:"url_unresolved"`
	HasContent    bool    `json:"has_content"`
}

type sinkView struct {
	SinkID   string  `json:"sink_id"`
	Outcome  string  `json:"outcome"`
	Detail   *string `json:"detail,omitempty"`
	Attempts int     `json:"attempts"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.jnl.ListRuns(limit)
	if err != nil {
		log.Printf("server: listing runs: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	views := make([]runSummary, 0, len(runs))
	for _, r := range runs {
		views = append(views, summarize(r))
	}
	writeJSON(w, map[string]any{"runs": views})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	runID, sub, _ := strings.Cut(rest, "/")
	if runID == "" {
		http.NotFound(w, r)
		return
	}

	rec, err := s.jnl.GetRun(runID)
	if errors.Is(err, journal.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Printf("server: loading run %s: %v", runID, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	switch sub {
	case "":
		s.renderRun(w, rec)
	case "digest":
		s.renderDigest(w, rec)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) renderRun(w http.ResponseWriter, rec *journal.Run) {
	stages, err := s.jnl.GetStages(rec.RunID)
	if err != nil {
		log.Printf("server: loading stages for %s: %v", rec.RunID, err)
	}
	stories, err := s.jnl.GetStories(rec.RunID)
	if err != nil {
		log.Printf("server: loading stories for %s: %v", rec.RunID, err)
	}
	sinks, err := s.jnl.GetSinks(rec.RunID)
	if err != nil {
		log.Printf("server: loading sinks for %s: %v", rec.RunID, err)
	}

	stageViews := make([]stageView, 0, len(stages))
	for _, st := range stages {
		stageViews = append(stageViews, stageView{
			Stage: st.Stage, Status: st.Status, Detail: st.Detail, Error: st.Error,
			StartedAt: st.StartedAt, FinishedAt: st.FinishedAt,
		})
	}
	storyViews := make([]storyView, 0, len(stories))
	for _, st := range stories {
		v := storyView{
			StoryID: st.StoryID, CanonicalURL: st.CanonicalURL, Title: st.Title,
			Sources: st.Sources, Position: st.Position, Score: st.Score,
			URLUnresolved: st.URLUnresolved, HasContent: st.HasContent,
		}
		if st.PublishedAt != nil {
			p := st.PublishedAt.Format("2006-01-02T15:04:05Z07:00")
			v.PublishedAt = &p
		}
		storyViews = append(storyViews, v)
	}
	sinkViews := make([]sinkView, 0, len(sinks))
	for _, sk := range sinks {
		sinkViews = append(sinkViews, sinkView{
			SinkID: sk.SinkID, Outcome: sk.Outcome, Detail: sk.Detail, Attempts: sk.Attempts,
		})
	}

	writeJSON(w, map[string]any{
		"run":     summarize(*rec),
		"stages":  stageViews,
		"stories": storyViews,
		"sinks":   sinkViews,
	})
}

func (s *Server) renderDigest(w http.ResponseWriter, rec *journal.Run) {
	if rec.DigestMarkdown == nil {
		http.Error(w, "no digest for this run", http.StatusNotFound)
		return
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(*rec.DigestMarkdown), &buf); err != nil {
		log.Printf("server: rendering digest for %s: %v", rec.RunID, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>digest %s</title></head><body>\n", rec.RunID)
	w.Write(buf.Bytes())
	fmt.Fprint(w, "</body></html>\n")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func summarize(r journal.Run) runSummary {
	return runSummary{
		RunID:          r.RunID,
		Query:          r.Query,
		Status:         r.Status,
		ExitCode:       r.ExitCode,
		CandidateCount: r.CandidateCount,
		StoryCount:     r.StoryCount,
		Error:          r.Error,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encoding response: %v", err)
	}
}
