package run

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"digestwire/internal/config"
	"digestwire/internal/digest"
	"digestwire/internal/dispatch"
	"digestwire/internal/extract"
	"digestwire/internal/journal"
	"digestwire/internal/merge"
	"digestwire/internal/retry"
	"digestwire/internal/source"
)

// Exit codes for one run. Partial success is distinguishable from total
// failure so operators can tell "some sources degraded" from "nothing was
// produced".
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitPartial = 2
)

// Run statuses persisted to the journal.
const (
	StatusInitialized  = "initialized"
	StatusFetching     = "fetching"
	StatusMerging      = "merging"
	StatusBuilding     = "building"
	StatusDistributing = "distributing"
	StatusCompleted    = "completed"
	StatusAborted      = "aborted"
)

// Options are the per-invocation knobs.
type Options struct {
	RunID   string        // empty means a fresh UUID
	Date    time.Time     // digest date, zero means today
	DryRun  bool          // build and journal the digest but skip delivery
	Timeout time.Duration // overrides the configured run timeout when set
}

// StageResult records one pipeline stage.
type StageResult struct {
	Name   string
	Status string // succeeded | failed | skipped
	Detail string
	Err    error
}

// Summary is the run result returned to the caller.
type Summary struct {
	RunID          string
	Query          string
	Status         string
	ExitCode       int
	CandidateCount int
	StoryCount     int
	Digest         *digest.Digest
	Stages         []StageResult
	Sources        map[string]string // source ID -> succeeded | failed
	Sinks          map[string]dispatch.Outcome
	Error          string // set when the run aborted
}

// Orchestrator drives one pipeline run: fetch, extract, merge, build,
// distribute. Each invocation is a fresh, isolated pipeline instance; the
// only shared state is the journal, and journal write failures never fail
// the run.
type Orchestrator struct {
	cfg *config.Config
	jnl *journal.Journal // nil disables journaling

	// test seams; production builds derive these from cfg
	sources []source.Source
	sinks   []dispatch.Sink
	now     func() time.Time
}

// New creates an orchestrator. Sources and sinks are constructed per run
// from the configuration.
func New(cfg *config.Config, jnl *journal.Journal) *Orchestrator {
	return &Orchestrator{cfg: cfg, jnl: jnl, now: time.Now}
}

// Execute performs one full run and returns its summary. The summary's
// ExitCode implements the delivery policy: 0 clean, 1 aborted or total
// failure, 2 partial.
func (o *Orchestrator) Execute(ctx context.Context, opts Options) *Summary {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	s := &Summary{
		RunID:   runID,
		Query:   o.cfg.Query,
		Sources: make(map[string]string),
	}

	// Configuration problems abort before any I/O. Everything past this
	// point degrades to partial results instead.
	if err := o.cfg.Validate(); err != nil {
		s.Status = StatusAborted
		s.ExitCode = ExitFailed
		s.Error = err.Error()
		o.journal(func(j *journal.Journal) error { return j.StartRun(runID, o.cfg.Query, StatusAborted) })
		o.journal(func(j *journal.Journal) error {
			return j.FinishRun(runID, StatusAborted, ExitFailed, 0, 0, nil, &s.Error)
		})
		return s
	}

	date := opts.Date
	if date.IsZero() {
		date = o.now().UTC().Truncate(24 * time.Hour)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = o.cfg.RunTimeout.Std()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.journal(func(j *journal.Journal) error { return j.StartRun(runID, o.cfg.Query, StatusInitialized) })

	policy := retry.Policy{
		Attempts:  o.cfg.Retry.Attempts,
		BaseDelay: o.cfg.Retry.BaseDelay.Std(),
		MaxDelay:  o.cfg.Retry.MaxDelay.Std(),
		Jitter:    o.cfg.Retry.Jitter,
	}

	// Fetch: all sources concurrently, each isolated.
	o.setStatus(runID, s, StatusFetching)
	items := o.fetchStage(ctx, runID, s, date, policy)
	s.CandidateCount = len(items)

	// Extract: fixed worker pool over the resolved URLs.
	contents := o.extractStage(ctx, runID, s, items)

	// Merge: the synchronization point; needs the complete candidate set.
	o.setStatus(runID, s, StatusMerging)
	stories := o.mergeStage(runID, s, items, contents)
	s.StoryCount = len(stories)

	// Build the digest.
	o.setStatus(runID, s, StatusBuilding)
	dig, buildOK := o.buildStage(runID, s, date, stories, len(items))

	// Distribute, unless the build failed or this is a dry run.
	o.setStatus(runID, s, StatusDistributing)
	o.distributeStage(ctx, runID, s, dig, buildOK, opts.DryRun, policy)

	s.Status = StatusCompleted
	s.ExitCode = o.exitCode(s, buildOK, opts.DryRun)

	var digestMD *string
	if dig != nil {
		md := dig.Markdown(o.cfg.Digest.ExcerptChars)
		digestMD = &md
	}
	o.journal(func(j *journal.Journal) error {
		return j.FinishRun(runID, StatusCompleted, s.ExitCode, s.CandidateCount, s.StoryCount, digestMD, nil)
	})
	return s
}

func (o *Orchestrator) fetchStage(ctx context.Context, runID string, s *Summary, date time.Time, policy retry.Policy) []source.CandidateItem {
	o.stageStarted(runID, "fetch")

	sources := o.sources
	if sources == nil {
		sources = buildSources(o.cfg, date, policy)
	}

	var (
		mu    sync.Mutex
		items []source.CandidateItem
		wg    sync.WaitGroup
	)
	for _, src := range sources {
		wg.Add(1)
		go func(src source.Source) {
			defer wg.Done()
			got, err := src.Fetch(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("fetch: source %s failed: %v", src.ID(), err)
				s.Sources[src.ID()] = "failed"
				return
			}
			s.Sources[src.ID()] = "succeeded"
			items = append(items, got...)
		}(src)
	}
	wg.Wait()

	failed := 0
	for _, status := range s.Sources {
		if status == "failed" {
			failed++
		}
	}
	detail := fmt.Sprintf("%d items from %d/%d sources", len(items), len(sources)-failed, len(sources))
	log.Printf("fetch: %s", detail)

	switch {
	case len(sources) == 0:
		o.stageFinished(runID, s, StageResult{Name: "fetch", Status: "skipped", Detail: "no sources"})
	case failed == len(sources):
		o.stageFinished(runID, s, StageResult{Name: "fetch", Status: "failed", Detail: detail,
			Err: errors.New("all sources failed")})
	default:
		o.stageFinished(runID, s, StageResult{Name: "fetch", Status: "succeeded", Detail: detail})
	}
	return items
}

func (o *Orchestrator) extractStage(ctx context.Context, runID string, s *Summary, items []source.CandidateItem) map[string]*extract.Content {
	o.stageStarted(runID, "extract")
	if len(items) == 0 {
		o.stageFinished(runID, s, StageResult{Name: "extract", Status: "skipped", Detail: "no candidates"})
		return nil
	}

	urls := make([]string, 0, len(items))
	for _, item := range items {
		if item.ResolvedURL != nil {
			urls = append(urls, *item.ResolvedURL)
		}
	}

	ex := extract.New(o.cfg.Extraction.Timeout.Std(), o.cfg.Extraction.MinTextLength)
	contents, result := ex.Batch(ctx, urls, o.cfg.Extraction.Workers)

	detail := fmt.Sprintf("%d extracted, %d failed", result.Extracted, result.Failed)
	o.stageFinished(runID, s, StageResult{Name: "extract", Status: "succeeded", Detail: detail})
	return contents
}

func (o *Orchestrator) mergeStage(runID string, s *Summary, items []source.CandidateItem, contents map[string]*extract.Content) []merge.Story {
	o.stageStarted(runID, "merge")

	engine := merge.New(merge.Options{
		Window:          o.cfg.Dedup.Window.Std(),
		TitleSimilarity: o.cfg.Dedup.TitleSimilarity,
		SourcePriority:  o.cfg.Dedup.SourcePriority,
	})
	stories := engine.Merge(items, contents)

	detail := fmt.Sprintf("%d candidates -> %d stories", len(items), len(stories))
	log.Printf("merge: %s", detail)
	o.stageFinished(runID, s, StageResult{Name: "merge", Status: "succeeded", Detail: detail})
	return stories
}

func (o *Orchestrator) buildStage(runID string, s *Summary, date time.Time, stories []merge.Story, candidateCount int) (*digest.Digest, bool) {
	o.stageStarted(runID, "build")

	dig, err := digest.Build(runID, o.cfg.Query, date, stories, candidateCount, digest.Options{
		Policy:         o.cfg.Ranking.Policy,
		MaxItems:       o.cfg.Ranking.MaxItems,
		RequireStories: o.cfg.Ranking.RequireStories,
	})
	if err != nil {
		// DigestEmpty with require_stories: a failed stage, never
		// process-fatal. Distribution is skipped.
		o.stageFinished(runID, s, StageResult{Name: "build", Status: "failed", Err: err})
		return nil, false
	}

	s.Digest = dig
	s.StoryCount = len(dig.Stories)
	o.recordStories(runID, dig)
	o.stageFinished(runID, s, StageResult{Name: "build", Status: "succeeded",
		Detail: fmt.Sprintf("%d stories", len(dig.Stories))})
	return dig, true
}

func (o *Orchestrator) distributeStage(ctx context.Context, runID string, s *Summary, dig *digest.Digest, buildOK, dryRun bool, policy retry.Policy) {
	o.stageStarted(runID, "distribute")

	sinks := o.sinks
	if sinks == nil {
		sinks = buildSinks(ctx, o.cfg)
	}
	dispatcher := dispatch.New(sinks, policy)

	switch {
	case !buildOK:
		s.Sinks = dispatcher.SkippedOutcomes("digest not built")
		o.stageFinished(runID, s, StageResult{Name: "distribute", Status: "skipped", Detail: "digest not built"})
	case dryRun:
		s.Sinks = dispatcher.SkippedOutcomes("dry run")
		o.stageFinished(runID, s, StageResult{Name: "distribute", Status: "skipped", Detail: "dry run"})
	case len(sinks) == 0:
		s.Sinks = map[string]dispatch.Outcome{}
		o.stageFinished(runID, s, StageResult{Name: "distribute", Status: "skipped", Detail: "no sinks"})
	default:
		s.Sinks = dispatcher.Dispatch(ctx, dig)
		status, detail := "succeeded", sinkDetail(s.Sinks)
		if dispatch.AllFailed(s.Sinks) {
			status = "failed"
		}
		o.stageFinished(runID, s, StageResult{Name: "distribute", Status: status, Detail: detail})
	}

	for _, out := range s.Sinks {
		rec := journal.SinkRecord{
			SinkID:     out.SinkID,
			Outcome:    string(out.Status),
			Attempts:   out.Attempts,
			FinishedAt: out.FinishedAt,
		}
		if out.Detail != "" {
			detail := out.Detail
			rec.Detail = &detail
		}
		o.journal(func(j *journal.Journal) error { return j.RecordSink(runID, rec) })
	}
}

// exitCode implements the delivery policy over the finished summary.
func (o *Orchestrator) exitCode(s *Summary, buildOK, dryRun bool) int {
	if !buildOK {
		// nothing was produced
		return ExitFailed
	}
	if !dryRun && len(s.Sinks) > 0 && dispatch.AllFailed(s.Sinks) {
		return ExitFailed
	}

	partial := false
	for _, status := range s.Sources {
		if status == "failed" {
			partial = true
		}
	}
	if !dryRun && dispatch.AnyFailed(s.Sinks) {
		partial = true
	}
	if partial {
		return ExitPartial
	}
	return ExitOK
}

func sinkDetail(outcomes map[string]dispatch.Outcome) string {
	ids := make([]string, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s:%s", id, outcomes[id].Status))
	}
	return strings.Join(parts, " ")
}

func (o *Orchestrator) recordStories(runID string, dig *digest.Digest) {
	records := make([]journal.StoryRecord, 0, len(dig.Stories))
	for i, story := range dig.Stories {
		first := story.FirstSeenAt
		records = append(records, journal.StoryRecord{
			StoryID:       story.ID,
			CanonicalURL:  story.CanonicalURL,
			Title:         story.Title,
			Sources:       strings.Join(story.ContributingSources, ","),
			PublishedAt:   story.PublishedAt,
			FirstSeenAt:   &first,
			Position:      i,
			Score:         story.RankScore,
			URLUnresolved: story.URLUnresolved,
			HasContent:    story.Content != nil,
		})
	}
	o.journal(func(j *journal.Journal) error { return j.RecordStories(runID, records) })
}

func (o *Orchestrator) setStatus(runID string, s *Summary, status string) {
	s.Status = status
	o.journal(func(j *journal.Journal) error { return j.SetRunStatus(runID, status) })
}

func (o *Orchestrator) stageStarted(runID, stage string) {
	o.journal(func(j *journal.Journal) error { return j.StageStarted(runID, stage) })
}

func (o *Orchestrator) stageFinished(runID string, s *Summary, res StageResult) {
	s.Stages = append(s.Stages, res)
	var detail, stageErr *string
	if res.Detail != "" {
		detail = &res.Detail
	}
	if res.Err != nil {
		msg := res.Err.Error()
		stageErr = &msg
	}
	o.journal(func(j *journal.Journal) error {
		return j.StageFinished(runID, res.Name, res.Status, detail, stageErr)
	})
}

// journal runs one journal write, downgrading failures to warnings. The
// journal is audit state; it must never fail the run.
func (o *Orchestrator) journal(fn func(*journal.Journal) error) {
	if o.jnl == nil {
		return
	}
	if err := fn(o.jnl); err != nil {
		log.Printf("journal: write failed: %v", err)
	}
}
