package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a run ID does not exist in the journal.
var ErrNotFound = errors.New("run not found")

// Run is one recorded pipeline invocation.
type Run struct {
	RunID          string
	Query          string
	Status         string
	ExitCode       int
	CandidateCount int
	StoryCount     int
	DigestMarkdown *string
	Error          *string
	StartedAt      string
	FinishedAt     *string
}

// Stage is one pipeline stage of a run.
type Stage struct {
	RunID      string
	Stage      string
	Status     string
	Detail     *string
	Error      *string
	StartedAt  string
	FinishedAt *string
}

// StoryRecord is one story of a run's final digest, in digest order.
type StoryRecord struct {
	StoryID       string
	CanonicalURL  string
	Title         string
	Sources       string // comma-joined, sorted
	PublishedAt   *time.Time
	FirstSeenAt   *time.Time
	Position      int
	Score         float64
	URLUnresolved bool
	HasContent    bool
}

// SinkRecord is the delivery outcome for one sink of a run.
type SinkRecord struct {
	SinkID     string
	Outcome    string
	Detail     *string
	Attempts   int
	FinishedAt time.Time
}

// StartRun inserts a new run row in the given initial status.
func (j *Journal) StartRun(runID, query, status string) error {
	_, err := j.conn.Exec(
		`INSERT INTO runs (run_id, query, status) VALUES (?, ?, ?)`,
		runID, query, status,
	)
	return err
}

// SetRunStatus updates the run's status without finishing it.
func (j *Journal) SetRunStatus(runID, status string) error {
	_, err := j.conn.Exec(
		"UPDATE runs SET status = ? WHERE run_id = ?", status, runID,
	)
	return err
}

// FinishRun records the terminal state of a run.
func (j *Journal) FinishRun(runID, status string, exitCode, candidateCount, storyCount int, digestMarkdown, runErr *string) error {
	_, err := j.conn.Exec(
		`UPDATE runs SET status = ?, exit_code = ?, candidate_count = ?, story_count = ?,
		digest_markdown = ?, error = ?, finished_at = datetime('now')
		WHERE run_id = ?`,
		status, exitCode, candidateCount, storyCount, digestMarkdown, runErr, runID,
	)
	return err
}

// StageStarted upserts a stage row in "running" status. Re-running a
// stage resets its timestamps.
func (j *Journal) StageStarted(runID, stage string) error {
	_, err := j.conn.Exec(
		`INSERT INTO run_stages (run_id, stage, status) VALUES (?, ?, 'running')
		ON CONFLICT (run_id, stage) DO UPDATE SET
		status = 'running', detail = NULL, error = NULL,
		started_at = datetime('now'), finished_at = NULL`,
		runID, stage,
	)
	return err
}

// StageFinished records the outcome of a stage.
func (j *Journal) StageFinished(runID, stage, status string, detail, stageErr *string) error {
	res, err := j.conn.Exec(
		`UPDATE run_stages SET status = ?, detail = ?, error = ?, finished_at = datetime('now')
		WHERE run_id = ? AND stage = ?`,
		status, detail, stageErr, runID, stage,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// the stage was never started; record it anyway
		_, err = j.conn.Exec(
			`INSERT INTO run_stages (run_id, stage, status, detail, error, finished_at)
			VALUES (?, ?, ?, ?, ?, datetime('now'))`,
			runID, stage, status, detail, stageErr,
		)
	}
	return err
}

// RecordStories writes the final story list for a run in digest order.
func (j *Journal) RecordStories(runID string, stories []StoryRecord) error {
	tx, err := j.conn.Begin()
	if err != nil {
		return err
	}
	for _, s := range stories {
		_, err := tx.Exec(
			`INSERT INTO run_stories
			(run_id, story_id, canonical_url, title, sources, published_at, first_seen_at,
			position, score, url_unresolved, has_content)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, s.StoryID, s.CanonicalURL, s.Title, s.Sources,
			timePtr(s.PublishedAt), timePtr(s.FirstSeenAt),
			s.Position, s.Score, boolInt(s.URLUnresolved), boolInt(s.HasContent),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("recording story %s: %w", s.StoryID, err)
		}
	}
	return tx.Commit()
}

// RecordSink writes the delivery outcome for one sink.
func (j *Journal) RecordSink(runID string, rec SinkRecord) error {
	_, err := j.conn.Exec(
		`INSERT INTO run_sinks (run_id, sink_id, outcome, detail, attempts, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, sink_id) DO UPDATE SET
		outcome = excluded.outcome, detail = excluded.detail,
		attempts = excluded.attempts, finished_at = excluded.finished_at`,
		runID, rec.SinkID, rec.Outcome, rec.Detail, rec.Attempts,
		rec.FinishedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetRun returns one run by ID.
func (j *Journal) GetRun(runID string) (*Run, error) {
	row := j.conn.QueryRow(
		`SELECT run_id, query, status, exit_code, candidate_count, story_count,
		digest_markdown, error, started_at, finished_at
		FROM runs WHERE run_id = ?`, runID,
	)
	var r Run
	err := row.Scan(&r.RunID, &r.Query, &r.Status, &r.ExitCode, &r.CandidateCount,
		&r.StoryCount, &r.DigestMarkdown, &r.Error, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns the most recent runs, newest first.
func (j *Journal) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.conn.Query(
		`SELECT run_id, query, status, exit_code, candidate_count, story_count,
		digest_markdown, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Query, &r.Status, &r.ExitCode, &r.CandidateCount,
			&r.StoryCount, &r.DigestMarkdown, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetStages returns the stage rows for a run, oldest first.
func (j *Journal) GetStages(runID string) ([]Stage, error) {
	rows, err := j.conn.Query(
		`SELECT run_id, stage, status, detail, error, started_at, finished_at
		FROM run_stages WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []Stage
	for rows.Next() {
		var s Stage
		if err := rows.Scan(&s.RunID, &s.Stage, &s.Status, &s.Detail, &s.Error,
			&s.StartedAt, &s.FinishedAt); err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, rows.Err()
}

// GetStories returns the recorded stories for a run in digest order.
func (j *Journal) GetStories(runID string) ([]StoryRecord, error) {
	rows, err := j.conn.Query(
		`SELECT story_id, canonical_url, title, sources, published_at, first_seen_at,
		position, score, url_unresolved, has_content
		FROM run_stories WHERE run_id = ? ORDER BY position`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stories []StoryRecord
	for rows.Next() {
		var s StoryRecord
		var published, firstSeen *string
		var unresolved, hasContent int
		if err := rows.Scan(&s.StoryID, &s.CanonicalURL, &s.Title, &s.Sources,
			&published, &firstSeen, &s.Position, &s.Score, &unresolved, &hasContent); err != nil {
			return nil, err
		}
		s.PublishedAt = parseTimePtr(published)
		s.FirstSeenAt = parseTimePtr(firstSeen)
		s.URLUnresolved = unresolved != 0
		s.HasContent = hasContent != 0
		stories = append(stories, s)
	}
	return stories, rows.Err()
}

// GetSinks returns the sink outcomes for a run.
func (j *Journal) GetSinks(runID string) ([]SinkRecord, error) {
	rows, err := j.conn.Query(
		`SELECT sink_id, outcome, detail, attempts, finished_at
		FROM run_sinks WHERE run_id = ? ORDER BY sink_id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sinks []SinkRecord
	for rows.Next() {
		var s SinkRecord
		var finished string
		if err := rows.Scan(&s.SinkID, &s.Outcome, &s.Detail, &s.Attempts, &finished); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, finished); err == nil {
			s.FinishedAt = t
		}
		sinks = append(sinks, s)
	}
	return sinks, rows.Err()
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
