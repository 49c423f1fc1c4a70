package types

import (
	"time"

	"github.com/casefile-hq/casefile/internal/fault"
)

// Skip reasons recorded on ProcessingResult.Skipped.
const (
	SkipNoChange          = "no_change"
	SkipAmbiguousMatch    = "ambiguous_match"
	SkipExtractionWarning = "extraction_warning"
	SkipKindNotAllowed    = "kind_not_allowed"
	SkipUnresolvedTarget  = "unresolved_target"
)

// PageRef is a lightweight reference to a created or updated page.
type PageRef struct {
	ID         string `json:"id"`
	DatabaseID string `json:"database_id"`
	Title      string `json:"title"`
}

// SkippedEntity records one entity that was deliberately not written.
type SkippedEntity struct {
	EntityName   string     `json:"entity_name"`
	EntityKind   EntityKind `json:"entity_kind"`
	Reason       string     `json:"reason"`
	CandidateIDs []string   `json:"candidate_ids,omitempty"`
}

// PlannedOp is one entry of a dry-run decision trace.
type PlannedOp struct {
	Op         string     `json:"op"` // "create" or "update"
	EntityName string     `json:"entity_name"`
	EntityKind EntityKind `json:"entity_kind"`
	PageID     string     `json:"page_id,omitempty"`
	MatchScore float64    `json:"match_score,omitempty"`
}

// ProcessingResult is the per-transcript outcome.
//
// Invariant: created + updated + skipped + failed entities equals the number
// of entities extracted.
type ProcessingResult struct {
	TranscriptID string `json:"transcript_id"`
	// ContentHash fingerprints the processed content (including any source
	// override) so callers can detect re-submissions of identical input.
	ContentHash          string          `json:"content_hash,omitempty"`
	Created              []PageRef       `json:"created"`
	Updated              []PageRef       `json:"updated"`
	Skipped              []SkippedEntity `json:"skipped"`
	RelationshipsCreated int             `json:"relationships_created"`
	Errors               []fault.Record  `json:"errors"`
	Warnings             []string        `json:"warnings,omitempty"`
	PlannedOps           []PlannedOp     `json:"planned_ops,omitempty"`
	DryRun               bool            `json:"dry_run"`
	Duration             time.Duration   `json:"duration"`
}

// BatchCounters aggregates outcomes across a batch.
type BatchCounters struct {
	Transcripts          int `json:"transcripts"`
	Created              int `json:"created"`
	Updated              int `json:"updated"`
	Skipped              int `json:"skipped"`
	RelationshipsCreated int `json:"relationships_created"`
	Failed               int `json:"failed"`
}

// BatchResult aggregates per-transcript results. PerTranscript is dense and
// index-aligned with the input slice regardless of completion order.
type BatchResult struct {
	PerTranscript []ProcessingResult `json:"per_transcript"`
	Counters      BatchCounters      `json:"aggregate_counters"`
	Errors        []fault.Record     `json:"errors"`
}

// Aggregate recomputes Counters from PerTranscript.
func (b *BatchResult) Aggregate() {
	c := BatchCounters{Transcripts: len(b.PerTranscript)}
	for i := range b.PerTranscript {
		r := &b.PerTranscript[i]
		c.Created += len(r.Created)
		c.Updated += len(r.Updated)
		c.Skipped += len(r.Skipped)
		c.RelationshipsCreated += r.RelationshipsCreated
		if len(r.Errors) > 0 {
			c.Failed++
		}
	}
	b.Counters = c
}

// JobState is the lifecycle state of an async job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state is a sink.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// JobProgress tracks completed transcripts out of the submitted total.
type JobProgress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Job is the externally visible handle to one asynchronous request.
// Callers hold only the id; the queue owns the record.
type Job struct {
	ID         string        `json:"id"`
	State      JobState      `json:"state"`
	OwnerToken string        `json:"-"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Progress   JobProgress   `json:"progress"`
	Error      *fault.Record `json:"error,omitempty"`
}
