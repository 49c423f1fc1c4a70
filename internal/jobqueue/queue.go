// Package jobqueue provides async submission, status, cancellation, and
// result retrieval for processing jobs, with pluggable single-node and
// shared backends.
package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/casefile-hq/casefile/internal/pipeline"
	"github.com/casefile-hq/casefile/internal/types"
)

// DefaultResultTTL is how long a terminal job and its result are retained.
const DefaultResultTTL = 24 * time.Hour

var (
	// ErrNotFound covers both unknown job ids and jobs owned by a
	// different token. The two cases are indistinguishable on purpose:
	// job ids are enumerable otherwise.
	ErrNotFound = errors.New("job not found")
	// ErrNotReady is returned by Result before the job reaches a
	// terminal state.
	ErrNotReady = errors.New("job has not finished")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("job queue is closed")
)

// Request is one submission: a batch of transcripts plus processing
// options. Single-transcript submissions are a batch of one.
type Request struct {
	Transcripts []*types.Transcript `json:"transcripts"`
	Options     pipeline.Options    `json:"options"`
	Concurrency int                 `json:"concurrency,omitempty"`
}

// Queue is the owner-facing contract. Every lookup is scoped by the owner
// token that submitted the job.
type Queue interface {
	Submit(ctx context.Context, owner string, req *Request) (string, error)
	Status(ctx context.Context, owner, jobID string) (*types.Job, error)
	Cancel(ctx context.Context, owner, jobID string) (bool, error)
	Result(ctx context.Context, owner, jobID string) (*types.BatchResult, error)
	List(ctx context.Context, owner string, states []types.JobState) ([]types.Job, error)
	Close() error
}

// record is the persisted form of a job.
type record struct {
	Job             types.Job          `json:"job"`
	Owner           string             `json:"owner"`
	Request         *Request           `json:"request,omitempty"`
	Result          *types.BatchResult `json:"result,omitempty"`
	CancelRequested bool               `json:"cancel_requested,omitempty"`
}

// backend extends Queue with the worker-facing operations. Both queue
// implementations live in this package.
type backend interface {
	Queue
	claimNext(ctx context.Context) (*record, error)
	saveProgress(ctx context.Context, jobID string, done, total int) error
	complete(ctx context.Context, jobID string, result *types.BatchResult, jobErr error) error
	cancelRequested(ctx context.Context, jobID string) (bool, error)
}

func matchesStates(state types.JobState, states []types.JobState) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
