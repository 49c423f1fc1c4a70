package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casefile-hq/casefile/internal/fault"
	"github.com/casefile-hq/casefile/internal/types"
)

// MemoryQueue is the single-node backend: jobs live in process memory and
// are lost on restart. Terminal jobs are purged after the result TTL.
type MemoryQueue struct {
	mu        sync.Mutex
	records   map[string]*record
	pending   []string // FIFO of job ids awaiting a worker
	resultTTL time.Duration
	clock     func() time.Time
	closed    bool
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithResultTTL overrides the terminal-job retention period.
func WithResultTTL(ttl time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		if ttl > 0 {
			q.resultTTL = ttl
		}
	}
}

func withMemoryClock(clock func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.clock = clock }
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		records:   make(map[string]*record),
		resultTTL: DefaultResultTTL,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

var _ backend = (*MemoryQueue)(nil)

// Submit enqueues a request and returns the new job id.
func (q *MemoryQueue) Submit(ctx context.Context, owner string, req *Request) (string, error) {
	if owner == "" {
		return "", fault.New(fault.KindValidation, "owner token is required")
	}
	if req == nil || len(req.Transcripts) == 0 {
		return "", fault.New(fault.KindValidation, "request must carry at least one transcript")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	q.purgeLocked()

	id := uuid.NewString()
	q.records[id] = &record{
		Job: types.Job{
			ID:        id,
			State:     types.JobPending,
			CreatedAt: q.clock().UTC(),
			Progress:  types.JobProgress{Total: len(req.Transcripts)},
		},
		Owner:   owner,
		Request: req,
	}
	q.pending = append(q.pending, id)
	return id, nil
}

// Status returns a snapshot of the job.
func (q *MemoryQueue) Status(ctx context.Context, owner, jobID string) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.lookupLocked(owner, jobID)
	if err != nil {
		return nil, err
	}
	job := rec.Job
	return &job, nil
}

// Cancel requests cancellation. Pending jobs move straight to Cancelled;
// running jobs are cancelled cooperatively by the worker. Terminal jobs
// return false.
func (q *MemoryQueue) Cancel(ctx context.Context, owner, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.lookupLocked(owner, jobID)
	if err != nil {
		return false, err
	}
	if rec.Job.State.Terminal() {
		return false, nil
	}

	rec.CancelRequested = true
	if rec.Job.State == types.JobPending {
		q.finishLocked(rec, types.JobCancelled, nil, nil)
		q.removePendingLocked(jobID)
	}
	return true, nil
}

// Result returns the terminal result, or ErrNotReady before that.
func (q *MemoryQueue) Result(ctx context.Context, owner, jobID string) (*types.BatchResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.lookupLocked(owner, jobID)
	if err != nil {
		return nil, err
	}
	if !rec.Job.State.Terminal() {
		return nil, ErrNotReady
	}
	return rec.Result, nil
}

// List returns the owner's jobs, newest first, optionally filtered by state.
func (q *MemoryQueue) List(ctx context.Context, owner string, states []types.JobState) ([]types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	q.purgeLocked()

	var out []types.Job
	for _, rec := range q.records {
		if rec.Owner != owner || !matchesStates(rec.Job.State, states) {
			continue
		}
		out = append(out, rec.Job)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Close rejects further use. In-flight jobs are left to the worker.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Stats counts jobs by state across all owners.
func (q *MemoryQueue) Stats(ctx context.Context) (map[types.JobState]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	q.purgeLocked()

	stats := make(map[types.JobState]int)
	for _, rec := range q.records {
		stats[rec.Job.State]++
	}
	return stats, nil
}

func (q *MemoryQueue) claimNext(ctx context.Context) (*record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	q.purgeLocked()

	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		rec, ok := q.records[id]
		if !ok || rec.Job.State != types.JobPending {
			continue
		}
		now := q.clock().UTC()
		rec.Job.State = types.JobRunning
		rec.Job.StartedAt = &now
		snapshot := *rec
		return &snapshot, nil
	}
	return nil, nil
}

func (q *MemoryQueue) saveProgress(ctx context.Context, jobID string, done, total int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec, ok := q.records[jobID]; ok && rec.Job.State == types.JobRunning {
		rec.Job.Progress = types.JobProgress{Done: done, Total: total}
	}
	return nil
}

func (q *MemoryQueue) complete(ctx context.Context, jobID string, result *types.BatchResult, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[jobID]
	if !ok || rec.Job.State.Terminal() {
		return nil
	}

	state := types.JobSucceeded
	if rec.CancelRequested {
		state = types.JobCancelled
	} else if jobErr != nil {
		state = types.JobFailed
	}
	q.finishLocked(rec, state, result, jobErr)
	return nil
}

func (q *MemoryQueue) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[jobID]
	return ok && rec.CancelRequested, nil
}

func (q *MemoryQueue) finishLocked(rec *record, state types.JobState, result *types.BatchResult, jobErr error) {
	now := q.clock().UTC()
	rec.Job.State = state
	rec.Job.FinishedAt = &now
	rec.Result = result
	rec.Request = nil
	if jobErr != nil {
		r := fault.RecordOf(jobErr)
		rec.Job.Error = &r
	}
}

func (q *MemoryQueue) lookupLocked(owner, jobID string) (*record, error) {
	if q.closed {
		return nil, ErrClosed
	}
	q.purgeLocked()
	rec, ok := q.records[jobID]
	if !ok || rec.Owner != owner {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (q *MemoryQueue) removePendingLocked(jobID string) {
	for i, id := range q.pending {
		if id == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// purgeLocked drops terminal jobs older than the result TTL.
func (q *MemoryQueue) purgeLocked() {
	cutoff := q.clock().Add(-q.resultTTL)
	for id, rec := range q.records {
		if rec.Job.State.Terminal() && rec.Job.FinishedAt != nil && rec.Job.FinishedAt.Before(cutoff) {
			delete(q.records, id)
		}
	}
}
