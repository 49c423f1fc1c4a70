package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/casefile-hq/casefile/internal/fault"
	"github.com/casefile-hq/casefile/internal/types"
)

const defaultNamespace = "cf"

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithNamespace sets the key namespace prefix.
func WithNamespace(ns string) RedisOption {
	return func(q *RedisQueue) {
		if ns != "" {
			q.namespace = ns
		}
	}
}

// WithRedisResultTTL overrides the terminal-job retention period.
func WithRedisResultTTL(ttl time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if ttl > 0 {
			q.resultTTL = ttl
		}
	}
}

// RedisQueue is the shared backend: multiple nodes submit to and work off
// the same queue. Job records are JSON values with TTL-based expiry of
// terminal jobs via Redis EXPIRE.
type RedisQueue struct {
	client    *redis.Client
	namespace string
	resultTTL time.Duration
	closed    atomic.Bool
}

var _ backend = (*RedisQueue)(nil)

// NewRedisQueue connects to redisURL (e.g. "redis://localhost:6379/0")
// and verifies connectivity before returning.
func NewRedisQueue(redisURL string, opts ...RedisOption) (*RedisQueue, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return newRedisQueueWithClient(redis.NewClient(redisOpts), true, opts...)
}

func newRedisQueueWithClient(client *redis.Client, ping bool, opts ...RedisOption) (*RedisQueue, error) {
	q := &RedisQueue{
		client:    client,
		namespace: defaultNamespace,
		resultTTL: DefaultResultTTL,
	}
	for _, opt := range opts {
		opt(q)
	}

	if ping {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return q, nil
}

func (q *RedisQueue) jobKey(id string) string { return q.namespace + ":job:" + id }
func (q *RedisQueue) pendingKey() string      { return q.namespace + ":jobs:pending" }
func (q *RedisQueue) indexKey() string        { return q.namespace + ":jobs:index" }

// Submit enqueues a request and returns the new job id.
func (q *RedisQueue) Submit(ctx context.Context, owner string, req *Request) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}
	if owner == "" {
		return "", fault.New(fault.KindValidation, "owner token is required")
	}
	if req == nil || len(req.Transcripts) == 0 {
		return "", fault.New(fault.KindValidation, "request must carry at least one transcript")
	}

	id := uuid.NewString()
	rec := &record{
		Job: types.Job{
			ID:        id,
			State:     types.JobPending,
			CreatedAt: time.Now().UTC(),
			Progress:  types.JobProgress{Total: len(req.Transcripts)},
		},
		Owner:   owner,
		Request: req,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshaling job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, q.jobKey(id), data, 0)
	pipe.SAdd(ctx, q.indexKey(), id)
	pipe.RPush(ctx, q.pendingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueuing job: %w", err)
	}
	return id, nil
}

// Status returns a snapshot of the job.
func (q *RedisQueue) Status(ctx context.Context, owner, jobID string) (*types.Job, error) {
	rec, err := q.load(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}
	job := rec.Job
	return &job, nil
}

// Cancel requests cancellation. Terminal jobs return false.
func (q *RedisQueue) Cancel(ctx context.Context, owner, jobID string) (bool, error) {
	rec, err := q.load(ctx, owner, jobID)
	if err != nil {
		return false, err
	}
	if rec.Job.State.Terminal() {
		return false, nil
	}

	rec.CancelRequested = true
	if rec.Job.State == types.JobPending {
		q.finish(rec, types.JobCancelled, nil, nil)
		if err := q.save(ctx, rec, q.resultTTL); err != nil {
			return false, err
		}
		q.client.LRem(ctx, q.pendingKey(), 0, jobID)
		return true, nil
	}
	return true, q.save(ctx, rec, 0)
}

// Result returns the terminal result, or ErrNotReady before that.
func (q *RedisQueue) Result(ctx context.Context, owner, jobID string) (*types.BatchResult, error) {
	rec, err := q.load(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}
	if !rec.Job.State.Terminal() {
		return nil, ErrNotReady
	}
	return rec.Result, nil
}

// List returns the owner's jobs, newest first.
func (q *RedisQueue) List(ctx context.Context, owner string, states []types.JobState) ([]types.Job, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	ids, err := q.client.SMembers(ctx, q.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing job index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.jobKey(id)
	}
	values, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching jobs: %w", err)
	}

	var out []types.Job
	var expired []interface{}
	for i, val := range values {
		if val == nil {
			// Record expired but the index still holds the id.
			expired = append(expired, ids[i])
			continue
		}
		str, ok := val.(string)
		if !ok {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		if rec.Owner != owner || !matchesStates(rec.Job.State, states) {
			continue
		}
		out = append(out, rec.Job)
	}
	if len(expired) > 0 {
		q.client.SRem(ctx, q.indexKey(), expired...)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Stats counts jobs by state across all owners.
func (q *RedisQueue) Stats(ctx context.Context) (map[types.JobState]int, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	ids, err := q.client.SMembers(ctx, q.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing job index: %w", err)
	}
	stats := make(map[types.JobState]int)
	for _, id := range ids {
		rec, err := q.loadAny(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		stats[rec.Job.State]++
	}
	return stats, nil
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return q.client.Close()
}

func (q *RedisQueue) claimNext(ctx context.Context) (*record, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	for {
		id, err := q.client.LPop(ctx, q.pendingKey()).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claiming job: %w", err)
		}

		rec, err := q.loadAny(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		if rec.Job.State != types.JobPending {
			continue
		}
		if rec.CancelRequested {
			q.finish(rec, types.JobCancelled, nil, nil)
			_ = q.save(ctx, rec, q.resultTTL)
			continue
		}

		now := time.Now().UTC()
		rec.Job.State = types.JobRunning
		rec.Job.StartedAt = &now
		if err := q.save(ctx, rec, 0); err != nil {
			return nil, err
		}
		return rec, nil
	}
}

func (q *RedisQueue) saveProgress(ctx context.Context, jobID string, done, total int) error {
	rec, err := q.loadAny(ctx, jobID)
	if err != nil || rec == nil || rec.Job.State != types.JobRunning {
		return err
	}
	rec.Job.Progress = types.JobProgress{Done: done, Total: total}
	return q.save(ctx, rec, 0)
}

func (q *RedisQueue) complete(ctx context.Context, jobID string, result *types.BatchResult, jobErr error) error {
	rec, err := q.loadAny(ctx, jobID)
	if err != nil || rec == nil || rec.Job.State.Terminal() {
		return err
	}

	state := types.JobSucceeded
	if rec.CancelRequested {
		state = types.JobCancelled
	} else if jobErr != nil {
		state = types.JobFailed
	}
	q.finish(rec, state, result, jobErr)
	return q.save(ctx, rec, q.resultTTL)
}

func (q *RedisQueue) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	rec, err := q.loadAny(ctx, jobID)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.CancelRequested, nil
}

func (q *RedisQueue) finish(rec *record, state types.JobState, result *types.BatchResult, jobErr error) {
	now := time.Now().UTC()
	rec.Job.State = state
	rec.Job.FinishedAt = &now
	rec.Result = result
	rec.Request = nil
	if jobErr != nil {
		r := fault.RecordOf(jobErr)
		rec.Job.Error = &r
	}
}

// load fetches a record and enforces ownership.
func (q *RedisQueue) load(ctx context.Context, owner, jobID string) (*record, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	rec, err := q.loadAny(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Owner != owner {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (q *RedisQueue) loadAny(ctx context.Context, jobID string) (*record, error) {
	data, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if err == redis.Nil {
		q.client.SRem(ctx, q.indexKey(), jobID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	return &rec, nil
}

func (q *RedisQueue) save(ctx context.Context, rec *record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	if err := q.client.Set(ctx, q.jobKey(rec.Job.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("saving job: %w", err)
	}
	return nil
}
