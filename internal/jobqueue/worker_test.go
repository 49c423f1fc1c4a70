package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casefile-hq/casefile/internal/extract"
	"github.com/casefile-hq/casefile/internal/fault"
	"github.com/casefile-hq/casefile/internal/match"
	"github.com/casefile-hq/casefile/internal/pipeline"
	"github.com/casefile-hq/casefile/internal/store"
	"github.com/casefile-hq/casefile/internal/types"
)

// nullStore satisfies the processor's store dependency for jobs whose
// extraction yields no entities, so no store call is ever made.
type nullStore struct{}

func (nullStore) Schema(ctx context.Context, databaseID string) (*types.DatabaseSchema, error) {
	return nil, fault.New(fault.KindInternal, "unexpected schema call")
}

func (nullStore) QueryAll(ctx context.Context, databaseID string, filter *store.Filter) ([]types.Page, error) {
	return nil, fault.New(fault.KindInternal, "unexpected query call")
}

func (nullStore) CreatePage(ctx context.Context, databaseID string, properties map[string]any) (*types.Page, error) {
	return nil, fault.New(fault.KindInternal, "unexpected create call")
}

func (nullStore) UpdatePage(ctx context.Context, pageID, databaseID string, properties map[string]any) (*types.Page, error) {
	return nil, fault.New(fault.KindInternal, "unexpected update call")
}

func (nullStore) FindByTitle(ctx context.Context, databaseID, title string) (*types.Page, error) {
	return nil, fault.New(fault.KindInternal, "unexpected lookup call")
}

// blockingProvider parks until its context is cancelled.
type blockingProvider struct {
	started chan struct{}
}

func (b *blockingProvider) Extract(ctx context.Context, transcript *types.Transcript, hints extract.Hints) (*types.ExtractionResult, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, fault.Wrap(fault.KindCancelled, "extraction abandoned", ctx.Err())
}

func testProcessor(t *testing.T, provider extract.Provider) *pipeline.Processor {
	t.Helper()
	p, err := pipeline.NewProcessor(nullStore{}, provider, match.New(), nil)
	require.NoError(t, err)
	return p
}

func TestWorkerRequiresPackageBackend(t *testing.T) {
	_, err := NewWorker(nil, nil)
	assert.Error(t, err)
}

func TestWorkerRunsJobToSuccess(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	w, err := NewWorker(q, testProcessor(t, &extract.Stub{}))
	require.NoError(t, err)

	id, err := q.Submit(ctx, "owner-a", testRequest(3))
	require.NoError(t, err)

	claimed, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	job, err := q.Status(ctx, "owner-a", id)
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, job.State)
	assert.Equal(t, 3, job.Progress.Done)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)

	result, err := q.Result(ctx, "owner-a", id)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Counters.Transcripts)
	assert.Zero(t, result.Counters.Failed)
}

func TestWorkerMarksJobFailedWhenAllTranscriptsFail(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	provider := &extract.Stub{Err: fault.New(fault.KindPermanent, "model rejected input")}
	w, err := NewWorker(q, testProcessor(t, provider))
	require.NoError(t, err)

	id, err := q.Submit(ctx, "owner-a", testRequest(2))
	require.NoError(t, err)

	_, err = w.DrainOnce(ctx)
	require.NoError(t, err)

	job, err := q.Status(ctx, "owner-a", id)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.State)
	require.NotNil(t, job.Error)

	// The per-transcript detail is still retrievable.
	result, err := q.Result(ctx, "owner-a", id)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Counters.Failed)
}

func TestWorkerPartialFailureStillSucceeds(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	w, err := NewWorker(q, testProcessor(t, &extract.Stub{}))
	require.NoError(t, err)

	req := testRequest(2)
	req.Transcripts[1].Title = "" // fails validation inside the batch
	id, err := q.Submit(ctx, "owner-a", req)
	require.NoError(t, err)

	_, err = w.DrainOnce(ctx)
	require.NoError(t, err)

	job, err := q.Status(ctx, "owner-a", id)
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, job.State)

	result, err := q.Result(ctx, "owner-a", id)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Counters.Failed)
}

func TestWorkerRunLoopPicksUpSubmissions(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := NewWorker(q, testProcessor(t, &extract.Stub{}),
		WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	id, err := q.Submit(ctx, "owner-a", testRequest(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := q.Status(ctx, "owner-a", id)
		return err == nil && job.State == types.JobSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancellation")
	}
}

func TestWorkerCancelsRunningJob(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	provider := &blockingProvider{started: make(chan struct{}, 1)}
	w, err := NewWorker(q, testProcessor(t, provider),
		WithCancelPollInterval(20*time.Millisecond))
	require.NoError(t, err)

	id, err := q.Submit(ctx, "owner-a", testRequest(1))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.DrainOnce(ctx)
	}()

	select {
	case <-provider.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	ok, err := q.Cancel(ctx, "owner-a", id)
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not unblock the job")
	}

	job, err := q.Status(ctx, "owner-a", id)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, job.State)
}
