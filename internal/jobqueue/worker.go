package jobqueue

import (
	"context"
	"time"

	"github.com/casefile-hq/casefile/internal/debug"
	"github.com/casefile-hq/casefile/internal/fault"
	"github.com/casefile-hq/casefile/internal/pipeline"
	"github.com/casefile-hq/casefile/internal/types"
)

const (
	defaultPollInterval   = 200 * time.Millisecond
	defaultCancelInterval = 1 * time.Second
)

// Worker drains a queue backend, running each job through the batch
// runner. Run it in its own goroutine; it exits when ctx is cancelled or
// the queue is closed.
type Worker struct {
	queue          backend
	processor      *pipeline.Processor
	pollInterval   time.Duration
	cancelInterval time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPollInterval overrides how often the worker checks for pending jobs.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithCancelPollInterval overrides how often a running job checks for a
// cancellation request.
func WithCancelPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.cancelInterval = d
		}
	}
}

// NewWorker binds a processor to a queue. The queue must be a backend from
// this package (MemoryQueue or RedisQueue).
func NewWorker(q Queue, processor *pipeline.Processor, opts ...WorkerOption) (*Worker, error) {
	be, ok := q.(backend)
	if !ok {
		return nil, fault.New(fault.KindInternal, "unsupported queue backend")
	}
	w := &Worker{
		queue:          be,
		processor:      processor,
		pollInterval:   defaultPollInterval,
		cancelInterval: defaultCancelInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run blocks, claiming and executing jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			rec, err := w.queue.claimNext(ctx)
			if err != nil || rec == nil {
				break
			}
			w.execute(ctx, rec)
		}
	}
}

// DrainOnce claims and executes at most one pending job. Exposed for
// callers that drive the worker themselves.
func (w *Worker) DrainOnce(ctx context.Context) (bool, error) {
	rec, err := w.queue.claimNext(ctx)
	if err != nil || rec == nil {
		return false, err
	}
	w.execute(ctx, rec)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, rec *record) {
	jobID := rec.Job.ID
	debug.Logf("job %s: starting (%d transcripts)", jobID, len(rec.Request.Transcripts))

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cooperative cancellation: poll the backend's cancel flag while the
	// batch runs.
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		ticker := time.NewTicker(w.cancelInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if requested, err := w.queue.cancelRequested(ctx, jobID); err == nil && requested {
					cancel()
					return
				}
			}
		}
	}()

	runner := pipeline.NewBatchRunner(w.processor, rec.Request.Concurrency)
	batch := runner.Run(jobCtx, rec.Request.Transcripts, rec.Request.Options, func(done, total int) {
		_ = w.queue.saveProgress(ctx, jobID, done, total)
	})

	cancel()
	<-watchDone

	_ = w.queue.complete(ctx, jobID, batch, batchError(batch))
	debug.Logf("job %s: finished (created=%d updated=%d failed=%d)",
		jobID, batch.Counters.Created, batch.Counters.Updated, batch.Counters.Failed)
}

// batchError reports a job-level failure only when every transcript
// failed; partial failures still count as success, with per-transcript
// errors in the result.
func batchError(batch *types.BatchResult) error {
	if batch == nil || len(batch.PerTranscript) == 0 {
		return nil
	}
	if batch.Counters.Failed < len(batch.PerTranscript) {
		return nil
	}
	first := batch.PerTranscript[0].Errors
	if len(first) > 0 {
		return fault.Newf(fault.Kind(first[0].Kind), "all %d transcripts failed: %s",
			len(batch.PerTranscript), first[0].Message)
	}
	return fault.New(fault.KindInternal, "batch failed")
}
