package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/casefile-hq/casefile/internal/debug"
	"github.com/casefile-hq/casefile/internal/fault"
	"github.com/casefile-hq/casefile/internal/types"
)

const (
	// DefaultConcurrency is the number of transcripts processed in parallel.
	DefaultConcurrency = 4
	// MaxConcurrency caps the fan-out regardless of configuration.
	MaxConcurrency = 16

	minBatchTimeout        = 10 * time.Minute
	perTranscriptBatchTime = 30 * time.Second
)

// ProgressFunc is invoked after each transcript completes. done counts
// finished transcripts, total is the batch size.
type ProgressFunc func(done, total int)

// BatchRunner fans a batch of transcripts over a bounded worker pool. The
// store rate limiter is shared through the processor, so store QPS stays
// capped regardless of concurrency.
type BatchRunner struct {
	processor   *Processor
	concurrency int
}

// NewBatchRunner creates a runner. concurrency <= 0 selects the default;
// values above MaxConcurrency are clamped.
func NewBatchRunner(processor *Processor, concurrency int) *BatchRunner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	return &BatchRunner{processor: processor, concurrency: concurrency}
}

// Run processes every transcript and returns index-aligned results. A
// transcript's failure is recorded in its own slot and never cancels its
// siblings. Cancellation is cooperative: in-flight transcripts stop before
// their next store call, unstarted ones are marked cancelled.
func (b *BatchRunner) Run(ctx context.Context, transcripts []*types.Transcript, opts Options, progress ProgressFunc) *types.BatchResult {
	batch := &types.BatchResult{
		PerTranscript: make([]types.ProcessingResult, len(transcripts)),
	}
	if len(transcripts) == 0 {
		batch.Aggregate()
		return batch
	}

	timeout := time.Duration(len(transcripts)) * perTranscriptBatchTime
	if timeout < minBatchTimeout {
		timeout = minBatchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0

	for i, transcript := range transcripts {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context expired; mark this and all remaining slots cancelled.
			for j := i; j < len(transcripts); j++ {
				batch.PerTranscript[j] = cancelledResult(transcripts[j])
			}
			break
		}

		wg.Add(1)
		go func(idx int, t *types.Transcript) {
			defer wg.Done()
			defer sem.Release(1)

			result, err := b.processor.Process(ctx, t, opts)
			if err != nil {
				result = &types.ProcessingResult{
					TranscriptID: t.ID,
					Errors:       []fault.Record{fault.RecordOf(err)},
				}
			}
			batch.PerTranscript[idx] = *result

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			if progress != nil {
				progress(n, len(transcripts))
			}
		}(i, transcript)
	}

	wg.Wait()
	batch.Aggregate()
	debug.Logf("batch finished: %d transcripts, %d created, %d updated, %d failed",
		batch.Counters.Transcripts, batch.Counters.Created, batch.Counters.Updated, batch.Counters.Failed)
	return batch
}

func cancelledResult(t *types.Transcript) types.ProcessingResult {
	return types.ProcessingResult{
		TranscriptID: t.ID,
		Errors: []fault.Record{
			fault.RecordOf(fault.New(fault.KindCancelled, "batch cancelled before processing")),
		},
	}
}
