package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casefile-hq/casefile/internal/types"
)

func batchTranscripts(n int) []*types.Transcript {
	out := make([]*types.Transcript, n)
	for i := range out {
		out[i] = &types.Transcript{
			ID:        fmt.Sprintf("tr-batch-%d", i),
			Title:     fmt.Sprintf("Meeting %d", i),
			Body:      "Alice Smith met with ACME Corp.",
			Timestamp: time.Now().UTC(),
		}
	}
	return out
}

func TestBatchResultsAreIndexAligned(t *testing.T) {
	st := newFakeStore()
	p := newTestProcessor(t, st, meetingLexicon())
	// Serial so the first transcript's creates are visible to the rest.
	runner := NewBatchRunner(p, 1)

	transcripts := batchTranscripts(7)
	batch := runner.Run(context.Background(), transcripts, Options{}, nil)

	require.Len(t, batch.PerTranscript, 7)
	for i, r := range batch.PerTranscript {
		assert.Equal(t, transcripts[i].ID, r.TranscriptID, "slot %d", i)
	}
	assert.Equal(t, 7, batch.Counters.Transcripts)
	// First transcript creates both pages; the rest dedupe to no_change.
	assert.Equal(t, 2, batch.Counters.Created)
}

func TestBatchFailureIsolation(t *testing.T) {
	st := newFakeStore()
	p := newTestProcessor(t, st, meetingLexicon())
	runner := NewBatchRunner(p, 2)

	transcripts := batchTranscripts(3)
	transcripts[1].Title = "" // validation failure in one slot

	batch := runner.Run(context.Background(), transcripts, Options{}, nil)

	require.Len(t, batch.PerTranscript, 3)
	assert.NotEmpty(t, batch.PerTranscript[1].Errors)
	assert.Empty(t, batch.PerTranscript[0].Errors)
	assert.Empty(t, batch.PerTranscript[2].Errors)
	assert.Equal(t, 1, batch.Counters.Failed)
}

func TestBatchConcurrencyClamped(t *testing.T) {
	p := newTestProcessor(t, newFakeStore(), meetingLexicon())

	assert.Equal(t, DefaultConcurrency, NewBatchRunner(p, 0).concurrency)
	assert.Equal(t, DefaultConcurrency, NewBatchRunner(p, -5).concurrency)
	assert.Equal(t, MaxConcurrency, NewBatchRunner(p, 100).concurrency)
	assert.Equal(t, 8, NewBatchRunner(p, 8).concurrency)
}

func TestBatchCancellationMarksRemainingSlots(t *testing.T) {
	st := newFakeStore()
	p := newTestProcessor(t, st, meetingLexicon())
	runner := NewBatchRunner(p, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transcripts := batchTranscripts(4)
	batch := runner.Run(ctx, transcripts, Options{}, nil)

	require.Len(t, batch.PerTranscript, 4)
	for i, r := range batch.PerTranscript {
		assert.Equal(t, transcripts[i].ID, r.TranscriptID, "slot %d", i)
		assert.NotEmpty(t, r.Errors, "slot %d", i)
	}
	assert.Empty(t, st.pages)
}

func TestBatchProgressCallback(t *testing.T) {
	st := newFakeStore()
	p := newTestProcessor(t, st, meetingLexicon())
	runner := NewBatchRunner(p, 2)

	var mu sync.Mutex
	var calls, last int
	batch := runner.Run(context.Background(), batchTranscripts(5), Options{}, func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if done > last {
			last = done
		}
		assert.Equal(t, 5, total)
	})

	assert.Len(t, batch.PerTranscript, 5)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 5, last)
}

func TestEmptyBatch(t *testing.T) {
	p := newTestProcessor(t, newFakeStore(), meetingLexicon())
	batch := NewBatchRunner(p, 4).Run(context.Background(), nil, Options{}, nil)
	assert.Empty(t, batch.PerTranscript)
	assert.Equal(t, 0, batch.Counters.Transcripts)
}
