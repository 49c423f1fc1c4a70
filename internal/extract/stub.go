package extract

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/casefile-hq/casefile/internal/fault"
	"github.com/casefile-hq/casefile/internal/types"
)

// Stub is a deterministic rule-based Provider for tests and offline runs.
// It scans the transcript body for names registered in its lexicon and
// treats everything else in the body as inert data.
type Stub struct {
	// Lexicon maps a literal phrase to the entity it denotes. The entity's
	// SourceTranscriptID is filled in per call.
	Lexicon map[string]types.Entity
	// Err, when set, is returned from every Extract call.
	Err error
	// Calls counts Extract invocations. Extract may run concurrently.
	Calls atomic.Int64
}

var _ Provider = (*Stub)(nil)

// Extract implements Provider. Matching is literal substring search over
// the raw body; instructions embedded in the transcript cannot add lexicon
// entries, so injected text never becomes an entity.
func (s *Stub) Extract(ctx context.Context, transcript *types.Transcript, hints Hints) (*types.ExtractionResult, error) {
	s.Calls.Add(1)
	if s.Err != nil {
		return nil, s.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, "extraction cancelled", err)
	}
	if len(transcript.Body) > MaxInputChars {
		return nil, fault.Newf(fault.KindValidation, "transcript body exceeds %d characters", MaxInputChars)
	}

	allowed := make(map[types.EntityKind]bool)
	for _, k := range hints.AllowedKinds {
		allowed[k] = true
	}

	result := &types.ExtractionResult{}
	haystack := transcript.Title + "\n" + transcript.Body
	for phrase, entity := range s.Lexicon {
		if !strings.Contains(haystack, phrase) {
			continue
		}
		if len(allowed) > 0 && !allowed[entity.Kind] {
			continue
		}
		e := entity
		e.SourceTranscriptID = transcript.ID
		result.Entities = append(result.Entities, e)
	}

	// Deterministic output order regardless of map iteration.
	sortEntities(result.Entities)
	return result, nil
}

func sortEntities(entities []types.Entity) {
	for i := 1; i < len(entities); i++ {
		for j := i; j > 0 && entities[j].Name < entities[j-1].Name; j-- {
			entities[j], entities[j-1] = entities[j-1], entities[j]
		}
	}
}
