// Package extract turns transcript text into structured entities via an LLM.
package extract

import (
	"context"

	"github.com/casefile-hq/casefile/internal/types"
)

// Hints narrows what a provider should look for. Zero value means no hints.
type Hints struct {
	// AllowedKinds restricts extraction to these entity kinds. Empty means all.
	AllowedKinds []types.EntityKind
}

// Provider is the contract for invoking an LLM and parsing a structured
// entity list. Implementations must treat transcript text as untrusted
// data, never as instructions.
type Provider interface {
	Extract(ctx context.Context, transcript *types.Transcript, hints Hints) (*types.ExtractionResult, error)
}
