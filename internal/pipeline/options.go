// Package pipeline orchestrates transcript processing: extraction, dedup
// against the remote store, page upserts, and relationship creation.
package pipeline

import (
	"github.com/casefile-hq/casefile/internal/types"
)

// Options control one processing run.
type Options struct {
	// DryRun produces the full decision trace without store writes.
	DryRun bool `json:"dry_run,omitempty"`
	// EnableDeduplication matches entities against existing pages before
	// creating new ones. Defaults to true.
	EnableDeduplication *bool `json:"enable_deduplication,omitempty"`
	// DeduplicationThreshold overrides the matcher's match threshold when
	// greater than zero.
	DeduplicationThreshold float64 `json:"deduplication_threshold,omitempty"`
	// CreateRelationships links extracted entities to each other. Defaults
	// to true.
	CreateRelationships *bool `json:"create_relationships,omitempty"`
	// AllowedKinds restricts the upsert scope. Empty means all kinds.
	AllowedKinds []types.EntityKind `json:"allowed_kinds,omitempty"`
	// SourceOverride replaces the transcript's source tag.
	SourceOverride types.SourceTag `json:"source_override,omitempty"`
}

func (o *Options) deduplicate() bool {
	return o.EnableDeduplication == nil || *o.EnableDeduplication
}

func (o *Options) relationships() bool {
	return o.CreateRelationships == nil || *o.CreateRelationships
}

func (o *Options) kindAllowed(kind types.EntityKind) bool {
	if len(o.AllowedKinds) == 0 {
		return true
	}
	for _, k := range o.AllowedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Bool is a convenience for building Options literals.
func Bool(v bool) *bool { return &v }
