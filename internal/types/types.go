// Package types defines core data structures for the casefile pipeline.
package types

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// SourceTag identifies where a transcript came from. The set is open:
// unknown tags are preserved but only the known ones validate.
type SourceTag string

const (
	SourceVoiceMemo            SourceTag = "voice_memo"
	SourceVideoTranscript      SourceTag = "video_transcript"
	SourcePersonalNote         SourceTag = "personal_note"
	SourceExternalSubscription SourceTag = "external_subscription"
	SourceGoogleMeet           SourceTag = "google_meet"
	SourceOther                SourceTag = "other"
)

// KnownSource reports whether tag is a member of the source enum.
func KnownSource(tag SourceTag) bool {
	switch tag {
	case SourceVoiceMemo, SourceVideoTranscript, SourcePersonalNote,
		SourceExternalSubscription, SourceGoogleMeet, SourceOther:
		return true
	}
	return false
}

// Transcript is the input unit. Immutable once processing begins.
type Transcript struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
	Source    SourceTag         `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ContentHash returns a deterministic hash of the transcript's substantive
// content. It is surfaced on ProcessingResult so callers can detect
// re-submissions of identical input.
func (t *Transcript) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(t.Title))
	h.Write([]byte{0})
	h.Write([]byte(t.Body))
	h.Write([]byte{0})
	h.Write([]byte(t.Source))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// EntityKind is the closed set of extractable entity kinds.
type EntityKind string

const (
	KindPerson        EntityKind = "Person"
	KindOrganization  EntityKind = "Organization"
	KindTask          EntityKind = "Task"
	KindEvent         EntityKind = "Event"
	KindDocument      EntityKind = "Document"
	KindTransgression EntityKind = "Transgression"
	KindPlace         EntityKind = "Place"
)

// EntityKinds lists every kind in declaration order.
var EntityKinds = []EntityKind{
	KindPerson, KindOrganization, KindTask, KindEvent,
	KindDocument, KindTransgression, KindPlace,
}

// KnownEntityKind reports whether k is a member of the entity kind set.
func KnownEntityKind(k EntityKind) bool {
	for _, known := range EntityKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Relationship links an extracted entity to another entity by name.
type Relationship struct {
	TargetName string     `json:"target_name"`
	TargetKind EntityKind `json:"target_kind"`
	Label      string     `json:"relation_label"`
}

// Entity is one structured record extracted from a transcript.
type Entity struct {
	Kind               EntityKind     `json:"kind"`
	Name               string         `json:"name"`
	Properties         map[string]any `json:"properties,omitempty"`
	Relationships      []Relationship `json:"relationships,omitempty"`
	SourceTranscriptID string         `json:"source_transcript_id,omitempty"`
	Confidence         float64        `json:"confidence"`
}

// IdentifierProperty reports whether name is a strong-identifier property
// (email, phone, external id). An exact match on one of these is
// near-conclusive for deduplication.
func IdentifierProperty(name string) bool {
	switch name {
	case "email", "phone", "external_id":
		return true
	}
	return false
}

// StringProperty returns the named property as a string, or "" when absent
// or not a string.
func (e *Entity) StringProperty(name string) string {
	if e.Properties == nil {
		return ""
	}
	s, _ := e.Properties[name].(string)
	return s
}

// ExtractionWarning describes an entity that was dropped or downgraded
// during extraction rather than failing the whole transcript.
type ExtractionWarning struct {
	EntityName string `json:"entity_name,omitempty"`
	Reason     string `json:"reason"`
}

// ExtractionResult is what an extraction provider returns for one transcript.
type ExtractionResult struct {
	Entities []Entity            `json:"entities"`
	Warnings []ExtractionWarning `json:"warnings,omitempty"`
}
