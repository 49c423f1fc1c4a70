package pipeline

import (
	"reflect"
	"sort"
	"strings"

	"github.com/casefile-hq/casefile/internal/property"
	"github.com/casefile-hq/casefile/internal/types"
)

// DefaultOverwriteConfidence is the minimum entity confidence at which an
// incoming scalar may replace a non-null existing value.
const DefaultOverwriteConfidence = 0.85

// provenanceTag marks appended rich_text content with its transcript.
func provenanceTag(transcriptID string) string {
	return "[source: " + transcriptID + "]"
}

// mergeProperties computes the partial-update payload for an existing page.
// Only keys that actually change appear in the result; an empty result
// means the page is already up to date.
//
// Policy per property kind:
//   - title is never merged here; conflicts are reported by the caller
//   - scalars overwrite only a null existing value, or any value when the
//     entity confidence clears the overwrite threshold
//   - collections union, preserving existing members and order
//   - rich_text appends with a blank-line separator and a provenance tag
func mergeProperties(incoming map[string]any, page *types.Page, schema *types.DatabaseSchema, confidence, overwriteConfidence float64, transcriptID string) map[string]any {
	changes := make(map[string]any)

	names := make([]string, 0, len(incoming))
	for name := range incoming {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := incoming[name]
		if value == nil {
			continue
		}
		entry, ok := schema.Properties[name]
		if !ok || entry.Kind == types.PropTitle || entry.Kind.ReadOnly() {
			continue
		}

		existingPV, hasExisting := page.Properties[name]
		var existing any
		if hasExisting {
			existing, _ = property.Decode(name, existingPV)
		}

		switch entry.Kind {
		case types.PropRichText:
			s, ok := value.(string)
			if !ok || s == "" {
				continue
			}
			if appended := appendRichText(existing, s, transcriptID); appended != "" {
				changes[name] = appended
			}
		case types.PropMultiSelect:
			merged, grew := unionStrings(toStringSlice(existing), toStringSlice(value))
			if grew {
				changes[name] = merged
			}
		case types.PropRelation:
			merged, grew := unionStrings(toStringSlice(existing), toStringSlice(value))
			if grew {
				changes[name] = merged
			}
		case types.PropPeople:
			merged, grew := unionStrings(userIDs(existing), toStringSlice(value))
			if grew {
				changes[name] = merged
			}
		case types.PropFiles:
			merged, grew := unionFiles(existing, value)
			if grew {
				changes[name] = merged
			}
		default:
			// Scalar kinds: number, select, checkbox, url, email, phone, date.
			if existing == nil || existing == "" || confidence >= overwriteConfidence {
				if !scalarEqual(name, value, existingPV, entry) {
					changes[name] = value
				}
			}
		}
	}
	return changes
}

// appendRichText returns the full replacement value, or "" when the
// content (with its provenance tag) is already present.
func appendRichText(existing any, content, transcriptID string) string {
	block := content + "\n" + provenanceTag(transcriptID)
	current, _ := existing.(string)
	if strings.Contains(current, block) {
		return ""
	}
	if current == "" {
		return block
	}
	return current + "\n\n" + block
}

// scalarEqual compares an incoming plain value with the stored property by
// encoding it through the codec: equality is defined modulo the codec's
// normalizations.
func scalarEqual(name string, value any, existing types.PropertyValue, entry types.SchemaEntry) bool {
	pv, err := property.Encode(name, value, entry)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(pv, existing)
}

func unionStrings(existing, incoming []string) ([]string, bool) {
	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, v := range existing {
		if !seen[v] {
			seen[v] = true
			merged = append(merged, v)
		}
	}
	grew := false
	for _, v := range incoming {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		merged = append(merged, v)
		grew = true
	}
	return merged, grew
}

func unionFiles(existing, incoming any) ([]types.FileRef, bool) {
	current, _ := existing.([]types.FileRef)
	added, _ := incoming.([]types.FileRef)

	seen := make(map[string]bool, len(current))
	merged := make([]types.FileRef, 0, len(current)+len(added))
	for _, f := range current {
		if !seen[f.URL] {
			seen[f.URL] = true
			merged = append(merged, f)
		}
	}
	grew := false
	for _, f := range added {
		if f.URL == "" || seen[f.URL] {
			continue
		}
		seen[f.URL] = true
		merged = append(merged, f)
		grew = true
	}
	return merged, grew
}

func userIDs(existing any) []string {
	refs, _ := existing.([]types.UserRef)
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	return ids
}

// toStringSlice accepts the shapes extraction produces for list-valued
// properties: a string, []string, or []any of strings.
func toStringSlice(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
