// Package match decides whether an extracted entity refers to an existing
// page in the remote store.
package match

import (
	"sort"
	"strings"
	"unicode"

	"github.com/casefile-hq/casefile/internal/property"
	"github.com/casefile-hq/casefile/internal/types"
)

const (
	// DefaultHighThreshold is the composite score at or above which a
	// candidate is declared a match.
	DefaultHighThreshold = 90.0
	// DefaultLowThreshold is the floor of the ambiguous band.
	DefaultLowThreshold = 75.0

	titleWeight      = 60.0
	identifierWeight = 30.0
	contextWeight    = 10.0

	// abbreviationSim is the title similarity assigned when one title is a
	// token-by-token prefix abbreviation of the other ("A. Smith" vs
	// "Alice Smith").
	abbreviationSim = 0.92

	jaroWinklerPrefix = 0.1
	maxPrefixLength   = 4
)

// Decision is the outcome category of a match attempt.
type Decision string

const (
	DecisionMatch     Decision = "match"
	DecisionAmbiguous Decision = "ambiguous"
	DecisionNoMatch   Decision = "no_match"
)

// Scored is one candidate with its composite score.
type Scored struct {
	Page           types.Page
	Score          float64
	IdentifierHits int
}

// Outcome is the result of matching one entity against a candidate set.
type Outcome struct {
	Decision   Decision
	Page       *types.Page // set when Decision == DecisionMatch
	Score      float64
	Candidates []Scored // ambiguous band candidates, best first
}

// Matcher scores candidate pages against extracted entities. Zero value is
// not usable; construct with New.
type Matcher struct {
	highThreshold float64
	lowThreshold  float64
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithHighThreshold overrides the match threshold.
func WithHighThreshold(v float64) Option {
	return func(m *Matcher) { m.highThreshold = v }
}

// WithLowThreshold overrides the ambiguous-band floor.
func WithLowThreshold(v float64) Option {
	return func(m *Matcher) { m.lowThreshold = v }
}

// HighThreshold returns the configured match threshold.
func (m *Matcher) HighThreshold() float64 { return m.highThreshold }

// LowThreshold returns the configured ambiguous-band floor.
func (m *Matcher) LowThreshold() float64 { return m.lowThreshold }

func New(opts ...Option) *Matcher {
	m := &Matcher{
		highThreshold: DefaultHighThreshold,
		lowThreshold:  DefaultLowThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// contextFields lists the kind-specific properties whose token overlap
// feeds the context component of the score.
var contextFields = map[types.EntityKind][]string{
	types.KindPerson:        {"role", "organization", "location", "notes"},
	types.KindOrganization:  {"industry", "location", "notes"},
	types.KindTask:          {"status", "project", "notes"},
	types.KindEvent:         {"location", "description", "notes"},
	types.KindDocument:      {"author", "topic", "notes"},
	types.KindTransgression: {"severity", "description", "notes"},
	types.KindPlace:         {"address", "region", "notes"},
}

var identifierNames = []string{"email", "phone", "external_id"}

// Candidates filters pages down to plausible matches for the entity: a
// non-empty token overlap on the normalized title, or an exact match on
// any identifier property.
func Candidates(entity *types.Entity, pages []types.Page) []types.Page {
	nameTokens := tokenize(entity.Name)
	ids := entityIdentifiers(entity)

	out := make([]types.Page, 0, len(pages))
	for _, page := range pages {
		titleTokens := tokenize(page.Title())
		if overlaps(nameTokens, titleTokens) {
			out = append(out, page)
			continue
		}
		if len(ids) > 0 {
			pageIDs := pageIdentifiers(&page)
			for name, v := range ids {
				if pv, ok := pageIDs[name]; ok && pv == v {
					out = append(out, page)
					break
				}
			}
		}
	}
	return out
}

// Match scores the candidates and applies the threshold bands. The result
// is deterministic for a fixed entity and candidate snapshot.
func (m *Matcher) Match(entity *types.Entity, candidates []types.Page) Outcome {
	if len(candidates) == 0 {
		return Outcome{Decision: DecisionNoMatch}
	}

	scored := make([]Scored, 0, len(candidates))
	for _, page := range candidates {
		score, hits := m.score(entity, &page)
		scored = append(scored, Scored{Page: page, Score: score, IdentifierHits: hits})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].IdentifierHits != scored[j].IdentifierHits {
			return scored[i].IdentifierHits > scored[j].IdentifierHits
		}
		if !scored[i].Page.LastEditedTime.Equal(scored[j].Page.LastEditedTime) {
			return scored[i].Page.LastEditedTime.After(scored[j].Page.LastEditedTime)
		}
		return scored[i].Page.ID < scored[j].Page.ID
	})

	top := scored[0]
	switch {
	case top.Score >= m.highThreshold:
		return Outcome{Decision: DecisionMatch, Page: &top.Page, Score: top.Score}
	case top.Score >= m.lowThreshold:
		band := make([]Scored, 0, len(scored))
		for _, s := range scored {
			if s.Score >= m.lowThreshold {
				band = append(band, s)
			}
		}
		return Outcome{Decision: DecisionAmbiguous, Score: top.Score, Candidates: band}
	default:
		return Outcome{Decision: DecisionNoMatch, Score: top.Score}
	}
}

// score computes the composite score in [0,100]. Components the entity
// cannot exercise (no identifier properties, no context fields) drop out
// and the remaining weights are renormalized, so a title-only entity is
// still matchable.
func (m *Matcher) score(entity *types.Entity, page *types.Page) (float64, int) {
	entityTitle := normalizeText(entity.Name)
	pageTitle := normalizeText(page.Title())

	titleSim := jaroWinkler(entityTitle, pageTitle)
	if abbreviationOf(entityTitle, pageTitle) && abbreviationSim > titleSim {
		titleSim = abbreviationSim
	}

	weight := titleWeight
	total := titleWeight * titleSim
	hits := 0

	if ids := entityIdentifiers(entity); len(ids) > 0 {
		pageIDs := pageIdentifiers(page)
		for name, v := range ids {
			if pv, ok := pageIDs[name]; ok && pv == v {
				hits++
			}
		}
		weight += identifierWeight
		total += identifierWeight * float64(hits) / float64(len(ids))
	}

	if ctx := entityContext(entity); len(ctx) > 0 {
		weight += contextWeight
		total += contextWeight * jaccard(ctx, pageContext(page, entity.Kind))
	}

	return 100 * total / weight, hits
}

func entityIdentifiers(entity *types.Entity) map[string]string {
	out := make(map[string]string)
	for key, v := range entity.Properties {
		name := canonicalName(key)
		if !types.IdentifierProperty(name) {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			out[name] = normalizeIdentifier(name, s)
		}
	}
	return out
}

func pageIdentifiers(page *types.Page) map[string]string {
	out := make(map[string]string)
	for key, v := range decodedProperties(page) {
		name := canonicalName(key)
		if !types.IdentifierProperty(name) {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			out[name] = normalizeIdentifier(name, s)
		}
	}
	return out
}

func entityContext(entity *types.Entity) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range contextFields[entity.Kind] {
		for key, v := range entity.Properties {
			if canonicalName(key) != field {
				continue
			}
			if s, ok := v.(string); ok {
				addTokens(tokens, s)
			}
		}
	}
	return tokens
}

func pageContext(page *types.Page, kind types.EntityKind) map[string]struct{} {
	plain := decodedProperties(page)
	tokens := make(map[string]struct{})
	for _, field := range contextFields[kind] {
		for key, v := range plain {
			if canonicalName(key) != field {
				continue
			}
			if s, ok := v.(string); ok {
				addTokens(tokens, s)
			}
		}
	}
	return tokens
}

// decodedProperties decodes page properties for scoring. Properties that
// fail to decode are ignored rather than failing the comparison.
func decodedProperties(page *types.Page) map[string]any {
	out := make(map[string]any, len(page.Properties))
	for name, pv := range page.Properties {
		plain, err := property.Decode(name, pv)
		if err != nil {
			continue
		}
		out[name] = plain
	}
	return out
}

// canonicalName maps a display property name to its comparison form:
// lowercase with spaces as underscores ("External ID" -> "external_id").
func canonicalName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

func normalizeIdentifier(name, value string) string {
	if name == "phone" {
		var b strings.Builder
		for _, r := range value {
			if unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(' ')
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	addTokens(tokens, s)
	return tokens
}

func addTokens(tokens map[string]struct{}, s string) {
	for _, p := range strings.Fields(normalizeText(s)) {
		tokens[p] = struct{}{}
	}
}

func overlaps(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// abbreviationOf reports whether the shorter normalized title abbreviates
// the longer one: every token of the shorter is a prefix of the token at
// the same position in the longer, and the shorter has at least one token.
func abbreviationOf(a, b string) bool {
	short := strings.Fields(a)
	long := strings.Fields(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 || len(short) == len(long) && a == b {
		return false
	}
	for i, tok := range short {
		if !strings.HasPrefix(long[i], tok) {
			return false
		}
	}
	return true
}

// jaroWinkler computes similarity in [0,1] between two strings.
func jaroWinkler(a, b string) float64 {
	j := jaro(a, b)
	if j == 0 {
		return 0
	}
	prefix := 0
	for i := 0; i < len(a) && i < len(b) && i < maxPrefixLength; i++ {
		if a[i] != b[i] {
			break
		}
		prefix++
	}
	return j + float64(prefix)*jaroWinklerPrefix*(1-j)
}

func jaro(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}

	window := la
	if lb > window {
		window = lb
	}
	window = window/2 - 1
	if window < 0 {
		window = 0
	}

	matchedA := make([]bool, la)
	matchedB := make([]bool, lb)
	matches := 0
	for i := 0; i < la; i++ {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window + 1
		if hi > lb {
			hi = lb
		}
		for j := lo; j < hi; j++ {
			if matchedB[j] || a[i] != b[j] {
				continue
			}
			matchedA[i] = true
			matchedB[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	j := 0
	for i := 0; i < la; i++ {
		if !matchedA[i] {
			continue
		}
		for !matchedB[j] {
			j++
		}
		if a[i] != b[j] {
			transpositions++
		}
		j++
	}
	t := float64(transpositions) / 2

	fm := float64(matches)
	return (fm/float64(la) + fm/float64(lb) + (fm-t)/fm) / 3
}
