package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casefile-hq/casefile/internal/types"
)

func person(name string, props map[string]any) *types.Entity {
	return &types.Entity{Kind: types.KindPerson, Name: name, Properties: props, Confidence: 0.9}
}

func page(id, title string, props map[string]types.PropertyValue) types.Page {
	all := map[string]types.PropertyValue{
		"Name": {Kind: types.PropTitle, Title: []types.TextSpan{{PlainText: title}}},
	}
	for k, v := range props {
		all[k] = v
	}
	return types.Page{
		ID:             id,
		DatabaseID:     "db",
		Properties:     all,
		LastEditedTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func richText(s string) types.PropertyValue {
	return types.PropertyValue{Kind: types.PropRichText, RichText: []types.TextSpan{{PlainText: s}}}
}

func email(s string) types.PropertyValue {
	return types.PropertyValue{Kind: types.PropEmail, Email: &s}
}

func TestExactTitleMatches(t *testing.T) {
	m := New()
	candidates := []types.Page{page("p1", "Alice Smith", nil)}

	out := m.Match(person("Alice Smith", nil), candidates)
	assert.Equal(t, DecisionMatch, out.Decision)
	require.NotNil(t, out.Page)
	assert.Equal(t, "p1", out.Page.ID)
	assert.InDelta(t, 100, out.Score, 0.01)
}

func TestUnrelatedTitleIsNoMatch(t *testing.T) {
	m := New()
	out := m.Match(person("Alice Smith", nil), []types.Page{page("p1", "Quarterly Budget", nil)})
	assert.Equal(t, DecisionNoMatch, out.Decision)
	assert.Nil(t, out.Page)
}

func TestAbbreviatedNameWithMatchingEmail(t *testing.T) {
	m := New()
	candidates := []types.Page{
		page("p1", "Alice Smith", map[string]types.PropertyValue{"Email": email("alice@example.com")}),
	}

	entity := person("A. Smith", map[string]any{"email": "alice@example.com"})
	out := m.Match(entity, candidates)
	assert.Equal(t, DecisionMatch, out.Decision)
	assert.GreaterOrEqual(t, out.Score, 90.0)
}

func TestMismatchedIdentifierPullsScoreDown(t *testing.T) {
	m := New()
	candidates := []types.Page{
		page("p1", "Alice Smith", map[string]types.PropertyValue{"Email": email("other@example.com")}),
	}

	entity := person("Alice Smith", map[string]any{"email": "alice@example.com"})
	out := m.Match(entity, candidates)
	assert.NotEqual(t, DecisionMatch, out.Decision)
}

func TestAmbiguousBandReturnsAllCandidates(t *testing.T) {
	m := New()
	ctx := map[string]types.PropertyValue{"Notes": richText("engineering team weekly sync")}
	candidates := []types.Page{
		page("p1", "John Doe", ctx),
		page("p2", "John Roe", ctx),
		page("p3", "Johnathan Poe", ctx),
	}

	entity := person("John", map[string]any{"notes": "sync with the engineering group"})
	out := m.Match(entity, candidates)
	require.Equal(t, DecisionAmbiguous, out.Decision, "top score %.1f", out.Score)
	assert.Len(t, out.Candidates, 3)
	for _, c := range out.Candidates {
		assert.GreaterOrEqual(t, c.Score, DefaultLowThreshold)
		assert.Less(t, c.Score, DefaultHighThreshold)
	}
}

func TestTieBreakByIdentifierThenRecencyThenID(t *testing.T) {
	m := New()
	older := page("p-b", "Alice Smith", nil)
	older.LastEditedTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := page("p-a", "Alice Smith", nil)
	newer.LastEditedTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	out := m.Match(person("Alice Smith", nil), []types.Page{older, newer})
	require.Equal(t, DecisionMatch, out.Decision)
	assert.Equal(t, "p-a", out.Page.ID)

	// Equal scores and times fall back to lexical page id.
	twinA := page("p-1", "Alice Smith", nil)
	twinB := page("p-2", "Alice Smith", nil)
	out = m.Match(person("Alice Smith", nil), []types.Page{twinB, twinA})
	require.Equal(t, DecisionMatch, out.Decision)
	assert.Equal(t, "p-1", out.Page.ID)
}

func TestMatchIsDeterministic(t *testing.T) {
	m := New()
	candidates := []types.Page{
		page("p1", "John Doe", nil),
		page("p2", "John Roe", nil),
		page("p3", "Jane Doe", nil),
	}
	entity := person("John Doe", map[string]any{"notes": "weekly sync"})

	first := m.Match(entity, candidates)
	for i := 0; i < 20; i++ {
		again := m.Match(entity, candidates)
		assert.Equal(t, first.Decision, again.Decision)
		assert.Equal(t, first.Score, again.Score)
	}
}

func TestThresholdOverrides(t *testing.T) {
	m := New(WithHighThreshold(99.5))
	out := m.Match(person("Jon Smith", nil), []types.Page{page("p1", "John Smith", nil)})
	assert.NotEqual(t, DecisionMatch, out.Decision)

	loose := New(WithHighThreshold(80), WithLowThreshold(50))
	out = loose.Match(person("Jon Smith", nil), []types.Page{page("p1", "John Smith", nil)})
	assert.Equal(t, DecisionMatch, out.Decision)
}

func TestCandidatesFilterByTokenOverlapOrIdentifier(t *testing.T) {
	pages := []types.Page{
		page("p1", "Alice Smith", nil),
		page("p2", "Bob Jones", map[string]types.PropertyValue{"Email": email("alice@example.com")}),
		page("p3", "Unrelated Topic", nil),
	}

	entity := person("Alice Smith", map[string]any{"email": "alice@example.com"})
	got := Candidates(entity, pages)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ID)
	assert.Equal(t, "p2", got[1].ID)
}

func TestJaroWinklerBasics(t *testing.T) {
	assert.Equal(t, 1.0, jaroWinkler("alice", "alice"))
	assert.Equal(t, 0.0, jaroWinkler("", "alice"))
	assert.Greater(t, jaroWinkler("alice smith", "alice smythe"), jaroWinkler("alice smith", "bob jones"))
	// Shared prefix boosts the score.
	assert.Greater(t, jaroWinkler("martha", "marhta"), jaro("martha", "marhta"))
}

func TestNormalizeTextStripsPunctuationAndCase(t *testing.T) {
	assert.Equal(t, "a smith", normalizeText("A. Smith"))
	assert.Equal(t, "acme corp", normalizeText("  ACME,   Corp!  "))
}

func TestPhoneIdentifiersCompareDigitsOnly(t *testing.T) {
	m := New()
	phone := "+1 (555) 867-5309"
	candidates := []types.Page{
		page("p1", "Alice Smith", map[string]types.PropertyValue{
			"Phone": {Kind: types.PropPhone, Phone: &phone},
		}),
	}
	entity := person("A. Smith", map[string]any{"phone": "15558675309"})
	out := m.Match(entity, candidates)
	assert.Equal(t, DecisionMatch, out.Decision)
}
