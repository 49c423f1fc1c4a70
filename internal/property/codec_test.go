package property

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casefile-hq/casefile/internal/fault"
	"github.com/casefile-hq/casefile/internal/types"
)

func entry(kind types.PropertyKind) types.SchemaEntry {
	return types.SchemaEntry{Kind: kind}
}

func requireValidation(t *testing.T, err error) *Error {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	var ce *Error
	require.True(t, errors.As(err, &ce), "expected codec error, got %v", err)
	return ce
}

func TestTextRoundTrip(t *testing.T) {
	for _, kind := range []types.PropertyKind{types.PropTitle, types.PropRichText} {
		pv, err := Encode("name", "Alice Smith", entry(kind))
		require.NoError(t, err)

		plain, err := Decode("name", pv)
		require.NoError(t, err)
		assert.Equal(t, "Alice Smith", plain)
	}
}

func TestTextTruncatesAt2000(t *testing.T) {
	long := strings.Repeat("x", MaxTextLength+500)
	pv, err := Encode("notes", long, entry(types.PropRichText))
	require.NoError(t, err)

	plain, err := Decode("notes", pv)
	require.NoError(t, err)
	assert.Len(t, plain.(string), MaxTextLength)
}

func TestTextEmptyDecodesToNull(t *testing.T) {
	pv, err := Encode("name", "", entry(types.PropTitle))
	require.NoError(t, err)
	assert.Empty(t, pv.Title)

	plain, err := Decode("name", pv)
	require.NoError(t, err)
	assert.Nil(t, plain)
}

func TestNumberRoundTripAndRejection(t *testing.T) {
	pv, err := Encode("count", 42.5, entry(types.PropNumber))
	require.NoError(t, err)
	plain, err := Decode("count", pv)
	require.NoError(t, err)
	assert.Equal(t, 42.5, plain)

	// null round-trips as null
	pv, err = Encode("count", nil, entry(types.PropNumber))
	require.NoError(t, err)
	plain, err = Decode("count", pv)
	require.NoError(t, err)
	assert.Nil(t, plain)

	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Encode("count", bad, entry(types.PropNumber))
		ce := requireValidation(t, err)
		assert.Equal(t, types.PropNumber, ce.Kind)
	}
}

func TestSelectMembership(t *testing.T) {
	schema := types.SchemaEntry{Kind: types.PropSelect, Options: []string{"open", "closed"}}

	pv, err := Encode("status", "open", schema)
	require.NoError(t, err)
	plain, err := Decode("status", pv)
	require.NoError(t, err)
	assert.Equal(t, "open", plain)

	_, err = Encode("status", "unknown", schema)
	requireValidation(t, err)

	schema.AllowNewOptions = true
	_, err = Encode("status", "unknown", schema)
	assert.NoError(t, err)
}

func TestMultiSelectCollapsesDuplicates(t *testing.T) {
	schema := types.SchemaEntry{Kind: types.PropMultiSelect, AllowNewOptions: true}

	pv, err := Encode("tags", []string{"a", "b", "a", "b", "c"}, schema)
	require.NoError(t, err)
	plain, err := Decode("tags", pv)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, plain)
}

func TestDateNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	start := time.Date(2026, 3, 14, 15, 0, 0, 0, loc)
	pv, err := Encode("when", types.DateValue{Start: start}, entry(types.PropDate))
	require.NoError(t, err)

	plain, err := Decode("when", pv)
	require.NoError(t, err)
	got := plain.(*types.DateValue)
	assert.Equal(t, time.UTC, got.Start.Location())
	assert.Equal(t, start.UTC(), got.Start)
}

func TestDateRangeRequiresOrderedEnds(t *testing.T) {
	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	_, err := Encode("when", types.DateValue{Start: start, End: &end}, entry(types.PropDate))
	requireValidation(t, err)

	end = start.Add(time.Hour)
	_, err = Encode("when", types.DateValue{Start: start, End: &end}, entry(types.PropDate))
	assert.NoError(t, err)
}

func TestDateStringParsing(t *testing.T) {
	pv, err := Encode("when", "2026-03-14T15:00:00Z", entry(types.PropDate))
	require.NoError(t, err)
	assert.False(t, pv.Date.DateOnly)

	// Missing time means date-only.
	pv, err = Encode("when", "2026-03-14", entry(types.PropDate))
	require.NoError(t, err)
	assert.True(t, pv.Date.DateOnly)

	_, err = Encode("when", "not a date", entry(types.PropDate))
	requireValidation(t, err)
}

func TestCheckboxNullIsFalse(t *testing.T) {
	pv, err := Encode("done", nil, entry(types.PropCheckbox))
	require.NoError(t, err)
	plain, err := Decode("done", pv)
	require.NoError(t, err)
	assert.Equal(t, false, plain)

	pv, err = Encode("done", true, entry(types.PropCheckbox))
	require.NoError(t, err)
	plain, err = Decode("done", pv)
	require.NoError(t, err)
	assert.Equal(t, true, plain)
}

func TestURLSchemeAndLength(t *testing.T) {
	pv, err := Encode("site", "https://example.com/a", entry(types.PropURL))
	require.NoError(t, err)
	plain, err := Decode("site", pv)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", plain)

	for _, bad := range []string{
		"http://example.com",
		"ftp://example.com",
		"https://" + strings.Repeat("a", MaxURLLength) + ".com",
		"://bad",
	} {
		_, err := Encode("site", bad, entry(types.PropURL))
		requireValidation(t, err)
	}
}

func TestEmailValidation(t *testing.T) {
	_, err := Encode("email", "alice@example.com", entry(types.PropEmail))
	assert.NoError(t, err)

	for _, bad := range []string{"not-an-email", "a@b", "@example.com"} {
		_, err := Encode("email", bad, entry(types.PropEmail))
		requireValidation(t, err)
	}
}

func TestPhoneLengthOnly(t *testing.T) {
	_, err := Encode("phone", "+1 (555) 867-5309 ext. 42", entry(types.PropPhone))
	assert.NoError(t, err)

	_, err = Encode("phone", strings.Repeat("5", MaxPhoneLength+1), entry(types.PropPhone))
	requireValidation(t, err)
}

func TestPeopleIDsMustBeWellFormed(t *testing.T) {
	pv, err := Encode("owners", []string{"user-abc123"}, entry(types.PropPeople))
	require.NoError(t, err)
	plain, err := Decode("owners", pv)
	require.NoError(t, err)
	assert.Equal(t, []types.UserRef{{ID: "user-abc123"}}, plain)

	_, err = Encode("owners", []string{""}, entry(types.PropPeople))
	requireValidation(t, err)

	_, err = Encode("owners", []string{"has space"}, entry(types.PropPeople))
	requireValidation(t, err)
}

func TestFilesValidateURLs(t *testing.T) {
	files := []types.FileRef{{Name: "report.pdf", URL: "https://files.example.com/r.pdf"}}
	pv, err := Encode("attachments", files, entry(types.PropFiles))
	require.NoError(t, err)
	plain, err := Decode("attachments", pv)
	require.NoError(t, err)
	assert.Equal(t, files, plain)

	_, err = Encode("attachments", []types.FileRef{{Name: "x", URL: "http://plain.example.com"}}, entry(types.PropFiles))
	requireValidation(t, err)
}

func TestRelationPreservesOrder(t *testing.T) {
	ids := []string{
		"0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0",
		"00000000-0000-0000-0000-000000000001",
		"0123456789abcdef0123456789abcdef", // dashless accepted
	}
	pv, err := Encode("links", ids, entry(types.PropRelation))
	require.NoError(t, err)
	plain, err := Decode("links", pv)
	require.NoError(t, err)
	assert.Equal(t, ids, plain)

	_, err = Encode("links", []string{"not-a-page-id"}, entry(types.PropRelation))
	requireValidation(t, err)
}

func TestReadOnlyKindsRejectEncode(t *testing.T) {
	for _, kind := range []types.PropertyKind{types.PropFormula, types.PropRollup} {
		_, err := Encode("calc", "anything", entry(kind))
		ce := requireValidation(t, err)
		assert.Equal(t, kind, ce.Kind)
	}
}

func TestFormulaDecodeYieldsEmbeddedValue(t *testing.T) {
	n := 7.0
	pv := types.PropertyValue{
		Kind:    types.PropFormula,
		Formula: &types.FormulaValue{Type: "number", Number: &n},
	}
	plain, err := Decode("calc", pv)
	require.NoError(t, err)
	assert.Equal(t, 7.0, plain)

	s := "done"
	pv = types.PropertyValue{
		Kind:   types.PropRollup,
		Rollup: &types.FormulaValue{Type: "string", String: &s},
	}
	plain, err = Decode("calc", pv)
	require.NoError(t, err)
	assert.Equal(t, "done", plain)
}

func TestEncodeAllRejectsUndeclaredProperties(t *testing.T) {
	schema := &types.DatabaseSchema{
		DatabaseID: "db1",
		Properties: map[string]types.SchemaEntry{
			"Name": {Kind: types.PropTitle},
		},
	}

	out, err := EncodeAll(map[string]any{"Name": "Alice"}, schema)
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = EncodeAll(map[string]any{"Name": "Alice", "Rogue": "x"}, schema)
	requireValidation(t, err)
}

func TestCodecErrorRedactsLongValues(t *testing.T) {
	long := strings.Repeat("v", 200)
	_, err := Encode("email", long, entry(types.PropEmail))
	ce := requireValidation(t, err)
	assert.LessOrEqual(t, len(ce.Offending), 64)
}
