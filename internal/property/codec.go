// Package property translates between the remote store's semi-structured
// property shapes and plain in-memory values. Every kind has a pure
// decode/encode pair; dispatch is a closed switch over types.PropertyKind
// so an unknown kind is a startup-time error, not a runtime branch.
package property

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/casefile-hq/casefile/internal/fault"
	"github.com/casefile-hq/casefile/internal/types"
)

const (
	// MaxTextLength is the truncation limit for title and rich_text content.
	MaxTextLength = 2000
	// MaxURLLength is the limit for url property values.
	MaxURLLength = 2000
	// MaxPhoneLength is the limit for phone property values.
	MaxPhoneLength = 100
	maxOpaqueIDLen = 128
)

// Error describes a codec failure on one property. It always carries the
// property name, kind, and a redacted offending value, and surfaces as a
// validation fault.
type Error struct {
	Property  string
	Kind      types.PropertyKind
	Reason    string
	Offending string
}

func (e *Error) Error() string {
	if e.Offending != "" {
		return fmt.Sprintf("property %q (%s): %s (value: %s)", e.Property, e.Kind, e.Reason, e.Offending)
	}
	return fmt.Sprintf("property %q (%s): %s", e.Property, e.Kind, e.Reason)
}

func codecErr(property string, kind types.PropertyKind, reason string, offending any) error {
	ce := &Error{
		Property: property,
		Kind:     kind,
		Reason:   reason,
	}
	if offending != nil {
		ce.Offending = fault.Redact(fmt.Sprintf("%v", offending))
	}
	return fault.Wrap(fault.KindValidation, "property encoding failed", ce).
		With("property_name", property).
		With("kind", string(kind))
}

// Decode converts a store property value into a plain value. Read-only
// kinds decode to their embedded typed value.
func Decode(name string, pv types.PropertyValue) (any, error) {
	switch pv.Kind {
	case types.PropTitle:
		return decodeSpans(pv.Title), nil
	case types.PropRichText:
		return decodeSpans(pv.RichText), nil
	case types.PropNumber:
		if pv.Number == nil {
			return nil, nil
		}
		return *pv.Number, nil
	case types.PropSelect:
		if pv.Select == nil {
			return nil, nil
		}
		return pv.Select.Name, nil
	case types.PropMultiSelect:
		out := make([]string, 0, len(pv.MultiSelect))
		for _, opt := range pv.MultiSelect {
			out = append(out, opt.Name)
		}
		return out, nil
	case types.PropDate:
		if pv.Date == nil {
			return nil, nil
		}
		d := *pv.Date
		return &d, nil
	case types.PropCheckbox:
		if pv.Checkbox == nil {
			return false, nil
		}
		return *pv.Checkbox, nil
	case types.PropURL:
		if pv.URL == nil {
			return nil, nil
		}
		return *pv.URL, nil
	case types.PropEmail:
		if pv.Email == nil {
			return nil, nil
		}
		return *pv.Email, nil
	case types.PropPhone:
		if pv.Phone == nil {
			return nil, nil
		}
		return *pv.Phone, nil
	case types.PropPeople:
		return append([]types.UserRef(nil), pv.People...), nil
	case types.PropFiles:
		return append([]types.FileRef(nil), pv.Files...), nil
	case types.PropRelation:
		return append([]string(nil), pv.Relation...), nil
	case types.PropFormula:
		return decodeTyped(pv.Formula), nil
	case types.PropRollup:
		return decodeTyped(pv.Rollup), nil
	default:
		return nil, codecErr(name, pv.Kind, "unknown property kind", nil)
	}
}

// decodeSpans takes the first segment's plain text; an empty array is null.
func decodeSpans(spans []types.TextSpan) any {
	if len(spans) == 0 {
		return nil
	}
	return spans[0].PlainText
}

func decodeTyped(v *types.FormulaValue) any {
	if v == nil {
		return nil
	}
	switch v.Type {
	case "string":
		if v.String != nil {
			return *v.String
		}
	case "number":
		if v.Number != nil {
			return *v.Number
		}
	case "boolean":
		if v.Boolean != nil {
			return *v.Boolean
		}
	case "date":
		if v.Date != nil {
			d := *v.Date
			return &d
		}
	}
	return nil
}

// Encode converts a plain value into the store shape declared by schema.
// A nil plain value produces an empty payload of the declared kind.
func Encode(name string, plain any, schema types.SchemaEntry) (types.PropertyValue, error) {
	if !types.KnownPropertyKind(schema.Kind) {
		return types.PropertyValue{}, codecErr(name, schema.Kind, "unknown property kind", nil)
	}
	if schema.Kind.ReadOnly() {
		return types.PropertyValue{}, codecErr(name, schema.Kind, "kind is read-only", nil)
	}

	switch schema.Kind {
	case types.PropTitle:
		s, err := asText(name, schema.Kind, plain)
		if err != nil {
			return types.PropertyValue{}, err
		}
		return types.PropertyValue{Kind: types.PropTitle, Title: encodeSpans(s)}, nil
	case types.PropRichText:
		s, err := asText(name, schema.Kind, plain)
		if err != nil {
			return types.PropertyValue{}, err
		}
		return types.PropertyValue{Kind: types.PropRichText, RichText: encodeSpans(s)}, nil
	case types.PropNumber:
		return encodeNumber(name, plain)
	case types.PropSelect:
		return encodeSelect(name, plain, schema)
	case types.PropMultiSelect:
		return encodeMultiSelect(name, plain, schema)
	case types.PropDate:
		return encodeDate(name, plain)
	case types.PropCheckbox:
		return encodeCheckbox(name, plain)
	case types.PropURL:
		return encodeURL(name, plain)
	case types.PropEmail:
		return encodeEmail(name, plain)
	case types.PropPhone:
		return encodePhone(name, plain)
	case types.PropPeople:
		return encodePeople(name, plain)
	case types.PropFiles:
		return encodeFiles(name, plain)
	case types.PropRelation:
		return encodeRelation(name, plain)
	}
	return types.PropertyValue{}, codecErr(name, schema.Kind, "unknown property kind", nil)
}

func asText(name string, kind types.PropertyKind, plain any) (string, error) {
	if plain == nil {
		return "", nil
	}
	s, ok := plain.(string)
	if !ok {
		return "", codecErr(name, kind, "expected string", plain)
	}
	return s, nil
}

// encodeSpans truncates to MaxTextLength; empty content is an empty payload.
func encodeSpans(s string) []types.TextSpan {
	if s == "" {
		return nil
	}
	r := []rune(s)
	if len(r) > MaxTextLength {
		s = string(r[:MaxTextLength])
	}
	return []types.TextSpan{{PlainText: s}}
}

func encodeNumber(name string, plain any) (types.PropertyValue, error) {
	pv := types.PropertyValue{Kind: types.PropNumber}
	if plain == nil {
		return pv, nil
	}
	var n float64
	switch v := plain.(type) {
	case float64:
		n = v
	case float32:
		n = float64(v)
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	default:
		return pv, codecErr(name, types.PropNumber, "expected number", plain)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return pv, codecErr(name, types.PropNumber, "NaN and infinities are not encodable", plain)
	}
	pv.Number = &n
	return pv, nil
}

func encodeSelect(name string, plain any, schema types.SchemaEntry) (types.PropertyValue, error) {
	pv := types.PropertyValue{Kind: types.PropSelect}
	if plain == nil {
		return pv, nil
	}
	s, ok := plain.(string)
	if !ok {
		return pv, codecErr(name, types.PropSelect, "expected string", plain)
	}
	if s == "" {
		return pv, nil
	}
	if err := checkOption(name, types.PropSelect, s, schema); err != nil {
		return pv, err
	}
	pv.Select = &types.SelectOption{Name: s}
	return pv, nil
}

func checkOption(name string, kind types.PropertyKind, value string, schema types.SchemaEntry) error {
	if schema.AllowNewOptions {
		return nil
	}
	for _, opt := range schema.Options {
		if opt == value {
			return nil
		}
	}
	return codecErr(name, kind, "not a member of the schema's choice set", value)
}

func encodeMultiSelect(name string, plain any, schema types.SchemaEntry) (types.PropertyValue, error) {
	pv := types.PropertyValue{Kind: types.PropMultiSelect}
	if plain == nil {
		return pv, nil
	}
	values, err := asStringSlice(name, types.PropMultiSelect, plain)
	if err != nil {
		return pv, err
	}
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		if err := checkOption(name, types.PropMultiSelect, v, schema); err != nil {
			return types.PropertyValue{Kind: types.PropMultiSelect}, err
		}
		seen[v] = true
		pv.MultiSelect = append(pv.MultiSelect, types.SelectOption{Name: v})
	}
	return pv, nil
}

func asStringSlice(name string, kind types.PropertyKind, plain any) ([]string, error) {
	switch v := plain.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, codecErr(name, kind, "expected list of strings", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, codecErr(name, kind, "expected list of strings", plain)
	}
}

func encodeDate(name string, plain any) (types.PropertyValue, error) {
	pv := types.PropertyValue{Kind: types.PropDate}
	if plain == nil {
		return pv, nil
	}
	var d types.DateValue
	switch v := plain.(type) {
	case *types.DateValue:
		if v == nil {
			return pv, nil
		}
		d = *v
	case types.DateValue:
		d = v
	case string:
		parsed, err := ParseDate(v)
		if err != nil {
			return pv, codecErr(name, types.PropDate, err.Error(), v)
		}
		d = *parsed
	case time.Time:
		d = types.DateValue{Start: v}
	default:
		return pv, codecErr(name, types.PropDate, "expected date value", plain)
	}

	d.Start = d.Start.UTC()
	if d.End != nil {
		end := d.End.UTC()
		if end.Before(d.Start) {
			return pv, codecErr(name, types.PropDate, "range end precedes start", plain)
		}
		d.End = &end
	}
	pv.Date = &d
	return pv, nil
}

// ParseDate accepts RFC3339 timestamps and bare dates (2006-01-02).
// A bare date yields a date-only value.
func ParseDate(s string) (*types.DateValue, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &types.DateValue{Start: t.UTC()}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &types.DateValue{Start: t.UTC(), DateOnly: true}, nil
	}
	return nil, fmt.Errorf("not an RFC3339 timestamp or calendar date")
}

func encodeCheckbox(name string, plain any) (types.PropertyValue, error) {
	pv := types.PropertyValue{Kind: types.PropCheckbox}
	// null encodes as false
	b := false
	if plain != nil {
		var ok bool
		b, ok = plain.(bool)
		if !ok {
			return pv, codecErr(name, types.PropCheckbox, "expected boolean", plain)
		}
	}
	pv.Checkbox = &b
	return pv, nil
}

// ValidateURL enforces the URL shape rules: parsable, https scheme, length
// cap. Host-level SSRF checks happen in the store client, which can resolve.
func ValidateURL(raw string) error {
	if len(raw) > MaxURLLength {
		return fmt.Errorf("url exceeds %d characters", MaxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("unparsable url")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("scheme must be https")
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

func encodeURL(name string, plain any) (types.PropertyValue, error) {
	pv := types.PropertyValue{Kind: types.PropURL}
	if plain == nil {
		return pv, nil
	}
	s, ok := plain.(string)
	if !ok {
		return pv, codecErr(name, types.PropURL, "expected string", plain)
	}
	if s == "" {
		return pv, nil
	}
	if err := ValidateURL(s); err != nil {
		return pv, codecErr(name, types.PropURL, err.Error(), s)
	}
	pv.URL = &s
	return pv, nil
}

// emailPattern is a deliberately simple RFC-5322-ish check.
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func encodeEmail(name string, plain any) (types.PropertyValue, error) {
	pv := types.PropertyValue{Kind: types.PropEmail}
	if plain == nil {
		return pv, nil
	}
	s, ok := plain.(string)
	if !ok {
		return pv, codecErr(name, types.PropEmail, "expected string", plain)
	}
	if s == "" {
		return pv, nil
	}
	if !emailPattern.MatchString(s) {
		return pv, codecErr(name, types.PropEmail, "not a valid email address", s)
	}
	pv.Email = &s
	return pv, nil
}

func encodePhone(name string, plain any) (types.PropertyValue, error) {
	pv := types.PropertyValue{Kind: types.PropPhone}
	if plain == nil {
		return pv, nil
	}
	s, ok := plain.(string)
	if !ok {
		return pv, codecErr(name, types.PropPhone, "expected string", plain)
	}
	if len(s) > MaxPhoneLength {
		return pv, codecErr(name, types.PropPhone, "phone number too long", s)
	}
	if s == "" {
		return pv, nil
	}
	pv.Phone = &s
	return pv, nil
}

var opaqueIDPattern = regexp.MustCompile(`^[\x21-\x7e]+$`)

func wellFormedOpaqueID(id string) bool {
	return id != "" && len(id) <= maxOpaqueIDLen && opaqueIDPattern.MatchString(id)
}

func encodePeople(name string, plain any) (types.PropertyValue, error) {
	pv := types.PropertyValue{Kind: types.PropPeople}
	if plain == nil {
		return pv, nil
	}
	var refs []types.UserRef
	switch v := plain.(type) {
	case []types.UserRef:
		refs = v
	case []string:
		for _, id := range v {
			refs = append(refs, types.UserRef{ID: id})
		}
	default:
		return pv, codecErr(name, types.PropPeople, "expected list of user refs", plain)
	}
	for _, ref := range refs {
		if !wellFormedOpaqueID(ref.ID) {
			return types.PropertyValue{Kind: types.PropPeople}, codecErr(name, types.PropPeople, "malformed user id", ref.ID)
		}
	}
	pv.People = append([]types.UserRef(nil), refs...)
	return pv, nil
}

func encodeFiles(name string, plain any) (types.PropertyValue, error) {
	pv := types.PropertyValue{Kind: types.PropFiles}
	if plain == nil {
		return pv, nil
	}
	files, ok := plain.([]types.FileRef)
	if !ok {
		return pv, codecErr(name, types.PropFiles, "expected list of file refs", plain)
	}
	for _, f := range files {
		if err := ValidateURL(f.URL); err != nil {
			return types.PropertyValue{Kind: types.PropFiles}, codecErr(name, types.PropFiles, err.Error(), f.URL)
		}
	}
	pv.Files = append([]types.FileRef(nil), files...)
	return pv, nil
}

func encodeRelation(name string, plain any) (types.PropertyValue, error) {
	pv := types.PropertyValue{Kind: types.PropRelation}
	if plain == nil {
		return pv, nil
	}
	ids, err := asStringSlice(name, types.PropRelation, plain)
	if err != nil {
		return pv, err
	}
	for _, id := range ids {
		if !types.ValidPageID(id) {
			return types.PropertyValue{Kind: types.PropRelation}, codecErr(name, types.PropRelation, "malformed page id", id)
		}
	}
	// Order preserved; duplicates collapsed keeping first occurrence.
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		pv.Relation = append(pv.Relation, id)
	}
	return pv, nil
}

// EncodeAll encodes a plain property map against a database schema.
// Property names absent from the schema are an error; results are
// deterministic regardless of map iteration order.
func EncodeAll(plain map[string]any, schema *types.DatabaseSchema) (map[string]types.PropertyValue, error) {
	names := make([]string, 0, len(plain))
	for name := range plain {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]types.PropertyValue, len(plain))
	for _, name := range names {
		entry, ok := schema.Properties[name]
		if !ok {
			return nil, codecErr(name, "", "property not declared by database schema", nil)
		}
		pv, err := Encode(name, plain[name], entry)
		if err != nil {
			return nil, err
		}
		out[name] = pv
	}
	return out, nil
}

// DecodeAll decodes every property on a page into plain values.
func DecodeAll(page *types.Page) (map[string]any, error) {
	out := make(map[string]any, len(page.Properties))
	for name, pv := range page.Properties {
		plain, err := Decode(name, pv)
		if err != nil {
			return nil, err
		}
		out[name] = plain
	}
	return out, nil
}

// NormalizeWhitespace collapses runs of whitespace to single spaces and
// trims. Text round-trips are compared modulo this normalization.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
