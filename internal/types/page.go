package types

import (
	"regexp"
	"time"
)

// PropertyKind is the closed set of property kinds a database schema can
// declare. Unknown kinds are a startup-time error, never a runtime branch.
type PropertyKind string

const (
	PropTitle       PropertyKind = "title"
	PropRichText    PropertyKind = "rich_text"
	PropNumber      PropertyKind = "number"
	PropSelect      PropertyKind = "select"
	PropMultiSelect PropertyKind = "multi_select"
	PropDate        PropertyKind = "date"
	PropCheckbox    PropertyKind = "checkbox"
	PropURL         PropertyKind = "url"
	PropEmail       PropertyKind = "email"
	PropPhone       PropertyKind = "phone"
	PropPeople      PropertyKind = "people"
	PropFiles       PropertyKind = "files"
	PropRelation    PropertyKind = "relation"
	PropFormula     PropertyKind = "formula"
	PropRollup      PropertyKind = "rollup"
)

// PropertyKinds lists every kind in declaration order.
var PropertyKinds = []PropertyKind{
	PropTitle, PropRichText, PropNumber, PropSelect, PropMultiSelect,
	PropDate, PropCheckbox, PropURL, PropEmail, PropPhone,
	PropPeople, PropFiles, PropRelation, PropFormula, PropRollup,
}

// KnownPropertyKind reports whether k is a declared property kind.
func KnownPropertyKind(k PropertyKind) bool {
	for _, known := range PropertyKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ReadOnly reports whether the kind can only be decoded, never encoded.
func (k PropertyKind) ReadOnly() bool {
	return k == PropFormula || k == PropRollup
}

// TextSpan is one segment of title or rich_text content.
type TextSpan struct {
	PlainText string `json:"plain_text"`
	Href      string `json:"href,omitempty"`
}

// SelectOption is a select or multi_select choice.
type SelectOption struct {
	Name string `json:"name"`
}

// DateValue is a point or range. End, when set, must not precede Start.
// Times are normalized to UTC; DateOnly marks values without a time part.
type DateValue struct {
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
	DateOnly bool       `json:"date_only,omitempty"`
}

// UserRef references a workspace user by opaque id.
type UserRef struct {
	ID string `json:"id"`
}

// FileRef is an external file attachment.
type FileRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// FormulaValue is the embedded typed result of a read-only formula property.
type FormulaValue struct {
	Type    string     `json:"type"` // "string", "number", "boolean", "date"
	String  *string    `json:"string,omitempty"`
	Number  *float64   `json:"number,omitempty"`
	Boolean *bool      `json:"boolean,omitempty"`
	Date    *DateValue `json:"date,omitempty"`
}

// PropertyValue is the store-side shape of a property: a kind tag plus the
// payload field for that kind. Exactly one payload field is meaningful.
type PropertyValue struct {
	Kind        PropertyKind   `json:"kind"`
	Title       []TextSpan     `json:"title,omitempty"`
	RichText    []TextSpan     `json:"rich_text,omitempty"`
	Number      *float64       `json:"number,omitempty"`
	Select      *SelectOption  `json:"select,omitempty"`
	MultiSelect []SelectOption `json:"multi_select,omitempty"`
	Date        *DateValue     `json:"date,omitempty"`
	Checkbox    *bool          `json:"checkbox,omitempty"`
	URL         *string        `json:"url,omitempty"`
	Email       *string        `json:"email,omitempty"`
	Phone       *string        `json:"phone_number,omitempty"`
	People      []UserRef      `json:"people,omitempty"`
	Files       []FileRef      `json:"files,omitempty"`
	Relation    []string       `json:"relation,omitempty"`
	Formula     *FormulaValue  `json:"formula,omitempty"`
	Rollup      *FormulaValue  `json:"rollup,omitempty"`
}

// Page is a remote-store record. The core only ever holds snapshots; the
// store owns the authoritative state.
type Page struct {
	ID             string                   `json:"id"`
	DatabaseID     string                   `json:"database_id"`
	Properties     map[string]PropertyValue `json:"properties"`
	CreatedTime    time.Time                `json:"created_time"`
	LastEditedTime time.Time                `json:"last_edited_time"`
}

// Title returns the page's title text, or "" when the page has none.
func (p *Page) Title() string {
	for _, pv := range p.Properties {
		if pv.Kind == PropTitle && len(pv.Title) > 0 {
			return pv.Title[0].PlainText
		}
	}
	return ""
}

// SchemaEntry declares one property in a database schema.
type SchemaEntry struct {
	Kind               PropertyKind `json:"kind"`
	Options            []string     `json:"options,omitempty"`
	AllowNewOptions    bool         `json:"allow_new_options,omitempty"`
	RelationDatabaseID string       `json:"relation_database_id,omitempty"`
}

// DatabaseSchema declares the property set of one database.
type DatabaseSchema struct {
	DatabaseID string                 `json:"database_id"`
	Properties map[string]SchemaEntry `json:"properties"`
}

// TitleProperty returns the name of the schema's title property, or "".
func (s *DatabaseSchema) TitleProperty() string {
	for name, entry := range s.Properties {
		if entry.Kind == PropTitle {
			return name
		}
	}
	return ""
}

var (
	dashedPageID   = regexp.MustCompile(`^[0-9a-f]{8}-([0-9a-f]{4}-){3}[0-9a-f]{12}$`)
	dashlessPageID = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

// ValidPageID reports whether id is a well-formed page id. Both the dashed
// UUID form and the dashless 32-hex variant are accepted.
func ValidPageID(id string) bool {
	return dashedPageID.MatchString(id) || dashlessPageID.MatchString(id)
}
