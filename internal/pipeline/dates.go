package pipeline

import (
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/casefile-hq/casefile/internal/property"
	"github.com/casefile-hq/casefile/internal/types"
)

// dateNormalizer turns date-ish strings from extraction into DateValues.
// Natural-language forms ("next Friday", "tomorrow at 3pm") are resolved
// relative to the transcript timestamp so results are reproducible.
type dateNormalizer struct {
	parser *when.Parser
}

func newDateNormalizer() *dateNormalizer {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return &dateNormalizer{parser: p}
}

// normalize returns nil when the string is not a recognizable date.
func (n *dateNormalizer) normalize(s string, base time.Time) *types.DateValue {
	if dv, err := property.ParseDate(s); err == nil {
		return dv
	}
	if base.IsZero() {
		base = time.Now().UTC()
	}
	r, err := n.parser.Parse(s, base)
	if err != nil || r == nil {
		return nil
	}
	return &types.DateValue{Start: r.Time.UTC()}
}
