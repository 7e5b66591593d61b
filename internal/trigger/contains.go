package trigger

import (
	"strings"
	"time"

	"github.com/colebrumley/tablewatch/internal/recipe"
	"github.com/colebrumley/tablewatch/internal/source"
)

// FieldContains fires when a text field contains a fixed substring. It does
// not look at the watermark; the runner's seen set keeps it from refiring.
type FieldContains struct {
	fieldName  string
	textToFind string
}

// NewFieldContains creates a field-contains-text evaluator
func NewFieldContains(fieldName, textToFind string) *FieldContains {
	return &FieldContains{fieldName: fieldName, textToFind: textToFind}
}

func (f *FieldContains) Kind() recipe.TriggerKind {
	return recipe.FieldContainsText
}

// Fires only matches string values; numbers, lists and nulls never match.
func (f *FieldContains) Fires(rec source.Record, _ time.Time) bool {
	value, ok := rec.Fields[f.fieldName]
	if !ok {
		return false
	}
	text, ok := value.(string)
	if !ok {
		return false
	}
	return strings.Contains(text, f.textToFind)
}
