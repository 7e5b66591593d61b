package trigger

import (
	"time"

	"github.com/colebrumley/tablewatch/internal/recipe"
	"github.com/colebrumley/tablewatch/internal/source"
)

// RecordUpdated fires for records modified strictly after the watermark.
type RecordUpdated struct{}

// NewRecordUpdated creates a record-updated evaluator
func NewRecordUpdated() *RecordUpdated {
	return &RecordUpdated{}
}

func (RecordUpdated) Kind() recipe.TriggerKind {
	return recipe.RecordUpdated
}

// Fires is false for records without a timestamp.
func (RecordUpdated) Fires(rec source.Record, watermark time.Time) bool {
	if rec.LastModified == nil {
		return false
	}
	return recipe.Normalize(*rec.LastModified).After(recipe.Normalize(watermark))
}
