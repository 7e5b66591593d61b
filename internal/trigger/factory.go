// internal/trigger/factory.go
package trigger

import (
	"github.com/colebrumley/tablewatch/internal/recipe"
)

// New creates an evaluator based on the trigger kind
func New(cfg recipe.Trigger) (Evaluator, error) {
	switch cfg.Kind {
	case recipe.RecordUpdated:
		return NewRecordUpdated(), nil
	case recipe.FieldContainsText:
		return NewFieldContains(cfg.FieldName, cfg.TextToFind), nil
	default:
		return nil, &recipe.ConfigurationError{
			Field:  "trigger",
			Value:  string(cfg.Kind),
			Reason: "unknown trigger kind",
		}
	}
}
