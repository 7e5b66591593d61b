// internal/trigger/trigger.go
package trigger

import (
	"time"

	"github.com/colebrumley/tablewatch/internal/recipe"
	"github.com/colebrumley/tablewatch/internal/source"
)

// Evaluator is the interface all triggers must implement. Evaluators are
// stateless; the caller owns the watermark and the seen set.
type Evaluator interface {
	// Fires reports whether rec satisfies the trigger
	Fires(rec source.Record, watermark time.Time) bool
	// Kind returns the trigger kind this evaluator implements
	Kind() recipe.TriggerKind
}

// Evaluate builds the evaluator for r and applies it to rec. Recipes built by
// recipe.New always carry a known kind, so an unknown one never fires.
func Evaluate(r recipe.Recipe, rec source.Record, watermark time.Time) bool {
	e, err := New(r.Trigger)
	if err != nil {
		return false
	}
	return e.Fires(rec, watermark)
}
