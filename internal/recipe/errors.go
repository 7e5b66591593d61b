package recipe

import "fmt"

// ConfigurationError reports an invalid or unknown recipe setting. It is
// raised while building a Recipe and never reaches a runner.
type ConfigurationError struct {
	Recipe string
	Field  string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("recipe %q: %s %q: %s", e.Recipe, e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("recipe %q: %s: %s", e.Recipe, e.Field, e.Reason)
}

func configErr(recipe, field, value, reason string) *ConfigurationError {
	return &ConfigurationError{Recipe: recipe, Field: field, Value: value, Reason: reason}
}
