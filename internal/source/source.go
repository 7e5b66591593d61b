// Package source fetches table snapshots for recipes.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colebrumley/tablewatch/internal/recipe"
)

// Record is one row of a table snapshot.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`

	// LastModified is nil when the row carries no parseable timestamp.
	LastModified *time.Time `json:"-"`
	CreatedTime  string     `json:"createdTime,omitempty"`
}

// Source returns the full current snapshot of a table.
type Source interface {
	FetchAll(ctx context.Context, conn recipe.Connection) ([]Record, error)
}

// UnavailableError wraps any network, auth or query failure while fetching.
type UnavailableError struct {
	Source string
	Table  string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s source unavailable for table %q: %v", e.Source, e.Table, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// ErrUnsupported is returned when no source is registered for a kind.
var ErrUnsupported = errors.New("unsupported source kind")

// Registry routes a connection to the source registered for its kind.
type Registry struct {
	sources map[string]Source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register binds kind to s.
func (r *Registry) Register(kind string, s Source) {
	r.sources[kind] = s
}

// FetchAll implements Source.
func (r *Registry) FetchAll(ctx context.Context, conn recipe.Connection) ([]Record, error) {
	s, ok := r.sources[conn.Source]
	if !ok {
		return nil, &UnavailableError{Source: conn.Source, Table: conn.TableName, Err: ErrUnsupported}
	}
	return s.FetchAll(ctx, conn)
}

// Close closes every registered source that holds resources.
func (r *Registry) Close() error {
	var errs []error
	for _, s := range r.sources {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// lastModified reads a timestamp field. Strings are parsed as ISO-8601 and
// time values are taken directly; anything else yields nil.
func lastModified(fields map[string]any, key string) *time.Time {
	if key == "" {
		return nil
	}
	switch v := fields[key].(type) {
	case string:
		t, err := recipe.ParseTime(v)
		if err != nil {
			return nil
		}
		return &t
	case time.Time:
		t := recipe.Normalize(v)
		return &t
	default:
		return nil
	}
}
