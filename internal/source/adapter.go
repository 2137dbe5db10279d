// Package source defines the capability interfaces every source adapter
// (postgres, sqlite, mongodb, mysql) implements. Grounded on
// pkg/anchor/adapter/interface.go's DatabaseAdapter/Connection split: a
// Connect step yielding a handle that exposes every operation through the
// single Handle interface.
package source

import (
	"context"

	"github.com/serenadb/seren-replicator/internal/locator"
)

// Row is one source row/document as a flat key→value map. The sqlite, mysql
// and mongodb iterators yield values already converted by jsonbconv; the
// postgres iterator yields the driver's native Go values.
type Row map[string]any

// Table describes one table/collection discovered on a source.
type Table struct {
	Database string
	Schema   string // empty for sources without a schema concept (sqlite, mongodb, mysql)
	Name     string
}

// SizeEstimate is a best-effort row/byte count used for pre-run estimates.
type SizeEstimate struct {
	ApproxRows  int64
	ApproxBytes int64
}

// Handle is a live, read-only connection to one source endpoint.
type Handle interface {
	// ListDatabases returns the ordered sequence of database names. Sources
	// without multiple databases (sqlite) return a single implicit name.
	ListDatabases(ctx context.Context) ([]string, error)

	// ListTables returns every user table/collection in a database,
	// excluding system/internal artifacts.
	ListTables(ctx context.Context, database string) ([]Table, error)

	// TableSize returns a best-effort size estimate for a table.
	TableSize(ctx context.Context, table Table) (SizeEstimate, error)

	// StreamRows opens a lazy, restartable row sequence for a table,
	// applying predicate server-side when the adapter supports it. Predicate
	// is an opaque, adapter-specific filter string (a SQL WHERE fragment for
	// the SQL-backed adapters, a Mongo filter document encoded as JSON for
	// MongoDB).
	StreamRows(ctx context.Context, table Table, predicate string) (RowIterator, error)

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// RowIterator yields rows one at a time. Callers must call Close when done,
// even after Next returns false.
type RowIterator interface {
	Next(ctx context.Context) (Row, bool, error)
	Close() error
}

// Adapter constructs a Handle for one source kind.
type Adapter interface {
	Kind() locator.Kind
	Connect(ctx context.Context, src *locator.Source) (Handle, error)
}

// Registry resolves a locator.Kind to its Adapter.
type Registry struct {
	adapters map[locator.Kind]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[locator.Kind]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// For returns the adapter registered for kind, or ok=false.
func (r *Registry) For(kind locator.Kind) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}
