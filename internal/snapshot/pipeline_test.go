package snapshot

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenadb/seren-replicator/internal/filter"
	"github.com/serenadb/seren-replicator/internal/source"
)

type fakeHandle struct {
	tables []source.Table
}

func (f *fakeHandle) ListDatabases(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeHandle) ListTables(ctx context.Context, database string) ([]source.Table, error) {
	return f.tables, nil
}
func (f *fakeHandle) TableSize(ctx context.Context, table source.Table) (source.SizeEstimate, error) {
	return source.SizeEstimate{}, nil
}
func (f *fakeHandle) StreamRows(ctx context.Context, table source.Table, predicate string) (source.RowIterator, error) {
	return nil, nil
}
func (f *fakeHandle) Close(ctx context.Context) error { return nil }

func TestMaxWorkers_BoundedByEight(t *testing.T) {
	got := maxWorkers()
	assert.LessOrEqual(t, got, 8)
	assert.GreaterOrEqual(t, got, 1)
	if runtime.NumCPU() < 8 {
		assert.Equal(t, runtime.NumCPU(), got)
	} else {
		assert.Equal(t, 8, got)
	}
}

func TestPlan_CarriesSchemaOnlyDecision(t *testing.T) {
	handle := &fakeHandle{tables: []source.Table{
		{Database: "shop", Schema: "public", Name: "orders"},
		{Database: "shop", Schema: "public", Name: "audit_log"},
	}}
	scope := filter.NewScope()
	require.NoError(t, scope.AddSchemaOnly(filter.QualifiedTable{Database: "shop", Schema: "public", Table: "audit_log"}))

	planned, err := Plan(context.Background(), handle, "shop", scope)
	require.NoError(t, err)
	require.Len(t, planned, 2)

	byName := map[string]filter.Decision{}
	for _, p := range planned {
		byName[p.Table.Name] = p.Decision
	}
	assert.False(t, byName["orders"].SchemaOnly)
	assert.True(t, byName["audit_log"].SchemaOnly)
}

func TestPlan_TablesOutsideExcludedDatabaseAreKept(t *testing.T) {
	handle := &fakeHandle{tables: []source.Table{
		{Database: "shop", Schema: "public", Name: "orders"},
		{Database: "shop", Schema: "public", Name: "secrets"},
	}}
	scope := filter.NewScope()
	scope.Databases.Mode = filter.ExcludeOnly
	scope.Databases.Names = map[string]struct{}{"shop": {}}
	// A table-level Skip decision (via an excluded database) must be left
	// out of the planned list entirely, not just flagged.
	planned, err := Plan(context.Background(), handle, "shop", scope)
	require.NoError(t, err)
	assert.Len(t, planned, 0, "shop is the excluded database, so every table gets Skip and is left out")
}
