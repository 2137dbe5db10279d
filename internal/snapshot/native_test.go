package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/filter"
)

func TestQuoteIdentNative_EscapesEmbeddedQuotes(t *testing.T) {
	assert.Equal(t, `"orders"`, quoteIdentNative("orders"))
	assert.Equal(t, `"weird""name"`, quoteIdentNative(`weird"name`))
}

func TestTruncateFilteredTables_NoOpWithoutFilteredTables(t *testing.T) {
	err := truncateFilteredTables(context.Background(), nil, nil, nil)
	assert.NoError(t, err, "no filtered tables means no target pool is required")
}

func TestTruncateFilteredTables_RequiresPoolWhenFilteredTablesExist(t *testing.T) {
	filtered := []filter.QualifiedTable{{Schema: "public", Table: "orders"}}
	err := truncateFilteredTables(context.Background(), nil, filtered, map[string]bool{"public.orders": true})
	assert.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
}

func TestWarnCascadeAdjacency_NoOpWithoutSkippedTables(t *testing.T) {
	err := WarnCascadeAdjacency(context.Background(), nil, map[string]bool{"public.orders": true}, nil, nil)
	assert.NoError(t, err, "no skipped tables means there is nothing to warn about, and no pool access is needed")
}

func TestWarnCascadeAdjacency_NoOpWithoutInScopeTables(t *testing.T) {
	err := WarnCascadeAdjacency(context.Background(), nil, nil, []string{"public.archive"}, nil)
	assert.NoError(t, err, "no in-scope tables means there is nothing to check")
}
