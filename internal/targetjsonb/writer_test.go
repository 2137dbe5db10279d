package targetjsonb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/serenadb/seren-replicator/internal/jsonbconv"
)

func TestJoinComma(t *testing.T) {
	assert.Equal(t, "", joinComma(nil))
	assert.Equal(t, "($1, $2, $3)", joinComma([]string{"($1, $2, $3)"}))
	assert.Equal(t, "($1, $2, $3), ($4, $5, $6)", joinComma([]string{"($1, $2, $3)", "($4, $5, $6)"}))
}

func TestEnsureTable_RejectsInvalidTableName(t *testing.T) {
	err := EnsureTable(context.Background(), nil, "bad-name")
	assert.Error(t, err, "an invalid identifier must be rejected before any query touches the pool")
}

func TestWriteBatch_RejectsInvalidTableName(t *testing.T) {
	err := WriteBatch(context.Background(), nil, "bad name", []jsonbconv.Row{{ID: "1", Data: map[string]any{"x": 1}}})
	assert.Error(t, err)
}

func TestWriteBatch_EmptyBatchIsNoop(t *testing.T) {
	err := WriteBatch(context.Background(), nil, "orders", nil)
	assert.NoError(t, err, "an empty batch must short-circuit before reaching the pool")
}
