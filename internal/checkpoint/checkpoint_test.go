package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenadb/seren-replicator/internal/filter"
)

func TestIdentity_Deterministic(t *testing.T) {
	sh1, th1 := Identity("postgres://user@host/db", "postgres://user@host2/db2")
	sh2, th2 := Identity("postgres://user@host/db", "postgres://user@host2/db2")
	assert.Equal(t, sh1, sh2)
	assert.Equal(t, th1, th2)
	assert.Len(t, sh1, 16)
	assert.Len(t, th1, 16)
}

func TestIdentity_DiffersByInput(t *testing.T) {
	sh1, _ := Identity("postgres://a@host/db", "target")
	sh2, _ := Identity("postgres://b@host/db", "target")
	assert.NotEqual(t, sh1, sh2)
}

func TestLoadAndSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	scope := filter.NewScope()
	sourceHash, targetHash := "abc123", "def456"

	store, err := Load(path, scope, sourceHash, targetHash)
	require.NoError(t, err)
	assert.False(t, store.IsDatabaseCompleted("shop"))

	require.NoError(t, store.MarkDatabaseCompleted("shop"))

	reopened, err := Load(path, scope, sourceHash, targetHash)
	require.NoError(t, err)
	assert.True(t, reopened.IsDatabaseCompleted("shop"))
}

func TestLoad_ScopeFingerprintMismatchResets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	scope1 := filter.NewScope()

	store, err := Load(path, scope1, "s", "t")
	require.NoError(t, err)
	require.NoError(t, store.MarkDatabaseCompleted("shop"))

	scope2 := filter.NewScope()
	require.NoError(t, scope2.AddSchemaOnly(filter.QualifiedTable{Schema: "public", Table: "orders"}))

	reopened, err := Load(path, scope2, "s", "t")
	require.NoError(t, err)
	assert.False(t, reopened.IsDatabaseCompleted("shop"), "a scope fingerprint change must invalidate prior progress")
}

func TestTableCompletion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	scope := filter.NewScope()

	store, err := Load(path, scope, "s", "t")
	require.NoError(t, err)

	tbl := filter.QualifiedTable{Database: "shop", Schema: "public", Table: "orders"}
	assert.False(t, store.IsTableCompleted(tbl))
	require.NoError(t, store.MarkTableCompleted(tbl))
	assert.True(t, store.IsTableCompleted(tbl))
	assert.Equal(t, 1, store.CompletedTableCount())
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	scope := filter.NewScope()

	store, err := Load(path, scope, "s", "t")
	require.NoError(t, err)
	require.NoError(t, store.MarkDatabaseCompleted("shop"))
	require.NoError(t, store.MarkDatabaseFailed("billing"))
	require.NoError(t, store.Reset())
	assert.False(t, store.IsDatabaseCompleted("shop"))
	assert.False(t, store.IsDatabaseFailed("billing"))
}

func TestDatabaseFailure_SurvivesReloadAndClearsOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	scope := filter.NewScope()

	store, err := Load(path, scope, "s", "t")
	require.NoError(t, err)
	assert.False(t, store.IsDatabaseFailed("billing"))

	require.NoError(t, store.MarkDatabaseFailed("billing"))
	assert.True(t, store.IsDatabaseFailed("billing"))
	assert.Equal(t, []string{"billing"}, store.FailedDatabaseNames())

	reopened, err := Load(path, scope, "s", "t")
	require.NoError(t, err)
	assert.True(t, reopened.IsDatabaseFailed("billing"))

	require.NoError(t, reopened.MarkDatabaseCompleted("billing"))
	assert.False(t, reopened.IsDatabaseFailed("billing"), "a later successful pass should clear a prior failure")
	assert.Equal(t, 0, reopened.FailedDatabaseCount())
}

func TestRemove_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.json")
	assert.NoError(t, Remove(path))
}
