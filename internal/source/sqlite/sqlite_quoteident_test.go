package sqlite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"orders"`, quoteIdent("orders"))
	assert.Equal(t, `"weird""name"`, quoteIdent(`weird"name`))
}

func TestValidatePath_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop.db"), []byte("x"), 0o600))
	// Built by concatenation: filepath.Join would clean the ".." away. The
	// path resolves to an existing regular file, so only the ".." rejects it.
	sep := string(filepath.Separator)
	traversal := nested + sep + ".." + sep + "shop.db"

	err := validatePath(traversal)
	assert.Error(t, err)
}

func TestValidatePath_RejectsDisallowedSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shop.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	err := validatePath(path)
	assert.Error(t, err)
}

func TestValidatePath_RejectsNonRegularFile(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "shop.db")
	require.NoError(t, os.Mkdir(sub, 0o755))

	err := validatePath(sub)
	assert.Error(t, err)
}

func TestValidatePath_AcceptsRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shop.sqlite3")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	assert.NoError(t, validatePath(path))
}
