package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenadb/seren-replicator/internal/filter"
)

func TestDecode_ValidConfig(t *testing.T) {
	raw := []byte(`
[global]
schema_only = ["audit_log"]

[[global.table_filters]]
table = "sessions"
schema = "public"
where = "active = true"

[database.shop]
schema_only = ["returns"]

[[database.shop.time_filters]]
table = "events"
column = "created_at"
last = "7 days"
`)
	cfg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit_log"}, cfg.Global.SchemaOnly)
	assert.Len(t, cfg.Global.TableFilters, 1)
	assert.Equal(t, "sessions", cfg.Global.TableFilters[0].Table)

	shop, ok := cfg.Databases["shop"]
	require.True(t, ok)
	assert.Equal(t, []string{"returns"}, shop.SchemaOnly)
	require.Len(t, shop.TimeFilters, 1)
	assert.Equal(t, "7 days", shop.TimeFilters[0].Last)
}

func TestDecode_RejectsUnknownKeys(t *testing.T) {
	raw := []byte(`
[global]
schema_only = ["audit_log"]
bogus_key = true
`)
	_, err := Decode(raw)
	assert.Error(t, err)
}

func TestDecode_RejectsMalformedTOML(t *testing.T) {
	_, err := Decode([]byte(`[global`))
	assert.Error(t, err)
}

func TestToScope_AppliesGlobalThenPerDatabase(t *testing.T) {
	cfg := &ScopeConfig{
		Global: DatabaseSection{
			TableFilters: []TableFilterEntry{{Table: "orders", Schema: "public", Where: "status = 'active'"}},
		},
		Databases: map[string]DatabaseSection{
			"shop": {
				TableFilters: []TableFilterEntry{{Table: "orders", Schema: "public", Where: "region = 'eu'"}},
			},
		},
	}
	scope, err := ToScope(cfg)
	require.NoError(t, err)

	d := scope.AppliesTo(filter.QualifiedTable{Database: "shop", Schema: "public", Table: "orders"})
	assert.Equal(t, "region = 'eu'", d.Predicate)

	d = scope.AppliesTo(filter.QualifiedTable{Database: "other", Schema: "public", Table: "orders"})
	assert.Equal(t, "status = 'active'", d.Predicate)
}

func TestToScope_RejectsInvalidTableName(t *testing.T) {
	cfg := &ScopeConfig{
		Global: DatabaseSection{SchemaOnly: []string{"bad-name"}},
	}
	_, err := ToScope(cfg)
	assert.Error(t, err)
}

func TestToScope_RejectsInvalidInterval(t *testing.T) {
	cfg := &ScopeConfig{
		Global: DatabaseSection{
			TimeFilters: []TimeFilterEntry{{Table: "events", Column: "created_at", Last: "a fortnight"}},
		},
	}
	_, err := ToScope(cfg)
	assert.Error(t, err)
}

func TestToScope_RejectsSchemaOnlyConflictingWithFilter(t *testing.T) {
	cfg := &ScopeConfig{
		Global: DatabaseSection{
			SchemaOnly:   []string{"orders"},
			TableFilters: []TableFilterEntry{{Table: "orders", Where: "x = 1"}},
		},
	}
	_, err := ToScope(cfg)
	assert.Error(t, err)
}
