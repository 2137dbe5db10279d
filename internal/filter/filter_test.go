package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		input    string
		expected Interval
		wantErr  bool
	}{
		{"7 days", Interval{7, "day"}, false},
		{"1 day", Interval{1, "day"}, false},
		{"3 hrs", Interval{3, "hour"}, false},
		{"10 mins", Interval{10, "minute"}, false},
		{"2 years", Interval{2, "year"}, false},
		{"abc days", Interval{}, true},
		{"7", Interval{}, true},
		{"-1 days", Interval{}, true},
		{"5 fortnights", Interval{}, true},
	}

	for _, test := range tests {
		iv, err := ParseInterval(test.input)
		if test.wantErr {
			assert.Error(t, err, test.input)
			continue
		}
		require.NoError(t, err, test.input)
		assert.Equal(t, test.expected, iv)
	}
}

func TestIntervalSQL(t *testing.T) {
	iv := Interval{Amount: 7, Unit: "day"}
	assert.Equal(t, "INTERVAL '7 day'", iv.SQL())
}

func TestValidateTableName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"orders", false},
		{"order_items", false},
		{"Order123", false},
		{"", true},
		{"select", true},
		{"DROP", true},
		{"bad-name", true},
		{"bad name", true},
	}
	for _, test := range tests {
		err := ValidateTableName(test.name)
		if test.wantErr {
			assert.Error(t, err, test.name)
		} else {
			assert.NoError(t, err, test.name)
		}
	}
}

func TestScopeAppliesTo_Precedence(t *testing.T) {
	scope := NewScope()
	orders := QualifiedTable{Schema: "public", Table: "orders"}
	logs := QualifiedTable{Schema: "public", Table: "logs"}

	require.NoError(t, scope.AddSchemaOnly(logs))
	require.NoError(t, scope.AddRowFilter(orders, "status = 'active'"))

	d := scope.AppliesTo(orders)
	assert.False(t, d.Skip)
	assert.False(t, d.SchemaOnly)
	assert.Equal(t, "status = 'active'", d.Predicate)

	d = scope.AppliesTo(logs)
	assert.True(t, d.SchemaOnly)
}

func TestScopeAppliesTo_PerDatabaseShadowsGlobal(t *testing.T) {
	scope := NewScope()
	globalOrders := QualifiedTable{Schema: "public", Table: "orders"}
	dbOrders := QualifiedTable{Database: "shop", Schema: "public", Table: "orders"}

	require.NoError(t, scope.AddRowFilter(globalOrders, "status = 'active'"))
	require.NoError(t, scope.AddRowFilter(dbOrders, "region = 'eu'"))

	d := scope.AppliesTo(QualifiedTable{Database: "shop", Schema: "public", Table: "orders"})
	assert.Equal(t, "region = 'eu'", d.Predicate)

	d = scope.AppliesTo(QualifiedTable{Database: "other", Schema: "public", Table: "orders"})
	assert.Equal(t, "status = 'active'", d.Predicate)
}

func TestScopeAppliesTo_ExcludedTables(t *testing.T) {
	scope := NewScope()
	scope.Tables.Mode = ExcludeOnly
	scope.Tables.Names = map[string]struct{}{
		QualifiedTable{Schema: "public", Table: "audit_log"}.key(): {},
	}

	d := scope.AppliesTo(QualifiedTable{Schema: "public", Table: "audit_log"})
	assert.True(t, d.Skip)

	d = scope.AppliesTo(QualifiedTable{Schema: "public", Table: "orders"})
	assert.False(t, d.Skip)
}

func TestExpandTimeFilters_CombinesWithRowFilter(t *testing.T) {
	scope := NewScope()
	t1 := QualifiedTable{Schema: "public", Table: "events"}
	require.NoError(t, scope.AddRowFilter(t1, "kind = 'click'"))
	require.NoError(t, scope.AddTimeFilter(t1, "created_at", Interval{Amount: 7, Unit: "day"}))

	scope.ExpandTimeFilters()

	d := scope.AppliesTo(t1)
	assert.Equal(t, "(kind = 'click') AND (created_at >= NOW() - INTERVAL '7 day')", d.Predicate)
}

func TestAddSchemaOnly_ConflictsWithFilter(t *testing.T) {
	scope := NewScope()
	tbl := QualifiedTable{Schema: "public", Table: "orders"}
	require.NoError(t, scope.AddRowFilter(tbl, "x = 1"))
	err := scope.AddSchemaOnly(tbl)
	assert.Error(t, err)
}

func TestFingerprint_ChangesWithRules(t *testing.T) {
	s1 := NewScope()
	s2 := NewScope()
	assert.Equal(t, s1.Fingerprint(), s2.Fingerprint())

	require.NoError(t, s2.AddSchemaOnly(QualifiedTable{Schema: "public", Table: "orders"}))
	assert.NotEqual(t, s1.Fingerprint(), s2.Fingerprint())
}

func TestMerge_CLIOverridesConfig(t *testing.T) {
	configScope := NewScope()
	tbl := QualifiedTable{Schema: "public", Table: "orders"}
	require.NoError(t, configScope.AddSchemaOnly(tbl))

	cliScope := NewScope()
	require.NoError(t, cliScope.AddRowFilter(tbl, "status = 'active'"))

	merged, err := Merge(configScope, cliScope)
	require.NoError(t, err)

	d := merged.AppliesTo(tbl)
	assert.False(t, d.SchemaOnly)
	assert.Equal(t, "status = 'active'", d.Predicate)
}
