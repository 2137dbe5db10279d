package jsonbconv

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestSQLiteValueToJSON_Scalars(t *testing.T) {
	v, err := SQLiteValueToJSON(int64(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = SQLiteValueToJSON("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = SQLiteValueToJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSQLiteValueToJSON_Blob(t *testing.T) {
	v, err := SQLiteValueToJSON([]byte{0x01, 0x02, 0xff})
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "blob", m["_type"])
	assert.Equal(t, "AQL/", m["data"])
}

func TestSQLiteFloat_NonFinite(t *testing.T) {
	assert.Equal(t, "NaN", sqliteFloat(math.NaN()))
	assert.Equal(t, "Infinity", sqliteFloat(math.Inf(1)))
	assert.Equal(t, "-Infinity", sqliteFloat(math.Inf(-1)))
	assert.Equal(t, 3.14, sqliteFloat(3.14))
}

func TestMySQLValueToJSON_Decimal(t *testing.T) {
	// The column's scale is preserved; trailing zeros are not stripped.
	v, err := MySQLValueToJSON([]byte("1234.5600"), "decimal")
	require.NoError(t, err)
	assert.Equal(t, "1234.5600", v)
}

func TestMySQLValueToJSON_Datetime(t *testing.T) {
	v, err := MySQLValueToJSON([]byte("2024-01-15 10:30:00"), "datetime")
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "datetime", m["_type"])
}

func TestMySQLValueToJSON_Binary(t *testing.T) {
	// INFORMATION_SCHEMA.COLUMNS.DATA_TYPE reports the bare type name, with
	// no length modifier.
	v, err := MySQLValueToJSON([]byte{0xde, 0xad}, "varbinary")
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "binary", m["_type"])
}

func TestMySQLValueToJSON_JSONColumnPassedThroughAsJSON(t *testing.T) {
	v, err := MySQLValueToJSON([]byte(`{"a":1,"b":[true,null]}`), "json")
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok, "a JSON column must decode to a native JSON value, not a quoted string")
	assert.Equal(t, float64(1), m["a"])
	assert.Equal(t, []any{true, nil}, m["b"])
}

func TestMySQLValueToJSON_JSONColumnInvalidPayload(t *testing.T) {
	_, err := MySQLValueToJSON([]byte(`not json`), "json")
	assert.Error(t, err)
}

func TestMySQLValueToJSON_PlainString(t *testing.T) {
	v, err := MySQLValueToJSON("hello", "varchar")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestConvertBSONValue_ObjectID(t *testing.T) {
	oid := bson.NewObjectID()
	v, err := ConvertBSONValue(oid)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "objectid", m["_type"])
	assert.Equal(t, oid.Hex(), m["$oid"])
}

func TestConvertBSONValue_DateTime(t *testing.T) {
	dt := bson.NewDateTimeFromTime(time.Unix(1700000000, 0))
	v, err := ConvertBSONValue(dt)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "datetime", m["_type"])
	assert.Equal(t, int64(dt), m["$date"])
}

func TestConvertBSONValue_Nested(t *testing.T) {
	doc := bson.D{{Key: "name", Value: "alice"}, {Key: "tags", Value: bson.A{"a", "b"}}}
	v, err := ConvertBSONValue(doc)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", m["name"])
	tags, ok := m["tags"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, tags)
}

func TestConvertBSONDocument(t *testing.T) {
	doc := bson.D{{Key: "_id", Value: bson.NewObjectID()}, {Key: "count", Value: int32(5)}}
	m, err := ConvertBSONDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, int32(5), m["count"])
	_, ok := m["_id"].(map[string]any)
	assert.True(t, ok)
}

func TestDeriveID_PrefersID(t *testing.T) {
	row := map[string]any{"id": "abc", "name": "x"}
	assert.Equal(t, "abc", DeriveID(row, 0))
}

func TestDeriveID_FallsBackToRowNumber(t *testing.T) {
	row := map[string]any{"name": "x"}
	assert.Equal(t, "1", DeriveID(row, 0))
	assert.Equal(t, "5", DeriveID(row, 4))
}

func TestDeriveID_MongoUnderscore(t *testing.T) {
	row := map[string]any{"_id": map[string]any{"_type": "objectid", "$oid": "abcd"}, "x": 1}
	assert.Equal(t, "abcd", DeriveID(row, 0))
}
