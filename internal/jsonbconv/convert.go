// Package jsonbconv converts rows/documents from each foreign source type
// into the engine's canonical JSON document model: plain scalars pass
// through unchanged, and types JSON cannot represent natively (blobs,
// timestamps, object IDs, regexes, ...) become small tagged wrapper objects
// keyed by "_type" so a reader can reconstruct the original value.
package jsonbconv

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// SourceType names the origin of a converted row, stored in _source_type.
type SourceType string

const (
	SourceSQLite  SourceType = "sqlite"
	SourceMongoDB SourceType = "mongodb"
	SourceMySQL   SourceType = "mysql"
)

// Row is the converted document ready for the JSONB batch writer.
type Row struct {
	ID         string
	Data       map[string]any
	SourceType SourceType
}

// typed wrapper constructors, one per tagged shape the target schema expects.

func blobValue(data []byte) map[string]any {
	return map[string]any{"_type": "blob", "data": base64.StdEncoding.EncodeToString(data)}
}

func binaryValue(subtype byte, data []byte) map[string]any {
	return map[string]any{"_type": "binary", "subtype": int(subtype), "data": base64.StdEncoding.EncodeToString(data)}
}

func datetimeEpochMS(ms int64) map[string]any {
	return map[string]any{"_type": "datetime", "$date": ms}
}

func datetimeValue(s string) map[string]any {
	return map[string]any{"_type": "datetime", "value": s}
}

func timeValue(s string) map[string]any {
	return map[string]any{"_type": "time", "value": s}
}

func objectIDValue(hex string) map[string]any {
	return map[string]any{"_type": "objectid", "$oid": hex}
}

// ---- SQLite ----------------------------------------------------------

// SQLiteValueToJSON converts a single column value read through database/sql
// (via driver.Value — int64, float64, string, []byte, or nil).
func SQLiteValueToJSON(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return val, nil
	case float64:
		return sqliteFloat(val), nil
	case string:
		return val, nil
	case []byte:
		return blobValue(val), nil
	case bool:
		return val, nil
	default:
		return nil, fmt.Errorf("jsonbconv: unsupported sqlite value type %T", v)
	}
}

// sqliteFloat renders non-finite floats as literal "NaN"/"Infinity"/
// "-Infinity" strings, since JSON numbers cannot encode them directly.
func sqliteFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	default:
		return f
	}
}

// ---- MySQL -------------------------------------------------------------

// MySQLValueToJSON converts a single column value as surfaced by
// github.com/go-sql-driver/mysql through database/sql, given its declared
// column type name (the DATA_TYPE value from INFORMATION_SCHEMA.COLUMNS,
// matched case-insensitively).
func MySQLValueToJSON(v any, columnType string) (any, error) {
	if v == nil {
		return nil, nil
	}

	upperType := strings.ToUpper(columnType)

	switch {
	case upperType == "DECIMAL" || upperType == "NUMERIC":
		return decimalFromBytes(v)
	case upperType == "DATE" || upperType == "DATETIME" || upperType == "TIMESTAMP":
		return mysqlDatetime(v)
	case upperType == "TIME":
		return mysqlTime(v)
	case upperType == "BLOB" || upperType == "BINARY" || upperType == "VARBINARY" || upperType == "TINYBLOB" || upperType == "MEDIUMBLOB" || upperType == "LONGBLOB":
		return mysqlBinary(v)
	case upperType == "JSON":
		return mysqlJSON(v)
	}

	switch val := v.(type) {
	case int64:
		return val, nil
	case float32:
		return sqliteFloat(float64(val)), nil
	case float64:
		return sqliteFloat(val), nil
	case []byte:
		return string(val), nil
	case string:
		return val, nil
	case bool:
		return val, nil
	case time.Time:
		return val.UTC().Format("2006-01-02T15:04:05.000000Z"), nil
	default:
		return fmt.Sprintf("%v", val), nil
	}
}

func decimalFromBytes(v any) (any, error) {
	var s string
	switch val := v.(type) {
	case []byte:
		s = string(val)
	case string:
		s = val
	default:
		return nil, fmt.Errorf("jsonbconv: unexpected decimal representation %T", v)
	}
	// Parse through shopspring/decimal to validate the value exactly (no
	// float drift), then render it back with the column's own scale, so
	// trailing zeros are kept, as a plain string so JSON encoding is always a
	// quoted string regardless of the library's numeric-marshaling mode.
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("jsonbconv: invalid decimal %q: %w", s, err)
	}
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp), nil
	}
	return d.String(), nil
}

func mysqlDatetime(v any) (any, error) {
	t, err := asTime(v)
	if err != nil {
		return nil, err
	}
	return datetimeValue(t.UTC().Format("2006-01-02T15:04:05.000000Z")), nil
}

func mysqlTime(v any) (any, error) {
	var raw string
	switch val := v.(type) {
	case []byte:
		raw = string(val)
	case string:
		raw = val
	case time.Duration:
		return timeValue(formatDuration(val)), nil
	default:
		return nil, fmt.Errorf("jsonbconv: unexpected TIME representation %T", v)
	}
	neg := strings.HasPrefix(raw, "-")
	parts := strings.Split(strings.TrimPrefix(raw, "-"), ":")
	if len(parts) == 3 {
		h, errH := strconv.Atoi(parts[0])
		m, errM := strconv.Atoi(parts[1])
		s, errS := strconv.ParseFloat(parts[2], 64)
		if errH == nil && errM == nil && errS == nil {
			d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(math.Round(s*1e6))*time.Microsecond
			if neg {
				d = -d
			}
			return timeValue(formatDuration(d)), nil
		}
	}
	return timeValue(raw), nil
}

func formatDuration(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	days := int64(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int64(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int64(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	seconds := float64(d) / float64(time.Second)
	return fmt.Sprintf("%s%dd %02d:%02d:%09.6f", sign, days, hours, minutes, seconds)
}

// mysqlJSON parses a MySQL JSON column's raw text into its decoded value so
// it is embedded in data as native JSON, not re-quoted as a string.
func mysqlJSON(v any) (any, error) {
	var raw []byte
	switch val := v.(type) {
	case []byte:
		raw = val
	case string:
		raw = []byte(val)
	default:
		return nil, fmt.Errorf("jsonbconv: unexpected json representation %T", v)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("jsonbconv: invalid json column value: %w", err)
	}
	return decoded, nil
}

func mysqlBinary(v any) (any, error) {
	switch val := v.(type) {
	case []byte:
		return map[string]any{"_type": "binary", "data": base64.StdEncoding.EncodeToString(val)}, nil
	case string:
		return map[string]any{"_type": "binary", "data": base64.StdEncoding.EncodeToString([]byte(val))}, nil
	default:
		return nil, fmt.Errorf("jsonbconv: unexpected binary representation %T", v)
	}
}

func asTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case []byte:
		return parseAnyTimeLayout(string(val))
	case string:
		return parseAnyTimeLayout(val)
	default:
		return time.Time{}, fmt.Errorf("jsonbconv: unexpected datetime representation %T", v)
	}
}

var mysqlTimeLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseAnyTimeLayout(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range mysqlTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// ---- MongoDB / BSON -----------------------------------------------------

// ConvertBSONDocument converts a bson.D into the canonical JSON
// document model, recursing into embedded documents and arrays.
func ConvertBSONDocument(doc bson.D) (map[string]any, error) {
	out := make(map[string]any, len(doc))
	for _, elem := range doc {
		v, err := ConvertBSONValue(elem.Value)
		if err != nil {
			return nil, err
		}
		out[elem.Key] = v
	}
	return out, nil
}

// ConvertBSONValue converts a single BSON-typed value.
func ConvertBSONValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bson.ObjectID:
		return objectIDValue(val.Hex()), nil
	case bson.DateTime:
		return datetimeEpochMS(int64(val)), nil
	case bson.Binary:
		return binaryValue(val.Subtype, val.Data), nil
	case bson.Decimal128:
		return val.String(), nil
	case bson.Regex:
		return map[string]any{"_type": "regex", "pattern": val.Pattern, "options": val.Options}, nil
	case bson.Timestamp:
		return map[string]any{"_type": "timestamp", "t": val.T, "i": val.I}, nil
	case bson.MinKey:
		return map[string]any{"_type": "minkey"}, nil
	case bson.MaxKey:
		return map[string]any{"_type": "maxkey"}, nil
	case bson.D:
		return ConvertBSONDocument(val)
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			converted, err := ConvertBSONValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			converted, err := ConvertBSONValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	case float64:
		return sqliteFloat(val), nil
	case int32, int64, string, bool:
		return val, nil
	default:
		return fmt.Sprintf("%v", val), nil
	}
}

// ---- ID derivation --------------------------------------------------------

// DeriveID prefers an "id"/"_id"/"rowid" column (case-insensitive), coerced to
// string, falling back to a 1-indexed row number when none is usable.
func DeriveID(row map[string]any, rowNumber int) string {
	for _, candidate := range []string{"id", "_id", "rowid"} {
		for k, v := range row {
			if !strings.EqualFold(k, candidate) {
				continue
			}
			if s, ok := idToString(v); ok {
				return s
			}
		}
	}
	return fmt.Sprintf("%d", rowNumber+1)
}

func idToString(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		if val == "" {
			return "", false
		}
		return val, true
	case int64:
		return fmt.Sprintf("%d", val), true
	case int32:
		return fmt.Sprintf("%d", val), true
	case int:
		return fmt.Sprintf("%d", val), true
	case float64:
		return fmt.Sprintf("%v", val), true
	case map[string]any:
		if oid, ok := val["$oid"]; ok {
			if s, ok := oid.(string); ok {
				return s, true
			}
		}
		return "", false
	default:
		return "", false
	}
}
