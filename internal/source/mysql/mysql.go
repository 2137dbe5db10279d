// Package mysql implements the MySQL/MariaDB source adapter: database/sql +
// go-sql-driver/mysql, DSN construction, and pool tuning. Row values are
// converted to the canonical JSON document model (jsonbconv) at read time,
// since only this adapter knows each column's declared MySQL type.
package mysql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/jsonbconv"
	"github.com/serenadb/seren-replicator/internal/locator"
	"github.com/serenadb/seren-replicator/internal/source"
)

type adapter struct{}

// New returns the MySQL source.Adapter.
func New() source.Adapter { return adapter{} }

func (adapter) Kind() locator.Kind { return locator.KindMySQL }

func (adapter) Connect(ctx context.Context, src *locator.Source) (source.Handle, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=false",
		src.Username, src.Password, src.Host, src.Port, src.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.SourcePrecondition, "source.mysql.Connect", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.SourcePrecondition, "source.mysql.Connect", err)
	}

	return &handle{db: db}, nil
}

type handle struct {
	db *sql.DB
}

func (h *handle) Close(ctx context.Context) error {
	return h.db.Close()
}

func (h *handle) ListDatabases(ctx context.Context) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT SCHEMA_NAME FROM INFORMATION_SCHEMA.SCHEMATA
		WHERE SCHEMA_NAME NOT IN ('information_schema', 'performance_schema', 'mysql', 'sys')
		ORDER BY SCHEMA_NAME`)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "source.mysql.ListDatabases", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errs.Wrap(errs.TransientIO, "source.mysql.ListDatabases", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (h *handle) ListTables(ctx context.Context, database string) ([]source.Table, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`, database)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "source.mysql.ListTables", err)
	}
	defer rows.Close()

	var tables []source.Table
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.Wrap(errs.TransientIO, "source.mysql.ListTables", err)
		}
		tables = append(tables, source.Table{Database: database, Name: name})
	}
	return tables, rows.Err()
}

func (h *handle) TableSize(ctx context.Context, table source.Table) (source.SizeEstimate, error) {
	var rows, bytes sql.NullInt64
	err := h.db.QueryRowContext(ctx, `
		SELECT TABLE_ROWS, DATA_LENGTH + INDEX_LENGTH
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`, table.Database, table.Name).Scan(&rows, &bytes)
	if err != nil {
		return source.SizeEstimate{}, errs.Wrap(errs.TransientIO, "source.mysql.TableSize", err)
	}
	return source.SizeEstimate{ApproxRows: rows.Int64, ApproxBytes: bytes.Int64}, nil
}

func (h *handle) StreamRows(ctx context.Context, table source.Table, predicate string) (source.RowIterator, error) {
	columnTypes, err := h.columnTypeNames(ctx, table)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM `%s`.`%s`", table.Database, table.Name)
	if predicate != "" {
		query += " WHERE " + predicate
	}

	rows, err := h.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "source.mysql.StreamRows", err)
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, errs.Wrap(errs.TransientIO, "source.mysql.StreamRows", err)
	}

	return &rowIterator{rows: rows, columns: cols, columnTypes: columnTypes, rowNum: 0}, nil
}

// columnTypeNames returns each column's declared MySQL type name
// (DECIMAL/DATETIME/etc.), queried once per table via
// INFORMATION_SCHEMA.COLUMNS ordered by ORDINAL_POSITION.
func (h *handle) columnTypeNames(ctx context.Context, table source.Table) (map[string]string, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, DATA_TYPE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, table.Database, table.Name)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "source.mysql.columnTypeNames", err)
	}
	defer rows.Close()

	types := map[string]string{}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, errs.Wrap(errs.TransientIO, "source.mysql.columnTypeNames", err)
		}
		types[name] = dataType
	}
	return types, rows.Err()
}

type rowIterator struct {
	rows        *sql.Rows
	columns     []string
	columnTypes map[string]string
	rowNum      int
}

func (it *rowIterator) Next(ctx context.Context) (source.Row, bool, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, false, errs.Wrap(errs.TransientIO, "source.mysql.RowIterator.Next", err)
		}
		return nil, false, nil
	}

	raw := make([]any, len(it.columns))
	ptrs := make([]any, len(it.columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := it.rows.Scan(ptrs...); err != nil {
		return nil, false, errs.Wrap(errs.TransientIO, "source.mysql.RowIterator.Next", err)
	}

	row := make(source.Row, len(it.columns))
	for i, col := range it.columns {
		converted, err := jsonbconv.MySQLValueToJSON(raw[i], it.columnTypes[col])
		if err != nil {
			return nil, false, errs.Wrap(errs.DataIntegrity, "source.mysql.RowIterator.Next", err)
		}
		row[col] = converted
	}
	it.rowNum++
	return row, true, nil
}

func (it *rowIterator) Close() error {
	return it.rows.Close()
}
