// Package postgres implements the PostgreSQL source adapter: pgxpool
// connections, catalog-driven introspection, and row streaming via pgx.Rows.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/locator"
	"github.com/serenadb/seren-replicator/internal/source"
)

type adapter struct{}

// New returns the PostgreSQL source.Adapter.
func New() source.Adapter { return adapter{} }

func (adapter) Kind() locator.Kind { return locator.KindPostgres }

func (adapter) Connect(ctx context.Context, src *locator.Source) (source.Handle, error) {
	pool, err := pgxpool.New(ctx, src.DSN())
	if err != nil {
		return nil, errs.Wrap(errs.SourcePrecondition, "source.postgres.Connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.SourcePrecondition, "source.postgres.Connect", err)
	}
	return &handle{pool: pool}, nil
}

type handle struct {
	pool *pgxpool.Pool
}

func (h *handle) Close(ctx context.Context) error {
	h.pool.Close()
	return nil
}

func (h *handle) ListDatabases(ctx context.Context) ([]string, error) {
	rows, err := h.pool.Query(ctx, `SELECT datname FROM pg_database WHERE datistemplate = false AND datname NOT IN ('postgres') ORDER BY datname`)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "source.postgres.ListDatabases", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.Wrap(errs.TransientIO, "source.postgres.ListDatabases", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (h *handle) ListTables(ctx context.Context, database string) ([]source.Table, error) {
	query := `
		SELECT schemaname, tablename
		FROM pg_tables
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY schemaname, tablename`

	rows, err := h.pool.Query(ctx, query)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "source.postgres.ListTables", err)
	}
	defer rows.Close()

	var tables []source.Table
	for rows.Next() {
		var schema, name string
		if err := rows.Scan(&schema, &name); err != nil {
			return nil, errs.Wrap(errs.TransientIO, "source.postgres.ListTables", err)
		}
		tables = append(tables, source.Table{Database: database, Schema: schema, Name: name})
	}
	return tables, rows.Err()
}

func (h *handle) TableSize(ctx context.Context, table source.Table) (source.SizeEstimate, error) {
	qualified := fmt.Sprintf("%s.%s", quoteIdent(table.Schema), quoteIdent(table.Name))

	var bytes int64
	if err := h.pool.QueryRow(ctx, `SELECT pg_total_relation_size($1)`, qualified).Scan(&bytes); err != nil {
		return source.SizeEstimate{}, errs.Wrap(errs.TransientIO, "source.postgres.TableSize", err)
	}

	var rows int64
	estimateQuery := `
		SELECT reltuples::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2`
	if err := h.pool.QueryRow(ctx, estimateQuery, table.Schema, table.Name).Scan(&rows); err != nil {
		return source.SizeEstimate{ApproxBytes: bytes}, nil
	}

	return source.SizeEstimate{ApproxRows: rows, ApproxBytes: bytes}, nil
}

func (h *handle) StreamRows(ctx context.Context, table source.Table, predicate string) (source.RowIterator, error) {
	qualified := fmt.Sprintf("%s.%s", quoteIdent(table.Schema), quoteIdent(table.Name))
	query := fmt.Sprintf("SELECT * FROM %s", qualified)
	if predicate != "" {
		query += " WHERE " + predicate
	}

	rows, err := h.pool.Query(ctx, query)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "source.postgres.StreamRows", err)
	}
	return &rowIterator{rows: rows}, nil
}

type rowIterator struct {
	rows pgx.Rows
}

func (it *rowIterator) Next(ctx context.Context) (source.Row, bool, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, false, errs.Wrap(errs.TransientIO, "source.postgres.RowIterator.Next", err)
		}
		return nil, false, nil
	}

	values, err := it.rows.Values()
	if err != nil {
		return nil, false, errs.Wrap(errs.TransientIO, "source.postgres.RowIterator.Next", err)
	}

	row := make(source.Row, len(it.rows.FieldDescriptions()))
	for i, fd := range it.rows.FieldDescriptions() {
		row[string(fd.Name)] = values[i]
	}
	return row, true, nil
}

func (it *rowIterator) Close() error {
	it.rows.Close()
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
