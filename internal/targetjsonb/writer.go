// Package targetjsonb creates and writes the generic JSONB target schema on
// the PostgreSQL target: a single (id, data, _source_type, _migrated_at)
// table per source table, with a GIN index on data for containment queries
// and a B-tree index on _source_type for filtering by origin.
package targetjsonb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/filter"
	"github.com/serenadb/seren-replicator/internal/jsonbconv"
)

const batchSize = 1000

// EnsureTable creates the target table and its two indexes if they don't
// already exist. tableName must already have passed filter.ValidateTableName.
func EnsureTable(ctx context.Context, pool *pgxpool.Pool, tableName string) error {
	if err := filter.ValidateTableName(tableName); err != nil {
		return err
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			_source_type TEXT NOT NULL,
			_migrated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, tableName)
	if _, err := pool.Exec(ctx, createTable); err != nil {
		return errs.Wrap(errs.TargetPrecondition, "targetjsonb.EnsureTable", err)
	}

	ginIndex := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q USING GIN (data)`, "idx_"+tableName+"_data", tableName)
	if _, err := pool.Exec(ctx, ginIndex); err != nil {
		return errs.Wrap(errs.TargetPrecondition, "targetjsonb.EnsureTable", err)
	}

	sourceIndex := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (_source_type)`, "idx_"+tableName+"_source", tableName)
	if _, err := pool.Exec(ctx, sourceIndex); err != nil {
		return errs.Wrap(errs.TargetPrecondition, "targetjsonb.EnsureTable", err)
	}

	return nil
}

// WriteBatch upserts a batch of converted rows. Batches are capped at
// batchSize rows (3 parameters per row, 3000 total, far under PostgreSQL's
// 65535-parameter limit).
func WriteBatch(ctx context.Context, pool *pgxpool.Pool, tableName string, rows []jsonbconv.Row) error {
	if err := filter.ValidateTableName(tableName); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := writeChunk(ctx, pool, tableName, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func writeChunk(ctx context.Context, pool *pgxpool.Pool, tableName string, chunk []jsonbconv.Row) error {
	placeholders := make([]string, 0, len(chunk))
	args := make([]any, 0, len(chunk)*3)

	for i, row := range chunk {
		data, err := json.Marshal(row.Data)
		if err != nil {
			return errs.Wrap(errs.DataIntegrity, "targetjsonb.writeChunk", err)
		}
		base := i * 3
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
		args = append(args, row.ID, data, string(row.SourceType))
	}

	query := fmt.Sprintf(`
		INSERT INTO %q (id, data, _source_type) VALUES %s
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, _source_type = EXCLUDED._source_type, _migrated_at = NOW()`,
		tableName, joinComma(placeholders))

	if _, err := pool.Exec(ctx, query, args...); err != nil {
		return errs.Wrap(errs.TransientIO, "targetjsonb.writeChunk", err)
	}
	return nil
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
