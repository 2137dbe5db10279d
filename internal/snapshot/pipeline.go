// Package snapshot orchestrates the filtered-snapshot pipeline: for each
// in-scope database, plan which tables to copy (and how), then either hand
// off to the external tool driver (native PG→PG path) or stream-convert-write
// through jsonbconv/targetjsonb (JSONB path).
package snapshot

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/serenadb/seren-replicator/internal/checkpoint"
	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/filter"
	"github.com/serenadb/seren-replicator/internal/jsonbconv"
	"github.com/serenadb/seren-replicator/internal/source"
	"github.com/serenadb/seren-replicator/internal/targetjsonb"
	"github.com/serenadb/seren-replicator/internal/telemetry"
)

// PlannedTable pairs a source table with the scope's resolved Decision.
type PlannedTable struct {
	Table    source.Table
	Decision filter.Decision
}

const batchFlushSize = 1000

// maxWorkers bounds snapshot parallelism at min(8, cpu_count).
func maxWorkers() int {
	if n := runtime.NumCPU(); n < 8 {
		return n
	}
	return 8
}

// Plan computes the ordered (Table, Decision) list for one database.
func Plan(ctx context.Context, handle source.Handle, database string, scope *filter.Scope) ([]PlannedTable, error) {
	tables, err := handle.ListTables(ctx, database)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "snapshot.Plan", err)
	}

	planned := make([]PlannedTable, 0, len(tables))
	for _, t := range tables {
		qt := filter.QualifiedTable{Database: t.Database, Schema: t.Schema, Table: t.Name}
		decision := scope.AppliesTo(qt)
		if decision.Skip {
			continue
		}
		planned = append(planned, PlannedTable{Table: t, Decision: decision})
	}
	return planned, nil
}

// JSONBPathOptions configures a JSONB-path run for one database.
type JSONBPathOptions struct {
	SourceType jsonbconv.SourceType
	Target     *pgxpool.Pool
	Checkpoint *checkpoint.Store
	Log        *telemetry.Logger
}

// RunJSONBPath streams, converts, and batch-writes every planned table in a
// database, using a bounded worker pool (errgroup.SetLimit), one upsert
// statement per batch of rows, and per-table mutual exclusion enforced by
// assigning each table to exactly one worker goroutine (no two workers ever
// touch the same table).
func RunJSONBPath(ctx context.Context, srcHandle source.Handle, tables []PlannedTable, opts JSONBPathOptions) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers())

	var mu sync.Mutex
	var failures []string

	for _, pt := range tables {
		pt := pt
		qt := filter.QualifiedTable{Database: pt.Table.Database, Schema: pt.Table.Schema, Table: pt.Table.Name}

		if opts.Checkpoint != nil && opts.Checkpoint.IsTableCompleted(qt) {
			continue
		}

		g.Go(func() error {
			if err := runTableJSONB(ctx, srcHandle, pt, opts); err != nil {
				opts.Log.Error("table %s failed: %v", qt, err)
				mu.Lock()
				failures = append(failures, qt.String())
				mu.Unlock()
				return nil // isolate per-table failure; don't cancel sibling workers
			}
			if opts.Checkpoint != nil {
				if err := opts.Checkpoint.MarkTableCompleted(qt); err != nil {
					return errs.Wrap(errs.TransientIO, "snapshot.RunJSONBPath", err)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if len(failures) > 0 {
		return errs.New(errs.TransientIO, "snapshot.RunJSONBPath", fmt.Sprintf("%d table(s) failed: %v", len(failures), failures))
	}
	return nil
}

func runTableJSONB(ctx context.Context, srcHandle source.Handle, pt PlannedTable, opts JSONBPathOptions) error {
	tableName := pt.Table.Name
	if err := targetjsonb.EnsureTable(ctx, opts.Target, tableName); err != nil {
		return err
	}

	predicate := ""
	if !pt.Decision.SchemaOnly {
		predicate = pt.Decision.Predicate
	} else {
		// Schema-only: ensure the table exists but copy no rows.
		return nil
	}

	it, err := srcHandle.StreamRows(ctx, pt.Table, predicate)
	if err != nil {
		return err
	}
	defer it.Close()

	batch := make([]jsonbconv.Row, 0, batchFlushSize)
	rowNum := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := writeWithRetry(ctx, opts.Target, tableName, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		row, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		id := jsonbconv.DeriveID(row, rowNum)
		rowNum++
		batch = append(batch, jsonbconv.Row{ID: id, Data: row, SourceType: opts.SourceType})

		if len(batch) >= batchFlushSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

const maxBatchRetries = 3

var batchBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2500 * time.Millisecond}

func writeWithRetry(ctx context.Context, pool *pgxpool.Pool, tableName string, batch []jsonbconv.Row) error {
	var lastErr error
	for attempt := 0; attempt <= maxBatchRetries; attempt++ {
		if err := targetjsonb.WriteBatch(ctx, pool, tableName, batch); err != nil {
			lastErr = err
			if !errs.IsTransient(err) || attempt == maxBatchRetries {
				return err
			}
			select {
			case <-ctx.Done():
				return errs.Wrap(errs.Cancelled, "snapshot.writeWithRetry", ctx.Err())
			case <-time.After(batchBackoff[attempt]):
			}
			continue
		}
		return nil
	}
	return lastErr
}
