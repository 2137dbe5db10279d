package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/filter"
	"github.com/serenadb/seren-replicator/internal/locator"
	"github.com/serenadb/seren-replicator/internal/telemetry"
	"github.com/serenadb/seren-replicator/internal/toolrunner"
)

// NativePathOptions configures a PG→PG native-path run for one database.
type NativePathOptions struct {
	Source       locator.Source
	Target       locator.Target
	TargetPool   *pgxpool.Pool
	DropExisting bool
	Log          *telemetry.Logger
}

// CascadeConflict reports a filtered snapshot that would require truncating
// a table outside the copy scope.
type CascadeConflict struct {
	Table          string
	CascadeTargets []string
}

// CheckCascades walks the FK graph from every filtered table and reports any
// table a truncate would additionally touch that is not itself in scope.
func CheckCascades(ctx context.Context, pool *pgxpool.Pool, filteredTables []filter.QualifiedTable, inScope map[string]bool) ([]CascadeConflict, error) {
	const cascadeQuery = `
		WITH RECURSIVE cascade_targets AS (
			SELECT c.confrelid AS target_oid, c.conrelid AS source_oid
			FROM pg_constraint c
			WHERE c.contype = 'f' AND c.conrelid = $1::regclass

			UNION

			SELECT c.confrelid, c.conrelid
			FROM pg_constraint c
			JOIN cascade_targets ct ON c.conrelid = ct.target_oid
			WHERE c.contype = 'f'
		)
		SELECT DISTINCT (n.nspname || '.' || cl.relname)
		FROM cascade_targets ct
		JOIN pg_class cl ON cl.oid = ct.target_oid
		JOIN pg_namespace n ON n.oid = cl.relnamespace`

	var conflicts []CascadeConflict
	for _, t := range filteredTables {
		qualified := fmt.Sprintf("%s.%s", t.Schema, t.Table)
		rows, err := pool.Query(ctx, cascadeQuery, qualified)
		if err != nil {
			return nil, errs.Wrap(errs.TransientIO, "snapshot.CheckCascades", err)
		}

		var targets []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return nil, errs.Wrap(errs.TransientIO, "snapshot.CheckCascades", err)
			}
			if !inScope[name] {
				targets = append(targets, name)
			}
		}
		rows.Close()

		if len(targets) > 0 {
			conflicts = append(conflicts, CascadeConflict{Table: qualified, CascadeTargets: targets})
		}
	}
	return conflicts, nil
}

// WarnCascadeAdjacency logs a warning for every in-scope table that either
// references, or is referenced by, a table whose Decision is Skip — an FK
// relationship spanning the copy boundary. This is the general, path-
// agnostic pre-run warning called during planning; it fires independently
// of whether any truncate will actually happen, unlike the narrower
// truncateFilteredTables refusal below, which only guards an existing
// non-empty target table ahead of a restore.
func WarnCascadeAdjacency(ctx context.Context, pool *pgxpool.Pool, inScope map[string]bool, skipTables []string, log *telemetry.Logger) error {
	if len(skipTables) == 0 || len(inScope) == 0 {
		return nil
	}

	skip := make(map[string]bool, len(skipTables))
	for _, t := range skipTables {
		skip[t] = true
	}

	const adjacencyQuery = `
		SELECT (n2.nspname || '.' || c2.relname)
		FROM pg_constraint con
		JOIN pg_class c2 ON c2.oid = con.confrelid
		JOIN pg_namespace n2 ON n2.oid = c2.relnamespace
		WHERE con.contype = 'f' AND con.conrelid = $1::regclass

		UNION

		SELECT (n1.nspname || '.' || c1.relname)
		FROM pg_constraint con
		JOIN pg_class c1 ON c1.oid = con.conrelid
		JOIN pg_namespace n1 ON n1.oid = c1.relnamespace
		WHERE con.contype = 'f' AND con.confrelid = $1::regclass`

	for qualified := range inScope {
		rows, err := pool.Query(ctx, adjacencyQuery, qualified)
		if err != nil {
			return errs.Wrap(errs.TransientIO, "snapshot.WarnCascadeAdjacency", err)
		}

		var adjacentSkipped []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return errs.Wrap(errs.TransientIO, "snapshot.WarnCascadeAdjacency", err)
			}
			if skip[name] {
				adjacentSkipped = append(adjacentSkipped, name)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errs.Wrap(errs.TransientIO, "snapshot.WarnCascadeAdjacency", err)
		}

		if len(adjacentSkipped) > 0 {
			log.Warn("table %s has a foreign-key relationship with skipped table(s) %v; referential integrity on the target is not guaranteed", qualified, adjacentSkipped)
		}
	}
	return nil
}

// RunNativePath dumps globals (first database of the run only), schema, and
// data for one database via the external tool driver, then restores to the
// target. skipTables are omitted from both the schema and data dumps;
// schemaOnlyTables get their schema dumped but no rows. filteredTables carry a
// row or time predicate and have their existing target rows truncated before
// the restore; the data dump does not apply those predicates, so the restore
// loads every source row of a filtered table. inScope names every table the
// current scope keeps (schema.table), used to refuse a truncate that would
// cascade into an out-of-scope table.
func RunNativePath(ctx context.Context, database string, skipTables, schemaOnlyTables []string, filteredTables []filter.QualifiedTable, inScope map[string]bool, opts NativePathOptions, isFirstDatabase bool) error {
	dumpDir, cleanup, err := toolrunner.TempDir("dump")
	if err != nil {
		return err
	}
	defer cleanup()

	srcEndpoint := toolrunner.Endpoint{Host: opts.Source.Host, Port: opts.Source.Port, User: opts.Source.Username, Password: opts.Source.Password, Database: database}
	tgtEndpoint := toolrunner.Endpoint{Host: opts.Target.Host, Port: opts.Target.Port, User: opts.Target.Username, Password: opts.Target.Password, Database: opts.Target.Database}

	if isFirstDatabase {
		globalsFile := filepath.Join(dumpDir, "globals.sql")
		if _, err := toolrunner.Run(ctx, opts.Log, toolrunner.Invocation{
			Tool:     "pg_dumpall",
			Args:     toolrunner.PgDumpAllGlobalsArgs(globalsFile),
			Endpoint: srcEndpoint,
		}); err != nil {
			return err
		}
		if _, err := toolrunner.Run(ctx, opts.Log, toolrunner.Invocation{
			Tool:     "psql",
			Args:     []string{"--file", globalsFile},
			Endpoint: tgtEndpoint,
		}); err != nil {
			return err
		}
	}

	schemaArgs := toolrunner.PgDumpArgs(database, true, nil, skipTables, dumpDir)
	if _, err := toolrunner.Run(ctx, opts.Log, toolrunner.Invocation{Tool: "pg_dump", Args: schemaArgs, Endpoint: srcEndpoint}); err != nil {
		return err
	}

	dataExclude := append(append([]string{}, skipTables...), schemaOnlyTables...)
	dataArgs := toolrunner.PgDumpArgs(database, false, nil, dataExclude, dumpDir)
	if _, err := toolrunner.Run(ctx, opts.Log, toolrunner.Invocation{Tool: "pg_dump", Args: dataArgs, Endpoint: srcEndpoint}); err != nil {
		return err
	}

	if err := truncateFilteredTables(ctx, opts.TargetPool, filteredTables, inScope); err != nil {
		return err
	}

	restoreArgs := []string{
		"--dbname", opts.Target.Database,
		"--jobs", fmt.Sprintf("%d", maxWorkers()),
		"--no-owner", "--no-privileges",
		filepath.Join(dumpDir, sanitize(database)),
	}
	if _, err := toolrunner.Run(ctx, opts.Log, toolrunner.Invocation{Tool: "pg_restore", Args: restoreArgs, Endpoint: tgtEndpoint}); err != nil {
		return err
	}

	return nil
}

// truncateFilteredTables issues TRUNCATE ... CASCADE against each already
// populated, in-scope target table carrying a row or time predicate before
// the restore, so rows from an earlier run are cleared first. The restore
// that follows loads the unfiltered data dump, so the truncate does not by
// itself limit the table to rows matching the predicate.
// Refuses the operation with a Cascade error naming the conflicting tables
// when a truncate would additionally reach a table outside the copy scope.
func truncateFilteredTables(ctx context.Context, targetPool *pgxpool.Pool, filteredTables []filter.QualifiedTable, inScope map[string]bool) error {
	if len(filteredTables) == 0 {
		return nil
	}
	if targetPool == nil {
		return errs.New(errs.InvalidInput, "snapshot.truncateFilteredTables", "no target connection pool configured for a filtered snapshot")
	}

	conflicts, err := CheckCascades(ctx, targetPool, filteredTables, inScope)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		var named []string
		for _, c := range conflicts {
			named = append(named, fmt.Sprintf("%s (cascades to out-of-scope %s)", c.Table, strings.Join(c.CascadeTargets, ", ")))
		}
		return errs.New(errs.Cascade, "snapshot.truncateFilteredTables",
			fmt.Sprintf("filtered snapshot would cascade-truncate out-of-scope tables: %s", strings.Join(named, "; ")))
	}

	for _, t := range filteredTables {
		var exists bool
		qualified := fmt.Sprintf("%s.%s", t.Schema, t.Table)
		if err := targetPool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, qualified).Scan(&exists); err != nil {
			return errs.Wrap(errs.TransientIO, "snapshot.truncateFilteredTables", err)
		}
		if !exists {
			continue
		}

		var nonEmpty bool
		emptyCheck := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s.%s LIMIT 1)", quoteIdentNative(t.Schema), quoteIdentNative(t.Table))
		if err := targetPool.QueryRow(ctx, emptyCheck).Scan(&nonEmpty); err != nil {
			return errs.Wrap(errs.TransientIO, "snapshot.truncateFilteredTables", err)
		}
		if !nonEmpty {
			continue
		}

		truncate := fmt.Sprintf("TRUNCATE %s.%s CASCADE", quoteIdentNative(t.Schema), quoteIdentNative(t.Table))
		if _, err := targetPool.Exec(ctx, truncate); err != nil {
			return errs.Wrap(errs.TargetPrecondition, "snapshot.truncateFilteredTables", err)
		}
	}
	return nil
}

func quoteIdentNative(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '/' || c == '\\' || c < 0x20 {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
