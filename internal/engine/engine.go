// Package engine exposes the core's public entry points, one per CLI
// subcommand: RunValidate, RunInit, RunSync, RunStatus, RunVerify. An
// external CLI layer parses arguments and calls these directly; this package
// owns no flag parsing or os.Exit calls.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/serenadb/seren-replicator/internal/checkpoint"
	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/filter"
	"github.com/serenadb/seren-replicator/internal/jsonbconv"
	"github.com/serenadb/seren-replicator/internal/locator"
	"github.com/serenadb/seren-replicator/internal/replication"
	"github.com/serenadb/seren-replicator/internal/scheduler"
	"github.com/serenadb/seren-replicator/internal/snapshot"
	"github.com/serenadb/seren-replicator/internal/source"
	sourcemongodb "github.com/serenadb/seren-replicator/internal/source/mongodb"
	sourcemysql "github.com/serenadb/seren-replicator/internal/source/mysql"
	sourcepostgres "github.com/serenadb/seren-replicator/internal/source/postgres"
	sourcesqlite "github.com/serenadb/seren-replicator/internal/source/sqlite"
	"github.com/serenadb/seren-replicator/internal/telemetry"
)

// DefaultRegistry returns the registry with all four source adapters wired.
func DefaultRegistry() *source.Registry {
	return source.NewRegistry(
		sourcepostgres.New(),
		sourcesqlite.New(),
		sourcemongodb.New(),
		sourcemysql.New(),
	)
}

// RunOptions carries the inputs common to every subcommand.
type RunOptions struct {
	SourceRaw    string
	TargetRaw    string
	Scope        *filter.Scope
	StateDir     string
	DropExisting bool
	Log          *telemetry.Logger
}

func sourceTypeFor(kind locator.Kind) jsonbconv.SourceType {
	switch kind {
	case locator.KindSQLite:
		return jsonbconv.SourceSQLite
	case locator.KindMongoDB:
		return jsonbconv.SourceMongoDB
	case locator.KindMySQL:
		return jsonbconv.SourceMySQL
	default:
		return ""
	}
}

// RunValidate checks source/target preconditions without copying data.
func RunValidate(ctx context.Context, opts RunOptions) error {
	src, err := locator.ParseSource(opts.SourceRaw)
	if err != nil {
		return err
	}
	tgt, err := locator.ParseTarget(opts.TargetRaw)
	if err != nil {
		return err
	}
	if err := opts.Scope.Validate(); err != nil {
		return err
	}

	if src.Kind != locator.KindPostgres {
		// JSONB-path sources only need a live connection to validate.
		reg := DefaultRegistry()
		adapter, ok := reg.For(src.Kind)
		if !ok {
			return errs.New(errs.InvalidInput, "engine.RunValidate", fmt.Sprintf("no adapter for source kind %q", src.Kind))
		}
		handle, err := adapter.Connect(ctx, src)
		if err != nil {
			return err
		}
		return handle.Close(ctx)
	}

	targetPool, err := pgxpool.New(ctx, targetDSN(tgt))
	if err != nil {
		return errs.Wrap(errs.TargetPrecondition, "engine.RunValidate", err)
	}
	defer targetPool.Close()

	sourcePool, err := pgxpool.New(ctx, src.DSN())
	if err != nil {
		return errs.Wrap(errs.SourcePrecondition, "engine.RunValidate", err)
	}
	defer sourcePool.Close()

	coord := &replication.Coordinator{Source: sourcePool, Target: targetPool, Log: opts.Log, SourceConn: replicationConnFor(src)}
	hasPredicates := scopeHasPredicates(opts.Scope)
	return coord.Validate(ctx, opts.Scope, hasPredicates)
}

// replicationConnFor builds the replication-protocol connection detail
// Coordinator needs to sample WAL position directly, from the already
// parsed source locator. Only meaningful for Postgres sources; for other
// kinds the zero value is returned and Coordinator falls back to its
// catalog-function lag computation.
func replicationConnFor(src *locator.Source) replication.SourceConn {
	if src.Kind != locator.KindPostgres {
		return replication.SourceConn{}
	}
	return replication.SourceConn{
		Host:     src.Host,
		Port:     src.Port,
		User:     src.Username,
		Password: src.Password,
		Database: src.Database,
	}
}

func scopeHasPredicates(scope *filter.Scope) bool {
	// A scope with any row/time filter carries predicates once expanded.
	probe := filter.QualifiedTable{Schema: "public", Table: "__probe__"}
	return scope.AppliesTo(probe).Predicate != ""
}

func targetDSN(t *locator.Target) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", t.Username, t.Password, t.Host, t.Port, t.Database, t.SSLMode)
}

// RunInit performs the initial filtered snapshot for every in-scope database.
func RunInit(ctx context.Context, opts RunOptions) error {
	src, err := locator.ParseSource(opts.SourceRaw)
	if err != nil {
		return err
	}
	tgt, err := locator.ParseTarget(opts.TargetRaw)
	if err != nil {
		return err
	}
	if err := opts.Scope.Validate(); err != nil {
		return err
	}
	opts.Scope.ExpandTimeFilters()

	sourceHash, targetHash := checkpoint.Identity(src.WithoutPassword(), targetDSNNoPassword(tgt))
	cpPath := checkpoint.Path(opts.StateDir, src.WithoutPassword(), targetDSNNoPassword(tgt))
	if opts.DropExisting {
		if err := checkpoint.Remove(cpPath); err != nil {
			return err
		}
	}
	cp, err := checkpoint.Load(cpPath, opts.Scope, sourceHash, targetHash)
	if err != nil {
		return err
	}

	if src.Kind == locator.KindPostgres {
		return runInitNative(ctx, src, tgt, opts, cp)
	}
	return runInitJSONB(ctx, src, tgt, opts, cp)
}

func targetDSNNoPassword(t *locator.Target) string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", t.Username, t.Host, t.Port, t.Database)
}

func runInitJSONB(ctx context.Context, src *locator.Source, tgt *locator.Target, opts RunOptions, cp *checkpoint.Store) error {
	reg := DefaultRegistry()
	adapter, ok := reg.For(src.Kind)
	if !ok {
		return errs.New(errs.InvalidInput, "engine.RunInit", fmt.Sprintf("no adapter for source kind %q", src.Kind))
	}

	handle, err := adapter.Connect(ctx, src)
	if err != nil {
		return err
	}
	defer handle.Close(ctx)

	targetPool, err := pgxpool.New(ctx, targetDSN(tgt))
	if err != nil {
		return errs.Wrap(errs.TargetPrecondition, "engine.RunInit", err)
	}
	defer targetPool.Close()

	databases, err := handle.ListDatabases(ctx)
	if err != nil {
		return err
	}

	var anyFailed bool
	for _, database := range databases {
		if cp.IsDatabaseCompleted(database) {
			continue
		}

		if err := runInitJSONBOneDatabase(ctx, handle, database, targetPool, src, opts, cp); err != nil {
			opts.Log.Error("database %q failed: %v", database, err)
			if markErr := cp.MarkDatabaseFailed(database); markErr != nil {
				return markErr
			}
			anyFailed = true
			continue
		}

		if err := cp.MarkDatabaseCompleted(database); err != nil {
			return err
		}
	}

	if anyFailed {
		return errs.New(errs.TransientIO, "engine.RunInit", fmt.Sprintf("one or more databases failed: %v", cp.FailedDatabaseNames()))
	}
	return nil
}

func runInitJSONBOneDatabase(ctx context.Context, handle source.Handle, database string, targetPool *pgxpool.Pool, src *locator.Source, opts RunOptions, cp *checkpoint.Store) error {
	planned, err := snapshot.Plan(ctx, handle, database, opts.Scope)
	if err != nil {
		return err
	}
	return snapshot.RunJSONBPath(ctx, handle, planned, snapshot.JSONBPathOptions{
		SourceType: sourceTypeFor(src.Kind),
		Target:     targetPool,
		Checkpoint: cp,
		Log:        opts.Log,
	})
}

func runInitNative(ctx context.Context, src *locator.Source, tgt *locator.Target, opts RunOptions, cp *checkpoint.Store) error {
	sourcePool, err := pgxpool.New(ctx, src.DSN())
	if err != nil {
		return errs.Wrap(errs.SourcePrecondition, "engine.RunInit", err)
	}
	defer sourcePool.Close()

	targetPool, err := pgxpool.New(ctx, targetDSN(tgt))
	if err != nil {
		return errs.Wrap(errs.TargetPrecondition, "engine.RunInit", err)
	}
	defer targetPool.Close()

	databases, err := listPostgresDatabases(ctx, sourcePool)
	if err != nil {
		return err
	}

	var anyFailed bool
	for i, database := range databases {
		if cp.IsDatabaseCompleted(database) {
			continue
		}

		if err := runInitNativeOneDatabase(ctx, database, i == 0, src, tgt, targetPool, opts, cp); err != nil {
			opts.Log.Error("database %q failed: %v", database, err)
			if markErr := cp.MarkDatabaseFailed(database); markErr != nil {
				return markErr
			}
			anyFailed = true
			continue
		}

		if err := cp.MarkDatabaseCompleted(database); err != nil {
			return err
		}
	}

	if anyFailed {
		return errs.New(errs.TransientIO, "engine.RunInit", fmt.Sprintf("one or more databases failed: %v", cp.FailedDatabaseNames()))
	}
	return nil
}

func runInitNativeOneDatabase(ctx context.Context, database string, isFirst bool, src *locator.Source, tgt *locator.Target, targetPool *pgxpool.Pool, opts RunOptions, cp *checkpoint.Store) error {
	dbSrc := *src
	dbSrc.Database = database
	dbPool, err := pgxpool.New(ctx, dbSrc.DSN())
	if err != nil {
		return errs.Wrap(errs.SourcePrecondition, "engine.RunInit", err)
	}
	skipTables, schemaOnlyTables, filteredTables, inScope, planErr := planNativeTables(ctx, dbPool, database, opts.Scope)
	if planErr == nil {
		planErr = snapshot.WarnCascadeAdjacency(ctx, dbPool, inScope, skipTables, opts.Log)
	}
	dbPool.Close()
	if planErr != nil {
		return planErr
	}

	nativeOpts := snapshot.NativePathOptions{
		Source:       *src,
		Target:       *tgt,
		TargetPool:   targetPool,
		DropExisting: opts.DropExisting,
		Log:          opts.Log,
	}
	return snapshot.RunNativePath(ctx, database, skipTables, schemaOnlyTables, filteredTables, inScope, nativeOpts, isFirst)
}

// planNativeTables resolves one database's table list against scope, returning
// the "schema.table"-qualified names to skip entirely, those to carry
// schema-only (no row data), the tables carrying a row or time predicate, and
// the full in-scope set (used for the cascade check). pg_dump/pg_restore have
// no WHERE-clause concept, so a filtered table's dump is not itself
// predicate-restricted here — predicates are applied on the logical-
// replication publication and the JSONB path's stream_rows. What the native
// path does with filteredTables is truncate any existing target rows for
// those tables before restoring; the restore then loads every source row of
// those tables.
func planNativeTables(ctx context.Context, pool *pgxpool.Pool, database string, scope *filter.Scope) (skip, schemaOnly []string, filtered []filter.QualifiedTable, inScope map[string]bool, err error) {
	rows, err := pool.Query(ctx, `SELECT schemaname, tablename FROM pg_tables WHERE schemaname NOT IN ('pg_catalog', 'information_schema')`)
	if err != nil {
		return nil, nil, nil, nil, errs.Wrap(errs.TransientIO, "engine.planNativeTables", err)
	}
	defer rows.Close()

	inScope = map[string]bool{}
	for rows.Next() {
		var schema, name string
		if scanErr := rows.Scan(&schema, &name); scanErr != nil {
			return nil, nil, nil, nil, errs.Wrap(errs.TransientIO, "engine.planNativeTables", scanErr)
		}
		qt := filter.QualifiedTable{Database: database, Schema: schema, Table: name}
		qualified := fmt.Sprintf("%s.%s", schema, name)
		decision := scope.AppliesTo(qt)
		switch {
		case decision.Skip:
			skip = append(skip, qualified)
		case decision.SchemaOnly:
			schemaOnly = append(schemaOnly, qualified)
			inScope[qualified] = true
		default:
			inScope[qualified] = true
			if decision.Predicate != "" {
				filtered = append(filtered, qt)
			}
		}
	}
	return skip, schemaOnly, filtered, inScope, rows.Err()
}

func listPostgresDatabases(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT datname FROM pg_database WHERE datistemplate = false AND datname <> 'postgres'`)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "engine.listPostgresDatabases", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errs.Wrap(errs.TransientIO, "engine.listPostgresDatabases", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// RunSync starts (or restarts) ongoing replication: logical replication for
// PostgreSQL sources, or a periodic refresh scheduler for JSONB sources.
// refreshInterval is ignored for PostgreSQL sources (logical replication
// streams continuously rather than polling).
func RunSync(ctx context.Context, opts RunOptions, refreshInterval time.Duration) error {
	src, err := locator.ParseSource(opts.SourceRaw)
	if err != nil {
		return err
	}
	tgt, err := locator.ParseTarget(opts.TargetRaw)
	if err != nil {
		return err
	}

	if src.Kind == locator.KindPostgres {
		sourcePool, err := pgxpool.New(ctx, src.DSN())
		if err != nil {
			return errs.Wrap(errs.SourcePrecondition, "engine.RunSync", err)
		}
		defer sourcePool.Close()
		targetPool, err := pgxpool.New(ctx, targetDSN(tgt))
		if err != nil {
			return errs.Wrap(errs.TargetPrecondition, "engine.RunSync", err)
		}
		defer targetPool.Close()

		coord := &replication.Coordinator{Source: sourcePool, Target: targetPool, Log: opts.Log, SourceConn: replicationConnFor(src)}
		if err := coord.Validate(ctx, opts.Scope, scopeHasPredicates(opts.Scope)); err != nil {
			return err
		}

		tables, err := allTablesInScope(ctx, sourcePool, opts.Scope)
		if err != nil {
			return err
		}
		if src.Password != "" {
			opts.Log.Warn("source locator carries a password; it is masked in the connection string passed to the subscription")
		}
		_, err = coord.SetUp(ctx, opts.Scope, tables, src.WithoutPassword())
		return err
	}

	// JSONB path: periodic refresh scheduler re-runs RunInit's snapshot logic.
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	sched := scheduler.New(refreshInterval, func(ctx context.Context) error {
		return RunInit(ctx, opts)
	}, opts.Log)

	targetPool, err := pgxpool.New(ctx, targetDSN(tgt))
	if err != nil {
		return errs.Wrap(errs.TargetPrecondition, "engine.RunSync", err)
	}
	defer targetPool.Close()
	sched.WithAdvisoryLock(targetPool, tgt.Database)

	return sched.Run(ctx)
}

// DefaultRefreshInterval is used when the caller supplies zero.
const DefaultRefreshInterval = 24 * time.Hour

func allTablesInScope(ctx context.Context, pool *pgxpool.Pool, scope *filter.Scope) ([]filter.QualifiedTable, error) {
	rows, err := pool.Query(ctx, `SELECT schemaname, tablename FROM pg_tables WHERE schemaname NOT IN ('pg_catalog', 'information_schema')`)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "engine.allTablesInScope", err)
	}
	defer rows.Close()

	var tables []filter.QualifiedTable
	for rows.Next() {
		var schema, name string
		if err := rows.Scan(&schema, &name); err != nil {
			return nil, errs.Wrap(errs.TransientIO, "engine.allTablesInScope", err)
		}
		qt := filter.QualifiedTable{Schema: schema, Table: name}
		if !scope.AppliesTo(qt).Skip {
			tables = append(tables, qt)
		}
	}
	return tables, rows.Err()
}

// RunStatus reports replication link health (PostgreSQL sources only).
func RunStatus(ctx context.Context, opts RunOptions) (*replication.Status, error) {
	tgt, err := locator.ParseTarget(opts.TargetRaw)
	if err != nil {
		return nil, err
	}
	src, err := locator.ParseSource(opts.SourceRaw)
	if err != nil {
		return nil, err
	}

	sourcePool, err := pgxpool.New(ctx, src.DSN())
	if err != nil {
		return nil, errs.Wrap(errs.SourcePrecondition, "engine.RunStatus", err)
	}
	defer sourcePool.Close()
	targetPool, err := pgxpool.New(ctx, targetDSN(tgt))
	if err != nil {
		return nil, errs.Wrap(errs.TargetPrecondition, "engine.RunStatus", err)
	}
	defer targetPool.Close()

	coord := &replication.Coordinator{Source: sourcePool, Target: targetPool, Log: opts.Log, SourceConn: replicationConnFor(src)}
	return coord.Status(ctx)
}

// RunVerify computes per-table checksums on both sides and reports mismatches.
func RunVerify(ctx context.Context, opts RunOptions) ([]replication.VerifyResult, error) {
	src, err := locator.ParseSource(opts.SourceRaw)
	if err != nil {
		return nil, err
	}
	tgt, err := locator.ParseTarget(opts.TargetRaw)
	if err != nil {
		return nil, err
	}

	sourcePool, err := pgxpool.New(ctx, src.DSN())
	if err != nil {
		return nil, errs.Wrap(errs.SourcePrecondition, "engine.RunVerify", err)
	}
	defer sourcePool.Close()
	targetPool, err := pgxpool.New(ctx, targetDSN(tgt))
	if err != nil {
		return nil, errs.Wrap(errs.TargetPrecondition, "engine.RunVerify", err)
	}
	defer targetPool.Close()

	tables, err := allTablesInScope(ctx, sourcePool, opts.Scope)
	if err != nil {
		return nil, err
	}

	coord := &replication.Coordinator{Source: sourcePool, Target: targetPool, Log: opts.Log, SourceConn: replicationConnFor(src)}
	return coord.Verify(ctx, tables)
}

// DefaultStateDir returns the default checkpoint state directory.
func DefaultStateDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return os.TempDir()
	}
	return filepath.Join(dir, "seren-replicator")
}
