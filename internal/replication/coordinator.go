// Package replication implements the PostgreSQL logical replication
// coordinator: publication/subscription lifecycle, status, and verification.
// Publication and subscription creation are idempotent, classifying the
// driver's raw error text ("already exists", "permission denied", wal_level
// messages) into the engine's error taxonomy.
package replication

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/filter"
	"github.com/serenadb/seren-replicator/internal/telemetry"
)

// Fixed object names, so every source/target pair produces the same
// publication and subscription regardless of the tables involved.
const (
	PublicationName  = "seren_replication_pub"
	SubscriptionName = "seren_replication_sub"
)

// State is a ReplicationLink's lifecycle state.
type State string

const (
	StateInitializing  State = "initializing"
	StateCopyingTables State = "copying_tables"
	StateStreaming      State = "streaming"
	StateDisabled       State = "disabled"
	StateDropped        State = "dropped"
)

// Link is one coordinated PostgreSQL→PostgreSQL replication relationship.
type Link struct {
	Publication  string
	Subscription string
	State        State
}

// Status reports live replication health.
type Status struct {
	State            State
	LagBytes         int64
	LastReceivedLSN  string
	TablesRemaining  int
}

// Coordinator drives the lifecycle against a source and target pool pair.
type Coordinator struct {
	Source *pgxpool.Pool
	Target *pgxpool.Pool
	Log    *telemetry.Logger

	// SourceConn, when set, lets Status sample the source's current WAL
	// position over the replication wire protocol (IDENTIFY_SYSTEM) instead
	// of through pg_current_wal_lsn() on the pooled connection. Optional:
	// the zero value falls back to the catalog-function lag computation.
	SourceConn SourceConn
}

// Validate checks source/target preconditions: PostgreSQL major version
// (≥12, or ≥15 when the scope has row predicates, which PUBLICATION ... FOR
// TABLE ... WHERE requires), replication-role privilege on source, that the
// target is reachable, and that the target user is a superuser or the
// target database's owner (CREATE SUBSCRIPTION and the DDL applied ahead of
// it require one or the other).
func (c *Coordinator) Validate(ctx context.Context, scope *filter.Scope, hasPredicates bool) error {
	version, err := c.serverVersion(ctx, c.Source)
	if err != nil {
		return err
	}
	if version < 120000 {
		return errs.New(errs.SourcePrecondition, "replication.Validate", fmt.Sprintf("source PostgreSQL version %d is below the minimum supported (12.0)", version))
	}
	if hasPredicates && version < 150000 {
		return errs.New(errs.SourcePrecondition, "replication.Validate",
			"row-predicate publications require PostgreSQL 15 or newer on the source")
	}

	var canReplicate bool
	err = c.Source.QueryRow(ctx, `SELECT rolreplication OR rolsuper FROM pg_roles WHERE rolname = current_user`).Scan(&canReplicate)
	if err != nil {
		return errs.Wrap(errs.SourcePrecondition, "replication.Validate", err)
	}
	if !canReplicate {
		return errs.New(errs.SourcePrecondition, "replication.Validate", "source user lacks REPLICATION privilege")
	}

	if err := c.Target.Ping(ctx); err != nil {
		return errs.Wrap(errs.TargetPrecondition, "replication.Validate", err)
	}

	var isOwnerOrSuper bool
	err = c.Target.QueryRow(ctx, `
		SELECT rolsuper OR pg_has_role(rolname, (SELECT datdba FROM pg_database WHERE datname = current_database()), 'MEMBER')
		FROM pg_roles WHERE rolname = current_user`).Scan(&isOwnerOrSuper)
	if err != nil {
		return errs.Wrap(errs.TargetPrecondition, "replication.Validate", err)
	}
	if !isOwnerOrSuper {
		return errs.New(errs.TargetPrecondition, "replication.Validate", "target user must be a superuser or the target database owner")
	}

	return nil
}

func (c *Coordinator) serverVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var raw string
	if err := pool.QueryRow(ctx, `SHOW server_version_num`).Scan(&raw); err != nil {
		return 0, errs.Wrap(errs.SourcePrecondition, "replication.serverVersion", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.New(errs.SourcePrecondition, "replication.serverVersion", "could not parse server_version_num")
	}
	return version, nil
}

// SetUp idempotently creates the publication (source) and subscription
// (target) pair, restricted to scope's in-scope tables with any per-table
// predicates. An existing publication of the same name is kept as it is: its
// table set is not compared with scope or changed.
func (c *Coordinator) SetUp(ctx context.Context, scope *filter.Scope, tables []filter.QualifiedTable, sourceConnInfo string) (*Link, error) {
	if err := c.createPublication(ctx, scope, tables); err != nil {
		return nil, err
	}
	if err := c.createSubscription(ctx, sourceConnInfo); err != nil {
		return nil, err
	}
	return &Link{Publication: PublicationName, Subscription: SubscriptionName, State: StateCopyingTables}, nil
}

func (c *Coordinator) createPublication(ctx context.Context, scope *filter.Scope, tables []filter.QualifiedTable) error {
	if len(tables) == 0 {
		_, err := c.Source.Exec(ctx, fmt.Sprintf(`CREATE PUBLICATION %q FOR ALL TABLES`, PublicationName))
		return c.classifyPublicationError(err)
	}

	var specs []string
	for _, t := range tables {
		decision := scope.AppliesTo(t)
		if decision.Skip || decision.SchemaOnly {
			continue
		}
		qualified := fmt.Sprintf("%q.%q", t.SchemaOrDefault(), t.Table)
		if decision.Predicate != "" {
			qualified += fmt.Sprintf(" WHERE (%s)", decision.Predicate)
		}
		specs = append(specs, qualified)
	}

	query := fmt.Sprintf(`CREATE PUBLICATION %q FOR TABLE %s`, PublicationName, strings.Join(specs, ", "))
	_, err := c.Source.Exec(ctx, query)
	return c.classifyPublicationError(err)
}

// classifyPublicationError maps a raw driver error to an errs.Kind by
// substring inspection of the server's message text: Postgres wording, not
// just SQLSTATE, carries the distinguishing signal here (e.g. "wal_level"
// appears only in the message, not a dedicated code).
func (c *Coordinator) classifyPublicationError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already exists"):
		return nil // idempotent: treat as success
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "must be owner"):
		return errs.Wrap(errs.SourcePrecondition, "replication.createPublication", err)
	case strings.Contains(msg, "wal_level"):
		return errs.New(errs.SourcePrecondition, "replication.createPublication",
			"source wal_level must be set to 'logical' (see postgresql.conf)")
	default:
		return errs.Wrap(errs.SourcePrecondition, "replication.createPublication", err)
	}
}

func (c *Coordinator) createSubscription(ctx context.Context, sourceConnInfo string) error {
	query := fmt.Sprintf(`CREATE SUBSCRIPTION %q CONNECTION %s PUBLICATION %q`,
		SubscriptionName, quoteLiteral(sourceConnInfo), PublicationName)
	_, err := c.Target.Exec(ctx, query)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.TargetPrecondition, "replication.createSubscription", err)
	}
	return nil
}

// Status reports current replication lag and table-sync progress.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	var receivedLSN string
	err := c.Target.QueryRow(ctx, `
		SELECT COALESCE(received_lsn::text, '') FROM pg_stat_subscription WHERE subname = $1`,
		SubscriptionName).Scan(&receivedLSN)
	if err != nil {
		return nil, errs.Wrap(errs.TargetPrecondition, "replication.Status", err)
	}

	lagBytes, lsn, err := c.sampleLag(ctx, receivedLSN)
	if err != nil {
		return nil, err
	}

	var remaining int
	err = c.Target.QueryRow(ctx, `
		SELECT COUNT(*) FROM pg_subscription_rel sr
		JOIN pg_subscription s ON s.oid = sr.srsubid
		WHERE s.subname = $1 AND sr.srsubstate <> 'r'`, SubscriptionName).Scan(&remaining)
	if err != nil {
		return nil, errs.Wrap(errs.TargetPrecondition, "replication.Status", err)
	}

	state := StateStreaming
	if remaining > 0 {
		state = StateCopyingTables
	}

	return &Status{State: state, LagBytes: lagBytes, LastReceivedLSN: lsn, TablesRemaining: remaining}, nil
}

// sampleLag resolves the source's current WAL position via the replication
// wire protocol when SourceConn is configured, falling back to the catalog
// function pg_current_wal_lsn() over the pooled connection otherwise (e.g.
// status checks invoked without a replication-mode source endpoint).
func (c *Coordinator) sampleLag(ctx context.Context, receivedLSN string) (int64, string, error) {
	received, err := pglogrepl.ParseLSN(orZeroLSN(receivedLSN))
	if err != nil {
		return 0, "", errs.Wrap(errs.TargetPrecondition, "replication.sampleLag", err)
	}

	var current pglogrepl.LSN
	if c.SourceConn.Host != "" {
		current, err = sampleSourceLSN(ctx, c.SourceConn)
		if err != nil {
			return 0, "", err
		}
	} else {
		var raw string
		if err := c.Source.QueryRow(ctx, `SELECT pg_current_wal_lsn()::text`).Scan(&raw); err != nil {
			return 0, "", errs.Wrap(errs.SourcePrecondition, "replication.sampleLag", err)
		}
		current, err = pglogrepl.ParseLSN(raw)
		if err != nil {
			return 0, "", errs.Wrap(errs.SourcePrecondition, "replication.sampleLag", err)
		}
	}

	lag := int64(current - received)
	if lag < 0 {
		lag = 0
	}
	return lag, receivedLSN, nil
}

func orZeroLSN(s string) string {
	if s == "" {
		return "0/0"
	}
	return s
}

// Disable pauses the subscription.
func (c *Coordinator) Disable(ctx context.Context) error {
	_, err := c.Target.Exec(ctx, fmt.Sprintf(`ALTER SUBSCRIPTION %q DISABLE`, SubscriptionName))
	return errs.Wrap(errs.TargetPrecondition, "replication.Disable", err)
}

// Enable resumes a disabled subscription.
func (c *Coordinator) Enable(ctx context.Context) error {
	_, err := c.Target.Exec(ctx, fmt.Sprintf(`ALTER SUBSCRIPTION %q ENABLE`, SubscriptionName))
	return errs.Wrap(errs.TargetPrecondition, "replication.Enable", err)
}

// Drop tears down the subscription then the publication.
func (c *Coordinator) Drop(ctx context.Context) error {
	if _, err := c.Target.Exec(ctx, fmt.Sprintf(`DROP SUBSCRIPTION IF EXISTS %q`, SubscriptionName)); err != nil {
		return errs.Wrap(errs.TargetPrecondition, "replication.Drop", err)
	}
	if _, err := c.Source.Exec(ctx, fmt.Sprintf(`DROP PUBLICATION IF EXISTS %q`, PublicationName)); err != nil {
		return errs.Wrap(errs.SourcePrecondition, "replication.Drop", err)
	}
	return nil
}

// VerifyResult reports a per-table checksum comparison outcome.
type VerifyResult struct {
	Table    filter.QualifiedTable
	Matched  bool
	SourceSum string
	TargetSum string
}

// Verify computes a deterministic per-table checksum on both sides and
// reports mismatches. Uses a hash aggregate over md5(row text) so the
// comparison is order-independent and inexpensive on large tables.
func (c *Coordinator) Verify(ctx context.Context, tables []filter.QualifiedTable) ([]VerifyResult, error) {
	results := make([]VerifyResult, 0, len(tables))
	for _, t := range tables {
		srcSum, err := tableChecksum(ctx, c.Source, t)
		if err != nil {
			return nil, err
		}
		tgtSum, err := tableChecksum(ctx, c.Target, t)
		if err != nil {
			return nil, err
		}
		results = append(results, VerifyResult{Table: t, Matched: srcSum == tgtSum, SourceSum: srcSum, TargetSum: tgtSum})
	}
	return results, nil
}

func tableChecksum(ctx context.Context, pool *pgxpool.Pool, t filter.QualifiedTable) (string, error) {
	query := fmt.Sprintf(`SELECT COALESCE(md5(string_agg(md5(t.*::text), '' ORDER BY md5(t.*::text))), '') FROM %q.%q t`, t.SchemaOrDefault(), t.Table)
	var sum string
	if err := pool.QueryRow(ctx, query).Scan(&sum); err != nil {
		return "", errs.Wrap(errs.TransientIO, "replication.tableChecksum", err)
	}
	return sum, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
