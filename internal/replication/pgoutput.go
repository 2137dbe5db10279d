package replication

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/serenadb/seren-replicator/internal/errs"
)

// SourceConn carries the bare connection detail needed to open a raw
// replication-mode connection to the source, distinct from the pooled
// Source field which speaks ordinary extended-query-protocol SQL.
type SourceConn struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

func (s SourceConn) connString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?replication=database",
		s.User, s.Password, s.Host, s.Port, s.Database)
}

// sampleSourceLSN opens a dedicated replication-protocol connection to the
// source and issues IDENTIFY_SYSTEM, returning the server's current WAL
// write position straight off the wire rather than through a catalog
// function on a pooled connection. Modeled on the teacher's
// ConnectReplication (services/anchor/internal/database/postgres/replication.go),
// trimmed to the single IDENTIFY_SYSTEM round trip status sampling needs.
func sampleSourceLSN(ctx context.Context, conn SourceConn) (pglogrepl.LSN, error) {
	if conn.Host == "" {
		return 0, errs.New(errs.InvalidInput, "replication.sampleSourceLSN", "no source replication connection configured")
	}

	cfg, err := pgconn.ParseConfig(conn.connString())
	if err != nil {
		return 0, errs.Wrap(errs.SourcePrecondition, "replication.sampleSourceLSN", err)
	}
	cfg.RuntimeParams["replication"] = "database"

	replConn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return 0, errs.Wrap(errs.SourcePrecondition, "replication.sampleSourceLSN", err)
	}
	defer replConn.Close(ctx)

	sys, err := pglogrepl.IdentifySystem(ctx, replConn)
	if err != nil {
		return 0, errs.Wrap(errs.SourcePrecondition, "replication.sampleSourceLSN", err)
	}
	return sys.XLogPos, nil
}
