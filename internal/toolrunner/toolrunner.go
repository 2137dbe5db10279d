// Package toolrunner invokes PostgreSQL client utilities (pg_dump, pg_dumpall,
// pg_restore, psql) as subprocesses with structured argv, a scoped temporary
// password file, and retry-with-backoff.
package toolrunner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/telemetry"
)

// Endpoint is the minimal connection detail the driver needs to build a
// password file and environment for a client utility invocation.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// PassFile is a scoped, owner-only-readable .pgpass-format temp file. It is
// always removed via Close, on every exit path (normal, error, panic).
type PassFile struct {
	path string
}

// NewPassFile writes a .pgpass-format file for one endpoint (wildcarding the
// database field, since most invocations touch several databases on the same
// server) and returns a handle that must be Closed.
func NewPassFile(ep Endpoint) (*PassFile, error) {
	f, err := os.CreateTemp("", "seren-pgpass-*")
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "toolrunner.NewPassFile", err)
	}
	line := fmt.Sprintf("%s:%d:*:%s:%s\n", escapePgpassField(ep.Host), ep.Port, escapePgpassField(ep.User), escapePgpassField(ep.Password))
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errs.Wrap(errs.TransientIO, "toolrunner.NewPassFile", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, errs.Wrap(errs.TransientIO, "toolrunner.NewPassFile", err)
	}
	if err := os.Chmod(f.Name(), 0o600); err != nil {
		os.Remove(f.Name())
		return nil, errs.Wrap(errs.TransientIO, "toolrunner.NewPassFile", err)
	}
	return &PassFile{path: f.Name()}, nil
}

// Close removes the password file. Safe to call multiple times.
func (p *PassFile) Close() {
	if p == nil || p.path == "" {
		return
	}
	os.Remove(p.path)
	p.path = ""
}

func escapePgpassField(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`)
	return r.Replace(s)
}

// Invocation describes one client-tool call.
type Invocation struct {
	Tool     string // "pg_dump", "pg_dumpall", "pg_restore", "psql"
	Args     []string
	Endpoint Endpoint
	Timeout  time.Duration
}

// Result captures a completed invocation's outcome.
type Result struct {
	Stdout []byte
	Stderr []byte
}

const maxToolRetries = 3

// Run executes the invocation, retrying up to maxToolRetries times with
// exponential backoff (1s, 2s, 4s) when the failure matches a transient
// pattern (see isRetryableToolError). This is a distinct retry policy from the batch-transaction
// retry used by the snapshot pipeline (100ms/500ms/2500ms) — the two exist
// for different failure classes and are intentionally not unified.
func Run(ctx context.Context, log *telemetry.Logger, inv Invocation) (*Result, error) {
	passFile, err := NewPassFile(inv.Endpoint)
	if err != nil {
		return nil, err
	}
	defer passFile.Close()

	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= maxToolRetries+1; attempt++ {
		res, err := runOnce(ctx, passFile, inv)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRetryableToolError(err) || attempt == maxToolRetries+1 {
			break
		}
		log.Warn("%s invocation failed (attempt %d/%d), retrying in %s: %v", inv.Tool, attempt, maxToolRetries+1, backoff, err)
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Cancelled, "toolrunner.Run", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if _, err := exec.LookPath(inv.Tool); err != nil {
		return nil, errs.New(errs.ToolFailure, "toolrunner.Run",
			fmt.Sprintf("%s not found on PATH; install the PostgreSQL client utilities package for your platform", inv.Tool))
	}

	return nil, errs.Wrap(errs.ToolFailure, "toolrunner.Run", lastErr)
}

func runOnce(ctx context.Context, passFile *PassFile, inv Invocation) (*Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Tool, inv.Args...)
	cmd.Env = append(os.Environ(),
		"PGPASSFILE="+passFile.path,
		"PGHOST="+inv.Endpoint.Host,
		fmt.Sprintf("PGPORT=%d", inv.Endpoint.Port),
		"PGUSER="+inv.Endpoint.User,
		"PGDATABASE="+inv.Endpoint.Database,
		// TCP keepalive tuning, per the external tool driver contract.
		"PGKEEPALIVES=1",
		"PGKEEPALIVESIDLE=60",
		"PGKEEPALIVESINTERVAL=10",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return nil, fmt.Errorf("%s: %w (stderr: %s)", inv.Tool, err, redactCredentials(stderr.String(), inv.Endpoint.Password))
	}
	return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

func redactCredentials(s, password string) string {
	if password != "" {
		s = strings.ReplaceAll(s, password, "********")
	}
	return s
}

func isRetryableToolError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection reset", "connection refused", "timeout", "temporarily unavailable", "broken pipe"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// PgDumpArgs builds the argv for a schema-only or data dump restricted to a
// scope's tables, never via string concatenation.
func PgDumpArgs(database string, schemaOnly bool, includeTables, excludeTables []string, outputDir string) []string {
	args := []string{"--format=directory", "--jobs=4", "--compress=9", "--no-owner", "--no-privileges"}
	if schemaOnly {
		args = append(args, "--schema-only")
	} else {
		args = append(args, "--data-only")
	}
	for _, t := range includeTables {
		args = append(args, "--table", t)
	}
	for _, t := range excludeTables {
		args = append(args, "--exclude-table", t)
	}
	args = append(args, "--file", filepath.Join(outputDir, sanitizeDirName(database)))
	args = append(args, database)
	return args
}

// PgDumpAllGlobalsArgs builds the argv for the once-per-run global object dump.
func PgDumpAllGlobalsArgs(outputFile string) []string {
	return []string{"--globals-only", "--no-role-passwords", "--verbose", "--file", outputFile}
}

func sanitizeDirName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, s)
}

// TempDir creates a managed temporary directory for one run's dump artifacts,
// tagged with a run ID so concurrent runs against the same source never
// collide even if the OS temp directory is shared.
func TempDir(prefix string) (string, func(), error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("seren-%s-%s-*", prefix, uuid.NewString()))
	if err != nil {
		return "", nil, errs.Wrap(errs.TransientIO, "toolrunner.TempDir", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}
