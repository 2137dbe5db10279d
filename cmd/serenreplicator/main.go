// Command serenreplicator is a thin wrapper around internal/engine. Flag
// parsing here is intentionally minimal — a full CLI (subcommand help,
// interactive confirmation, config-file/env/flag precedence layering) is
// a separate concern left to whatever front end embeds this engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/serenadb/seren-replicator/internal/config"
	"github.com/serenadb/seren-replicator/internal/engine"
	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/filter"
	"github.com/serenadb/seren-replicator/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: serenreplicator <validate|init|sync|status|verify> [flags]")
		return 2
	}
	subcommand := os.Args[1]

	fs := flag.NewFlagSet(subcommand, flag.ContinueOnError)
	source := fs.String("source", "", "source database locator")
	target := fs.String("target", "", "target PostgreSQL locator")
	configPath := fs.String("config", "", "path to a scope configuration TOML file")
	stateDir := fs.String("state-dir", engine.DefaultStateDir(), "checkpoint state directory")
	dropExisting := fs.Bool("drop-existing", false, "discard any existing checkpoint before starting")
	refreshInterval := fs.Duration("refresh-interval", engine.DefaultRefreshInterval, "JSONB-path refresh interval for sync")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return 2
	}

	log := telemetry.New(subcommand)

	scope, err := loadScope(*configPath)
	if err != nil {
		log.Error("%v", err)
		return errs.ExitCode(err)
	}

	opts := engine.RunOptions{
		SourceRaw:    *source,
		TargetRaw:    *target,
		Scope:        scope,
		StateDir:     *stateDir,
		DropExisting: *dropExisting,
		Log:          log,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch subcommand {
	case "validate":
		err = engine.RunValidate(ctx, opts)
	case "init":
		err = engine.RunInit(ctx, opts)
	case "sync":
		err = engine.RunSync(ctx, opts, *refreshInterval)
	case "status":
		err = runStatus(ctx, opts)
	case "verify":
		err = runVerify(ctx, opts)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", subcommand)
		return 2
	}

	if err != nil {
		log.Error("%v", err)
		return errs.ExitCode(err)
	}
	return 0
}

func runStatus(ctx context.Context, opts engine.RunOptions) error {
	status, err := engine.RunStatus(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Printf("state=%s lag_bytes=%d tables_remaining=%d\n", status.State, status.LagBytes, status.TablesRemaining)
	return nil
}

func runVerify(ctx context.Context, opts engine.RunOptions) error {
	results, err := engine.RunVerify(ctx, opts)
	if err != nil {
		return err
	}
	mismatches := 0
	for _, r := range results {
		status := "OK"
		if !r.Matched {
			status = "MISMATCH"
			mismatches++
		}
		fmt.Printf("%-40s %s\n", r.Table, status)
	}
	if mismatches > 0 {
		return errs.New(errs.DataIntegrity, "verify", fmt.Sprintf("%d table(s) mismatched", mismatches))
	}
	return nil
}

func loadScope(path string) (*filter.Scope, error) {
	if path == "" {
		return filter.NewScope(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "main.loadScope", err)
	}
	cfg, err := config.Decode(raw)
	if err != nil {
		return nil, err
	}
	return config.ToScope(cfg)
}
