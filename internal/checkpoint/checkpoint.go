// Package checkpoint implements the engine's resumable-progress store,
// tracking completion at both database and table granularity so an
// interrupted run can resume without recopying finished tables.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/filter"
)

// Data is the durable, on-disk representation of a Checkpoint.
type Data struct {
	Version            int                 `json:"version"`
	ScopeFingerprint   string              `json:"scope_fingerprint"`
	SourceHash         string              `json:"source_hash"`
	TargetHash         string              `json:"target_hash"`
	CompletedDatabases map[string]bool     `json:"completed_databases"`
	CompletedTables    map[string]bool     `json:"completed_tables"` // keyed by QualifiedTable.String()
	FailedDatabases    map[string]bool     `json:"failed_databases"`
	LastUpdated        time.Time           `json:"last_updated"`
}

const currentVersion = 1

// Store is a file-backed Checkpoint store for one (source, target) pair.
type Store struct {
	path string
	data *Data
}

// Identity returns the stable (source_hash, target_hash) pair for a
// given pair of endpoint strings (passwords must already be stripped by the
// caller before this is invoked).
func Identity(sourceNoPassword, targetNoPassword string) (sourceHash, targetHash string) {
	sh := sha256.Sum256([]byte(sourceNoPassword))
	th := sha256.Sum256([]byte(targetNoPassword))
	return hex.EncodeToString(sh[:])[:16], hex.EncodeToString(th[:])[:16]
}

// Path derives the deterministic checkpoint file path under stateDir.
func Path(stateDir, sourceNoPassword, targetNoPassword string) string {
	h := sha256.Sum256([]byte(sourceNoPassword + "::" + targetNoPassword))
	return filepath.Join(stateDir, fmt.Sprintf("init-%s.json", hex.EncodeToString(h[:])[:16]))
}

// Load opens (or initializes) a checkpoint at path for the given scope and
// endpoint identities. If an existing checkpoint's scope fingerprint does not
// match scope.Fingerprint(), it is discarded and a fresh one is started: a
// changed scope invalidates whatever progress was recorded under the old one.
func Load(path string, scope *filter.Scope, sourceHash, targetHash string) (*Store, error) {
	fp := scope.Fingerprint()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Store{path: path, data: freshData(fp, sourceHash, targetHash)}, nil
		}
		return nil, errs.Wrap(errs.TransientIO, "checkpoint.Load", err)
	}

	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errs.Wrap(errs.DataIntegrity, "checkpoint.Load", err)
	}

	if d.ScopeFingerprint != fp || d.SourceHash != sourceHash || d.TargetHash != targetHash {
		return &Store{path: path, data: freshData(fp, sourceHash, targetHash)}, nil
	}
	if d.FailedDatabases == nil {
		d.FailedDatabases = map[string]bool{}
	}

	return &Store{path: path, data: &d}, nil
}

func freshData(fingerprint, sourceHash, targetHash string) *Data {
	return &Data{
		Version:            currentVersion,
		ScopeFingerprint:   fingerprint,
		SourceHash:         sourceHash,
		TargetHash:         targetHash,
		CompletedDatabases: map[string]bool{},
		CompletedTables:    map[string]bool{},
		FailedDatabases:    map[string]bool{},
		LastUpdated:        time.Now(),
	}
}

// IsTableCompleted reports whether a table has already been committed under
// this scope fingerprint.
func (s *Store) IsTableCompleted(t filter.QualifiedTable) bool {
	return s.data.CompletedTables[t.String()]
}

// IsDatabaseCompleted reports whether a whole database has been committed.
func (s *Store) IsDatabaseCompleted(database string) bool {
	return s.data.CompletedDatabases[database]
}

// MarkTableCompleted records a table as committed and saves the checkpoint.
// Monotonic: marking an already-completed table is a no-op write.
func (s *Store) MarkTableCompleted(t filter.QualifiedTable) error {
	s.data.CompletedTables[t.String()] = true
	s.data.LastUpdated = time.Now()
	return s.save()
}

// MarkDatabaseCompleted records a whole database as committed.
func (s *Store) MarkDatabaseCompleted(database string) error {
	s.data.CompletedDatabases[database] = true
	delete(s.data.FailedDatabases, database)
	s.data.LastUpdated = time.Now()
	return s.save()
}

// CompletedTableCount returns how many tables are recorded complete.
func (s *Store) CompletedTableCount() int {
	return len(s.data.CompletedTables)
}

// IsDatabaseFailed reports whether a database was marked failed on a prior
// pass under this same scope fingerprint.
func (s *Store) IsDatabaseFailed(database string) bool {
	return s.data.FailedDatabases[database]
}

// MarkDatabaseFailed records a database as failed for this run and flushes
// the checkpoint immediately, so the failure survives a subsequent crash and
// the pipeline can move on to the next in-scope database.
func (s *Store) MarkDatabaseFailed(database string) error {
	s.data.FailedDatabases[database] = true
	s.data.LastUpdated = time.Now()
	return s.save()
}

// FailedDatabaseCount returns how many databases are recorded failed.
func (s *Store) FailedDatabaseCount() int {
	return len(s.data.FailedDatabases)
}

// FailedDatabaseNames returns the recorded failed database names, sorted.
func (s *Store) FailedDatabaseNames() []string {
	return sortedTableNames(s.data.FailedDatabases)
}

// Reset clears all progress while keeping the same identities and fingerprint.
func (s *Store) Reset() error {
	s.data.CompletedDatabases = map[string]bool{}
	s.data.CompletedTables = map[string]bool{}
	s.data.FailedDatabases = map[string]bool{}
	s.data.LastUpdated = time.Now()
	return s.save()
}

// save performs an atomic write: write to a sibling temp file, then rename
// over the target path, so a crash mid-write never corrupts the previous
// checkpoint.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errs.Wrap(errs.TransientIO, "checkpoint.save", err)
	}

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return errs.Wrap(errs.DataIntegrity, "checkpoint.save", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".checkpoint-*.tmp")
	if err != nil {
		return errs.Wrap(errs.TransientIO, "checkpoint.save", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errs.Wrap(errs.TransientIO, "checkpoint.save", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.TransientIO, "checkpoint.save", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return errs.Wrap(errs.TransientIO, "checkpoint.save", err)
	}
	return nil
}

// Remove deletes the checkpoint file entirely (explicit reset request).
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.TransientIO, "checkpoint.Remove", err)
	}
	return nil
}

// sortedTableNames is a small helper used by callers that report progress.
func sortedTableNames(m map[string]bool) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
