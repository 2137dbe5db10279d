// Package filter implements the replication scope model: which databases and
// tables are copied, which are schema-only, and which carry row or time
// predicates.
package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/serenadb/seren-replicator/internal/errs"
)

// QualifiedTable identifies a table, optionally scoped to one database.
type QualifiedTable struct {
	Database string // empty means "applies in every database" (global scope)
	Schema   string
	Table    string
}

func (t QualifiedTable) key() string {
	return t.Database + "\x00" + t.SchemaOrDefault() + "\x00" + t.Table
}

// SchemaOrDefault returns the table's schema, defaulting to "public".
func (t QualifiedTable) SchemaOrDefault() string {
	if t.Schema == "" {
		return "public"
	}
	return t.Schema
}

func (t QualifiedTable) String() string {
	s := t.SchemaOrDefault() + "." + t.Table
	if t.Database != "" {
		return t.Database + "." + s
	}
	return s
}

// Interval is a count/unit time window, e.g. "7 days".
type Interval struct {
	Amount int
	Unit   string // canonical singular: second, minute, hour, day, week, month, year
}

var unitSynonyms = map[string]string{
	"second": "second", "seconds": "second", "sec": "second", "secs": "second",
	"minute": "minute", "minutes": "minute", "min": "minute", "mins": "minute",
	"hour": "hour", "hours": "hour", "hr": "hour", "hrs": "hour",
	"day": "day", "days": "day",
	"week": "week", "weeks": "week",
	"month": "month", "months": "month", "mon": "month", "mons": "month",
	"year": "year", "years": "year", "yr": "year", "yrs": "year",
}

// ParseInterval parses a "<amount> <unit>" string into a normalized Interval.
func ParseInterval(s string) (Interval, error) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) != 2 {
		return Interval{}, errs.New(errs.InvalidInput, "filter.ParseInterval", fmt.Sprintf("expected '<amount> <unit>', got %q", s))
	}
	amount, err := strconv.Atoi(parts[0])
	if err != nil || amount <= 0 {
		return Interval{}, errs.New(errs.InvalidInput, "filter.ParseInterval", fmt.Sprintf("amount must be a positive integer, got %q", parts[0]))
	}
	unit, ok := unitSynonyms[strings.ToLower(parts[1])]
	if !ok {
		return Interval{}, errs.New(errs.InvalidInput, "filter.ParseInterval", fmt.Sprintf("unrecognized time unit %q", parts[1]))
	}
	return Interval{Amount: amount, Unit: unit}, nil
}

// SQL renders the interval as a PostgreSQL INTERVAL literal fragment.
func (iv Interval) SQL() string {
	return fmt.Sprintf("INTERVAL '%d %s'", iv.Amount, iv.Unit)
}

// SetMode describes how an include/exclude axis is populated.
type SetMode int

const (
	IncludeAll SetMode = iota
	IncludeOnly
	ExcludeOnly
)

// SelectionSet is one axis (databases, or tables) of the scope.
type SelectionSet struct {
	Mode  SetMode
	Names map[string]struct{} // database names, or QualifiedTable.key() for tables
}

func newAllSet() SelectionSet { return SelectionSet{Mode: IncludeAll, Names: map[string]struct{}{}} }

// TimeFilter is a column/interval pair attached to a table.
type TimeFilter struct {
	Column   string
	Interval Interval
}

// ruleTier distinguishes a rule declared for every database (global) from one
// scoped to a single database — a per-database rule shadows a global one for
// the same table.
type ruleTier int

const (
	tierGlobal ruleTier = iota
	tierDatabase
)

type tableRule struct {
	tier       ruleTier
	schemaOnly bool
	predicate  string // row-filter predicate, if any
	timeFilter *TimeFilter
}

// Scope is the normalized, validated replication scope.
type Scope struct {
	Databases SelectionSet
	Tables    SelectionSet

	rules map[string]*tableRule // keyed by QualifiedTable.key(); database="" => global tier
}

// NewScope returns an empty scope that includes everything.
func NewScope() *Scope {
	return &Scope{Databases: newAllSet(), Tables: newAllSet(), rules: map[string]*tableRule{}}
}

func tierOf(t QualifiedTable) ruleTier {
	if t.Database == "" {
		return tierGlobal
	}
	return tierDatabase
}

// AddSchemaOnly marks a table as structure-only. Errors if the same tier
// already carries a row or time filter for this table.
func (s *Scope) AddSchemaOnly(t QualifiedTable) error {
	r := s.ruleFor(t, true)
	if r.predicate != "" || r.timeFilter != nil {
		return errs.New(errs.Validation, "filter.AddSchemaOnly", fmt.Sprintf("table %s already has a row or time filter in this scope tier", t))
	}
	r.schemaOnly = true
	return nil
}

// AddRowFilter attaches a row predicate to a table.
func (s *Scope) AddRowFilter(t QualifiedTable, predicate string) error {
	r := s.ruleFor(t, true)
	if r.schemaOnly {
		return errs.New(errs.Validation, "filter.AddRowFilter", fmt.Sprintf("table %s is schema-only in this scope tier", t))
	}
	r.predicate = predicate
	return nil
}

// AddTimeFilter attaches a time-window filter to a table.
func (s *Scope) AddTimeFilter(t QualifiedTable, column string, iv Interval) error {
	r := s.ruleFor(t, true)
	if r.schemaOnly {
		return errs.New(errs.Validation, "filter.AddTimeFilter", fmt.Sprintf("table %s is schema-only in this scope tier", t))
	}
	r.timeFilter = &TimeFilter{Column: column, Interval: iv}
	return nil
}

func (s *Scope) ruleFor(t QualifiedTable, create bool) *tableRule {
	key := t.key()
	if r, ok := s.rules[key]; ok {
		return r
	}
	if !create {
		return &tableRule{tier: tierOf(t)}
	}
	r := &tableRule{tier: tierOf(t)}
	s.rules[key] = r
	return r
}

// Decision is the outcome of applying the scope to one table.
type Decision struct {
	Skip       bool
	SchemaOnly bool
	Predicate  string // empty means unconditional copy
}

// Validate enforces mutual exclusivity between schema-only and filtered
// tables, and that an include-only database set isn't empty. The PG15
// predicate-support requirement is checked by the replication coordinator,
// not here, since it requires a live server version.
func (s *Scope) Validate() error {
	if s.Databases.Mode == IncludeOnly && len(s.Databases.Names) == 0 {
		return errs.New(errs.Validation, "filter.Validate", "include-only database set is empty")
	}
	for key, r := range s.rules {
		if r.schemaOnly && (r.predicate != "" || r.timeFilter != nil) {
			return errs.New(errs.Validation, "filter.Validate", fmt.Sprintf("table %q cannot be both schema-only and filtered", key))
		}
	}
	return nil
}

// ValidateTableName enforces alphanumeric/underscore identifiers that are
// not reserved SQL keywords, and are no longer than PostgreSQL's 63-byte
// identifier limit.
func ValidateTableName(name string) error {
	if name == "" {
		return errs.New(errs.InvalidInput, "filter.ValidateTableName", "table name cannot be empty")
	}
	if len(name) > 63 {
		return errs.New(errs.InvalidInput, "filter.ValidateTableName", "table name exceeds 63 characters")
	}
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return errs.New(errs.InvalidInput, "filter.ValidateTableName", fmt.Sprintf("table name %q contains invalid character %q", name, r))
		}
	}
	if _, reserved := reservedKeywords[strings.ToLower(name)]; reserved {
		return errs.New(errs.InvalidInput, "filter.ValidateTableName", fmt.Sprintf("table name %q is a reserved keyword", name))
	}
	return nil
}

var reservedKeywords = buildReservedSet([]string{
	"select", "insert", "update", "delete", "drop", "create", "alter",
	"table", "database", "index", "view", "function", "procedure",
	"trigger", "user", "role", "grant", "revoke",
})

func buildReservedSet(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// ExpandTimeFilters rewrites every time filter into an equivalent row
// predicate and clears the time-filter map, combining with any existing row
// filter on the same table via logical AND.
func (s *Scope) ExpandTimeFilters() {
	for _, r := range s.rules {
		if r.timeFilter == nil {
			continue
		}
		predicate := fmt.Sprintf("%s >= NOW() - %s", r.timeFilter.Column, r.timeFilter.Interval.SQL())
		if r.predicate != "" {
			r.predicate = fmt.Sprintf("(%s) AND (%s)", r.predicate, predicate)
		} else {
			r.predicate = predicate
		}
		r.timeFilter = nil
	}
}

// AppliesTo resolves the precedence order for one table: Skip > SchemaOnly >
// Copy(predicate) > Copy. A per-database rule shadows a global rule for the
// same table.
func (s *Scope) AppliesTo(t QualifiedTable) Decision {
	if s.Databases.Mode == IncludeOnly {
		if _, ok := s.Databases.Names[t.Database]; !ok && t.Database != "" {
			return Decision{Skip: true}
		}
	}
	if s.Databases.Mode == ExcludeOnly {
		if _, ok := s.Databases.Names[t.Database]; ok {
			return Decision{Skip: true}
		}
	}

	global := QualifiedTable{Schema: t.Schema, Table: t.Table}
	perDB := QualifiedTable{Database: t.Database, Schema: t.Schema, Table: t.Table}

	globalRule := s.rules[global.key()]
	dbRule := s.rules[perDB.key()]

	// Per-database rule shadows global for every field it's present for;
	// SchemaOnly at either tier wins regardless of which tier supplied it.
	schemaOnly := false
	predicate := ""
	if globalRule != nil {
		schemaOnly = schemaOnly || globalRule.schemaOnly
		predicate = globalRule.predicate
	}
	if dbRule != nil {
		schemaOnly = schemaOnly || dbRule.schemaOnly
		if dbRule.predicate != "" {
			predicate = dbRule.predicate
		}
	}

	if s.tableExcluded(t) {
		return Decision{Skip: true}
	}
	if schemaOnly {
		return Decision{SchemaOnly: true}
	}
	return Decision{Predicate: predicate}
}

func (s *Scope) tableExcluded(t QualifiedTable) bool {
	key := QualifiedTable{Database: t.Database, Schema: t.Schema, Table: t.Table}.key()
	if s.Tables.Mode == IncludeOnly {
		_, ok := s.Tables.Names[key]
		return !ok
	}
	if s.Tables.Mode == ExcludeOnly {
		_, ok := s.Tables.Names[key]
		return ok
	}
	return false
}

// Merge overlays cliScope onto configScope: CLI-side include/exclude sets
// replace the config side outright when non-empty; per-table rules from the
// CLI side override config-side rules keyed by the same QualifiedTable.
func Merge(configScope, cliScope *Scope) (*Scope, error) {
	merged := NewScope()
	merged.Databases = configScope.Databases
	merged.Tables = configScope.Tables
	if cliScope.Databases.Mode != IncludeAll {
		merged.Databases = cliScope.Databases
	}
	if cliScope.Tables.Mode != IncludeAll {
		merged.Tables = cliScope.Tables
	}
	for k, v := range configScope.rules {
		cp := *v
		merged.rules[k] = &cp
	}
	for k, v := range cliScope.rules {
		cp := *v
		merged.rules[k] = &cp
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// Fingerprint returns a stable hash of the normalized scope, used to
// invalidate checkpoints when the scope changes between runs.
func (s *Scope) Fingerprint() string {
	keys := make([]string, 0, len(s.rules))
	for k := range s.rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "databases:%d:%s\n", s.Databases.Mode, sortedJoin(s.Databases.Names))
	fmt.Fprintf(h, "tables:%d:%s\n", s.Tables.Mode, sortedJoin(s.Tables.Names))
	for _, k := range keys {
		r := s.rules[k]
		fmt.Fprintf(h, "rule:%s:%v:%s:%v\n", k, r.schemaOnly, r.predicate, r.timeFilter)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedJoin(set map[string]struct{}) string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
