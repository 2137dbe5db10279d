// Package config decodes the scope configuration file format into a
// filter.Scope.
package config

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/filter"
)

// TableFilterEntry is one [[database.table_filters]] entry.
type TableFilterEntry struct {
	Table  string `toml:"table"`
	Schema string `toml:"schema"`
	Where  string `toml:"where"`
}

// TimeFilterEntry is one [[database.time_filters]] entry.
type TimeFilterEntry struct {
	Table  string `toml:"table"`
	Schema string `toml:"schema"`
	Column string `toml:"column"`
	Last   string `toml:"last"` // e.g. "7 days"
}

// DatabaseSection is one [database.<name>] section.
type DatabaseSection struct {
	SchemaOnly   []string          `toml:"schema_only"`
	TableFilters []TableFilterEntry `toml:"table_filters"`
	TimeFilters  []TimeFilterEntry  `toml:"time_filters"`
}

// ScopeConfig is the top-level decoded configuration file.
type ScopeConfig struct {
	Global    DatabaseSection            `toml:"global"`
	Databases map[string]DatabaseSection `toml:"database"`
}

// Decode parses raw TOML bytes into a ScopeConfig, rejecting unknown keys
// outright rather than silently ignoring a typo'd setting.
func Decode(raw []byte) (*ScopeConfig, error) {
	var cfg ScopeConfig
	meta, err := toml.NewDecoder(bytes.NewReader(raw)).Decode(&cfg)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "config.Decode", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errs.New(errs.InvalidInput, "config.Decode", fmt.Sprintf("unknown configuration key(s): %v", undecoded))
	}
	return &cfg, nil
}

// ToScope converts a decoded ScopeConfig into a filter.Scope, applying global
// rules first and then per-database rules, which shadow global for the same
// table.
func ToScope(cfg *ScopeConfig) (*filter.Scope, error) {
	scope := filter.NewScope()

	if err := applySection(scope, "", cfg.Global); err != nil {
		return nil, err
	}
	for dbName, section := range cfg.Databases {
		if err := applySection(scope, dbName, section); err != nil {
			return nil, err
		}
	}

	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return scope, nil
}

func applySection(scope *filter.Scope, database string, section DatabaseSection) error {
	for _, tableName := range section.SchemaOnly {
		qt := filter.QualifiedTable{Database: database, Table: tableName}
		if err := filter.ValidateTableName(tableName); err != nil {
			return err
		}
		if err := scope.AddSchemaOnly(qt); err != nil {
			return err
		}
	}
	for _, tf := range section.TableFilters {
		qt := filter.QualifiedTable{Database: database, Schema: tf.Schema, Table: tf.Table}
		if err := filter.ValidateTableName(tf.Table); err != nil {
			return err
		}
		if err := scope.AddRowFilter(qt, tf.Where); err != nil {
			return err
		}
	}
	for _, tf := range section.TimeFilters {
		qt := filter.QualifiedTable{Database: database, Schema: tf.Schema, Table: tf.Table}
		if err := filter.ValidateTableName(tf.Table); err != nil {
			return err
		}
		iv, err := filter.ParseInterval(tf.Last)
		if err != nil {
			return err
		}
		if err := scope.AddTimeFilter(qt, tf.Column, iv); err != nil {
			return err
		}
	}
	return nil
}
