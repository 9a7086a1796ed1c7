// Package schema holds the canonical schema snapshot every extractor produces
// and the keyed comparisons the reconciler diffs on.
//
// Tables are compared by name and columns as a set keyed by name. Slice order is
// kept exactly as extracted so a snapshot can be replayed or inspected, but it
// never influences a diff or a hash.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/maxpert/vaultsync/common"
)

// KeyRole describes the part a column plays in its table's keys.
type KeyRole string

const (
	KeyNone    KeyRole = "none"
	KeyPrimary KeyRole = "primary"
	KeyForeign KeyRole = "foreign"
)

// Reference points a foreign-key column at the column it references.
type Reference struct {
	Table  string `json:"table" yaml:"table"`
	Column string `json:"column" yaml:"column"`
}

// Column describes a single column of a table.
type Column struct {
	Name       string     `json:"name" yaml:"name"`
	Type       string     `json:"type" yaml:"type"`
	Nullable   bool       `json:"nullable" yaml:"nullable"`
	KeyRole    KeyRole    `json:"key_role,omitempty" yaml:"key_role,omitempty"`
	Default    *string    `json:"default,omitempty" yaml:"default,omitempty"`
	References *Reference `json:"references,omitempty" yaml:"references,omitempty"`
}

// Table describes a table and its ordered columns.
type Table struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []Column `json:"columns" yaml:"columns"`
}

// Snapshot is the canonical description of one source's schema at a point in time.
// Treat it as immutable once built.
type Snapshot struct {
	SourceID string  `json:"source_id,omitempty" yaml:"source_id,omitempty"`
	Database string  `json:"database_name,omitempty" yaml:"database_name,omitempty"`
	Tables   []Table `json:"tables" yaml:"tables"`
}

// Role returns the column key role, treating an empty role as KeyNone.
func (c Column) Role() KeyRole {
	if c.KeyRole == "" {
		return KeyNone
	}
	return c.KeyRole
}

// IsPrimary reports whether the column is part of the primary key.
func (c Column) IsPrimary() bool {
	return c.Role() == KeyPrimary
}

// signature is the tuple non-key columns are compared by.
func (c Column) signature() string {
	return fmt.Sprintf("%s|%s|%t", c.Name, strings.ToLower(c.Type), c.Nullable)
}

// Table returns the named table.
func (s Snapshot) Table(name string) (Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// TableNames returns the table names sorted.
func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Without returns a copy of the snapshot minus the named tables.
func (s Snapshot) Without(names ...string) Snapshot {
	if len(names) == 0 {
		return s
	}
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}

	out := Snapshot{SourceID: s.SourceID, Database: s.Database, Tables: make([]Table, 0, len(s.Tables))}
	for _, t := range s.Tables {
		if _, ok := drop[t.Name]; ok {
			continue
		}
		out.Tables = append(out.Tables, t)
	}
	return out
}

// Validate rejects snapshots that cannot be diffed: unnamed or duplicate tables and columns.
func (s Snapshot) Validate() error {
	seen := make(map[string]struct{}, len(s.Tables))
	for i, t := range s.Tables {
		if t.Name == "" {
			return common.Validationf("table %d has no name", i)
		}
		if _, dup := seen[t.Name]; dup {
			return common.Validationf("duplicate table %q", t.Name)
		}
		seen[t.Name] = struct{}{}

		cols := make(map[string]struct{}, len(t.Columns))
		for j, c := range t.Columns {
			if c.Name == "" {
				return common.Validationf("table %q column %d has no name", t.Name, j)
			}
			if _, dup := cols[c.Name]; dup {
				return common.Validationf("table %q has duplicate column %q", t.Name, c.Name)
			}
			cols[c.Name] = struct{}{}

			switch c.Role() {
			case KeyNone, KeyPrimary, KeyForeign:
			default:
				return common.Validationf("table %q column %q has unknown key role %q", t.Name, c.Name, c.KeyRole)
			}
		}
	}
	return nil
}

// KeyColumns returns the primary-key column names in declared order.
func (t Table) KeyColumns() []string {
	var keys []string
	for _, c := range t.Columns {
		if c.IsPrimary() {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// Column returns the named column.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// NonKeyColumns returns the columns that are not part of the given key, sorted by name.
func (t Table) NonKeyColumns(key []string) []Column {
	inKey := make(map[string]struct{}, len(key))
	for _, k := range key {
		inKey[k] = struct{}{}
	}

	out := make([]Column, 0, len(t.Columns))
	for _, c := range t.Columns {
		if _, ok := inKey[c.Name]; ok {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForeignKeys returns the columns carrying a reference, sorted by name.
func (t Table) ForeignKeys() []Column {
	var out []Column
	for _, c := range t.Columns {
		if c.References != nil && c.References.Table != "" {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Decode parses a JSON snapshot payload and validates it.
func Decode(payload []byte) (Snapshot, error) {
	var snap Snapshot
	if len(payload) == 0 {
		return snap, common.Validationf("empty snapshot payload")
	}
	if err := json.Unmarshal(payload, &snap); err != nil {
		return snap, common.Validationf("decode snapshot: %v", err)
	}
	if err := snap.Validate(); err != nil {
		return snap, err
	}
	return snap, nil
}

// Encode renders the snapshot as JSON.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}
