package reconciler

import (
	"fmt"

	"github.com/maxpert/vaultsync/cfg"
	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/schema"
)

// KeyResolver chooses the business key of a table.
type KeyResolver interface {
	// BusinessKey returns the key columns of t, or an *AmbiguousKeyError.
	BusinessKey(sourceID string, t schema.Table) ([]string, error)
}

// AmbiguousKeyError reports a table whose business key cannot be inferred.
type AmbiguousKeyError struct {
	SourceID string
	Table    string
	Reason   string
}

func (e *AmbiguousKeyError) Error() string {
	return fmt.Sprintf("table %s.%s: %s", e.SourceID, e.Table, e.Reason)
}

// Unwrap lets errors.Is match common.ErrAmbiguousKey.
func (e *AmbiguousKeyError) Unwrap() error {
	return common.ErrAmbiguousKey
}

// Mappings resolves keys from declared primary keys, falling back to configured mappings.
// A mapping with an empty SourceID applies to every source.
type Mappings struct {
	bySource map[string]map[string][]string
}

// NewMappings indexes key mappings.
func NewMappings(mappings []cfg.KeyMapping) *Mappings {
	m := &Mappings{bySource: make(map[string]map[string][]string)}
	for _, km := range mappings {
		tables, ok := m.bySource[km.SourceID]
		if !ok {
			tables = make(map[string][]string)
			m.bySource[km.SourceID] = tables
		}
		tables[km.Table] = append([]string(nil), km.Columns...)
	}
	return m
}

// BusinessKey prefers the declared primary key, then a source-specific mapping, then a wildcard one.
func (m *Mappings) BusinessKey(sourceID string, t schema.Table) ([]string, error) {
	if keys := t.KeyColumns(); len(keys) > 0 {
		return keys, nil
	}

	if m != nil {
		for _, src := range []string{sourceID, ""} {
			cols, ok := m.bySource[src][t.Name]
			if !ok {
				continue
			}
			for _, c := range cols {
				if _, exists := t.Column(c); !exists {
					return nil, &AmbiguousKeyError{SourceID: sourceID, Table: t.Name, Reason: fmt.Sprintf("mapped key column %q does not exist", c)}
				}
			}
			return cols, nil
		}
	}

	return nil, &AmbiguousKeyError{SourceID: sourceID, Table: t.Name, Reason: "no primary key declared and no key mapping configured"}
}
