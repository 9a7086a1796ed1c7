package extractor

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/maxpert/vaultsync/schema"
)

// TableFilter keeps tables matching an include pattern and no exclude pattern.
// No include patterns means every table is included.
type TableFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewTableFilter compiles include and exclude glob patterns.
func NewTableFilter(include, exclude []string) (*TableFilter, error) {
	f := &TableFilter{}
	var err error
	if f.include, err = compileGlobs(include); err != nil {
		return nil, err
	}
	if f.exclude, err = compileGlobs(exclude); err != nil {
		return nil, err
	}
	return f, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, ConfigurationError("invalid table pattern %q: %v", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Match reports whether table passes the filter.
func (f *TableFilter) Match(table string) bool {
	for _, g := range f.exclude {
		if g.Match(table) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(table) {
			return true
		}
	}
	return false
}

// Apply returns the snapshot restricted to matching tables.
func (f *TableFilter) Apply(snap schema.Snapshot) schema.Snapshot {
	var drop []string
	for _, t := range snap.Tables {
		if !f.Match(t.Name) {
			drop = append(drop, t.Name)
		}
	}
	return snap.Without(drop...)
}

func (f *TableFilter) String() string {
	return fmt.Sprintf("include=%d exclude=%d", len(f.include), len(f.exclude))
}
