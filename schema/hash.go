package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Digest formats an XXH64 sum the way every content hash in the vault is stored.
func Digest(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// HashStrings hashes parts joined with a separator that cannot appear in identifiers.
func HashStrings(parts ...string) string {
	h := xxhash.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.WriteString("\x1f")
		}
		_, _ = h.WriteString(p)
	}
	return Digest(h.Sum64())
}

// ColumnSetHash is the content hash of a set of columns keyed by name.
// Only name, type and nullability take part, so reordering never changes it.
func ColumnSetHash(cols []Column) string {
	sigs := make([]string, 0, len(cols))
	for _, c := range cols {
		sigs = append(sigs, c.signature())
	}
	sort.Strings(sigs)
	return HashStrings(append([]string{"columns"}, sigs...)...)
}

// RetiredHash is the content hash of the marker satellite written when a table disappears.
func RetiredHash(table string) string {
	return HashStrings("retired", table)
}

// Hash is an order-insensitive digest of the whole snapshot, used to detect drift.
func (s Snapshot) Hash() string {
	tables := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		cols := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			def := "<nil>"
			if c.Default != nil {
				def = *c.Default
			}
			ref := ""
			if c.References != nil {
				ref = c.References.Table + "." + c.References.Column
			}
			cols = append(cols, strings.Join([]string{c.signature(), string(c.Role()), def, ref}, "|"))
		}
		sort.Strings(cols)
		tables = append(tables, t.Name+"{"+strings.Join(cols, ";")+"}")
	}
	sort.Strings(tables)
	return HashStrings(tables...)
}
