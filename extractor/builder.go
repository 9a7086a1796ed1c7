package extractor

import "github.com/maxpert/vaultsync/schema"

// ColumnInfo is one catalog row describing a column.
type ColumnInfo struct {
	Table    string
	Column   string
	Type     string
	Nullable bool
	Default  *string
	Primary  bool
}

// ForeignKeyInfo is one catalog row describing a single-column reference.
type ForeignKeyInfo struct {
	Table     string
	Column    string
	RefTable  string
	RefColumn string
}

// Builder assembles catalog rows into a snapshot, keeping tables and columns in arrival order.
type Builder struct {
	database string
	order    []string
	tables   map[string]*schema.Table
}

// NewBuilder starts a snapshot of database.
func NewBuilder(database string) *Builder {
	return &Builder{database: database, tables: make(map[string]*schema.Table)}
}

// AddTable records a table even if it has no columns.
func (b *Builder) AddTable(name string) *schema.Table {
	if t, ok := b.tables[name]; ok {
		return t
	}
	t := &schema.Table{Name: name, Columns: []schema.Column{}}
	b.tables[name] = t
	b.order = append(b.order, name)
	return t
}

// Lookup returns a table added so far.
func (b *Builder) Lookup(name string) (*schema.Table, bool) {
	t, ok := b.tables[name]
	return t, ok
}

// AddColumn appends a column to its table.
func (b *Builder) AddColumn(c ColumnInfo) {
	t := b.AddTable(c.Table)
	col := schema.Column{
		Name:     c.Column,
		Type:     c.Type,
		Nullable: c.Nullable,
		KeyRole:  schema.KeyNone,
		Default:  c.Default,
	}
	if c.Primary {
		col.KeyRole = schema.KeyPrimary
	}
	t.Columns = append(t.Columns, col)
}

// MarkPrimary flags an existing column as part of the primary key.
func (b *Builder) MarkPrimary(table, column string) {
	if c := b.column(table, column); c != nil {
		c.KeyRole = schema.KeyPrimary
	}
}

// AddForeignKey attaches a reference to an existing column. A column that is
// also part of the primary key keeps the primary role.
func (b *Builder) AddForeignKey(fk ForeignKeyInfo) {
	c := b.column(fk.Table, fk.Column)
	if c == nil {
		return
	}
	c.References = &schema.Reference{Table: fk.RefTable, Column: fk.RefColumn}
	if c.KeyRole != schema.KeyPrimary {
		c.KeyRole = schema.KeyForeign
	}
}

func (b *Builder) column(table, column string) *schema.Column {
	t, ok := b.tables[table]
	if !ok {
		return nil
	}
	for i := range t.Columns {
		if t.Columns[i].Name == column {
			return &t.Columns[i]
		}
	}
	return nil
}

// Snapshot returns the assembled snapshot.
func (b *Builder) Snapshot() schema.Snapshot {
	snap := schema.Snapshot{Database: b.database, Tables: make([]schema.Table, 0, len(b.order))}
	for _, name := range b.order {
		snap.Tables = append(snap.Tables, *b.tables[name])
	}
	return snap
}
