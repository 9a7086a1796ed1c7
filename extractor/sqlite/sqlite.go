// Package sqlite extracts schema snapshots from SQLite databases with PRAGMA queries.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/maxpert/vaultsync/cfg"
	"github.com/maxpert/vaultsync/extractor"
	"github.com/maxpert/vaultsync/schema"

	_ "github.com/mattn/go-sqlite3"
)

func init() {
	extractor.Register("sqlite", func(config cfg.SourceConfiguration) (extractor.Extractor, error) {
		return New(config)
	})
}

// Extractor reads a SQLite database read-only.
type Extractor struct {
	path     string
	database string
	db       *sql.DB
}

// New creates a SQLite extractor for config.Path, or config.DSN when Path is empty.
func New(config cfg.SourceConfiguration) (*Extractor, error) {
	path := config.Path
	if path == "" {
		path = config.DSN
	}
	if path == "" {
		return nil, extractor.ConfigurationError("sqlite source %s needs path or dsn", config.ID)
	}
	database := config.Database
	if database == "" {
		database = "main"
	}
	return &Extractor{path: path, database: database}, nil
}

func (e *Extractor) Connect(ctx context.Context) error {
	dsn := e.path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?mode=ro"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return extractor.ConnectionError(e.path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return extractor.ConnectionError(e.path, err)
	}
	e.db = db
	return nil
}

func (e *Extractor) ExtractSnapshot(ctx context.Context) (schema.Snapshot, error) {
	tables, err := e.Read(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return schema.Snapshot{}, err
	}

	b := extractor.NewBuilder(e.database)
	for _, row := range tables {
		name, _ := row["name"].(string)
		b.AddTable(name)

		cols, err := e.Read(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(name)))
		if err != nil {
			return schema.Snapshot{}, err
		}
		for _, c := range cols {
			b.AddColumn(extractor.ColumnInfo{
				Table:    name,
				Column:   asString(c["name"]),
				Type:     strings.ToLower(asString(c["type"])),
				Nullable: asInt(c["notnull"]) == 0 && asInt(c["pk"]) == 0,
				Default:  asStringPtr(c["dflt_value"]),
				Primary:  asInt(c["pk"]) > 0,
			})
		}
	}

	// References to an implicit primary key come back with a NULL "to" column
	for _, row := range tables {
		name, _ := row["name"].(string)
		fks, err := e.Read(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteIdent(name)))
		if err != nil {
			return schema.Snapshot{}, err
		}
		for _, fk := range fks {
			refTable := asString(fk["table"])
			refColumn := asString(fk["to"])
			if refColumn == "" {
				refColumn = e.firstPrimaryKey(b, refTable)
			}
			b.AddForeignKey(extractor.ForeignKeyInfo{
				Table:     name,
				Column:    asString(fk["from"]),
				RefTable:  refTable,
				RefColumn: refColumn,
			})
		}
	}

	return b.Snapshot(), nil
}

func (e *Extractor) firstPrimaryKey(b *extractor.Builder, table string) string {
	t, ok := b.Lookup(table)
	if !ok {
		return ""
	}
	if keys := t.KeyColumns(); len(keys) > 0 {
		return keys[0]
	}
	return ""
}

func (e *Extractor) Read(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return extractor.ReadRows(ctx, e.db, query, args...)
}

func (e *Extractor) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asStringPtr(v interface{}) *string {
	if v == nil {
		return nil
	}
	s := asString(v)
	return &s
}

func asInt(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}
