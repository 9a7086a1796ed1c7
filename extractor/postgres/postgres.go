// Package postgres extracts schema snapshots from PostgreSQL through
// information_schema, using the pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/maxpert/vaultsync/cfg"
	"github.com/maxpert/vaultsync/extractor"
	"github.com/maxpert/vaultsync/schema"
)

func init() {
	extractor.Register("postgres", func(config cfg.SourceConfiguration) (extractor.Extractor, error) {
		return New(config)
	})
}

const defaultSchema = "public"

const columnsQuery = `SELECT c.table_name, c.column_name, c.data_type, c.is_nullable, c.column_default,
       c.character_maximum_length, c.numeric_precision, c.numeric_scale
FROM information_schema.columns c
JOIN information_schema.tables t ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`

const primaryKeysQuery = `SELECT kcu.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1`

const foreignKeysQuery = `SELECT kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.constraint_schema = tc.constraint_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1
ORDER BY kcu.table_name, kcu.column_name`

// Extractor reads PostgreSQL catalog views for one schema.
type Extractor struct {
	connConfig *pgx.ConnConfig
	schemaName string
	db         *sql.DB
}

// New creates a PostgreSQL extractor. config.Database names the schema, public by default.
func New(config cfg.SourceConfiguration) (*Extractor, error) {
	if config.DSN == "" {
		return nil, extractor.ConfigurationError("postgres source %s needs a dsn", config.ID)
	}
	connConfig, err := pgx.ParseConfig(config.DSN)
	if err != nil {
		return nil, extractor.ConfigurationError("postgres source %s: %v", config.ID, err)
	}

	schemaName := config.Database
	if schemaName == "" {
		schemaName = defaultSchema
	}
	return &Extractor{connConfig: connConfig, schemaName: schemaName}, nil
}

func (e *Extractor) Connect(ctx context.Context) error {
	db := stdlib.OpenDB(*e.connConfig)
	db.SetMaxOpenConns(2)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return classify(e.connConfig.Database, err)
	}
	e.db = db
	return nil
}

func (e *Extractor) ExtractSnapshot(ctx context.Context) (schema.Snapshot, error) {
	if e.db == nil {
		return schema.Snapshot{}, extractor.ConnectionError(e.connConfig.Database, errors.New("not connected"))
	}

	b := extractor.NewBuilder(e.connConfig.Database)
	if err := e.scanColumns(ctx, b); err != nil {
		return schema.Snapshot{}, err
	}

	pks, err := e.db.QueryContext(ctx, primaryKeysQuery, e.schemaName)
	if err != nil {
		return schema.Snapshot{}, classify(e.connConfig.Database, err)
	}
	for pks.Next() {
		var table, column string
		if err := pks.Scan(&table, &column); err != nil {
			pks.Close()
			return schema.Snapshot{}, extractor.QueryError("primary keys", err)
		}
		b.MarkPrimary(table, column)
	}
	pks.Close()
	if err := pks.Err(); err != nil {
		return schema.Snapshot{}, extractor.QueryError("primary keys", err)
	}

	fks, err := e.db.QueryContext(ctx, foreignKeysQuery, e.schemaName)
	if err != nil {
		return schema.Snapshot{}, classify(e.connConfig.Database, err)
	}
	defer fks.Close()
	for fks.Next() {
		var fk extractor.ForeignKeyInfo
		if err := fks.Scan(&fk.Table, &fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return schema.Snapshot{}, extractor.QueryError("foreign keys", err)
		}
		b.AddForeignKey(fk)
	}
	if err := fks.Err(); err != nil {
		return schema.Snapshot{}, extractor.QueryError("foreign keys", err)
	}

	return b.Snapshot(), nil
}

func (e *Extractor) scanColumns(ctx context.Context, b *extractor.Builder) error {
	rows, err := e.db.QueryContext(ctx, columnsQuery, e.schemaName)
	if err != nil {
		return classify(e.connConfig.Database, err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, column, dataType, nullable string
		var def sql.NullString
		var charLen, precision, scale sql.NullInt64
		if err := rows.Scan(&table, &column, &dataType, &nullable, &def, &charLen, &precision, &scale); err != nil {
			return extractor.QueryError("columns", err)
		}
		info := extractor.ColumnInfo{
			Table:    table,
			Column:   column,
			Type:     extractor.QualifiedType(dataType, charLen, precision, scale),
			Nullable: nullable == "YES",
		}
		if def.Valid {
			v := def.String
			info.Default = &v
		}
		b.AddColumn(info)
	}
	if err := rows.Err(); err != nil {
		return extractor.QueryError("columns", err)
	}
	return nil
}

func (e *Extractor) Read(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := extractor.ReadRows(ctx, e.db, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return nil, fmt.Errorf("%w (sqlstate %s)", err, pgErr.Code)
		}
		return nil, err
	}
	return rows, nil
}

func (e *Extractor) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// classify maps server errors to query failures and everything else to connection failures.
func classify(database string, err error) error {
	var pgErr *pgconn.PgError
	// Class 28 is authorization, 3D is an unknown database: both mean the source is unreachable
	if errors.As(err, &pgErr) && !strings.HasPrefix(pgErr.Code, "28") && !strings.HasPrefix(pgErr.Code, "3D") {
		return extractor.QueryError(database, err)
	}
	return extractor.ConnectionError(database, err)
}
