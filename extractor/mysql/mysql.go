// Package mysql extracts schema snapshots from MySQL through information_schema.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maxpert/vaultsync/cfg"
	"github.com/maxpert/vaultsync/extractor"
	"github.com/maxpert/vaultsync/schema"
)

func init() {
	extractor.Register("mysql", func(config cfg.SourceConfiguration) (extractor.Extractor, error) {
		return New(config)
	})
}

const columnsQuery = `SELECT c.TABLE_NAME, c.COLUMN_NAME, c.COLUMN_TYPE, c.IS_NULLABLE, c.COLUMN_DEFAULT, c.COLUMN_KEY
FROM information_schema.COLUMNS c
JOIN information_schema.TABLES t ON t.TABLE_SCHEMA = c.TABLE_SCHEMA AND t.TABLE_NAME = c.TABLE_NAME
WHERE c.TABLE_SCHEMA = ? AND t.TABLE_TYPE = 'BASE TABLE'
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION`

const foreignKeysQuery = `SELECT TABLE_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
FROM information_schema.KEY_COLUMN_USAGE
WHERE TABLE_SCHEMA = ? AND REFERENCED_TABLE_NAME IS NOT NULL
ORDER BY TABLE_NAME, COLUMN_NAME`

// Extractor reads MySQL catalog tables.
type Extractor struct {
	dsn      string
	database string
	db       *sql.DB
}

// New creates a MySQL extractor. The database defaults to the one named in the DSN.
func New(config cfg.SourceConfiguration) (*Extractor, error) {
	if config.DSN == "" {
		return nil, extractor.ConfigurationError("mysql source %s needs a dsn", config.ID)
	}
	parsed, err := mysql.ParseDSN(config.DSN)
	if err != nil {
		return nil, extractor.ConfigurationError("mysql source %s: %v", config.ID, err)
	}

	database := config.Database
	if database == "" {
		database = parsed.DBName
	}
	if database == "" {
		return nil, extractor.ConfigurationError("mysql source %s names no database", config.ID)
	}

	if parsed.Timeout == 0 {
		parsed.Timeout = 10 * time.Second
	}
	return &Extractor{dsn: parsed.FormatDSN(), database: database}, nil
}

func (e *Extractor) Connect(ctx context.Context) error {
	db, err := sql.Open("mysql", e.dsn)
	if err != nil {
		return extractor.ConnectionError(e.database, err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return classify(e.database, err)
	}
	e.db = db
	return nil
}

func (e *Extractor) ExtractSnapshot(ctx context.Context) (schema.Snapshot, error) {
	if e.db == nil {
		return schema.Snapshot{}, extractor.ConnectionError(e.database, errors.New("not connected"))
	}

	rows, err := e.db.QueryContext(ctx, columnsQuery, e.database)
	if err != nil {
		return schema.Snapshot{}, classify(e.database, err)
	}
	b := extractor.NewBuilder(e.database)
	for rows.Next() {
		var table, column, colType, nullable, key string
		var def sql.NullString
		if err := rows.Scan(&table, &column, &colType, &nullable, &def, &key); err != nil {
			rows.Close()
			return schema.Snapshot{}, extractor.QueryError("columns", err)
		}
		info := extractor.ColumnInfo{
			Table:    table,
			Column:   column,
			Type:     strings.ToLower(colType),
			Nullable: nullable == "YES",
			Primary:  key == "PRI",
		}
		if def.Valid {
			v := def.String
			info.Default = &v
		}
		b.AddColumn(info)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return schema.Snapshot{}, extractor.QueryError("columns", err)
	}

	fkRows, err := e.db.QueryContext(ctx, foreignKeysQuery, e.database)
	if err != nil {
		return schema.Snapshot{}, classify(e.database, err)
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var fk extractor.ForeignKeyInfo
		if err := fkRows.Scan(&fk.Table, &fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return schema.Snapshot{}, extractor.QueryError("foreign keys", err)
		}
		b.AddForeignKey(fk)
	}
	if err := fkRows.Err(); err != nil {
		return schema.Snapshot{}, extractor.QueryError("foreign keys", err)
	}

	return b.Snapshot(), nil
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

// classify maps server errors to query failures and everything else to connection failures.
func classify(database string, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return extractor.QueryError(database, err)
	}
	return extractor.ConnectionError(database, err)
}
