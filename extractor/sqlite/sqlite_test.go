package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/maxpert/vaultsync/cfg"
	"github.com/maxpert/vaultsync/extractor"
	"github.com/maxpert/vaultsync/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createDB(t *testing.T, stmts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	return path
}

func TestExtractSnapshot(t *testing.T) {
	path := createDB(t,
		`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE orders (
			id INTEGER PRIMARY KEY,
			customer_id INTEGER REFERENCES customers(id),
			status VARCHAR(20) DEFAULT 'new',
			total DECIMAL(10,2)
		)`,
		`CREATE TABLE audit_log (message TEXT)`,
	)

	e, err := New(cfg.SourceConfiguration{ID: "shop", Path: path})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, e.Connect(ctx))
	defer e.Close()

	snap, err := e.ExtractSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", snap.Database)
	assert.Equal(t, []string{"audit_log", "customers", "orders"}, snap.TableNames())

	orders, ok := snap.Table("orders")
	require.True(t, ok)
	assert.Equal(t, []string{"id"}, orders.KeyColumns())

	fk, ok := orders.Column("customer_id")
	require.True(t, ok)
	assert.Equal(t, schema.KeyForeign, fk.KeyRole)
	require.NotNil(t, fk.References)
	assert.Equal(t, "customers", fk.References.Table)
	assert.Equal(t, "id", fk.References.Column)

	status, _ := orders.Column("status")
	assert.Equal(t, "varchar(20)", status.Type)
	assert.True(t, status.Nullable)
	require.NotNil(t, status.Default)
	assert.Equal(t, "'new'", *status.Default)

	customers, _ := snap.Table("customers")
	name, _ := customers.Column("name")
	assert.False(t, name.Nullable)

	audit, _ := snap.Table("audit_log")
	assert.Empty(t, audit.KeyColumns())
}

func TestImplicitReferenceResolvesPrimaryKey(t *testing.T) {
	path := createDB(t,
		`CREATE TABLE customers (code TEXT PRIMARY KEY)`,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer TEXT REFERENCES customers)`,
	)

	e, err := New(cfg.SourceConfiguration{ID: "shop", Path: path})
	require.NoError(t, err)
	require.NoError(t, e.Connect(context.Background()))
	defer e.Close()

	snap, err := e.ExtractSnapshot(context.Background())
	require.NoError(t, err)
	orders, _ := snap.Table("orders")
	col, _ := orders.Column("customer")
	require.NotNil(t, col.References)
	assert.Equal(t, "code", col.References.Column)
}

func TestRead(t *testing.T) {
	path := createDB(t,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, status TEXT)`,
		`INSERT INTO orders VALUES (1, 'new'), (2, 'paid')`,
	)
	e, err := New(cfg.SourceConfiguration{ID: "shop", Path: path})
	require.NoError(t, err)
	require.NoError(t, e.Connect(context.Background()))
	defer e.Close()

	rows, err := e.Read(context.Background(), `SELECT id, status FROM orders WHERE id > ? ORDER BY id`, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, "paid", rows[1]["status"])

	_, err = e.Read(context.Background(), `SELECT * FROM missing`)
	assert.True(t, errors.Is(err, extractor.ErrQueryFailed))
}

func TestConnectFailures(t *testing.T) {
	_, err := New(cfg.SourceConfiguration{ID: "shop"})
	assert.True(t, errors.Is(err, extractor.ErrConfigurationInvalid))

	e, err := New(cfg.SourceConfiguration{ID: "shop", Path: filepath.Join(t.TempDir(), "missing", "x.db")})
	require.NoError(t, err)
	assert.True(t, errors.Is(e.Connect(context.Background()), extractor.ErrConnectionFailed))

	_, err = e.Read(context.Background(), "SELECT 1")
	assert.True(t, errors.Is(err, extractor.ErrConnectionFailed))
}
