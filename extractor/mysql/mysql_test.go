package mysql

import (
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/maxpert/vaultsync/cfg"
	"github.com/maxpert/vaultsync/extractor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresDatabase(t *testing.T) {
	_, err := New(cfg.SourceConfiguration{ID: "crm"})
	assert.True(t, errors.Is(err, extractor.ErrConfigurationInvalid))

	_, err = New(cfg.SourceConfiguration{ID: "crm", DSN: "user:pw@tcp(127.0.0.1:3306)/"})
	assert.True(t, errors.Is(err, extractor.ErrConfigurationInvalid))

	e, err := New(cfg.SourceConfiguration{ID: "crm", DSN: "user:pw@tcp(127.0.0.1:3306)/shop"})
	require.NoError(t, err)
	assert.Equal(t, "shop", e.database)
	assert.Contains(t, e.dsn, "timeout=10s")
}

func TestRegistered(t *testing.T) {
	ex, err := extractor.New(cfg.SourceConfiguration{ID: "crm", Type: "mysql", DSN: "u:p@tcp(db:3306)/shop", Database: "other"})
	require.NoError(t, err)
	assert.Equal(t, "other", ex.(*Extractor).database)
}

func TestClassify(t *testing.T) {
	err := classify("shop", &mysql.MySQLError{Number: 1146, Message: "table missing"})
	assert.True(t, errors.Is(err, extractor.ErrQueryFailed))

	err = classify("shop", errors.New("dial tcp: connection refused"))
	assert.True(t, errors.Is(err, extractor.ErrConnectionFailed))
}
