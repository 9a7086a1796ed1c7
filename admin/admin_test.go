package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/maxpert/vaultsync/controller"
	"github.com/maxpert/vaultsync/schema"
	"github.com/maxpert/vaultsync/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStatus controller.Status

func (s staticStatus) Status() controller.Status { return controller.Status(s) }

type staticHead uint64

func (h staticHead) Head() uint64 { return uint64(h) }

func seededStore(t *testing.T) *vault.SQLStore {
	t.Helper()
	s, err := vault.Open(vault.Options{Driver: vault.DriverSQLite, DSN: filepath.Join(t.TempDir(), "vault.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var muts []vault.Mutation
	for _, table := range []string{"customers", "orders", "products"} {
		hub := vault.HubRef{Class: vault.HubModel, EntityType: table, BusinessKey: []string{"id"}}
		cols := []schema.Column{{Name: "name", Type: "text"}}
		muts = append(muts,
			vault.Mutation{Kind: vault.CreateHub, Table: table, Hub: hub},
			vault.Mutation{Kind: vault.CreateSatellite, Table: table, Hub: hub, Columns: cols, Hash: schema.ColumnSetHash(cols)},
		)
	}
	snap := schema.Snapshot{SourceID: "crm"}
	_, err = s.Apply(context.Background(), vault.Batch{
		SourceID:  "crm",
		Mutations: muts,
		Snapshot:  &snap,
		Parked:    []vault.ParkedTable{{TableName: "audit_log", Reason: "no primary key"}},
	})
	require.NoError(t, err)
	return s
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	HasMore bool            `json:"has_more"`
	LastKey string          `json:"last_key"`
	Error   string          `json:"error"`
}

func get(t *testing.T, h http.Handler, path string, headers map[string]string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

func TestAuthMiddleware(t *testing.T) {
	h := NewRouter(NewAdminHandlers(nil, nil), "s3cret", nil)

	code, env := get(t, h, "/admin/status", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "missing authentication header", env.Error)

	code, _ = get(t, h, "/admin/status", map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = get(t, h, "/admin/status", map[string]string{SecretHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = get(t, h, "/admin/status", map[string]string{SecretHeader: "s3cret"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = get(t, h, "/admin/status", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, code)

	// Health stays open
	code, _ = get(t, h, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestStatusReportsControllersAndParked(t *testing.T) {
	store := seededStore(t)
	ctrl := staticStatus{Name: "controller", State: "idle", Cursor: 42, Dispatched: 40, Skipped: 2}
	h := NewRouter(NewAdminHandlers(store, staticHead(43), ctrl), "", nil)

	code, env := get(t, h, "/admin/status", nil)
	require.Equal(t, http.StatusOK, code)

	var data struct {
		Controllers  []controller.Status `json:"controllers"`
		EventLogHead uint64              `json:"event_log_head"`
		ParkedTables int                 `json:"parked_tables"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.Controllers, 1)
	assert.Equal(t, uint64(42), data.Controllers[0].Cursor)
	assert.Equal(t, uint64(43), data.EventLogHead)
	assert.Equal(t, 1, data.ParkedTables)
}

func TestVaultViews(t *testing.T) {
	store := seededStore(t)
	h := NewRouter(NewAdminHandlers(store, nil), "", nil)

	code, env := get(t, h, "/admin/parked", nil)
	require.Equal(t, http.StatusOK, code)
	var parked []vault.ParkedTable
	require.NoError(t, json.Unmarshal(env.Data, &parked))
	require.Len(t, parked, 1)
	assert.Equal(t, "audit_log", parked[0].TableName)

	code, env = get(t, h, "/admin/hubs?entity_type=orders", nil)
	require.Equal(t, http.StatusOK, code)
	var hubs []vault.Hub
	require.NoError(t, json.Unmarshal(env.Data, &hubs))
	require.Len(t, hubs, 1)
	assert.Equal(t, "orders", hubs[0].EntityType)

	code, env = get(t, h, "/admin/satellites/"+hubs[0].HubID, nil)
	require.Equal(t, http.StatusOK, code)
	var sats []vault.Satellite
	require.NoError(t, json.Unmarshal(env.Data, &sats))
	assert.Len(t, sats, 1)

	code, _ = get(t, h, "/admin/satellites/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = get(t, h, "/admin/snapshots/crm", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/admin/snapshots/erp", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHubsPagination(t *testing.T) {
	store := seededStore(t)
	h := NewRouter(NewAdminHandlers(store, nil), "", nil)

	seen := map[string]bool{}
	path := "/admin/hubs?limit=2"
	code, env := get(t, h, path, nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.HasMore)
	var page []vault.Hub
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page, 2)
	for _, hub := range page {
		seen[hub.HubID] = true
	}
	assert.Equal(t, page[1].HubID, env.LastKey)

	code, env = get(t, h, "/admin/hubs?limit=2&from="+env.LastKey, nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, env.HasMore)
	page = nil
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page, 1)
	assert.False(t, seen[page[0].HubID])

	code, _ = get(t, h, "/admin/hubs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestVaultRoutesNeedStore(t *testing.T) {
	h := NewRouter(NewAdminHandlers(nil, nil), "", nil)
	code, _ := get(t, h, "/admin/hubs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":"metrics"}`))
	})
	h := NewRouter(NewAdminHandlers(nil, nil), "s3cret", metrics)
	code, env := get(t, h, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `"metrics"`, string(env.Data))
}
