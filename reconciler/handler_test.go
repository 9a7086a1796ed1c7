package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxpert/vaultsync/cfg"
	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/controller"
	"github.com/maxpert/vaultsync/eventlog"
	"github.com/maxpert/vaultsync/hlc"
	"github.com/maxpert/vaultsync/schema"
	"github.com/maxpert/vaultsync/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *vault.SQLStore {
	t.Helper()
	s, err := vault.Open(vault.Options{
		Driver: vault.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "vault.db"),
		Clock:  hlc.NewClock(1),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func schemaNotification(t *testing.T, seq uint64, snap schema.Snapshot) eventlog.Notification {
	t.Helper()
	body, err := json.Marshal(snap)
	require.NoError(t, err)
	return eventlog.Notification{
		Sequence: seq,
		SourceID: "crm",
		Kind:     eventlog.KindSchemaChanged,
		Payload:  body,
	}
}

func newHandler(t *testing.T, store vault.Store, keys KeyResolver) *SchemaHandler {
	t.Helper()
	h, err := NewSchemaHandler(New(store, keys), store, 8)
	require.NoError(t, err)
	return h
}

// lookupStore fails any listing call so reconciliation must look rows up by id.
type lookupStore struct {
	vault.Store
}

func (lookupStore) Hubs(ctx context.Context, entityType string) ([]vault.Hub, error) {
	return nil, errors.New("hubs listed during reconcile")
}

func (lookupStore) Links(ctx context.Context, linkType string) ([]vault.Link, error) {
	return nil, errors.New("links listed during reconcile")
}

func TestReconcileLooksUpHubsByID(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	var rows []vault.Mutation
	for i := 0; i < 200; i++ {
		rows = append(rows, vault.Mutation{Kind: vault.CreateHub, Table: "orders", Hub: vault.HubRef{
			Class: vault.HubEntity, EntityType: "orders", BusinessKey: []string{fmt.Sprintf("id=%d", i)},
		}})
	}
	_, err := store.Apply(ctx, vault.Batch{SourceID: "crm", Mutations: rows})
	require.NoError(t, err)

	rec := New(lookupStore{Store: store}, nil)
	res, err := rec.Reconcile(ctx, "crm", nil, ordersS1())
	require.NoError(t, err)
	_, err = store.Apply(ctx, vault.Batch{SourceID: "crm", Mutations: res.Mutations})
	require.NoError(t, err)

	res, err = rec.Reconcile(ctx, "crm", nil, ordersS1())
	require.NoError(t, err)
	assert.Empty(t, res.Mutations)
	assert.Equal(t, 2, res.Suppressed)
}

func TestReconcileReplayIsEmpty(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	rec := New(store, nil)

	res, err := rec.Reconcile(ctx, "crm", nil, ordersS1())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"create_hub(orders, id)",
		"create_satellite(orders, {total})",
	}, kinds(res.Mutations))
	_, err = store.Apply(ctx, vault.Batch{SourceID: "crm", Mutations: res.Mutations})
	require.NoError(t, err)

	s1 := ordersS1()
	res, err = rec.Reconcile(ctx, "crm", &s1, ordersS2())
	require.NoError(t, err)
	assert.Equal(t, []string{"append_satellite(orders, {status,total})"}, kinds(res.Mutations))
	_, err = store.Apply(ctx, vault.Batch{SourceID: "crm", Mutations: res.Mutations})
	require.NoError(t, err)

	res, err = rec.Reconcile(ctx, "crm", &s1, ordersS2())
	require.NoError(t, err)
	assert.Empty(t, res.Mutations)
	assert.Equal(t, 1, res.Suppressed)

	res, err = rec.Reconcile(ctx, "crm", nil, ordersS1())
	require.NoError(t, err)
	// The hub exists; the seed satellite no longer heads the hub, so it is not suppressed
	assert.Equal(t, []string{"create_satellite(orders, {total})"}, kinds(res.Mutations))
}

func TestSchemaHandlerAppliesTransitions(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	h := newHandler(t, store, nil)

	require.NoError(t, h.Handle(ctx, schemaNotification(t, 1, ordersS1())))
	require.NoError(t, h.Handle(ctx, schemaNotification(t, 2, ordersS2())))

	hubs, err := store.Hubs(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, hubs, 1)

	sats, err := store.Satellites(ctx, hubs[0].HubID)
	require.NoError(t, err)
	require.Len(t, sats, 2)
	assert.Equal(t, "create_satellite", sats[0].Kind)
	assert.Equal(t, "append_satellite", sats[1].Kind)

	applied, err := store.AppliedSnapshot(ctx, "crm")
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Equal(t, ordersS2().Hash(), applied.Hash())

	// Redelivery of the same notification writes nothing
	require.NoError(t, h.Handle(ctx, schemaNotification(t, 2, ordersS2())))
	sats, err = store.Satellites(ctx, hubs[0].HubID)
	require.NoError(t, err)
	assert.Len(t, sats, 2)
}

func TestSchemaHandlerParksThenUnparks(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	snap := ordersS1()
	snap.Tables = append(snap.Tables, schema.Table{
		Name: "audit_log",
		Columns: []schema.Column{
			{Name: "event_id", Type: "bigint"},
			{Name: "message", Type: "text"},
		},
	})

	require.NoError(t, newHandler(t, store, nil).Handle(ctx, schemaNotification(t, 1, snap)))

	parked, err := store.ParkedTables(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "audit_log", parked[0].TableName)

	applied, err := store.AppliedSnapshot(ctx, "crm")
	require.NoError(t, err)
	_, present := applied.Table("audit_log")
	assert.False(t, present)

	hubs, err := store.Hubs(ctx, "audit_log")
	require.NoError(t, err)
	assert.Empty(t, hubs)

	// Same snapshot after an operator adds a mapping
	mapped := NewMappings([]cfg.KeyMapping{{SourceID: "crm", Table: "audit_log", Columns: []string{"event_id"}}})
	require.NoError(t, newHandler(t, store, mapped).Handle(ctx, schemaNotification(t, 2, snap)))

	parked, err = store.ParkedTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, parked)

	hubs, err = store.Hubs(ctx, "audit_log")
	require.NoError(t, err)
	require.Len(t, hubs, 1)
	assert.Equal(t, "event_id", hubs[0].BusinessKey)
}

func auditLogSnapshot() schema.Snapshot {
	snap := ordersS1()
	snap.Tables = append(snap.Tables,
		schema.Table{Name: "audit_log", Columns: []schema.Column{
			{Name: "event_id", Type: "bigint"},
			{Name: "message", Type: "text"},
		}},
		schema.Table{Name: "scratch", Columns: []schema.Column{
			{Name: "note", Type: "text"},
		}},
	)
	return snap
}

func TestRetryParkedAfterMappingAdded(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, newHandler(t, store, nil).Handle(ctx, schemaNotification(t, 1, auditLogSnapshot())))
	parked, err := store.ParkedTables(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 2)
	assert.NotEmpty(t, parked[0].Definition)

	mapped := NewMappings([]cfg.KeyMapping{{SourceID: "crm", Table: "audit_log", Columns: []string{"event_id"}}})
	h := newHandler(t, store, mapped)

	n, err := h.RetryParked(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	parked, err = store.ParkedTables(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "scratch", parked[0].TableName)

	hubs, err := store.Hubs(ctx, "audit_log")
	require.NoError(t, err)
	require.Len(t, hubs, 1)

	applied, err := store.AppliedSnapshot(ctx, "crm")
	require.NoError(t, err)
	assert.Equal(t, []string{"audit_log", "orders"}, applied.TableNames())

	// Nothing left to resolve
	n, err = h.RetryParked(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The next delivery of the same schema is a no-op for the unparked table
	require.NoError(t, h.Handle(ctx, schemaNotification(t, 2, auditLogSnapshot())))
	sats, err := store.Satellites(ctx, hubs[0].HubID)
	require.NoError(t, err)
	assert.Len(t, sats, 1)
}

// sliceSource serves a fixed list of notifications.
type sliceSource []eventlog.Notification

func (s sliceSource) ReadSince(ctx context.Context, since uint64, limit int) ([]eventlog.Notification, error) {
	var out []eventlog.Notification
	for _, n := range s {
		if n.Sequence > since && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func TestRestartWithMappingUnparksWithoutSchemaChange(t *testing.T) {
	store := openStore(t)
	cursors, err := controller.OpenCursorStore(filepath.Join(t.TempDir(), "cursors"))
	require.NoError(t, err)
	defer cursors.Close()

	src := sliceSource{schemaNotification(t, 1, auditLogSnapshot())}
	start := func(keys KeyResolver) (*controller.Controller, context.CancelFunc, chan error) {
		h := newHandler(t, store, keys)
		c, err := controller.New(controller.Config{
			Name:         "vault",
			Source:       src,
			Cursors:      cursors,
			Handlers:     map[eventlog.Kind]controller.Handler{eventlog.KindSchemaChanged: h},
			PollInterval: 5 * time.Millisecond,
			OnStart: func(ctx context.Context) error {
				_, err := h.RetryParked(ctx)
				return err
			},
		})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()
		return c, cancel, done
	}

	c, cancel, done := start(nil)
	require.Eventually(t, func() bool { return c.Cursor() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	n, err := store.CountParked(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Restart with a mapping; the log has nothing new for the controller
	mapped := NewMappings([]cfg.KeyMapping{{SourceID: "crm", Table: "audit_log", Columns: []string{"event_id"}}})
	c, cancel, done = start(mapped)
	require.Eventually(t, func() bool {
		hubs, err := store.Hubs(context.Background(), "audit_log")
		return err == nil && len(hubs) == 1
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, uint64(1), c.Cursor())
	n, err = store.CountParked(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSchemaHandlerRejectsBadPayload(t *testing.T) {
	store := openStore(t)
	h := newHandler(t, store, nil)

	err := h.Handle(context.Background(), eventlog.Notification{
		Sequence: 1,
		SourceID: "crm",
		Kind:     eventlog.KindSchemaChanged,
		Payload:  json.RawMessage(`{"tables":"nope"}`),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrValidation))

	err = h.Handle(context.Background(), eventlog.Notification{Sequence: 2, SourceID: "crm", Kind: eventlog.KindRowChanged})
	assert.True(t, errors.Is(err, common.ErrValidation))
}

func TestSchemaHandlerRetiresTable(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	h := newHandler(t, store, nil)

	require.NoError(t, h.Handle(ctx, schemaNotification(t, 1, ordersS1())))
	require.NoError(t, h.Handle(ctx, schemaNotification(t, 2, schema.Snapshot{SourceID: "crm", Tables: []schema.Table{}})))

	hubs, err := store.Hubs(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, hubs, 1)

	sats, err := store.Satellites(ctx, hubs[0].HubID)
	require.NoError(t, err)
	require.Len(t, sats, 2)
	assert.Equal(t, "table_retired", sats[1].Kind)
	assert.Equal(t, schema.RetiredHash("orders"), sats[1].ContentHash)
}

func TestModelHubsAreScopedBySource(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	h := newHandler(t, store, nil)

	erp := schemaNotification(t, 2, ordersS1())
	erp.SourceID = "erp"

	require.NoError(t, h.Handle(ctx, schemaNotification(t, 1, ordersS1())))
	require.NoError(t, h.Handle(ctx, erp))

	hubs, err := store.Hubs(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, hubs, 2)

	crmHub := vault.HubRef{Class: vault.HubModel, SourceID: "crm", EntityType: "orders", BusinessKey: []string{"id"}}.ID()
	erpHub := vault.HubRef{Class: vault.HubModel, SourceID: "erp", EntityType: "orders", BusinessKey: []string{"id"}}.ID()
	assert.NotEqual(t, crmHub, erpHub)

	// crm drops the table, erp keeps it
	require.NoError(t, h.Handle(ctx, schemaNotification(t, 3, schema.Snapshot{SourceID: "crm", Tables: []schema.Table{}})))

	sats, err := store.Satellites(ctx, crmHub)
	require.NoError(t, err)
	require.Len(t, sats, 2)
	assert.Equal(t, "table_retired", sats[1].Kind)

	sats, err = store.Satellites(ctx, erpHub)
	require.NoError(t, err)
	require.Len(t, sats, 1)
	assert.NotEqual(t, "table_retired", sats[0].Kind)
}
