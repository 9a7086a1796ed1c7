package changestream

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/vaultsync/cfg"
	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/eventlog"
	"github.com/maxpert/vaultsync/hlc"
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

func change(id int, op Op, status string) RowChange {
	rc := RowChange{
		SourceID: "crm",
		Table:    "orders",
		Op:       op,
		Key:      map[string]interface{}{"id": id},
	}
	if op != OpDelete {
		rc.Values = map[string]interface{}{"status": status}
	}
	return rc
}

// runConsumer processes until the group has committed want messages, then stops.
func runConsumer(t *testing.T, p *Pipeline, mt *MemoryTransport, want int64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ProcessChanges(ctx) }()

	require.Eventually(t, func() bool {
		return mt.Committed(p.config.Group) >= want
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func satelliteStatuses(t *testing.T, store vault.Store, id int) []string {
	t.Helper()
	sats, err := store.Satellites(context.Background(), change(id, OpInsert, "").Hub().ID())
	require.NoError(t, err)

	out := make([]string, 0, len(sats))
	for _, s := range sats {
		if s.Kind == TagDeleted {
			out = append(out, "<deleted>")
			continue
		}
		var payload struct {
			Values map[string]interface{} `json:"values"`
		}
		require.NoError(t, json.Unmarshal([]byte(s.Payload), &payload))
		out = append(out, payload.Values["status"].(string))
	}
	return out
}

func TestPerKeyOrderAcrossRestart(t *testing.T) {
	store := openStore(t)
	mt := NewMemoryTransport()
	p, err := NewPipeline(PipelineConfig{Transport: mt, Store: store})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.StreamChanges(ctx, []RowChange{
		change(1, OpInsert, "new"),
		change(2, OpInsert, "new"),
		change(1, OpUpdate, "paid"),
	}))
	runConsumer(t, p, mt, 3)

	// Consumer restarted; earlier records are not reapplied
	require.NoError(t, p.StreamChanges(ctx, []RowChange{
		change(2, OpUpdate, "paid"),
		change(1, OpUpdate, "shipped"),
		change(1, OpDelete, ""),
	}))
	runConsumer(t, p, mt, 6)

	assert.Equal(t, []string{"new", "paid", "shipped", "<deleted>"}, satelliteStatuses(t, store, 1))
	assert.Equal(t, []string{"new", "paid"}, satelliteStatuses(t, store, 2))

	hubs, err := store.Hubs(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, hubs, 2)
}

func TestRedeliveryIsNoOp(t *testing.T) {
	store := openStore(t)
	mt := NewMemoryTransport()
	p, err := NewPipeline(PipelineConfig{Transport: mt, Store: store, Codec: msgpackCodec{}})
	require.NoError(t, err)

	rc := change(1, OpInsert, "new")
	require.NoError(t, p.StreamChanges(context.Background(), []RowChange{rc, rc, change(1, OpUpdate, "new")}))
	runConsumer(t, p, mt, 3)

	assert.Equal(t, []string{"new"}, satelliteStatuses(t, store, 1))
}

func TestUndecodableRecordIsSkipped(t *testing.T) {
	store := openStore(t)
	mt := NewMemoryTransport()
	p, err := NewPipeline(PipelineConfig{Transport: mt, Store: store})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, mt.Publish(ctx, "garbage", []byte("{not json")))
	require.NoError(t, p.StreamChanges(ctx, []RowChange{change(1, OpInsert, "new")}))
	runConsumer(t, p, mt, 2)

	assert.Equal(t, []string{"new"}, satelliteStatuses(t, store, 1))
}

func TestInvalidBatchPublishesNothing(t *testing.T) {
	mt := NewMemoryTransport()
	p, err := NewPipeline(PipelineConfig{Transport: mt})
	require.NoError(t, err)

	err = p.StreamChanges(context.Background(), []RowChange{
		change(1, OpInsert, "new"),
		{SourceID: "crm", Table: "orders", Op: OpInsert},
	})
	assert.True(t, errors.Is(err, common.ErrValidation))
	assert.Equal(t, 0, mt.Len())
}

type flakyStore struct {
	vault.Store
	mu       sync.Mutex
	failures int
	calls    atomic.Int32
}

func (f *flakyStore) Apply(ctx context.Context, batch vault.Batch) (vault.Applied, error) {
	f.calls.Add(1)
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return vault.Applied{}, common.Apply("test", errors.New("database is locked"))
	}
	f.mu.Unlock()
	return f.Store.Apply(ctx, batch)
}

func TestApplyFailureRetriesBeforeCommit(t *testing.T) {
	store := &flakyStore{Store: openStore(t), failures: 3}
	mt := NewMemoryTransport()
	p, err := NewPipeline(PipelineConfig{
		Transport:    mt,
		Store:        store,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, p.StreamChanges(context.Background(), []RowChange{change(1, OpInsert, "new")}))
	runConsumer(t, p, mt, 1)

	assert.Equal(t, int32(4), store.calls.Load())
	assert.Equal(t, []string{"new"}, satelliteStatuses(t, store, 1))
}

func TestShutdownDuringRetryLeavesRecordUncommitted(t *testing.T) {
	store := &flakyStore{Store: openStore(t), failures: 1 << 30}
	mt := NewMemoryTransport()
	p, err := NewPipeline(PipelineConfig{Transport: mt, Store: store, RetryInitial: time.Millisecond, RetryMax: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, p.StreamChanges(context.Background(), []RowChange{change(1, OpInsert, "new")}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ProcessChanges(ctx) }()

	require.Eventually(t, func() bool { return store.calls.Load() > 2 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(0), mt.Committed(DefaultGroup))
}

func TestRowHandlerPublishesRecords(t *testing.T) {
	mt := NewMemoryTransport()
	p, err := NewPipeline(PipelineConfig{Transport: mt})
	require.NoError(t, err)
	h := NewRowHandler(p)

	payload := `{"records":[{"table":"orders","op":"insert","key":{"id":1},"values":{"status":"new"}}]}`
	err = h.Handle(context.Background(), eventlog.Notification{
		Sequence: 3,
		SourceID: "crm",
		Kind:     eventlog.KindRowChanged,
		Payload:  json.RawMessage(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, mt.Len())

	err = h.Handle(context.Background(), eventlog.Notification{SourceID: "crm", Kind: eventlog.KindRowChanged, Payload: json.RawMessage(`[]`)})
	assert.True(t, errors.Is(err, common.ErrValidation))
}

func TestRowNotificationHandledTwiceWritesOnce(t *testing.T) {
	store := openStore(t)
	mt := NewMemoryTransport()
	p, err := NewPipeline(PipelineConfig{Transport: mt, Store: store})
	require.NoError(t, err)
	h := NewRowHandler(p)

	n := eventlog.Notification{
		Sequence: 7,
		SourceID: "crm",
		Kind:     eventlog.KindRowChanged,
		Payload: json.RawMessage(`{"records":[
			{"table":"orders","op":"insert","key":{"id":1},"values":{"status":"new"}},
			{"table":"orders","op":"update","key":{"id":1},"values":{"status":"paid"}}
		]}`),
	}

	// Redelivered after a crash before the cursor was saved
	require.NoError(t, h.Handle(context.Background(), n))
	require.NoError(t, h.Handle(context.Background(), n))
	runConsumer(t, p, mt, 4)

	assert.Equal(t, []string{"new", "paid"}, satelliteStatuses(t, store, 1))

	sats, err := store.Satellites(context.Background(), change(1, OpInsert, "").Hub().ID())
	require.NoError(t, err)
	require.Len(t, sats, 2)
	assert.Equal(t, ChangeID(7, 0), sats[0].ChangeID)
	assert.Equal(t, ChangeID(7, 1), sats[1].ChangeID)
}

func TestExplicitChangeIDIsKept(t *testing.T) {
	mt := NewMemoryTransport()
	p, err := NewPipeline(PipelineConfig{Transport: mt})
	require.NoError(t, err)

	payload := `{"records":[{"table":"orders","op":"insert","key":{"id":1},"values":{"status":"new"},"change_id":"binlog:42"}]}`
	require.NoError(t, NewRowHandler(p).Handle(context.Background(), eventlog.Notification{
		Sequence: 9,
		SourceID: "crm",
		Kind:     eventlog.KindRowChanged,
		Payload:  json.RawMessage(payload),
	}))

	consumer, err := mt.Consumer("inspect")
	require.NoError(t, err)
	defer consumer.Close()
	msg, err := consumer.Fetch(context.Background())
	require.NoError(t, err)
	rc, err := jsonCodec{}.Decode(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, "binlog:42", rc.ChangeID)
}

func TestTransportRegistry(t *testing.T) {
	a, err := NewTransport(cfg.ChangeStreamConfiguration{Transport: "memory", Topic: "registry_test"})
	require.NoError(t, err)
	b, err := NewTransport(cfg.ChangeStreamConfiguration{Transport: "memory", Topic: "registry_test"})
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = NewTransport(cfg.ChangeStreamConfiguration{Transport: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = NewTransport(cfg.ChangeStreamConfiguration{Transport: "kafka", Topic: "cdc_topic"})
	assert.Error(t, err, "kafka requires brokers")
}
