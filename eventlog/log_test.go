package eventlog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "event_log"), notify.NewHub())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func rowEvent(source string) Notification {
	return Notification{SourceID: source, Kind: KindRowChanged, Payload: json.RawMessage(`{"records":[]}`)}
}

func TestAppendAssignsGaplessSequences(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seq, err := l.Append(ctx, rowEvent("crm"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	out, err := l.ReadSince(0, 100)
	require.NoError(t, err)
	require.Len(t, out, 5)
	for i, n := range out {
		assert.Equal(t, uint64(i+1), n.Sequence)
		assert.Equal(t, "row_changed", n.Event)
		assert.NotZero(t, n.AppendedAt)
	}
	assert.Equal(t, uint64(5), l.Head())
}

func TestConcurrentAppendsHaveNoGapsOrDuplicates(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	var mu sync.Mutex
	var seqs []uint64
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq, err := l.Append(ctx, rowEvent("crm"))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seqs = append(seqs, seq)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	require.Len(t, seqs, writers*perWriter)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}

	out, err := l.ReadSince(0, writers*perWriter)
	require.NoError(t, err)
	require.Len(t, out, writers*perWriter)
	for i, n := range out {
		assert.Equal(t, uint64(i+1), n.Sequence)
	}
}

func TestAppendRejectsMalformed(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, Notification{Event: "schema_changed"})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = l.Append(ctx, Notification{SourceID: "crm", Kind: "table_dropped"})
	assert.ErrorIs(t, err, common.ErrValidation)

	out, err := l.ReadSince(0, 10)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, uint64(0), l.Head())
}

func TestReadSinceHonoursCursorAndLimit(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, rowEvent("crm"))
		require.NoError(t, err)
	}

	out, err := l.ReadSince(4, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, uint64(5), out[0].Sequence)
	assert.Equal(t, uint64(7), out[2].Sequence)

	out, err = l.ReadSince(10, 3)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReopenKeepsHeadAndEntries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "event_log")
	ctx := context.Background()

	l, err := Open(dir, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, rowEvent("crm"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l, err = Open(dir, nil)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, uint64(3), l.Head())
	seq, err := l.Append(ctx, rowEvent("crm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestLatestMetadataTracksSchemaAppends(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	_, ok, err := l.LatestMetadata("crm")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.Append(ctx, Notification{SourceID: "crm", Kind: KindSchemaChanged, Payload: json.RawMessage(`{"tables":[]}`)})
	require.NoError(t, err)
	_, err = l.Append(ctx, Notification{SourceID: "crm", Kind: KindSchemaChanged, Payload: json.RawMessage(`{"tables":[{"name":"orders","columns":[]}]}`)})
	require.NoError(t, err)

	meta, ok, err := l.LatestMetadata("crm")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"tables":[{"name":"orders","columns":[]}]}`, string(meta))
}

func TestLargePayloadRoundTrip(t *testing.T) {
	l := openTestLog(t)

	big := make([]map[string]interface{}, 0, 200)
	for i := 0; i < 200; i++ {
		big = append(big, map[string]interface{}{"table": "orders", "op": "insert", "key": map[string]interface{}{"id": i}})
	}
	payload, err := json.Marshal(map[string]interface{}{"records": big})
	require.NoError(t, err)

	_, err = l.Append(context.Background(), Notification{SourceID: "crm", Kind: KindRowChanged, Payload: payload})
	require.NoError(t, err)

	out, err := l.ReadSince(0, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.JSONEq(t, string(payload), string(out[0].Payload))
}

func TestWaitSinceWakesOnAppend(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		l.Append(ctx, rowEvent("crm"))
	}()

	start := time.Now()
	out, err := l.WaitSince(ctx, 0, 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestWaitSinceTimesOut(t *testing.T) {
	l := openTestLog(t)

	out, err := l.WaitSince(context.Background(), 0, 10, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestClosedLogRejectsOperations(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "event_log"), nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Append(context.Background(), rowEvent("crm"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = l.ReadSince(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Close(), ErrClosed)
}
