package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/vaultsync/encoding"
	"github.com/maxpert/vaultsync/notify"
	"github.com/maxpert/vaultsync/telemetry"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixEntry    = "/evlog/" // /evlog/{16-digit-zero-padded-seq}
	keyHead        = "/evseq"  // /evseq -> uint64 (last assigned sequence)
	prefixMetadata = "/meta/"  // /meta/{source_id}
)

// Pebble configuration constants
const (
	memTableSize                = 16 << 20 // 16MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
)

const defaultReadLimit = 100

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("event log is closed")

// Log is the Pebble-backed append-only notification log.
type Log struct {
	db   *pebble.DB
	path string
	hub  *notify.Hub

	// writeMu is the single writer section: sequence assignment plus commit.
	writeMu sync.Mutex
	head    atomic.Uint64

	closed atomic.Bool
	now    func() time.Time
}

// Open creates or opens the log at path. hub may be nil when nobody long-polls.
func Open(path string, hub *notify.Hub) (*Log, error) {
	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log at %s: %w", path, err)
	}

	l := &Log{db: db, path: path, hub: hub, now: time.Now}
	if err := l.loadHead(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load head sequence: %w", err)
	}

	log.Info().Str("path", path).Uint64("head", l.head.Load()).Msg("Event log opened")
	return l, nil
}

func (l *Log) loadHead() error {
	val, closer, err := l.db.Get([]byte(keyHead))
	if err == pebble.ErrNotFound {
		// First Append assigns sequence 1
		l.head.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid head value length: %d", len(val))
	}
	l.head.Store(binary.BigEndian.Uint64(val))
	return nil
}

// Append validates n and stores it under the next sequence number.
// Malformed notifications are rejected with common.ErrValidation and never stored.
func (l *Log) Append(ctx context.Context, n Notification) (uint64, error) {
	if err := n.Validate(); err != nil {
		telemetry.EventLogAppendsTotal.With(string(n.Kind), "invalid").Inc()
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if l.closed.Load() {
		return 0, ErrClosed
	}

	if n.Event == "" {
		n.Event = string(n.Kind)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed.Load() {
		return 0, ErrClosed
	}

	seq := l.head.Load() + 1
	n.Sequence = seq
	n.AppendedAt = l.now().UnixMilli()

	body, err := encoding.Marshal(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal notification: %w", err)
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(entryKey(seq), encoding.Pack(body), nil); err != nil {
		return 0, fmt.Errorf("failed to write notification: %w", err)
	}

	headBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(headBuf, seq)
	if err := batch.Set([]byte(keyHead), headBuf, nil); err != nil {
		return 0, fmt.Errorf("failed to update head: %w", err)
	}

	if n.Kind == KindSchemaChanged && len(n.Payload) > 0 {
		if err := batch.Set(metadataKey(n.SourceID), encoding.Pack(n.Payload), nil); err != nil {
			return 0, fmt.Errorf("failed to record metadata: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		telemetry.EventLogAppendsTotal.With(string(n.Kind), "failed").Inc()
		return 0, fmt.Errorf("failed to commit notification: %w", err)
	}

	// Only publish the new head after a successful commit
	l.head.Store(seq)
	telemetry.EventLogAppendsTotal.With(string(n.Kind), "ok").Inc()
	telemetry.EventLogHeadSequence.Set(float64(seq))

	if l.hub != nil {
		l.hub.Signal(notify.Signal{Sequence: seq, SourceID: n.SourceID, Kind: string(n.Kind)})
	}

	log.Debug().
		Uint64("seq", seq).
		Str("source_id", n.SourceID).
		Str("kind", string(n.Kind)).
		Msg("Notification appended")

	return seq, nil
}

// ReadSince returns up to limit notifications with a sequence greater than seq, in order.
func (l *Log) ReadSince(seq uint64, limit int) ([]Notification, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	lower := entryKey(seq + 1)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound([]byte(prefixEntry)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]Notification, 0, min(limit, 64))
	for iter.SeekGE(lower); iter.Valid() && len(out) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		n, err := decodeEntry(val)
		if err != nil {
			return nil, fmt.Errorf("corrupt entry %s: %w", iter.Key(), err)
		}
		out = append(out, n)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitSince behaves like ReadSince but, when nothing is newer than seq,
// blocks until an append arrives, wait elapses or ctx is done.
func (l *Log) WaitSince(ctx context.Context, seq uint64, limit int, wait time.Duration) ([]Notification, error) {
	if wait <= 0 || l.hub == nil {
		return l.ReadSince(seq, limit)
	}

	// Subscribe before reading so an append between the read and the wait is not missed
	signals, cancel := l.hub.Subscribe(notify.Filter{})
	defer cancel()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		out, err := l.ReadSince(seq, limit)
		if err != nil || len(out) > 0 {
			return out, err
		}

		select {
		case <-signals:
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, nil
		}
	}
}

// Head returns the last assigned sequence number.
func (l *Log) Head() uint64 {
	return l.head.Load()
}

// LatestMetadata returns the most recent metadata payload appended for a source.
func (l *Log) LatestMetadata(sourceID string) (json.RawMessage, bool, error) {
	if l.closed.Load() {
		return nil, false, ErrClosed
	}

	val, closer, err := l.db.Get(metadataKey(sourceID))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	body, err := encoding.Unpack(val)
	if err != nil {
		return nil, false, err
	}
	// Unpack may alias val, which is only valid until closer.Close
	out := make(json.RawMessage, len(body))
	copy(out, body)
	return out, true, nil
}

// Close closes the underlying Pebble database.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	// Let an in-flight append finish before the database goes away
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.db.Close()
}

func decodeEntry(val []byte) (Notification, error) {
	var n Notification
	body, err := encoding.Unpack(val)
	if err != nil {
		return n, err
	}
	if err := encoding.Unmarshal(body, &n); err != nil {
		return n, err
	}
	if len(n.Payload) > 0 {
		// Detach from the iterator's buffer
		n.Payload = append(json.RawMessage(nil), n.Payload...)
	}
	return n, nil
}

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixEntry, seq))
}

func metadataKey(sourceID string) []byte {
	return []byte(prefixMetadata + sourceID)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
