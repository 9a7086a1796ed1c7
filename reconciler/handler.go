package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/eventlog"
	"github.com/maxpert/vaultsync/schema"
	"github.com/maxpert/vaultsync/telemetry"
	"github.com/maxpert/vaultsync/vault"
	"github.com/rs/zerolog/log"
)

// DefaultSnapshotCacheSize bounds the decoded-snapshot cache when no size is configured.
const DefaultSnapshotCacheSize = 256

// SchemaHandler applies schema_changed notifications to the vault.
type SchemaHandler struct {
	rec   *Reconciler
	store vault.Store
	cache *lru.Cache[string, schema.Snapshot]
}

// NewSchemaHandler creates a handler around a reconciler and the store it reads from.
func NewSchemaHandler(rec *Reconciler, store vault.Store, cacheSize int) (*SchemaHandler, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultSnapshotCacheSize
	}
	cache, err := lru.New[string, schema.Snapshot](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	return &SchemaHandler{rec: rec, store: store, cache: cache}, nil
}

// Handle reconciles the snapshot carried by n against the snapshot last applied for its source.
// Mutations, the new applied snapshot and the parked list are written in one transaction.
func (h *SchemaHandler) Handle(ctx context.Context, n eventlog.Notification) error {
	if n.Kind != eventlog.KindSchemaChanged {
		return common.Validationf("schema handler cannot handle %q notifications", n.Kind)
	}

	next, err := h.decode(n)
	if err != nil {
		return err
	}

	old, err := h.store.AppliedSnapshot(ctx, n.SourceID)
	if err != nil {
		return err
	}

	res, err := h.rec.Reconcile(ctx, n.SourceID, old, next)
	if err != nil {
		return common.Apply("reconcile", err)
	}

	parkedRows, err := buildParked(n.SourceID, next, res.Parked)
	if err != nil {
		return err
	}
	for _, p := range parkedRows {
		log.Warn().
			Str("source_id", n.SourceID).
			Uint64("seq", n.Sequence).
			Str("table", p.TableName).
			Str("reason", p.Reason).
			Msg("Table parked, no business key")
	}

	// Parked tables stay out of the applied snapshot so they reconcile as new once mapped
	applied := next.Without(res.ParkedNames()...)
	applied.SourceID = n.SourceID

	written, err := h.store.Apply(ctx, vault.Batch{
		SourceID:  n.SourceID,
		Mutations: res.Mutations,
		Snapshot:  &applied,
		Parked:    parkedRows,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("source_id", n.SourceID).
		Uint64("seq", n.Sequence).
		Int("hubs", written.Hubs).
		Int("links", written.Links).
		Int("satellites", written.Satellites).
		Int("suppressed", res.Suppressed).
		Int("parked", len(parkedRows)).
		Msg("Schema change reconciled")
	return nil
}

// RetryParked reconciles every parked table whose business key now resolves,
// typically after an operator added a key mapping. Tables that still have no
// key stay parked. It returns the number of tables taken out of the parked list.
func (h *SchemaHandler) RetryParked(ctx context.Context) (int, error) {
	parked, err := h.store.ParkedTables(ctx)
	if err != nil {
		return 0, err
	}

	// ParkedTables is ordered by source
	total := 0
	for start := 0; start < len(parked); {
		end := start
		for end < len(parked) && parked[end].SourceID == parked[start].SourceID {
			end++
		}
		n, err := h.retrySource(ctx, parked[start].SourceID, parked[start:end])
		if err != nil {
			return total, err
		}
		total += n
		start = end
	}
	return total, nil
}

func (h *SchemaHandler) retrySource(ctx context.Context, sourceID string, rows []vault.ParkedTable) (int, error) {
	old, err := h.store.AppliedSnapshot(ctx, sourceID)
	if err != nil {
		return 0, err
	}

	next := schema.Snapshot{SourceID: sourceID}
	if old != nil {
		next.Database = old.Database
		next.Tables = append(next.Tables, old.Tables...)
	}

	// Rows parked without a definition cannot be rebuilt and wait for the next schema change
	var keep []vault.ParkedTable
	for _, p := range rows {
		if p.Definition == "" {
			keep = append(keep, p)
			continue
		}
		var t schema.Table
		if err := json.Unmarshal([]byte(p.Definition), &t); err != nil {
			return 0, common.Validationf("parked table %s.%s has an unreadable definition: %v", sourceID, p.TableName, err)
		}
		if _, ok := next.Table(t.Name); ok {
			continue
		}
		next.Tables = append(next.Tables, t)
	}

	res, err := h.rec.Reconcile(ctx, sourceID, old, next)
	if err != nil {
		return 0, common.Apply("reconcile", err)
	}

	stillParked, err := buildParked(sourceID, next, res.Parked)
	if err != nil {
		return 0, err
	}
	unparked := len(rows) - len(keep) - len(stillParked)
	if unparked <= 0 {
		return 0, nil
	}

	applied := next.Without(res.ParkedNames()...)
	written, err := h.store.Apply(ctx, vault.Batch{
		SourceID:  sourceID,
		Mutations: res.Mutations,
		Snapshot:  &applied,
		Parked:    append(stillParked, keep...),
	})
	if err != nil {
		return 0, err
	}

	log.Info().
		Str("source_id", sourceID).
		Int("unparked", unparked).
		Int("hubs", written.Hubs).
		Int("satellites", written.Satellites).
		Msg("Parked tables reconciled")
	return unparked, nil
}

// buildParked builds the parked list for a snapshot, keeping each table's definition.
func buildParked(sourceID string, snap schema.Snapshot, parked []*AmbiguousKeyError) ([]vault.ParkedTable, error) {
	now := time.Now().UnixMilli()
	rows := make([]vault.ParkedTable, 0, len(parked))
	for _, p := range parked {
		row := vault.ParkedTable{
			SourceID:  sourceID,
			TableName: p.Table,
			Reason:    p.Reason,
			ParkedAt:  now,
		}
		if t, ok := snap.Table(p.Table); ok {
			body, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("failed to encode parked table %s: %w", p.Table, err)
			}
			row.Definition = string(body)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (h *SchemaHandler) decode(n eventlog.Notification) (schema.Snapshot, error) {
	key := schema.HashStrings(n.SourceID, string(n.Payload))
	if snap, ok := h.cache.Get(key); ok {
		telemetry.SnapshotCacheTotal.With("hit").Inc()
		return snap, nil
	}
	telemetry.SnapshotCacheTotal.With("miss").Inc()

	snap, err := schema.Decode(n.Payload)
	if err != nil {
		return schema.Snapshot{}, err
	}
	h.cache.Add(key, snap)
	return snap, nil
}
