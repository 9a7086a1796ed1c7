// Package vault persists the Data Vault: hubs, links and append-only satellites,
// plus the bookkeeping the reconciler needs (last applied snapshot per source and
// tables parked for lack of a business key).
//
// Every write is idempotent. Hubs and links are inserted by identity and ignored
// when present; a satellite row is only appended when its content hash differs
// from the newest row of the same parent. Applying the same Batch twice leaves
// the row set unchanged.
package vault

import (
	"context"

	"github.com/maxpert/vaultsync/schema"
)

// Hub is a stored hub row.
type Hub struct {
	HubID           string `db:"hub_id" json:"hub_id"`
	HubClass        string `db:"hub_class" json:"hub_class"`
	EntityType      string `db:"entity_type" json:"entity_type"`
	BusinessKey     string `db:"business_key" json:"business_key"`
	BusinessKeyHash string `db:"business_key_hash" json:"business_key_hash"`
	SourceID        string `db:"source_id" json:"source_id"`
	LoadTS          int64  `db:"load_ts" json:"load_ts"`
}

// Link is a stored link row. HubIDs is a JSON array in participation order.
type Link struct {
	LinkID   string `db:"link_id" json:"link_id"`
	LinkType string `db:"link_type" json:"link_type"`
	HubIDs   string `db:"hub_ids" json:"hub_ids"`
	SourceID string `db:"source_id" json:"source_id"`
	LoadTS   int64  `db:"load_ts" json:"load_ts"`
}

// Satellite is a stored satellite row. Payload is JSON.
type Satellite struct {
	ParentID    string `db:"parent_id" json:"parent_id"`
	LoadTS      int64  `db:"load_ts" json:"load_ts"`
	ContentHash string `db:"content_hash" json:"content_hash"`
	Kind        string `db:"kind" json:"kind"`
	Payload     string `db:"payload" json:"payload"`
	SourceID    string `db:"source_id" json:"source_id"`
	ChangeID    string `db:"change_id" json:"change_id,omitempty"`
}

// ParkedTable is a table whose changes are held back until a key mapping exists.
type ParkedTable struct {
	SourceID  string `db:"source_id" json:"source_id"`
	TableName string `db:"table_name" json:"table_name"`
	Reason    string `db:"reason" json:"reason"`
	ParkedAt  int64  `db:"parked_at" json:"parked_at"`
	// Definition is the JSON encoded table, kept so it can be reconciled once a key resolves.
	Definition string `db:"definition" json:"definition,omitempty"`
}

// Batch is applied in a single transaction.
type Batch struct {
	SourceID  string
	Mutations []Mutation

	// Snapshot, when set, becomes the source's applied snapshot and Parked
	// replaces the source's parked tables.
	Snapshot *schema.Snapshot
	Parked   []ParkedTable
}

// Applied counts the rows a batch actually wrote.
type Applied struct {
	Hubs       int
	Links      int
	Satellites int
	Skipped    int
}

// Total is the number of rows written.
func (a Applied) Total() int {
	return a.Hubs + a.Links + a.Satellites
}

// Store is the Data Vault persistence boundary.
type Store interface {
	// Apply writes a batch atomically. Failures wrap common.ErrApply.
	Apply(ctx context.Context, batch Batch) (Applied, error)
	// AppliedSnapshot returns the last snapshot applied for a source.
	AppliedSnapshot(ctx context.Context, sourceID string) (*schema.Snapshot, error)
	// LatestSatelliteHash returns the content hash of the newest satellite of a parent, or "".
	LatestSatelliteHash(ctx context.Context, parentID string) (string, error)
	ParkedTables(ctx context.Context) ([]ParkedTable, error)
	CountParked(ctx context.Context) (int, error)
	// HubExists and LinkExists look up a single row by identifier.
	HubExists(ctx context.Context, hubID string) (bool, error)
	LinkExists(ctx context.Context, linkID string) (bool, error)
	Hubs(ctx context.Context, entityType string) ([]Hub, error)
	Links(ctx context.Context, linkType string) ([]Link, error)
	Satellites(ctx context.Context, parentID string) ([]Satellite, error)
	Close() error
}
