package changestream

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/schema"
	"github.com/maxpert/vaultsync/vault"
)

// Op is the row operation a change record describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// TagDeleted is the satellite kind written for deletes.
const TagDeleted = "deleted"

// RowChange is one row-level change at a source.
type RowChange struct {
	SourceID string                 `json:"source_id"`
	Table    string                 `json:"table"`
	Op       Op                     `json:"op"`
	Key      map[string]interface{} `json:"key"`
	Values   map[string]interface{} `json:"values,omitempty"`
	CommitTS int64                  `json:"commit_ts,omitempty"`
	// ChangeID identifies the change so a redelivered copy is recognised
	ChangeID string                 `json:"change_id,omitempty"`
}

// Validate rejects records that cannot be mapped onto a hub.
func (r RowChange) Validate() error {
	if r.SourceID == "" {
		return common.Validationf("row change has no source_id")
	}
	if r.Table == "" {
		return common.Validationf("row change has no table")
	}
	if len(r.Key) == 0 {
		return common.Validationf("row change for %s has no key", r.Table)
	}
	switch r.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return common.Validationf("row change for %s has unknown op %q", r.Table, r.Op)
	}
	return nil
}

// BusinessKeyParts returns "col=value" pairs sorted by column.
func (r RowChange) BusinessKeyParts() []string {
	cols := make([]string, 0, len(r.Key))
	for c := range r.Key {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, c+"="+canonicalValue(r.Key[c]))
	}
	return parts
}

// BusinessKey is the canonical business key string, e.g. "id=42" or "region=eu,id=7".
func (r RowChange) BusinessKey() string {
	return strings.Join(r.BusinessKeyParts(), ",")
}

// PartitionKey routes every change of one entity to the same partition.
func (r RowChange) PartitionKey() string {
	return r.SourceID + "/" + r.Table + "/" + r.BusinessKey()
}

// Hub is the entity hub the change belongs to.
func (r RowChange) Hub() vault.HubRef {
	return vault.HubRef{Class: vault.HubEntity, EntityType: r.Table, BusinessKey: r.BusinessKeyParts()}
}

// ContentHash hashes the row values; deletes hash to a fixed marker per key.
func (r RowChange) ContentHash() string {
	if r.Op == OpDelete {
		return schema.HashStrings(TagDeleted, r.BusinessKey())
	}
	body, _ := json.Marshal(r.Values)
	return schema.HashStrings("row", string(body))
}

// Mutations returns the vault writes that record the change.
func (r RowChange) Mutations() []vault.Mutation {
	hub := r.Hub()
	sat := vault.Mutation{
		Kind:  vault.AppendSatellite,
		Table: r.Table,
		Hub:      hub,
		Hash:     r.ContentHash(),
		ChangeID: r.ChangeID,
	}
	if r.Op == OpDelete {
		sat.Tag = TagDeleted
		sat.Payload = map[string]interface{}{"deleted": true, "commit_ts": r.CommitTS}
	} else {
		values := r.Values
		if values == nil {
			values = map[string]interface{}{}
		}
		sat.Payload = map[string]interface{}{"op": string(r.Op), "values": values, "commit_ts": r.CommitTS}
	}

	return []vault.Mutation{
		{Kind: vault.CreateHub, Table: r.Table, Hub: hub},
		sat,
	}
}

func canonicalValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		// JSON numbers decode as float64; integral values render without a fraction
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
