package vault

import (
	"strings"

	"github.com/maxpert/vaultsync/schema"
)

// MutationKind names a Data Vault change.
type MutationKind string

const (
	CreateHub       MutationKind = "create_hub"
	CreateLink      MutationKind = "create_link"
	CreateSatellite MutationKind = "create_satellite"
	AppendSatellite MutationKind = "append_satellite"
	TableRetired    MutationKind = "table_retired"
)

// HubClass separates hubs describing table structure from hubs describing row entities.
type HubClass string

const (
	// HubModel hubs are created by schema reconciliation; the business key is the key column names.
	HubModel HubClass = "model"
	// HubEntity hubs are created from row changes; the business key is the key values.
	HubEntity HubClass = "entity"
)

// ChangeType describes how a column differs between two snapshots.
type ChangeType string

const (
	ColumnAdded   ChangeType = "added"
	ColumnRemoved ChangeType = "removed"
	ColumnRetyped ChangeType = "retyped"
)

// ColumnChange is one entry of an AppendSatellite change list.
type ColumnChange struct {
	Column string         `json:"column"`
	Change ChangeType     `json:"change"`
	Before *schema.Column `json:"before,omitempty"`
	After  *schema.Column `json:"after,omitempty"`
}

// HubRef addresses a hub by its natural identity.
type HubRef struct {
	Class HubClass `json:"class"`
	// SourceID scopes model hubs to the source whose table they describe.
	// Entity hubs leave it empty so one business key maps to one hub.
	SourceID    string   `json:"source_id,omitempty"`
	EntityType  string   `json:"entity_type"`
	BusinessKey []string `json:"business_key"`
}

// ID returns the hub identifier.
func (r HubRef) ID() string {
	return HubID(r.Class, r.SourceID, r.EntityType, r.BusinessKey)
}

// LinkSpec describes a relationship between hubs. Hub order is significant.
type LinkSpec struct {
	Type string   `json:"type"`
	Hubs []HubRef `json:"hubs"`
}

// ID returns the link identifier.
func (l LinkSpec) ID() string {
	ids := make([]string, 0, len(l.Hubs))
	for _, h := range l.Hubs {
		ids = append(ids, h.ID())
	}
	return LinkID(l.Type, ids)
}

// HubIDs returns the participating hub identifiers in order.
func (l LinkSpec) HubIDs() []string {
	ids := make([]string, 0, len(l.Hubs))
	for _, h := range l.Hubs {
		ids = append(ids, h.ID())
	}
	return ids
}

// Mutation is one idempotent change to the vault.
//
// Hub mutations use Hub. Link mutations use Link. Satellite mutations attach to
// Hub (their parent) and carry Hash, the content hash the store deduplicates on.
type Mutation struct {
	Kind     MutationKind           `json:"kind"`
	Table    string                 `json:"table"`
	Hub      HubRef                 `json:"hub"`
	Link     *LinkSpec              `json:"link,omitempty"`
	Columns  []schema.Column        `json:"columns,omitempty"`
	Changes  []ColumnChange         `json:"changes,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Tag      string                 `json:"tag,omitempty"`
	Hash     string                 `json:"hash,omitempty"`
	// ChangeID identifies the source change behind a satellite. A change already
	// recorded for the parent is not written again.
	ChangeID string                 `json:"change_id,omitempty"`
}

// IsSatellite reports whether the mutation appends a satellite row.
func (m Mutation) IsSatellite() bool {
	switch m.Kind {
	case CreateSatellite, AppendSatellite, TableRetired:
		return true
	}
	return false
}

// ParentID is the hub a satellite mutation attaches to.
func (m Mutation) ParentID() string {
	return m.Hub.ID()
}

// SatelliteKind is the value stored in the satellite kind column.
func (m Mutation) SatelliteKind() string {
	if m.Tag != "" {
		return m.Tag
	}
	return string(m.Kind)
}

// SatellitePayload is the descriptive content stored for a satellite mutation.
func (m Mutation) SatellitePayload() map[string]interface{} {
	if m.Payload != nil {
		return m.Payload
	}
	out := map[string]interface{}{"columns": m.Columns}
	if len(m.Changes) > 0 {
		out["changes"] = m.Changes
	}
	return out
}

// String renders the mutation compactly for logs and test failures.
func (m Mutation) String() string {
	var b strings.Builder
	b.WriteString(string(m.Kind))
	b.WriteString("(")
	b.WriteString(m.Table)
	switch {
	case m.Kind == CreateHub:
		b.WriteString(", ")
		b.WriteString(strings.Join(m.Hub.BusinessKey, ","))
	case m.Link != nil:
		b.WriteString(", ")
		b.WriteString(m.Link.Type)
	case len(m.Columns) > 0:
		names := make([]string, 0, len(m.Columns))
		for _, c := range m.Columns {
			names = append(names, c.Name)
		}
		b.WriteString(", {")
		b.WriteString(strings.Join(names, ","))
		b.WriteString("}")
	}
	b.WriteString(")")
	return b.String()
}

// HubID derives a hub identifier from its class, scope, entity type and business key.
func HubID(class HubClass, sourceID, entityType string, businessKey []string) string {
	return schema.HashStrings("hub", string(class), sourceID, entityType, BusinessKeyHash(businessKey))
}

// BusinessKeyHash hashes an ordered business key.
func BusinessKeyHash(businessKey []string) string {
	return schema.HashStrings(businessKey...)
}

// LinkID derives a link identifier from its type and ordered hub identifiers.
func LinkID(linkType string, hubIDs []string) string {
	return schema.HashStrings(append([]string{"link", linkType}, hubIDs...)...)
}
