// Package reconciler turns the difference between two schema snapshots into
// ordered, idempotent Data Vault mutations and applies them.
//
// Diff is a pure function of (old, new, key resolver). Reconcile adds the one
// impure step, dropping satellites whose content hash already heads their
// parent in the vault, which is what makes replaying a transition a no-op.
package reconciler

import (
	"fmt"
	"sort"

	"github.com/maxpert/vaultsync/schema"
	"github.com/maxpert/vaultsync/vault"
)

// Plan is the outcome of a diff.
type Plan struct {
	// Mutations are ordered hubs, then links, then satellites.
	Mutations []vault.Mutation
	// Parked lists tables left out because their business key is ambiguous.
	Parked []*AmbiguousKeyError
}

// ParkedNames returns the names of the parked tables.
func (p Plan) ParkedNames() []string {
	names := make([]string, 0, len(p.Parked))
	for _, e := range p.Parked {
		names = append(names, e.Table)
	}
	return names
}

type keyedTable struct {
	table schema.Table
	key   []string
	hub   vault.HubRef
}

// Diff computes the mutations that carry the vault from old to new.
// old is nil when nothing has been applied for the source yet. Key columns are
// compared as a set, so reordering a composite key keeps the same hub.
func Diff(old *schema.Snapshot, next schema.Snapshot, keys KeyResolver) Plan {
	sourceID := next.SourceID
	var plan Plan

	oldTables := make(map[string]keyedTable)
	if old != nil {
		for _, t := range old.Tables {
			key, err := keys.BusinessKey(sourceID, t)
			if err != nil {
				// Never hubbed, nothing in the vault refers to it
				continue
			}
			key = sortedCopy(key)
			oldTables[t.Name] = keyedTable{table: t, key: key, hub: modelHub(sourceID, t.Name, key)}
		}
	}

	newTables := make(map[string]keyedTable)
	for _, name := range next.TableNames() {
		t, _ := next.Table(name)
		key, err := keys.BusinessKey(sourceID, t)
		if err != nil {
			if ake, ok := err.(*AmbiguousKeyError); ok {
				plan.Parked = append(plan.Parked, ake)
			} else {
				plan.Parked = append(plan.Parked, &AmbiguousKeyError{SourceID: sourceID, Table: name, Reason: err.Error()})
			}
			continue
		}
		key = sortedCopy(key)
		newTables[name] = keyedTable{table: t, key: key, hub: modelHub(sourceID, name, key)}
	}

	var hubs, links, sats []vault.Mutation

	for _, name := range sortedKeys(newTables) {
		cur := newTables[name]
		nonKey := cur.table.NonKeyColumns(cur.key)
		prev, existed := oldTables[name]

		switch {
		case !existed || !sameKey(prev.key, cur.key):
			// New table, or a new business key: a new hub seeded with every non-key column
			hubs = append(hubs, vault.Mutation{Kind: vault.CreateHub, Table: name, Hub: cur.hub})
			sats = append(sats, vault.Mutation{
				Kind:    vault.CreateSatellite,
				Table:   name,
				Hub:     cur.hub,
				Columns: nonKey,
				Hash:    schema.ColumnSetHash(nonKey),
			})

		default:
			prevNonKey := prev.table.NonKeyColumns(prev.key)
			hash := schema.ColumnSetHash(nonKey)
			if hash == schema.ColumnSetHash(prevNonKey) {
				break
			}
			sats = append(sats, vault.Mutation{
				Kind:    vault.AppendSatellite,
				Table:   name,
				Hub:     cur.hub,
				Columns: nonKey,
				Changes: columnChanges(prevNonKey, nonKey),
				Hash:    hash,
			})
		}

		links = append(links, introducedLinks(cur, prev, existed, newTables, oldTables)...)
	}

	for _, name := range sortedKeys(oldTables) {
		if _, still := next.Table(name); still {
			continue
		}
		prev := oldTables[name]
		sats = append(sats, vault.Mutation{
			Kind:    vault.TableRetired,
			Table:   name,
			Hub:     prev.hub,
			Payload: map[string]interface{}{"retired": true, "table": name},
			Hash:    schema.RetiredHash(name),
		})
	}

	sort.SliceStable(links, func(i, j int) bool {
		if links[i].Table != links[j].Table {
			return links[i].Table < links[j].Table
		}
		return links[i].Link.Type < links[j].Link.Type
	})

	plan.Mutations = make([]vault.Mutation, 0, len(hubs)+len(links)+len(sats))
	plan.Mutations = append(plan.Mutations, hubs...)
	plan.Mutations = append(plan.Mutations, links...)
	plan.Mutations = append(plan.Mutations, sats...)
	return plan
}

// introducedLinks emits a link for each foreign key of cur whose endpoints are
// both hubbed in new and which did not already link the same hubs in old.
func introducedLinks(cur, prev keyedTable, existed bool, newTables, oldTables map[string]keyedTable) []vault.Mutation {
	var out []vault.Mutation
	for _, fk := range cur.table.ForeignKeys() {
		target, ok := newTables[fk.References.Table]
		if !ok {
			continue
		}

		if existed {
			if oldFK, had := prev.table.Column(fk.Name); had && oldFK.References != nil &&
				*oldFK.References == *fk.References {
				oldTarget, targetExisted := oldTables[fk.References.Table]
				if targetExisted && oldTarget.hub.ID() == target.hub.ID() && prev.hub.ID() == cur.hub.ID() {
					continue
				}
			}
		}

		link := &vault.LinkSpec{
			Type: fmt.Sprintf("%s.%s->%s.%s", cur.table.Name, fk.Name, fk.References.Table, fk.References.Column),
			Hubs: []vault.HubRef{cur.hub, target.hub},
		}
		out = append(out, vault.Mutation{Kind: vault.CreateLink, Table: cur.table.Name, Link: link})
	}
	return out
}

// columnChanges lists added, removed and retyped columns sorted by name.
func columnChanges(before, after []schema.Column) []vault.ColumnChange {
	prev := make(map[string]schema.Column, len(before))
	for _, c := range before {
		prev[c.Name] = c
	}
	next := make(map[string]schema.Column, len(after))
	for _, c := range after {
		next[c.Name] = c
	}

	var out []vault.ColumnChange
	for _, c := range after {
		p, ok := prev[c.Name]
		switch {
		case !ok:
			out = append(out, vault.ColumnChange{Column: c.Name, Change: vault.ColumnAdded, After: colPtr(c)})
		case !sameShape(p, c):
			out = append(out, vault.ColumnChange{Column: c.Name, Change: vault.ColumnRetyped, Before: colPtr(p), After: colPtr(c)})
		}
	}
	for _, c := range before {
		if _, ok := next[c.Name]; !ok {
			out = append(out, vault.ColumnChange{Column: c.Name, Change: vault.ColumnRemoved, Before: colPtr(c)})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	return out
}

func sameShape(a, b schema.Column) bool {
	return schema.ColumnSetHash([]schema.Column{a}) == schema.ColumnSetHash([]schema.Column{b})
}

func sameKey(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func modelHub(sourceID, table string, key []string) vault.HubRef {
	return vault.HubRef{Class: vault.HubModel, SourceID: sourceID, EntityType: table, BusinessKey: key}
}

func sortedCopy(key []string) []string {
	out := append([]string(nil), key...)
	sort.Strings(out)
	return out
}

func colPtr(c schema.Column) *schema.Column {
	return &c
}

func sortedKeys(m map[string]keyedTable) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
