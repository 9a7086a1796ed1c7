package reconciler

import (
	"context"
	"fmt"

	"github.com/maxpert/vaultsync/schema"
	"github.com/maxpert/vaultsync/vault"
)

// Result is a plan with everything the vault already holds removed.
type Result struct {
	Mutations []vault.Mutation
	Parked    []*AmbiguousKeyError
	// Suppressed counts mutations dropped because the vault already reflects them.
	Suppressed int
}

// ParkedNames returns the names of the parked tables.
func (r Result) ParkedNames() []string {
	return Plan{Parked: r.Parked}.ParkedNames()
}

// Reconciler diffs snapshots against the state held by a vault store.
type Reconciler struct {
	store vault.Store
	keys  KeyResolver
}

// New creates a reconciler. keys may be nil, in which case only declared primary keys are used.
func New(store vault.Store, keys KeyResolver) *Reconciler {
	if keys == nil {
		keys = NewMappings(nil)
	}
	return &Reconciler{store: store, keys: keys}
}

// Keys returns the resolver in use.
func (r *Reconciler) Keys() KeyResolver {
	return r.keys
}

// Reconcile computes the mutations that carry sourceID from old to next.
// Replaying a transition that has already been applied yields no mutations.
func (r *Reconciler) Reconcile(ctx context.Context, sourceID string, old *schema.Snapshot, next schema.Snapshot) (Result, error) {
	next.SourceID = sourceID
	plan := Diff(old, next, r.keys)

	res := Result{Parked: plan.Parked, Mutations: make([]vault.Mutation, 0, len(plan.Mutations))}
	for _, m := range plan.Mutations {
		present, err := r.present(ctx, m)
		if err != nil {
			return Result{}, err
		}
		if present {
			res.Suppressed++
			continue
		}
		res.Mutations = append(res.Mutations, m)
	}
	return res, nil
}

// present checks one mutation against the vault by identifier.
func (r *Reconciler) present(ctx context.Context, m vault.Mutation) (bool, error) {
	switch m.Kind {
	case vault.CreateHub:
		found, err := r.store.HubExists(ctx, m.Hub.ID())
		if err != nil {
			return false, fmt.Errorf("failed to look up hub of %s: %w", m.Table, err)
		}
		return found, nil

	case vault.CreateLink:
		found, err := r.store.LinkExists(ctx, m.Link.ID())
		if err != nil {
			return false, fmt.Errorf("failed to look up link %s: %w", m.Link.Type, err)
		}
		return found, nil

	default:
		latest, err := r.store.LatestSatelliteHash(ctx, m.ParentID())
		if err != nil {
			return false, fmt.Errorf("failed to load latest satellite of %s: %w", m.Table, err)
		}
		return latest == m.Hash, nil
	}
}
