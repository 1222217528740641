package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/josephgoksu/NoteWing/internal/memory"
)

// ErrEmptyName is returned when a name normalizes to nothing.
var ErrEmptyName = errors.New("entity name is empty")

// Store is the persistence the resolver and linker need.
type Store interface {
	FindEntity(ctx context.Context, owner string, kind memory.EntityKind, normalized string) (*memory.Entity, error)
	CreateEntity(ctx context.Context, e *memory.Entity) error
	LinkEntity(ctx context.Context, noteID, entityID string) (bool, error)
	LinkedEntities(ctx context.Context, noteID string) (memory.LinkSet, error)
}

// Kind is the capability set the resolver needs for one entity kind.
type Kind interface {
	Kind() memory.EntityKind
	Normalize(name string) string
	FindExisting(ctx context.Context, owner, normalized string) (*memory.Entity, error)
	Create(ctx context.Context, owner, name, normalized string) (*memory.Entity, error)
	Link(ctx context.Context, noteID, entityID string) (bool, error)
}

type storeKind struct {
	kind  memory.EntityKind
	store Store
}

// ForKind adapts a Store to the Kind capability set for kind.
func ForKind(store Store, kind memory.EntityKind) Kind {
	return storeKind{kind: kind, store: store}
}

func (k storeKind) Kind() memory.EntityKind { return k.kind }

func (k storeKind) Normalize(name string) string { return Normalize(name) }

func (k storeKind) FindExisting(ctx context.Context, owner, normalized string) (*memory.Entity, error) {
	return k.store.FindEntity(ctx, owner, k.kind, normalized)
}

func (k storeKind) Create(ctx context.Context, owner, name, normalized string) (*memory.Entity, error) {
	e := &memory.Entity{Owner: owner, Kind: k.kind, Name: name, NormalizedName: normalized}
	if err := k.store.CreateEntity(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (k storeKind) Link(ctx context.Context, noteID, entityID string) (bool, error) {
	return k.store.LinkEntity(ctx, noteID, entityID)
}

// Resolved is the outcome of resolving one name.
type Resolved struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Kind    memory.EntityKind `json:"kind"`
	Created bool              `json:"created"`
}

// Resolver finds or creates entities. It never deletes.
type Resolver struct {
	kinds map[memory.EntityKind]Kind
}

// NewResolver returns a resolver for every kind in memory.EntityKinds.
func NewResolver(store Store) *Resolver {
	kinds := make([]Kind, 0, len(memory.EntityKinds))
	for _, k := range memory.EntityKinds {
		kinds = append(kinds, ForKind(store, k))
	}
	return NewResolverForKinds(kinds...)
}

// NewResolverForKinds returns a resolver over the given capability sets.
func NewResolverForKinds(kinds ...Kind) *Resolver {
	r := &Resolver{kinds: make(map[memory.EntityKind]Kind, len(kinds))}
	for _, k := range kinds {
		r.kinds[k.Kind()] = k
	}
	return r
}

func (r *Resolver) capability(kind memory.EntityKind) (Kind, error) {
	k, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported entity kind %q", kind)
	}
	return k, nil
}

// Resolve returns the owner's entity of the given kind for name, creating it
// when no variant of the name exists yet.
func (r *Resolver) Resolve(ctx context.Context, owner string, kind memory.EntityKind, name string) (Resolved, error) {
	k, err := r.capability(kind)
	if err != nil {
		return Resolved{}, err
	}
	normalized := k.Normalize(name)
	if normalized == "" {
		return Resolved{}, ErrEmptyName
	}

	existing, err := k.FindExisting(ctx, owner, normalized)
	if err == nil {
		return resolvedFrom(existing, false), nil
	}
	if !errors.Is(err, memory.ErrNotFound) {
		return Resolved{}, fmt.Errorf("find %s: %w", kind, err)
	}

	created, err := k.Create(ctx, owner, DisplayName(name), normalized)
	if err == nil {
		return resolvedFrom(created, true), nil
	}
	if !errors.Is(err, memory.ErrConflict) {
		return Resolved{}, fmt.Errorf("create %s: %w", kind, err)
	}

	// Another writer created the same entity between our read and insert.
	winner, err := k.FindExisting(ctx, owner, normalized)
	if err != nil {
		return Resolved{}, fmt.Errorf("re-read %s after conflict: %w", kind, err)
	}
	return resolvedFrom(winner, false), nil
}

// ResolveAll resolves names in order, skipping blanks and variants of a name
// already resolved in the same call.
func (r *Resolver) ResolveAll(ctx context.Context, owner string, kind memory.EntityKind, names []string) ([]Resolved, error) {
	seen := make(map[string]bool, len(names))
	out := make([]Resolved, 0, len(names))
	for _, name := range names {
		key := Normalize(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		res, err := r.Resolve(ctx, owner, kind, name)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func resolvedFrom(e *memory.Entity, created bool) Resolved {
	return Resolved{ID: e.ID, Name: e.Name, Kind: e.Kind, Created: created}
}
