package entity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/josephgoksu/NoteWing/internal/memory"
)

// Mentions are extracted names grouped by kind.
type Mentions map[memory.EntityKind][]string

// Count returns the number of names across kinds.
func (m Mentions) Count() int {
	n := 0
	for _, names := range m {
		n += len(names)
	}
	return n
}

// LinkResult reports what a Link call changed and the note's full link set.
type LinkResult struct {
	Resolved []Resolved     `json:"resolved"`
	Linked   []Resolved     `json:"linked"` // links inserted by this call
	NewLinks int            `json:"newLinks"`
	Links    memory.LinkSet `json:"links"`
}

// Created returns the entities that did not exist before this call.
func (r *LinkResult) Created() []Resolved {
	var out []Resolved
	for _, res := range r.Resolved {
		if res.Created {
			out = append(out, res)
		}
	}
	return out
}

// Linker resolves mentions and links them to a note. Links are additive.
type Linker struct {
	resolver *Resolver
	store    Store
}

// NewLinker returns a Linker backed by store.
func NewLinker(store Store) *Linker {
	return &Linker{resolver: NewResolver(store), store: store}
}

// Resolver returns the resolver the linker uses.
func (l *Linker) Resolver() *Resolver {
	return l.resolver
}

// Link resolves each mention under the note's owner and links it to the
// note. Repeating a call with the same mentions changes nothing.
func (l *Linker) Link(ctx context.Context, note *memory.Note, mentions Mentions) (*LinkResult, error) {
	result := &LinkResult{}
	for _, kind := range memory.EntityKinds {
		names := mentions[kind]
		if len(names) == 0 {
			continue
		}
		k, err := l.resolver.capability(kind)
		if err != nil {
			return nil, err
		}

		resolved, err := l.resolver.ResolveAll(ctx, note.Owner, kind, names)
		if err != nil {
			return nil, fmt.Errorf("resolve %s mentions: %w", kind, err)
		}
		for _, res := range resolved {
			created, err := k.Link(ctx, note.ID, res.ID)
			if err != nil {
				return nil, fmt.Errorf("link %s %s: %w", kind, res.ID, err)
			}
			if created {
				result.NewLinks++
				result.Linked = append(result.Linked, res)
			}
		}
		result.Resolved = append(result.Resolved, resolved...)
	}

	links, err := l.store.LinkedEntities(ctx, note.ID)
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}
	result.Links = links

	slog.Debug("linked entities", "note", note.ID, "mentions", mentions.Count(), "new_links", result.NewLinks, "total", links.Count())
	return result, nil
}
