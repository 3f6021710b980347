package memory

import (
	"maps"
	"slices"

	"github.com/OFFIS-RIT/argus/pkg/common"
)

// Snapshot is a point-in-time read view of a Store. Entities and
// relationships handed out by a Snapshot are shared with the store and
// must not be modified.
type Snapshot struct {
	version       uint64
	entities      map[string]*common.Entity
	relationships map[string]*common.Relationship
	adjacency     map[string][]string
	entityIDs     []string
	relIDs        []string
}

// Snapshot returns a consistent view of the current graph. Consecutive calls
// without an intervening write return the same view.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	if snap := s.snapshot; snap != nil {
		s.mu.RUnlock()
		return snap
	}
	snap := &Snapshot{
		version:       s.version,
		entities:      maps.Clone(s.entities),
		relationships: maps.Clone(s.relationships),
		adjacency:     make(map[string][]string, len(s.adjacency)),
	}
	for id, rels := range s.adjacency {
		snap.adjacency[id] = slices.Sorted(maps.Keys(rels))
	}
	s.mu.RUnlock()

	snap.entityIDs = slices.Sorted(maps.Keys(snap.entities))
	snap.relIDs = slices.Sorted(maps.Keys(snap.relationships))

	s.mu.Lock()
	if s.version == snap.version {
		s.snapshot = snap
	}
	s.mu.Unlock()
	return snap
}

func (s *Snapshot) Version() uint64 {
	return s.version
}

func (s *Snapshot) Entity(id string) (*common.Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

func (s *Snapshot) Relationship(id string) (*common.Relationship, bool) {
	r, ok := s.relationships[id]
	return r, ok
}

// Entities returns every entity ordered by id.
func (s *Snapshot) Entities() []*common.Entity {
	out := make([]*common.Entity, len(s.entityIDs))
	for i, id := range s.entityIDs {
		out[i] = s.entities[id]
	}
	return out
}

// Relationships returns every relationship ordered by id.
func (s *Snapshot) Relationships() []*common.Relationship {
	out := make([]*common.Relationship, len(s.relIDs))
	for i, id := range s.relIDs {
		out[i] = s.relationships[id]
	}
	return out
}

// Neighbors returns the relationships incident to id ordered by id.
func (s *Snapshot) Neighbors(id string) []*common.Relationship {
	ids := s.adjacency[id]
	out := make([]*common.Relationship, len(ids))
	for i, relID := range ids {
		out[i] = s.relationships[relID]
	}
	return out
}

// Size returns the number of entities and relationships in the view.
func (s *Snapshot) Size() (int, int) {
	return len(s.entities), len(s.relationships)
}
