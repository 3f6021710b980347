// Package memory holds the authoritative in-memory graph of one
// investigation.
//
// Values are copied on write: an upsert installs a fresh copy and never
// touches a value a reader may still hold, so a Snapshot taken before a merge
// keeps observing the pre-merge state.
package memory

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/store"
)

// Store is the in-memory indexed holder of a merged graph. All methods are
// safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	entities      map[string]*common.Entity
	relationships map[string]*common.Relationship
	byType        map[common.EntityType]map[string]struct{}
	adjacency     map[string]map[string]struct{}
	relKeys       map[string]string
	dedupe        map[string]string
	conflicts     map[string]*common.Conflict
	conflictKeys  map[string]string

	version  uint64
	snapshot *Snapshot
}

func New() *Store {
	return &Store{
		entities:      make(map[string]*common.Entity),
		relationships: make(map[string]*common.Relationship),
		byType:        make(map[common.EntityType]map[string]struct{}),
		adjacency:     make(map[string]map[string]struct{}),
		relKeys:       make(map[string]string),
		dedupe:        make(map[string]string),
		conflicts:     make(map[string]*common.Conflict),
		conflictKeys:  make(map[string]string),
	}
}

// RelationshipKey identifies a relationship by its endpoints and type.
// Bidirectional types use the sorted endpoint pair.
func RelationshipKey(from, to string, typ common.RelationshipType) string {
	if typ.Bidirectional() && to < from {
		from, to = to, from
	}
	return from + "|" + to + "|" + string(typ)
}

// Version returns a counter that changes on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// UpsertEntity inserts or replaces e. The stored entity's type cannot change.
func (s *Store) UpsertEntity(e *common.Entity) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("entity id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: entity type %q", common.ErrInvalidType, e.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entities[e.ID]; ok && old.Type != e.Type {
		return fmt.Errorf("%w: %s is %s, not %s", common.ErrTypeMismatch, e.ID, old.Type, e.Type)
	}
	s.putEntityLocked(e.Clone())
	return nil
}

// InsertIfAbsent installs e unless another entity already holds its dedupe
// key. It returns the entity that owns the key afterwards and whether e was
// the one inserted. Entities without a derivable key are always inserted.
func (s *Store) InsertIfAbsent(e *common.Entity) (*common.Entity, bool, error) {
	if e == nil || e.ID == "" {
		return nil, false, fmt.Errorf("entity id is required")
	}
	if !e.Type.Valid() {
		return nil, false, fmt.Errorf("%w: entity type %q", common.ErrInvalidType, e.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if key := common.DedupeKey(e); key != "" && !e.Conflicted {
		if id, ok := s.dedupe[key]; ok {
			return s.entities[id].Clone(), false, nil
		}
	}
	if _, ok := s.entities[e.ID]; ok {
		return s.entities[e.ID].Clone(), false, nil
	}
	s.putEntityLocked(e.Clone())
	return e.Clone(), true, nil
}

func (s *Store) putEntityLocked(e *common.Entity) {
	if old, ok := s.entities[e.ID]; ok {
		if key := common.DedupeKey(old); key != "" && s.dedupe[key] == old.ID {
			delete(s.dedupe, key)
		}
	}

	s.entities[e.ID] = e
	ids, ok := s.byType[e.Type]
	if !ok {
		ids = make(map[string]struct{})
		s.byType[e.Type] = ids
	}
	ids[e.ID] = struct{}{}

	if key := common.DedupeKey(e); key != "" && !e.Conflicted {
		if _, taken := s.dedupe[key]; !taken {
			s.dedupe[key] = e.ID
		}
	}
	s.touchLocked()
}

// UpsertRelationship inserts or replaces r. Both endpoints must exist,
// otherwise a DanglingReferenceError naming the missing one is returned.
func (s *Store) UpsertRelationship(r *common.Relationship) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("relationship id is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: relationship type %q", common.ErrInvalidType, r.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range []string{r.From, r.To} {
		if _, ok := s.entities[id]; !ok {
			return &common.DanglingReferenceError{MissingID: id}
		}
	}

	key := RelationshipKey(r.From, r.To, r.Type)
	if existing, ok := s.relKeys[key]; ok && existing != r.ID {
		return fmt.Errorf("relationship %s already holds key %s", existing, key)
	}
	if old, ok := s.relationships[r.ID]; ok {
		s.unlinkRelationshipLocked(old)
	}

	r = r.Clone()
	s.relationships[r.ID] = r
	s.relKeys[key] = r.ID
	s.link(r.From, r.ID)
	s.link(r.To, r.ID)
	s.touchLocked()
	return nil
}

func (s *Store) link(entityID, relID string) {
	rels, ok := s.adjacency[entityID]
	if !ok {
		rels = make(map[string]struct{})
		s.adjacency[entityID] = rels
	}
	rels[relID] = struct{}{}
}

func (s *Store) unlinkRelationshipLocked(r *common.Relationship) {
	delete(s.relationships, r.ID)
	delete(s.relKeys, RelationshipKey(r.From, r.To, r.Type))
	for _, id := range []string{r.From, r.To} {
		if rels, ok := s.adjacency[id]; ok {
			delete(rels, r.ID)
			if len(rels) == 0 {
				delete(s.adjacency, id)
			}
		}
	}
}

func (s *Store) GetEntity(id string) (*common.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (s *Store) GetRelationship(id string) (*common.Relationship, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.relationships[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// RelationshipByKey looks a relationship up by endpoints and type.
func (s *Store) RelationshipByKey(from, to string, typ common.RelationshipType) (*common.Relationship, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.relKeys[RelationshipKey(from, to, typ)]
	if !ok {
		return nil, false
	}
	return s.relationships[id].Clone(), true
}

// LookupDedupeKey returns the entity owning a normalized dedupe key.
func (s *Store) LookupDedupeKey(key string) (*common.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.dedupe[key]
	if !ok {
		return nil, false
	}
	return s.entities[id].Clone(), true
}

// Neighbors returns the relationships incident to id ordered by id.
func (s *Store) Neighbors(id string) []*common.Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*common.Relationship, 0, len(s.adjacency[id]))
	for _, relID := range slices.Sorted(maps.Keys(s.adjacency[id])) {
		out = append(out, s.relationships[relID].Clone())
	}
	return out
}

// EntitiesByType returns all entities of typ ordered by id.
func (s *Store) EntitiesByType(typ common.EntityType) []*common.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*common.Entity, 0, len(s.byType[typ]))
	for _, id := range slices.Sorted(maps.Keys(s.byType[typ])) {
		out = append(out, s.entities[id].Clone())
	}
	return out
}

// RemoveEntity deletes an entity together with every incident relationship
// and returns the ids of the removed relationships.
func (s *Store) RemoveEntity(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, &common.NotFoundError{ID: id}
	}

	removed := slices.Sorted(maps.Keys(s.adjacency[id]))
	for _, relID := range removed {
		s.unlinkRelationshipLocked(s.relationships[relID])
	}

	if key := common.DedupeKey(e); key != "" && s.dedupe[key] == id {
		delete(s.dedupe, key)
	}
	delete(s.byType[e.Type], id)
	delete(s.entities, id)
	delete(s.adjacency, id)
	s.touchLocked()
	return removed, nil
}

// RemoveRelationship deletes a single relationship.
func (s *Store) RemoveRelationship(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.relationships[id]
	if !ok {
		return &common.NotFoundError{Kind: "relationship", ID: id}
	}
	s.unlinkRelationshipLocked(r)
	s.touchLocked()
	return nil
}

// Size returns the number of entities and relationships.
func (s *Store) Size() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities), len(s.relationships)
}

// RecordConflict stores or updates c and indexes it by fingerprint. A newer
// conflict for the same fingerprint takes over the index entry.
func (s *Store) RecordConflict(c *common.Conflict) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("conflict id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c = c.Clone()
	s.conflicts[c.ID] = c
	if c.Fingerprint != "" {
		s.conflictKeys[c.Fingerprint] = c.ID
	}
	s.touchLocked()
	return nil
}

func (s *Store) GetConflict(id string) (*common.Conflict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// ConflictByFingerprint returns the conflict recorded for a candidate
// fingerprint.
func (s *Store) ConflictByFingerprint(fingerprint string) (*common.Conflict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.conflictKeys[fingerprint]
	if !ok {
		return nil, false
	}
	return s.conflicts[id].Clone(), true
}

// Conflicts returns all recorded conflicts, oldest first.
func (s *Store) Conflicts() []*common.Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*common.Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		out = append(out, c.Clone())
	}
	sortConflicts(out)
	return out
}

func sortConflicts(cs []*common.Conflict) {
	slices.SortFunc(cs, func(a, b *common.Conflict) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func (s *Store) touchLocked() {
	s.version++
	s.snapshot = nil
}

// Export returns a deep copy of the whole graph for persistence.
func (s *Store) Export() *store.GraphData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := &store.GraphData{
		Entities:      make([]*common.Entity, 0, len(s.entities)),
		Relationships: make([]*common.Relationship, 0, len(s.relationships)),
		Conflicts:     make([]*common.Conflict, 0, len(s.conflicts)),
	}
	for _, id := range slices.Sorted(maps.Keys(s.entities)) {
		data.Entities = append(data.Entities, s.entities[id].Clone())
	}
	for _, id := range slices.Sorted(maps.Keys(s.relationships)) {
		data.Relationships = append(data.Relationships, s.relationships[id].Clone())
	}
	for _, c := range s.conflicts {
		data.Conflicts = append(data.Conflicts, c.Clone())
	}
	sortConflicts(data.Conflicts)
	return data
}

// Restore replaces the store contents with data. Relationships whose
// endpoints are missing from data are rejected and nothing is replaced.
func (s *Store) Restore(data *store.GraphData) error {
	next := New()
	if data != nil {
		for _, e := range data.Entities {
			if err := next.UpsertEntity(e); err != nil {
				return fmt.Errorf("failed to restore entity: %w", err)
			}
		}
		for _, r := range data.Relationships {
			if err := next.UpsertRelationship(r); err != nil {
				return fmt.Errorf("failed to restore relationship %s: %w", r.ID, err)
			}
		}
		for _, c := range data.Conflicts {
			if err := next.RecordConflict(c); err != nil {
				return fmt.Errorf("failed to restore conflict: %w", err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities = next.entities
	s.relationships = next.relationships
	s.byType = next.byType
	s.adjacency = next.adjacency
	s.relKeys = next.relKeys
	s.dedupe = next.dedupe
	s.conflicts = next.conflicts
	s.conflictKeys = next.conflictKeys
	s.touchLocked()
	return nil
}
