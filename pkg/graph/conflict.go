package graph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/logger"
)

var (
	// ErrConflictResolved is returned when a decision is applied twice.
	ErrConflictResolved = errors.New("conflict already resolved")
	// ErrNotCandidate is returned when the merge target is not one of the
	// entities the conflict matched.
	ErrNotCandidate = errors.New("target is not a candidate of the conflict")
)

// ResolveConflict applies a human decision to an ambiguous match.
//
// With targetID naming one of the conflict's matched entities the conflicted
// entity is merged into it: sources are unioned with the candidate's original
// confidence, attributes merged and relationships re-pointed. With targetID
// equal to the conflicted entity itself the entity is kept as a regular one.
func (g *Graph) ResolveConflict(conflictID, targetID string) (*common.Conflict, error) {
	c, ok := g.store.GetConflict(conflictID)
	if !ok {
		return nil, &common.NotFoundError{Kind: "conflict", ID: conflictID}
	}

	lock := g.typeLocks[c.EntityType]
	lock.Lock()
	defer lock.Unlock()
	g.relMu.Lock()
	defer g.relMu.Unlock()

	// Re-read under the lock, a concurrent resolve may have won.
	c, ok = g.store.GetConflict(conflictID)
	if !ok {
		return nil, &common.NotFoundError{Kind: "conflict", ID: conflictID}
	}
	if c.Resolved() {
		return nil, fmt.Errorf("%w: %s", ErrConflictResolved, conflictID)
	}
	if targetID != c.EntityID && !slices.Contains(c.MatchedIDs, targetID) {
		return nil, fmt.Errorf("%w: %s", ErrNotCandidate, targetID)
	}

	conflicted, ok := g.store.GetEntity(c.EntityID)
	if !ok {
		return nil, &common.NotFoundError{ID: c.EntityID}
	}

	if targetID == conflicted.ID {
		if err := g.keepSeparate(conflicted, c); err != nil {
			return nil, err
		}
	} else {
		if err := g.mergeConflicted(conflicted, targetID, c); err != nil {
			return nil, err
		}
	}

	now := g.now()
	c.ResolvedInto = targetID
	c.ResolvedAt = &now
	if err := g.store.RecordConflict(c); err != nil {
		return nil, fmt.Errorf("failed to record resolution: %w", err)
	}

	logger.Info("[Merge] Conflict resolved", "conflict", c.ID, "entity", c.EntityID, "into", targetID)
	return c, nil
}

func (g *Graph) keepSeparate(conflicted *common.Entity, c *common.Conflict) error {
	next := conflicted.Clone()
	next.Conflicted = false
	next.Sources = restoreSource(next.Sources, c.Source)
	next.Confidence = common.AggregateConfidence(next.Sources)
	next.UpdatedAt = g.now()
	if err := g.store.UpsertEntity(next); err != nil {
		return fmt.Errorf("failed to update entity %s: %w", next.ID, err)
	}
	return nil
}

func (g *Graph) mergeConflicted(conflicted *common.Entity, targetID string, c *common.Conflict) error {
	target, ok := g.store.GetEntity(targetID)
	if !ok {
		return &common.NotFoundError{ID: targetID}
	}
	if target.Type != conflicted.Type {
		return fmt.Errorf("%w: %s is %s, conflict is %s", common.ErrTypeMismatch, targetID, target.Type, conflicted.Type)
	}

	sources := restoreSource(conflicted.Sources, c.Source)
	best := common.BestConfidence(target.Sources, "")
	incoming := common.BestConfidence(sources, "")

	next := target.Clone()
	next.Attributes, _ = common.MergeAttributes(target.Attributes, conflicted.Attributes, best, incoming)
	next.Sources = common.UnionSources(target.Sources, sources)
	next.Confidence = common.AggregateConfidence(next.Sources)
	next.UpdatedAt = g.now()
	if err := g.store.UpsertEntity(next); err != nil {
		return fmt.Errorf("failed to update entity %s: %w", targetID, err)
	}

	rels := g.store.Neighbors(conflicted.ID)
	if _, err := g.store.RemoveEntity(conflicted.ID); err != nil {
		return fmt.Errorf("failed to remove conflicted entity: %w", err)
	}
	for _, r := range rels {
		if err := g.repoint(r, conflicted.ID, targetID); err != nil {
			return err
		}
	}
	return nil
}

// repoint moves a relationship from one endpoint to another and merges it
// with a relationship already holding the new key. Caller holds relMu.
func (g *Graph) repoint(r *common.Relationship, fromID, toID string) error {
	next := r.Clone()
	if next.From == fromID {
		next.From = toID
	}
	if next.To == fromID {
		next.To = toID
	}
	if next.From == next.To {
		return nil
	}

	if existing, ok := g.store.RelationshipByKey(next.From, next.To, next.Type); ok {
		sources := common.UnionSources(existing.Sources, next.Sources)
		if sourcesEqual(existing.Sources, sources) {
			return nil
		}
		return g.putRelationshipSources(existing, sources)
	}

	next.UpdatedAt = g.now()
	if err := g.store.UpsertRelationship(next); err != nil {
		return fmt.Errorf("failed to re-point relationship %s: %w", r.ID, err)
	}
	return nil
}

// restoreSource swaps the penalised contribution of the conflict's source
// back to the confidence the source originally reported.
func restoreSource(sources []common.Source, original common.Source) []common.Source {
	for _, s := range sources {
		if s.Name == original.Name {
			return common.UpsertSource(sources, original)
		}
	}
	return sources
}
