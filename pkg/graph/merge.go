package graph

import (
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/logger"
)

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeCreated
	outcomeMerged
)

type entityResult struct {
	entityID string
	outcome  outcome
	conflict *AmbiguousMatchConflict
}

// applyEntity runs match, merge or create for one entity candidate while
// holding the lock of the candidate's type partition.
func (g *Graph) applyEntity(cand common.EntityCandidate, src common.Source) (entityResult, error) {
	src.Confidence = common.ClampConfidence(src.Confidence)
	src.Weight = 0

	lock := g.typeLocks[cand.Type]
	lock.Lock()
	defer lock.Unlock()

	if cand.ID != "" {
		if existing, ok := g.store.GetEntity(cand.ID); ok {
			if existing.Type != cand.Type {
				return entityResult{}, fmt.Errorf("%w: %s is %s, candidate is %s", common.ErrTypeMismatch, cand.ID, existing.Type, cand.Type)
			}
			return g.mergeInto(existing, cand.Attributes, src)
		}
	}

	probe := &common.Entity{Type: cand.Type, Attributes: cand.Attributes}
	fingerprint := candidateFingerprint(cand, src.Name)

	if c, ok := g.store.ConflictByFingerprint(fingerprint); ok {
		target := c.EntityID
		if c.Resolved() {
			target = c.ResolvedInto
		}
		if existing, ok := g.store.GetEntity(target); ok {
			if existing.Conflicted {
				src.Confidence *= g.ambiguityPenalty
			}
			res, err := g.mergeInto(existing, cand.Attributes, src)
			if err == nil && existing.Conflicted {
				res.conflict = &AmbiguousMatchConflict{ConflictID: c.ID, EntityID: c.EntityID, MatchedIDs: c.MatchedIDs}
			}
			return res, err
		}
	}

	matches := g.findMatches(probe)
	switch len(matches) {
	case 0:
		return g.create(cand, src)
	case 1:
		return g.mergeInto(matches[0], cand.Attributes, src)
	default:
		return g.keepAmbiguous(cand, src, fingerprint, matches)
	}
}

func (g *Graph) create(cand common.EntityCandidate, src common.Source) (entityResult, error) {
	now := g.now()
	id := cand.ID
	if id == "" {
		id = common.NewID()
	}
	e := &common.Entity{
		ID:         id,
		Type:       cand.Type,
		Attributes: cand.Attributes.Clone(),
		Sources:    []common.Source{src},
		Confidence: common.AggregateConfidence([]common.Source{src}),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if e.Attributes == nil {
		e.Attributes = common.Attributes{}
	}

	owner, inserted, err := g.store.InsertIfAbsent(e)
	if err != nil {
		return entityResult{}, fmt.Errorf("failed to insert entity: %w", err)
	}
	if !inserted {
		return g.mergeInto(owner, cand.Attributes, src)
	}
	return entityResult{entityID: e.ID, outcome: outcomeCreated}, nil
}

// mergeInto folds one source's view of an entity into existing. The source's
// previous contribution, if any, is replaced. Nothing is written when the
// merge changes neither attributes nor sources.
func (g *Graph) mergeInto(existing *common.Entity, attrs common.Attributes, src common.Source) (entityResult, error) {
	best := common.BestConfidence(existing.Sources, src.Name)
	merged, attrsChanged := common.MergeAttributes(existing.Attributes, attrs, best, src.Confidence)
	sources := common.UpsertSource(existing.Sources, src)

	if !attrsChanged && sourcesEqual(existing.Sources, sources) {
		return entityResult{entityID: existing.ID, outcome: outcomeUnchanged}, nil
	}

	next := existing.Clone()
	next.Attributes = merged
	next.Sources = sources
	next.Confidence = common.AggregateConfidence(sources)
	next.UpdatedAt = g.now()

	if err := g.store.UpsertEntity(next); err != nil {
		return entityResult{}, fmt.Errorf("failed to update entity %s: %w", existing.ID, err)
	}
	return entityResult{entityID: existing.ID, outcome: outcomeMerged}, nil
}

// keepAmbiguous stores the candidate as its own conflicted entity with a
// penalised confidence and records the conflict for a human decision.
func (g *Graph) keepAmbiguous(cand common.EntityCandidate, src common.Source, fingerprint string, matches []*common.Entity) (entityResult, error) {
	matched := make([]string, len(matches))
	for i, m := range matches {
		matched[i] = m.ID
	}
	slices.Sort(matched)

	original := src
	src.Confidence *= g.ambiguityPenalty

	now := g.now()
	e := &common.Entity{
		ID:         common.NewID(),
		Type:       cand.Type,
		Attributes: cand.Attributes.Clone(),
		Sources:    []common.Source{src},
		Confidence: common.AggregateConfidence([]common.Source{src}),
		Conflicted: true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if e.Attributes == nil {
		e.Attributes = common.Attributes{}
	}
	if err := g.store.UpsertEntity(e); err != nil {
		return entityResult{}, fmt.Errorf("failed to store conflicted entity: %w", err)
	}

	c := &common.Conflict{
		ID:          common.NewID(),
		Fingerprint: fingerprint,
		EntityType:  cand.Type,
		Attributes:  cand.Attributes.Clone(),
		Source:      original,
		MatchedIDs:  matched,
		EntityID:    e.ID,
		CreatedAt:   now,
	}
	if err := g.store.RecordConflict(c); err != nil {
		return entityResult{}, fmt.Errorf("failed to record conflict: %w", err)
	}

	logger.Warn("[Merge] Ambiguous match kept apart", "type", cand.Type, "source", src.Name, "entity", e.ID, "matches", matched)

	return entityResult{
		entityID: e.ID,
		outcome:  outcomeCreated,
		conflict: &AmbiguousMatchConflict{ConflictID: c.ID, EntityID: e.ID, MatchedIDs: matched},
	}, nil
}

// applyRelationship merges a relationship candidate keyed on its endpoints
// and type. Weight is the confidence weighted mean of all contributions.
func (g *Graph) applyRelationship(from, to string, cand common.RelationshipCandidate, src common.Source) (outcome, error) {
	src.Confidence = common.ClampConfidence(src.Confidence)
	src.Weight = common.ClampConfidence(cand.Weight)

	g.relMu.Lock()
	defer g.relMu.Unlock()

	existing, ok := g.store.RelationshipByKey(from, to, cand.Type)
	if !ok {
		now := g.now()
		sources := []common.Source{src}
		r := &common.Relationship{
			ID:         common.NewID(),
			From:       from,
			To:         to,
			Type:       cand.Type,
			Weight:     weightedWeight(sources),
			Confidence: common.AggregateConfidence(sources),
			Sources:    sources,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := g.store.UpsertRelationship(r); err != nil {
			return outcomeUnchanged, err
		}
		return outcomeCreated, nil
	}

	sources := common.UpsertSource(existing.Sources, src)
	if sourcesEqual(existing.Sources, sources) {
		return outcomeUnchanged, nil
	}
	if err := g.putRelationshipSources(existing, sources); err != nil {
		return outcomeUnchanged, err
	}
	return outcomeMerged, nil
}

func (g *Graph) putRelationshipSources(r *common.Relationship, sources []common.Source) error {
	next := r.Clone()
	next.Sources = sources
	next.Weight = weightedWeight(sources)
	next.Confidence = common.AggregateConfidence(sources)
	next.UpdatedAt = g.now()
	return g.store.UpsertRelationship(next)
}

// weightedWeight is Σ cᵢwᵢ / Σ cᵢ, falling back to the plain mean when every
// contributing confidence is zero.
func weightedWeight(sources []common.Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	var num, den, sum float64
	for _, s := range sources {
		num += s.Confidence * s.Weight
		den += s.Confidence
		sum += s.Weight
	}
	if den == 0 {
		return common.ClampConfidence(sum / float64(len(sources)))
	}
	return common.ClampConfidence(num / den)
}

// sourcesEqual compares contributions. Retrieval time is not compared: a
// source re-reporting the same fact later changes nothing.
func sourcesEqual(a, b []common.Source) bool {
	return slices.EqualFunc(a, b, func(x, y common.Source) bool {
		return x.Name == y.Name &&
			x.Confidence == y.Confidence &&
			x.Weight == y.Weight
	})
}
