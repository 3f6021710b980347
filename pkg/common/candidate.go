package common

import "fmt"

// EntityCandidate proposes an entity. Ref names it within its batch so
// relationship candidates can point at it before it has a graph id. ID is
// optional; when set and present in the graph the candidate merges into it.
type EntityCandidate struct {
	Ref        string     `json:"ref,omitempty"`
	ID         string     `json:"id,omitempty"`
	Type       EntityType `json:"type"`
	Attributes Attributes `json:"attributes"`
}

// RelationshipCandidate proposes an edge. From and To are batch refs or
// committed entity ids.
type RelationshipCandidate struct {
	From   string           `json:"from"`
	To     string           `json:"to"`
	Type   RelationshipType `json:"type"`
	Weight float64          `json:"weight"`
}

// CandidateFact is a single-source proposal produced by the normalizer and
// consumed by the merge engine. Exactly one of Entity and Relationship is set.
type CandidateFact struct {
	Entity       *EntityCandidate       `json:"entity,omitempty"`
	Relationship *RelationshipCandidate `json:"relationship,omitempty"`
	Source       Source                 `json:"source"`
}

// Validate checks the structural shape of the fact.
func (f CandidateFact) Validate() error {
	switch {
	case f.Entity != nil && f.Relationship != nil:
		return fmt.Errorf("fact holds both an entity and a relationship")
	case f.Entity == nil && f.Relationship == nil:
		return fmt.Errorf("fact holds neither an entity nor a relationship")
	case f.Source.Name == "":
		return fmt.Errorf("fact has no source")
	}
	if f.Entity != nil && !f.Entity.Type.Valid() {
		return fmt.Errorf("%w: entity type %q", ErrInvalidType, f.Entity.Type)
	}
	if f.Relationship != nil {
		if !f.Relationship.Type.Valid() {
			return fmt.Errorf("%w: relationship type %q", ErrInvalidType, f.Relationship.Type)
		}
		if f.Relationship.From == "" || f.Relationship.To == "" {
			return fmt.Errorf("relationship endpoints are required")
		}
	}
	return nil
}
