// Package query implements the read side of an investigation graph:
// filtering, view expansion and collapse, paths, components and degree
// ranking. Every function is a pure read over a Graph snapshot.
package query

import (
	"cmp"
	"slices"

	"github.com/OFFIS-RIT/argus/pkg/common"
)

// DefaultMaxNodes is the node budget applied when a caller does not set one.
const DefaultMaxNodes = 1000

// Graph is the read-only view the query functions operate on. Entities and
// Relationships return values ordered by id; Neighbors returns the
// relationships incident to an entity ordered by id.
type Graph interface {
	Entity(id string) (*common.Entity, bool)
	Relationship(id string) (*common.Relationship, bool)
	Entities() []*common.Entity
	Relationships() []*common.Relationship
	Neighbors(id string) []*common.Relationship
}

// Criteria selects a subgraph. Empty type lists do not restrict.
type Criteria struct {
	IncludeTypes      []common.EntityType       `json:"include_types,omitempty"`
	ExcludeTypes      []common.EntityType       `json:"exclude_types,omitempty"`
	RelationshipTypes []common.RelationshipType `json:"relationship_types,omitempty"`
	MinConfidence     float64                   `json:"min_confidence,omitempty" validate:"gte=0,lte=1"`
	MaxNodes          int                       `json:"max_nodes,omitempty" validate:"gte=0"`
}

func (c Criteria) keepEntity(e *common.Entity) bool {
	if len(c.IncludeTypes) > 0 && !slices.Contains(c.IncludeTypes, e.Type) {
		return false
	}
	if slices.Contains(c.ExcludeTypes, e.Type) {
		return false
	}
	return e.Confidence >= c.MinConfidence
}

func (c Criteria) keepRelationship(r *common.Relationship) bool {
	if len(c.RelationshipTypes) > 0 && !slices.Contains(c.RelationshipTypes, r.Type) {
		return false
	}
	return r.Confidence >= c.MinConfidence
}

func budget(maxNodes int) int {
	if maxNodes <= 0 {
		return DefaultMaxNodes
	}
	return maxNodes
}

// Filter selects the entities and relationships of g that satisfy c.
// A relationship survives only when it satisfies c itself and both of its
// endpoints survive. When more than MaxNodes entities qualify the ones with
// the highest confidence are kept and the result is marked truncated.
func Filter(g Graph, c Criteria) *common.Subgraph {
	return FilterSubgraph(FullGraph(g), c)
}

// FilterSubgraph applies c to an already materialised subgraph. Predicates
// are conjunctive, so chained filters commute.
func FilterSubgraph(sg *common.Subgraph, c Criteria) *common.Subgraph {
	out := &common.Subgraph{Truncated: sg.Truncated}

	for _, e := range sg.Entities {
		if c.keepEntity(e) {
			out.Entities = append(out.Entities, e)
		}
	}

	if limit := budget(c.MaxNodes); len(out.Entities) > limit {
		ranked := slices.Clone(out.Entities)
		slices.SortFunc(ranked, byConfidenceThenID)
		out.Entities = ranked[:limit]
		slices.SortFunc(out.Entities, byID)
		out.Truncated = true
	}

	kept := make(map[string]struct{}, len(out.Entities))
	for _, e := range out.Entities {
		kept[e.ID] = struct{}{}
	}
	for _, r := range sg.Relationships {
		_, okFrom := kept[r.From]
		_, okTo := kept[r.To]
		if okFrom && okTo && c.keepRelationship(r) {
			out.Relationships = append(out.Relationships, r)
		}
	}
	return out
}

// FullGraph materialises all of g as a subgraph without a node cap.
func FullGraph(g Graph) *common.Subgraph {
	return &common.Subgraph{
		Entities:      g.Entities(),
		Relationships: g.Relationships(),
	}
}

// Subgraph returns the whole graph capped at maxNodes entities, keeping the
// most confident ones.
func Subgraph(g Graph, maxNodes int) *common.Subgraph {
	return FilterSubgraph(FullGraph(g), Criteria{MaxNodes: maxNodes})
}

func byID(a, b *common.Entity) int {
	return cmp.Compare(a.ID, b.ID)
}

func byConfidenceThenID(a, b *common.Entity) int {
	if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
