package common

import (
	"slices"
	"time"
)

// EntityType is the closed set of node kinds an investigation graph can hold.
// Matching, merging and presentation all dispatch on it.
type EntityType string

const (
	EntityIdentity      EntityType = "identity"
	EntityEmail         EntityType = "email"
	EntityPhone         EntityType = "phone"
	EntityAddress       EntityType = "address"
	EntityDomain        EntityType = "domain"
	EntityOrganization  EntityType = "organization"
	EntitySocialProfile EntityType = "social_profile"
)

// EntityTypes lists every valid EntityType in a stable order.
var EntityTypes = []EntityType{
	EntityIdentity,
	EntityEmail,
	EntityPhone,
	EntityAddress,
	EntityDomain,
	EntityOrganization,
	EntitySocialProfile,
}

// Valid reports whether t belongs to the closed entity type set.
func (t EntityType) Valid() bool {
	return slices.Contains(EntityTypes, t)
}

// RelationshipType is the closed set of edge kinds.
type RelationshipType string

const (
	RelLinkedTo       RelationshipType = "LINKED_TO"
	RelMentions       RelationshipType = "MENTIONS"
	RelPostedOn       RelationshipType = "POSTED_ON"
	RelWorksFor       RelationshipType = "WORKS_FOR"
	RelLivesAt        RelationshipType = "LIVES_AT"
	RelOwns           RelationshipType = "OWNS"
	RelAssociatesWith RelationshipType = "ASSOCIATES_WITH"
	RelRegisteredTo   RelationshipType = "REGISTERED_TO"
	RelPostedBy       RelationshipType = "POSTED_BY"
	RelUses           RelationshipType = "USES"
	RelAliasOf        RelationshipType = "ALIAS_OF"
)

// RelationshipTypes lists every valid RelationshipType in a stable order.
var RelationshipTypes = []RelationshipType{
	RelLinkedTo,
	RelMentions,
	RelPostedOn,
	RelWorksFor,
	RelLivesAt,
	RelOwns,
	RelAssociatesWith,
	RelRegisteredTo,
	RelPostedBy,
	RelUses,
	RelAliasOf,
}

// Valid reports whether t belongs to the closed relationship type set.
func (t RelationshipType) Valid() bool {
	return slices.Contains(RelationshipTypes, t)
}

// Bidirectional reports whether the endpoints of t are interchangeable.
// Bidirectional relationships dedupe regardless of endpoint order.
func (t RelationshipType) Bidirectional() bool {
	switch t {
	case RelLinkedTo, RelAssociatesWith, RelAliasOf:
		return true
	default:
		return false
	}
}

// Source represents a provenance record for an entity or relationship.
// It names the collector that contributed the fact together with the
// confidence that collector assigned and when the data was retrieved.
//
// Weight is only meaningful for relationships, where it carries the
// strength the source reported for the edge.
type Source struct {
	Name        string    `json:"name"`
	Confidence  float64   `json:"confidence"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Weight      float64   `json:"weight,omitempty"`
}

// Entity represents a node in the graph: a discovered person, account,
// identifier or organisation. Each entity may have multiple sources and
// its Confidence is always the aggregate of those sources.
//
// Entities held by a store are treated as immutable values. Writers build
// a modified copy and upsert it.
type Entity struct {
	ID         string     `json:"id"`
	Type       EntityType `json:"type"`
	Attributes Attributes `json:"attributes"`
	Confidence float64    `json:"confidence"`
	Sources    []Source   `json:"sources"`
	Conflicted bool       `json:"conflicted,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Attributes = e.Attributes.Clone()
	c.Sources = slices.Clone(e.Sources)
	return &c
}

// Label returns a human readable name for the entity, falling back to the id.
func (e *Entity) Label() string {
	for _, key := range labelKeys[e.Type] {
		if v, ok := e.Attributes[key]; ok && !v.IsNull() {
			return v.String()
		}
	}
	return e.ID
}

var labelKeys = map[EntityType][]string{
	EntityIdentity:      {AttrName, AttrUsername},
	EntityEmail:         {AttrEmail},
	EntityPhone:         {AttrPhone},
	EntityAddress:       {AttrAddress},
	EntityDomain:        {AttrDomain},
	EntityOrganization:  {AttrName},
	EntitySocialProfile: {AttrUsername, AttrURL},
}

// Relationship represents a typed edge between two entities in the graph.
// From and To hold entity ids of the same graph.
//
// Relationships are directional unless their type is bidirectional.
type Relationship struct {
	ID         string           `json:"id"`
	From       string           `json:"from"`
	To         string           `json:"to"`
	Type       RelationshipType `json:"type"`
	Weight     float64          `json:"weight"`
	Confidence float64          `json:"confidence"`
	Sources    []Source         `json:"sources"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the relationship.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	c := *r
	c.Sources = slices.Clone(r.Sources)
	return &c
}

// Other returns the endpoint opposite to id.
func (r *Relationship) Other(id string) string {
	if r.From == id {
		return r.To
	}
	return r.From
}

// Subgraph is a bounded view of the graph handed to consumers such as the
// graph view or an export. Truncated is set when a node budget cut it short.
type Subgraph struct {
	Entities      []*Entity       `json:"nodes"`
	Relationships []*Relationship `json:"edges"`
	Truncated     bool            `json:"truncated"`
}

// Conflict records an ambiguous match: a candidate that matched more than
// one existing entity and was therefore kept apart as its own entity.
type Conflict struct {
	ID           string     `json:"id"`
	Fingerprint  string     `json:"fingerprint"`
	EntityType   EntityType `json:"entity_type"`
	Attributes   Attributes `json:"attributes"`
	Source       Source     `json:"source"`
	MatchedIDs   []string   `json:"matched_ids"`
	EntityID     string     `json:"entity_id"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedInto string     `json:"resolved_into,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether a decision has been applied to the conflict.
func (c *Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// Clone returns a deep copy of the conflict.
func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Attributes = c.Attributes.Clone()
	cp.MatchedIDs = slices.Clone(c.MatchedIDs)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
