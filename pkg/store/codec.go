package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/argus/pkg/common"
)

// EntityRow is the column form of an entity shared by the SQL backends.
// Attributes and Sources hold JSON documents.
type EntityRow struct {
	ID         string
	Type       string
	Confidence float64
	Conflicted bool
	Attributes []byte
	Sources    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func EncodeEntity(e *common.Entity) (EntityRow, error) {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return EntityRow{}, fmt.Errorf("entity %s attributes: %w", e.ID, err)
	}
	sources, err := json.Marshal(e.Sources)
	if err != nil {
		return EntityRow{}, fmt.Errorf("entity %s sources: %w", e.ID, err)
	}
	return EntityRow{
		ID:         e.ID,
		Type:       string(e.Type),
		Confidence: e.Confidence,
		Conflicted: e.Conflicted,
		Attributes: attrs,
		Sources:    sources,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}, nil
}

func (r EntityRow) Decode() (*common.Entity, error) {
	e := &common.Entity{
		ID:         r.ID,
		Type:       common.EntityType(r.Type),
		Confidence: r.Confidence,
		Conflicted: r.Conflicted,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if err := decodeJSON(r.Attributes, &e.Attributes); err != nil {
		return nil, fmt.Errorf("entity %s attributes: %w", r.ID, err)
	}
	if err := decodeJSON(r.Sources, &e.Sources); err != nil {
		return nil, fmt.Errorf("entity %s sources: %w", r.ID, err)
	}
	return e, nil
}

// RelationshipRow is the column form of a relationship.
type RelationshipRow struct {
	ID         string
	From       string
	To         string
	Type       string
	Weight     float64
	Confidence float64
	Sources    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func EncodeRelationship(r *common.Relationship) (RelationshipRow, error) {
	sources, err := json.Marshal(r.Sources)
	if err != nil {
		return RelationshipRow{}, fmt.Errorf("relationship %s sources: %w", r.ID, err)
	}
	return RelationshipRow{
		ID:         r.ID,
		From:       r.From,
		To:         r.To,
		Type:       string(r.Type),
		Weight:     r.Weight,
		Confidence: r.Confidence,
		Sources:    sources,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

func (r RelationshipRow) Decode() (*common.Relationship, error) {
	rel := &common.Relationship{
		ID:         r.ID,
		From:       r.From,
		To:         r.To,
		Type:       common.RelationshipType(r.Type),
		Weight:     r.Weight,
		Confidence: r.Confidence,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if err := decodeJSON(r.Sources, &rel.Sources); err != nil {
		return nil, fmt.Errorf("relationship %s sources: %w", r.ID, err)
	}
	return rel, nil
}

// ConflictRow is the column form of a recorded conflict.
type ConflictRow struct {
	ID           string
	Fingerprint  string
	EntityType   string
	Attributes   []byte
	Source       []byte
	MatchedIDs   []byte
	EntityID     string
	CreatedAt    time.Time
	ResolvedInto string
	ResolvedAt   *time.Time
}

func EncodeConflict(c *common.Conflict) (ConflictRow, error) {
	attrs, err := json.Marshal(c.Attributes)
	if err != nil {
		return ConflictRow{}, fmt.Errorf("conflict %s attributes: %w", c.ID, err)
	}
	source, err := json.Marshal(c.Source)
	if err != nil {
		return ConflictRow{}, fmt.Errorf("conflict %s source: %w", c.ID, err)
	}
	matched, err := json.Marshal(c.MatchedIDs)
	if err != nil {
		return ConflictRow{}, fmt.Errorf("conflict %s matches: %w", c.ID, err)
	}
	return ConflictRow{
		ID:           c.ID,
		Fingerprint:  c.Fingerprint,
		EntityType:   string(c.EntityType),
		Attributes:   attrs,
		Source:       source,
		MatchedIDs:   matched,
		EntityID:     c.EntityID,
		CreatedAt:    c.CreatedAt,
		ResolvedInto: c.ResolvedInto,
		ResolvedAt:   c.ResolvedAt,
	}, nil
}

func (r ConflictRow) Decode() (*common.Conflict, error) {
	c := &common.Conflict{
		ID:           r.ID,
		Fingerprint:  r.Fingerprint,
		EntityType:   common.EntityType(r.EntityType),
		EntityID:     r.EntityID,
		CreatedAt:    r.CreatedAt.UTC(),
		ResolvedInto: r.ResolvedInto,
	}
	if r.ResolvedAt != nil {
		at := r.ResolvedAt.UTC()
		c.ResolvedAt = &at
	}
	if err := decodeJSON(r.Attributes, &c.Attributes); err != nil {
		return nil, fmt.Errorf("conflict %s attributes: %w", r.ID, err)
	}
	if err := decodeJSON(r.Source, &c.Source); err != nil {
		return nil, fmt.Errorf("conflict %s source: %w", r.ID, err)
	}
	if err := decodeJSON(r.MatchedIDs, &c.MatchedIDs); err != nil {
		return nil, fmt.Errorf("conflict %s matches: %w", r.ID, err)
	}
	return c, nil
}

func decodeJSON(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
