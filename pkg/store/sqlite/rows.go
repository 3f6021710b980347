package sqlite

import (
	"context"
	"database/sql"

	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/store"
)

func insertEntities(ctx context.Context, tx *sql.Tx, graphID string, entities []*common.Entity) error {
	rows := make([][]any, 0, len(entities))
	for _, e := range entities {
		r, err := store.EncodeEntity(e)
		if err != nil {
			return err
		}
		rows = append(rows, []any{graphID, r.ID, r.Type, r.Confidence, r.Conflicted, string(r.Attributes), string(r.Sources), r.CreatedAt, r.UpdatedAt})
	}
	return insertRows(ctx, tx, "entities",
		[]string{"graph_id", "id", "type", "confidence", "conflicted", "attributes", "sources", "created_at", "updated_at"}, rows)
}

func insertRelationships(ctx context.Context, tx *sql.Tx, graphID string, rels []*common.Relationship) error {
	rows := make([][]any, 0, len(rels))
	for _, rel := range rels {
		r, err := store.EncodeRelationship(rel)
		if err != nil {
			return err
		}
		rows = append(rows, []any{graphID, r.ID, r.From, r.To, r.Type, r.Weight, r.Confidence, string(r.Sources), r.CreatedAt, r.UpdatedAt})
	}
	return insertRows(ctx, tx, "relationships",
		[]string{"graph_id", "id", "from_id", "to_id", "type", "weight", "confidence", "sources", "created_at", "updated_at"}, rows)
}

func insertConflicts(ctx context.Context, tx *sql.Tx, graphID string, conflicts []*common.Conflict) error {
	rows := make([][]any, 0, len(conflicts))
	for _, c := range conflicts {
		r, err := store.EncodeConflict(c)
		if err != nil {
			return err
		}
		var resolvedAt sql.NullTime
		if r.ResolvedAt != nil {
			resolvedAt = sql.NullTime{Time: *r.ResolvedAt, Valid: true}
		}
		rows = append(rows, []any{graphID, r.ID, r.Fingerprint, r.EntityType, string(r.Attributes), string(r.Source), string(r.MatchedIDs), r.EntityID, r.CreatedAt, r.ResolvedInto, resolvedAt})
	}
	return insertRows(ctx, tx, "conflicts",
		[]string{"graph_id", "id", "fingerprint", "entity_type", "attributes", "source", "matched_ids", "entity_id", "created_at", "resolved_into", "resolved_at"}, rows)
}

func loadEntities(ctx context.Context, tx *sql.Tx, graphID string) ([]*common.Entity, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT id, type, confidence, conflicted, attributes, sources, created_at, updated_at FROM entities WHERE graph_id = ? ORDER BY id",
		graphID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*common.Entity
	for rows.Next() {
		var r store.EntityRow
		if err := rows.Scan(&r.ID, &r.Type, &r.Confidence, &r.Conflicted, &r.Attributes, &r.Sources, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		e, err := r.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func loadRelationships(ctx context.Context, tx *sql.Tx, graphID string) ([]*common.Relationship, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT id, from_id, to_id, type, weight, confidence, sources, created_at, updated_at FROM relationships WHERE graph_id = ? ORDER BY id",
		graphID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*common.Relationship
	for rows.Next() {
		var r store.RelationshipRow
		if err := rows.Scan(&r.ID, &r.From, &r.To, &r.Type, &r.Weight, &r.Confidence, &r.Sources, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		rel, err := r.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func loadConflicts(ctx context.Context, tx *sql.Tx, graphID string) ([]*common.Conflict, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT id, fingerprint, entity_type, attributes, source, matched_ids, entity_id, created_at, resolved_into, resolved_at FROM conflicts WHERE graph_id = ? ORDER BY created_at, id",
		graphID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*common.Conflict
	for rows.Next() {
		var r store.ConflictRow
		var resolvedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Fingerprint, &r.EntityType, &r.Attributes, &r.Source, &r.MatchedIDs, &r.EntityID, &r.CreatedAt, &r.ResolvedInto, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			r.ResolvedAt = &resolvedAt.Time
		}
		c, err := r.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
