package pgx

import (
	"context"

	"github.com/OFFIS-RIT/argus/internal/util"
	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

var (
	entityColumns       = []string{"graph_id", "id", "type", "confidence", "conflicted", "attributes", "sources", "created_at", "updated_at"}
	relationshipColumns = []string{"graph_id", "id", "from_id", "to_id", "type", "weight", "confidence", "sources", "created_at", "updated_at"}
	conflictColumns     = []string{"graph_id", "id", "fingerprint", "entity_type", "attributes", "source", "matched_ids", "entity_id", "created_at", "resolved_into", "resolved_at"}
)

// sanitizeAttributes strips text Postgres refuses inside jsonb.
func sanitizeAttributes(attrs common.Attributes) common.Attributes {
	if attrs == nil {
		return nil
	}
	out := make(common.Attributes, len(attrs))
	for k, v := range attrs {
		key := util.SanitizePostgresText(k)
		switch v.Kind() {
		case common.KindString:
			out[key] = common.String(util.SanitizePostgresText(v.String()))
		case common.KindStringList:
			items := v.List()
			for i := range items {
				items[i] = util.SanitizePostgresText(items[i])
			}
			out[key] = common.StringList(items...)
		default:
			out[key] = v
		}
	}
	return out
}

func sanitizeSources(sources []common.Source) []common.Source {
	out := make([]common.Source, len(sources))
	for i, s := range sources {
		s.Name = util.SanitizePostgresText(s.Name)
		out[i] = s
	}
	return out
}

func (s *GraphDBStorage) copyEntities(ctx context.Context, tx pgxv5.Tx, graphID string, entities []*common.Entity) error {
	return store.ChunkRange(len(entities), s.chunkSize, func(start, end int) error {
		rows := make([][]any, 0, end-start)
		for _, e := range entities[start:end] {
			cp := e.Clone()
			cp.Attributes = sanitizeAttributes(cp.Attributes)
			cp.Sources = sanitizeSources(cp.Sources)
			r, err := store.EncodeEntity(cp)
			if err != nil {
				return err
			}
			rows = append(rows, []any{
				graphID, r.ID, r.Type, r.Confidence, r.Conflicted,
				r.Attributes, r.Sources, r.CreatedAt, r.UpdatedAt,
			})
		}
		_, err := tx.CopyFrom(ctx, pgxv5.Identifier{"entities"}, entityColumns, pgxv5.CopyFromRows(rows))
		return err
	})
}

func (s *GraphDBStorage) copyRelationships(ctx context.Context, tx pgxv5.Tx, graphID string, rels []*common.Relationship) error {
	return store.ChunkRange(len(rels), s.chunkSize, func(start, end int) error {
		rows := make([][]any, 0, end-start)
		for _, rel := range rels[start:end] {
			cp := rel.Clone()
			cp.Sources = sanitizeSources(cp.Sources)
			r, err := store.EncodeRelationship(cp)
			if err != nil {
				return err
			}
			rows = append(rows, []any{
				graphID, r.ID, r.From, r.To, r.Type, r.Weight, r.Confidence,
				r.Sources, r.CreatedAt, r.UpdatedAt,
			})
		}
		_, err := tx.CopyFrom(ctx, pgxv5.Identifier{"relationships"}, relationshipColumns, pgxv5.CopyFromRows(rows))
		return err
	})
}

func (s *GraphDBStorage) copyConflicts(ctx context.Context, tx pgxv5.Tx, graphID string, conflicts []*common.Conflict) error {
	return store.ChunkRange(len(conflicts), s.chunkSize, func(start, end int) error {
		rows := make([][]any, 0, end-start)
		for _, c := range conflicts[start:end] {
			cp := c.Clone()
			cp.Attributes = sanitizeAttributes(cp.Attributes)
			cp.Source.Name = util.SanitizePostgresText(cp.Source.Name)
			r, err := store.EncodeConflict(cp)
			if err != nil {
				return err
			}
			rows = append(rows, []any{
				graphID, r.ID, r.Fingerprint, r.EntityType, r.Attributes, r.Source,
				r.MatchedIDs, r.EntityID, r.CreatedAt, r.ResolvedInto, r.ResolvedAt,
			})
		}
		_, err := tx.CopyFrom(ctx, pgxv5.Identifier{"conflicts"}, conflictColumns, pgxv5.CopyFromRows(rows))
		return err
	})
}

func loadEntities(ctx context.Context, tx pgxv5.Tx, graphID string) ([]*common.Entity, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, type, confidence, conflicted, attributes, sources, created_at, updated_at
		FROM entities WHERE graph_id = $1 ORDER BY id`, graphID)
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

func loadRelationships(ctx context.Context, tx pgxv5.Tx, graphID string) ([]*common.Relationship, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, from_id, to_id, type, weight, confidence, sources, created_at, updated_at
		FROM relationships WHERE graph_id = $1 ORDER BY id`, graphID)
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

func loadConflicts(ctx context.Context, tx pgxv5.Tx, graphID string) ([]*common.Conflict, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, fingerprint, entity_type, attributes, source, matched_ids, entity_id, created_at, resolved_into, resolved_at
		FROM conflicts WHERE graph_id = $1 ORDER BY created_at, id`, graphID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*common.Conflict
	for rows.Next() {
		var r store.ConflictRow
		if err := rows.Scan(&r.ID, &r.Fingerprint, &r.EntityType, &r.Attributes, &r.Source, &r.MatchedIDs, &r.EntityID, &r.CreatedAt, &r.ResolvedInto, &r.ResolvedAt); err != nil {
			return nil, err
		}
		c, err := r.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
