// Package pgx persists investigation graphs in PostgreSQL.
package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/argus/internal/util"
	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/logger"
	"github.com/OFFIS-RIT/argus/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStorage implements store.GraphStorage on PostgreSQL. A save
// rewrites the rows of one graph inside a single transaction, so readers
// either see the previous or the new version.
type GraphDBStorage struct {
	conn      pgxIConn
	chunkSize int
}

var _ store.GraphStorage = (*GraphDBStorage)(nil)

type GraphDBStorageOption func(*GraphDBStorage)

// WithChunkSize sets how many rows are copied per COPY round trip.
func WithChunkSize(n int) GraphDBStorageOption {
	return func(s *GraphDBStorage) {
		s.chunkSize = n
	}
}

// NewGraphDBStorageWithConnection creates a GraphDBStorage on an existing
// connection or pool. The schema must have been migrated with Migrate.
func NewGraphDBStorageWithConnection(conn pgxIConn, opts ...GraphDBStorageOption) *GraphDBStorage {
	s := &GraphDBStorage{
		conn:      conn,
		chunkSize: 1000,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

const graphInfoColumns = `
	g.id, g.name, g.version, g.created_at, g.updated_at,
	(SELECT count(*) FROM entities e WHERE e.graph_id = g.id),
	(SELECT count(*) FROM relationships r WHERE r.graph_id = g.id)`

func scanGraphInfo(row pgxv5.Row) (store.GraphInfo, error) {
	var info store.GraphInfo
	err := row.Scan(
		&info.ID, &info.Name, &info.Version, &info.CreatedAt, &info.UpdatedAt,
		&info.EntityCount, &info.RelationshipCount,
	)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return info, store.ErrGraphNotFound
	}
	info.CreatedAt = info.CreatedAt.UTC()
	info.UpdatedAt = info.UpdatedAt.UTC()
	return info, err
}

// CreateGraph registers an empty graph. Creating an existing id returns the
// stored graph unchanged.
func (s *GraphDBStorage) CreateGraph(ctx context.Context, id string, name string) (store.GraphInfo, error) {
	if id == "" {
		id = common.NewID()
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO graphs (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`,
		id, util.SanitizePostgresText(name),
	)
	if err != nil {
		return store.GraphInfo{}, fmt.Errorf("failed to create graph %s: %w", id, err)
	}
	return s.GetGraph(ctx, id)
}

func (s *GraphDBStorage) GetGraph(ctx context.Context, id string) (store.GraphInfo, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+graphInfoColumns+` FROM graphs g WHERE g.id = $1`, id)
	return scanGraphInfo(row)
}

func (s *GraphDBStorage) ListGraphs(ctx context.Context) ([]store.GraphInfo, error) {
	rows, err := s.conn.Query(ctx, `SELECT `+graphInfoColumns+` FROM graphs g ORDER BY g.created_at, g.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.GraphInfo
	for rows.Next() {
		info, err := scanGraphInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *GraphDBStorage) DeleteGraph(ctx context.Context, id string) error {
	tag, err := s.conn.Exec(ctx, `DELETE FROM graphs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrGraphNotFound
	}
	logger.Info("[Store] Deleted graph", "graph_id", id)
	return nil
}

func (s *GraphDBStorage) Version(ctx context.Context, id string) (int64, error) {
	var version int64
	err := s.conn.QueryRow(ctx, `SELECT version FROM graphs WHERE id = $1`, id).Scan(&version)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return 0, store.ErrGraphNotFound
	}
	return version, err
}

// LoadGraph reads all rows of a graph from one repeatable read snapshot.
func (s *GraphDBStorage) LoadGraph(ctx context.Context, id string) (*store.GraphData, int64, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET TRANSACTION ISOLATION LEVEL REPEATABLE READ READ ONLY`); err != nil {
		return nil, 0, err
	}

	var version int64
	err = tx.QueryRow(ctx, `SELECT version FROM graphs WHERE id = $1`, id).Scan(&version)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, 0, store.ErrGraphNotFound
	}
	if err != nil {
		return nil, 0, err
	}

	data := &store.GraphData{}
	if data.Entities, err = loadEntities(ctx, tx, id); err != nil {
		return nil, 0, err
	}
	if data.Relationships, err = loadRelationships(ctx, tx, id); err != nil {
		return nil, 0, err
	}
	if data.Conflicts, err = loadConflicts(ctx, tx, id); err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}
	logger.Debug("[Store] Loaded graph", "graph_id", id, "version", version, "entities", len(data.Entities), "relationships", len(data.Relationships))
	return data, version, nil
}

// SaveGraph replaces the stored rows of a graph and bumps its version.
func (s *GraphDBStorage) SaveGraph(ctx context.Context, id string, data *store.GraphData, expectedVersion int64) (int64, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx, `SELECT version FROM graphs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return 0, store.ErrGraphNotFound
	}
	if err != nil {
		return 0, err
	}
	if expectedVersion >= 0 && current != expectedVersion {
		return 0, fmt.Errorf("%w: graph %s is at version %d, expected %d", store.ErrVersionConflict, id, current, expectedVersion)
	}

	for _, table := range []string{"conflicts", "relationships", "entities"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE graph_id = $1`, id); err != nil {
			return 0, fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := s.copyEntities(ctx, tx, id, data.Entities); err != nil {
		return 0, err
	}
	if err := s.copyRelationships(ctx, tx, id, data.Relationships); err != nil {
		return 0, err
	}
	if err := s.copyConflicts(ctx, tx, id, data.Conflicts); err != nil {
		return 0, err
	}

	var version int64
	err = tx.QueryRow(ctx, `
		UPDATE graphs SET version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING version`, id).Scan(&version)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	logger.Debug("[Store] Saved graph", "graph_id", id, "version", version, "entities", len(data.Entities), "relationships", len(data.Relationships))
	return version, nil
}
