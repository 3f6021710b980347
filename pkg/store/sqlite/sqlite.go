// Package sqlite persists investigation graphs in a single SQLite file. It
// backs the command line tool, where no Postgres server is around.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/store"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// rowsPerInsert keeps multi-row inserts well below SQLite's variable limit.
const rowsPerInsert = 200

// Store implements store.GraphStorage on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.GraphStorage = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const graphInfoQuery = `
	SELECT g.id, g.name, g.version, g.created_at, g.updated_at,
		(SELECT count(*) FROM entities e WHERE e.graph_id = g.id),
		(SELECT count(*) FROM relationships r WHERE r.graph_id = g.id)
	FROM graphs g`

type scanner interface {
	Scan(dest ...any) error
}

func scanGraphInfo(row scanner) (store.GraphInfo, error) {
	var info store.GraphInfo
	err := row.Scan(&info.ID, &info.Name, &info.Version, &info.CreatedAt, &info.UpdatedAt, &info.EntityCount, &info.RelationshipCount)
	if errors.Is(err, sql.ErrNoRows) {
		return info, store.ErrGraphNotFound
	}
	if err != nil {
		return info, fmt.Errorf("scan graph: %w", err)
	}
	info.CreatedAt = info.CreatedAt.UTC()
	info.UpdatedAt = info.UpdatedAt.UTC()
	return info, nil
}

// CreateGraph registers an empty graph. Creating an existing id returns the
// stored graph unchanged.
func (s *Store) CreateGraph(ctx context.Context, id string, name string) (store.GraphInfo, error) {
	if id == "" {
		id = common.NewID()
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO graphs (id, name, version, created_at, updated_at) VALUES (?, ?, 0, ?, ?) ON CONFLICT (id) DO NOTHING",
		id, name, now, now,
	)
	if err != nil {
		return store.GraphInfo{}, fmt.Errorf("insert graph: %w", err)
	}
	return s.GetGraph(ctx, id)
}

func (s *Store) GetGraph(ctx context.Context, id string) (store.GraphInfo, error) {
	return scanGraphInfo(s.db.QueryRowContext(ctx, graphInfoQuery+" WHERE g.id = ?", id))
}

func (s *Store) ListGraphs(ctx context.Context) ([]store.GraphInfo, error) {
	rows, err := s.db.QueryContext(ctx, graphInfoQuery+" ORDER BY g.created_at, g.id")
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
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

func (s *Store) DeleteGraph(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM graphs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete graph: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrGraphNotFound
	}
	return nil
}

func (s *Store) Version(ctx context.Context, id string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, "SELECT version FROM graphs WHERE id = ?", id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrGraphNotFound
	}
	return version, err
}

func (s *Store) LoadGraph(ctx context.Context, id string) (*store.GraphData, int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx, "SELECT version FROM graphs WHERE id = ?", id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
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
	return data, version, tx.Commit()
}

func (s *Store) SaveGraph(ctx context.Context, id string, data *store.GraphData, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, "SELECT version FROM graphs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrGraphNotFound
	}
	if err != nil {
		return 0, err
	}
	if expectedVersion >= 0 && current != expectedVersion {
		return 0, fmt.Errorf("%w: graph %s is at version %d, expected %d", store.ErrVersionConflict, id, current, expectedVersion)
	}

	for _, table := range []string{"conflicts", "relationships", "entities"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE graph_id = ?", id); err != nil {
			return 0, fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := insertEntities(ctx, tx, id, data.Entities); err != nil {
		return 0, err
	}
	if err := insertRelationships(ctx, tx, id, data.Relationships); err != nil {
		return 0, err
	}
	if err := insertConflicts(ctx, tx, id, data.Conflicts); err != nil {
		return 0, err
	}

	version := current + 1
	if _, err := tx.ExecContext(ctx, "UPDATE graphs SET version = ?, updated_at = ? WHERE id = ?", version, s.now(), id); err != nil {
		return 0, fmt.Errorf("bump version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// insertRows writes rows with multi-row INSERT statements.
func insertRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	return store.ChunkRange(len(rows), rowsPerInsert, func(start, end int) error {
		values := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*len(columns))
		for _, r := range rows[start:end] {
			values = append(values, placeholder)
			args = append(args, r...)
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, strings.Join(columns, ", "), strings.Join(values, ", "))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
		return nil
	})
}
