package store

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/argus/pkg/common"
)

var (
	// ErrGraphNotFound is returned when no investigation graph exists for an id.
	ErrGraphNotFound = errors.New("graph not found")
	// ErrVersionConflict is returned when a save is based on a stale version.
	ErrVersionConflict = errors.New("graph version conflict")
)

// GraphData is the persisted form of one investigation graph: every entity,
// relationship and recorded conflict it owns.
type GraphData struct {
	Entities      []*common.Entity       `json:"entities"`
	Relationships []*common.Relationship `json:"relationships"`
	Conflicts     []*common.Conflict     `json:"conflicts"`
}

// GraphInfo describes a stored investigation graph without its contents.
type GraphInfo struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Version           int64     `json:"version"`
	EntityCount       int       `json:"entity_count"`
	RelationshipCount int       `json:"relationship_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// GraphStorage defines the interface for persisting investigation graphs.
// Every save replaces the stored graph as a whole and bumps its version, so
// readers can cheaply tell whether a cached copy is still current.
type GraphStorage interface {
	CreateGraph(ctx context.Context, id string, name string) (GraphInfo, error)
	GetGraph(ctx context.Context, id string) (GraphInfo, error)
	ListGraphs(ctx context.Context) ([]GraphInfo, error)
	DeleteGraph(ctx context.Context, id string) error

	// LoadGraph returns the stored graph and the version it was saved at.
	LoadGraph(ctx context.Context, id string) (*GraphData, int64, error)
	// SaveGraph replaces the stored graph. When expectedVersion is not
	// negative and differs from the stored version ErrVersionConflict is
	// returned and nothing is written.
	SaveGraph(ctx context.Context, id string, data *GraphData, expectedVersion int64) (int64, error)
	Version(ctx context.Context, id string) (int64, error)
}
