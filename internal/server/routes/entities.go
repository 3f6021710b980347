package routes

import (
	"context"
	"net/http"

	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/graph"

	"github.com/labstack/echo/v4"
)

type entityParams struct {
	ID       string `param:"id" validate:"required"`
	EntityID string `param:"entity_id" validate:"required"`
}

func GetEntityHandler(c echo.Context) error {
	params := new(entityParams)
	if err := bindAndValidate(c, params); err != nil {
		return err
	}

	snap, version, err := snapshot(c, params.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	e, ok := snap.Entity(params.EntityID)
	if !ok {
		return errorResponse(c, &common.NotFoundError{ID: params.EntityID})
	}

	return c.JSON(http.StatusOK, struct {
		Version       int64                  `json:"version"`
		Entity        *common.Entity         `json:"entity"`
		Relationships []*common.Relationship `json:"relationships"`
	}{version, e, snap.Neighbors(e.ID)})
}

// DeleteEntityHandler removes an entity together with its relationships.
func DeleteEntityHandler(c echo.Context) error {
	params := new(entityParams)
	if err := bindAndValidate(c, params); err != nil {
		return err
	}

	var removed []string
	version, err := registry(c).Mutate(c.Request().Context(), params.ID, func(_ context.Context, g *graph.Graph) error {
		var err error
		removed, err = g.RemoveEntity(params.EntityID)
		return err
	})
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"version":               version,
		"removed_relationships": removed,
	})
}
