package routes

import (
	"context"
	"net/http"

	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/graph"

	"github.com/labstack/echo/v4"
)

// GetConflictsHandler lists recorded ambiguous matches; ?open=true keeps
// only those still awaiting a decision.
func GetConflictsHandler(c echo.Context) error {
	type conflictsParams struct {
		ID   string `param:"id" json:"-" validate:"required"`
		Open bool   `query:"open"`
	}

	params := new(conflictsParams)
	if err := bindAndValidate(c, params); err != nil {
		return err
	}

	g, version, err := registry(c).Get(c.Request().Context(), params.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	conflicts := make([]*common.Conflict, 0)
	for _, cf := range g.Conflicts() {
		if params.Open && cf.Resolved() {
			continue
		}
		conflicts = append(conflicts, cf)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"version":   version,
		"conflicts": conflicts,
	})
}

// ResolveConflictHandler applies a decision: target_id names the entity to
// merge into, or the conflicted entity itself to keep it separate.
func ResolveConflictHandler(c echo.Context) error {
	type resolveBody struct {
		ID         string `param:"id" json:"-" validate:"required"`
		ConflictID string `param:"conflict_id" json:"-" validate:"required"`
		TargetID   string `json:"target_id" validate:"required"`
	}

	body := new(resolveBody)
	if err := bindAndValidate(c, body); err != nil {
		return err
	}

	var resolved *common.Conflict
	version, err := registry(c).Mutate(c.Request().Context(), body.ID, func(_ context.Context, g *graph.Graph) error {
		var err error
		resolved, err = g.ResolveConflict(body.ConflictID, body.TargetID)
		return err
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"version":  version,
		"conflict": resolved,
	})
}
