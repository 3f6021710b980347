package routes

import (
	"net/http"
	"slices"

	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/query"

	"github.com/labstack/echo/v4"
)

type subgraphResponse struct {
	Version int64 `json:"version"`
	*common.Subgraph
}

func FilterHandler(c echo.Context) error {
	type filterBody struct {
		ID string `param:"id" json:"-" validate:"required"`
		query.Criteria
	}

	body := new(filterBody)
	if err := bindAndValidate(c, body); err != nil {
		return err
	}
	for _, t := range slices.Concat(body.IncludeTypes, body.ExcludeTypes) {
		if !t.Valid() {
			return badRequest(c, "Unknown entity type "+string(t))
		}
	}
	for _, t := range body.RelationshipTypes {
		if !t.Valid() {
			return badRequest(c, "Unknown relationship type "+string(t))
		}
	}

	snap, version, err := snapshot(c, body.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	crit := body.Criteria
	crit.MaxNodes = maxNodes(c, crit.MaxNodes)
	return c.JSON(http.StatusOK, subgraphResponse{Version: version, Subgraph: query.Filter(snap, crit)})
}

type viewBody struct {
	ID       string     `param:"id" json:"-" validate:"required"`
	View     query.View `json:"view"`
	NodeID   string     `json:"node_id" validate:"required"`
	Depth    *int       `json:"depth" validate:"omitempty,gte=0,lte=10"`
	MaxNodes int        `json:"max_nodes" validate:"gte=0"`
}

// depth defaults to one hop when the field is absent. An explicit 0 is kept.
func (b *viewBody) depth() int {
	if b.Depth == nil {
		return 1
	}
	return *b.Depth
}

// ExpandHandler adds the neighbourhood of a node to the caller's view.
func ExpandHandler(c echo.Context) error {
	body := new(viewBody)
	if err := bindAndValidate(c, body); err != nil {
		return err
	}

	snap, version, err := snapshot(c, body.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	res, err := query.Expand(snap, body.View, body.NodeID, body.depth(), maxNodes(c, body.MaxNodes))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, struct {
		Version int64 `json:"version"`
		*query.ExpandResult
	}{version, res})
}

// CollapseHandler hides what an expand of the same node and depth added.
func CollapseHandler(c echo.Context) error {
	body := new(viewBody)
	if err := bindAndValidate(c, body); err != nil {
		return err
	}

	snap, version, err := snapshot(c, body.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	res, err := query.Collapse(snap, body.View, body.NodeID, body.depth())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, struct {
		Version int64 `json:"version"`
		*query.CollapseResult
	}{version, res})
}
