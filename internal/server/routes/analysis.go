package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/argus/pkg/query"

	"github.com/labstack/echo/v4"
)

func PathHandler(c echo.Context) error {
	type pathParams struct {
		ID   string `param:"id" validate:"required"`
		From string `query:"from" validate:"required"`
		To   string `query:"to" validate:"required"`
	}

	params := new(pathParams)
	if err := bindAndValidate(c, params); err != nil {
		return err
	}

	snap, version, err := snapshot(c, params.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	path, found, err := query.ShortestPath(snap, params.From, params.To)
	if err != nil {
		return errorResponse(c, err)
	}
	if path == nil {
		path = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"version": version,
		"found":   found,
		"path":    path,
	})
}

func ComponentsHandler(c echo.Context) error {
	type componentsParams struct {
		ID      string `param:"id" validate:"required"`
		MinSize int    `query:"min_size" validate:"gte=0"`
	}

	params := new(componentsParams)
	if err := bindAndValidate(c, params); err != nil {
		return err
	}

	snap, version, err := snapshot(c, params.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	components := make([][]string, 0)
	for _, comp := range query.ConnectedComponents(snap) {
		if len(comp) >= params.MinSize {
			components = append(components, comp)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"version":    version,
		"components": components,
	})
}

func CentralityHandler(c echo.Context) error {
	type centralityParams struct {
		ID  string `param:"id" validate:"required"`
		Top int    `query:"top" validate:"gte=0"`
	}

	params := new(centralityParams)
	if err := bindAndValidate(c, params); err != nil {
		return err
	}

	snap, version, err := snapshot(c, params.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	top := params.Top
	if top == 0 {
		top = 10
	}
	return c.JSON(http.StatusOK, map[string]any{
		"version": version,
		"ranking": query.TopByDegree(snap, top),
	})
}
