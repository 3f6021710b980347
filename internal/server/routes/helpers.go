package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/argus/internal/investigation"
	"github.com/OFFIS-RIT/argus/internal/server/middleware"
	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/graph"
	"github.com/OFFIS-RIT/argus/pkg/leaselock"
	"github.com/OFFIS-RIT/argus/pkg/logger"
	"github.com/OFFIS-RIT/argus/pkg/store"
	"github.com/OFFIS-RIT/argus/pkg/store/memory"

	"github.com/labstack/echo/v4"
)

func app(c echo.Context) *middleware.App {
	return c.(*middleware.AppContext).App
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// bindAndValidate binds params and runs the struct validator on them.
func bindAndValidate(c echo.Context, params any) error {
	if err := c.Bind(params); err != nil {
		return badRequest(c, "Invalid request params")
	}
	if err := c.Validate(params); err != nil {
		return badRequest(c, "Invalid request params: "+err.Error())
	}
	return nil
}

// errorResponse maps domain errors to status codes.
func errorResponse(c echo.Context, err error) error {
	var dangling *common.DanglingReferenceError
	switch {
	case errors.Is(err, store.ErrGraphNotFound), common.IsNotFound(err):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, leaselock.ErrBusy),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, graph.ErrConflictResolved):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, common.ErrTypeMismatch),
		errors.Is(err, common.ErrInvalidType),
		errors.Is(err, graph.ErrNotCandidate),
		errors.As(err, &dangling):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}
	logger.Error("[Server] Request failed", "path", c.Path(), "err", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
}

// snapshot returns a consistent read view of an investigation and the
// stored version it reflects.
func snapshot(c echo.Context, id string) (*memory.Snapshot, int64, error) {
	g, version, err := app(c).Registry.Get(c.Request().Context(), id)
	if err != nil {
		return nil, 0, err
	}
	return g.Snapshot(), version, nil
}

func registry(c echo.Context) *investigation.Registry {
	return app(c).Registry
}

func maxNodes(c echo.Context, requested int) int {
	if requested > 0 {
		return requested
	}
	return app(c).MaxNodes
}
