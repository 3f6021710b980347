package server

import (
	"github.com/OFFIS-RIT/argus/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api")

	apiRoutes.GET("/schema/record", routes.GetRecordSchemaHandler)

	// Investigation routes
	apiRoutes.GET("/investigations", routes.ListInvestigationsHandler)
	apiRoutes.POST("/investigations", routes.CreateInvestigationHandler)
	apiRoutes.GET("/investigations/:id", routes.GetInvestigationHandler)
	apiRoutes.DELETE("/investigations/:id", routes.DeleteInvestigationHandler)

	// Ingestion
	apiRoutes.POST("/investigations/:id/results", routes.PostResultsHandler)

	// Entity routes
	apiRoutes.GET("/investigations/:id/entities/:entity_id", routes.GetEntityHandler)
	apiRoutes.DELETE("/investigations/:id/entities/:entity_id", routes.DeleteEntityHandler)

	// View and analysis routes
	apiRoutes.POST("/investigations/:id/filter", routes.FilterHandler)
	apiRoutes.POST("/investigations/:id/expand", routes.ExpandHandler)
	apiRoutes.POST("/investigations/:id/collapse", routes.CollapseHandler)
	apiRoutes.GET("/investigations/:id/path", routes.PathHandler)
	apiRoutes.GET("/investigations/:id/components", routes.ComponentsHandler)
	apiRoutes.GET("/investigations/:id/centrality", routes.CentralityHandler)

	// Conflict routes
	apiRoutes.GET("/investigations/:id/conflicts", routes.GetConflictsHandler)
	apiRoutes.POST("/investigations/:id/conflicts/:conflict_id/resolve", routes.ResolveConflictHandler)

	apiRoutes.POST("/investigations/:id/export", routes.ExportHandler)
}
