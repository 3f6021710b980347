package middleware

import (
	"time"

	"github.com/OFFIS-RIT/argus/internal/investigation"
	"github.com/OFFIS-RIT/argus/internal/queue"
	"github.com/OFFIS-RIT/argus/pkg/export"

	"github.com/labstack/echo/v4"
)

// App holds the collaborators every handler can reach. Queue and Exports
// are optional; without them asynchronous ingestion is unavailable and
// exports are returned inline.
type App struct {
	Registry *investigation.Registry
	Queue    queue.Publisher
	Exports  export.Uploader
	MaxNodes int
	Now      func() time.Time
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	if app.Now == nil {
		app.Now = time.Now
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{Context: c, App: app})
		}
	}
}
