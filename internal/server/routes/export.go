package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/argus/pkg/export"
	"github.com/OFFIS-RIT/argus/pkg/normalizer"

	"github.com/labstack/echo/v4"
)

// ExportHandler builds an export document from a filtered subgraph. With an
// object store configured the document is uploaded and a download link is
// returned; otherwise the document itself is the response.
func ExportHandler(c echo.Context) error {
	type exportBody struct {
		ID string `param:"id" json:"-" validate:"required"`
		export.Request
	}

	body := new(exportBody)
	if err := bindAndValidate(c, body); err != nil {
		return err
	}

	g, version, err := registry(c).Get(c.Request().Context(), body.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	req := body.Request
	req.Criteria.MaxNodes = maxNodes(c, req.Criteria.MaxNodes)
	doc := export.Build(body.ID, version, g.Snapshot(), g.Conflicts(), req, app(c).Now())

	up := app(c).Exports
	if up == nil {
		return c.JSON(http.StatusOK, doc)
	}
	pub, err := export.Publish(c.Request().Context(), up, doc)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, pub)
}

// GetRecordSchemaHandler serves the JSON schema of the generic record format
// so collectors can validate their output before sending it.
func GetRecordSchemaHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, normalizer.RecordSchema())
}
